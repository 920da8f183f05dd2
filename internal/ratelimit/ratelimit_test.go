package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestTracker(t *testing.T, total, reserved int, window time.Duration) (*BudgetTracker, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	tracker, err := NewBudgetTracker(&BudgetTrackerConfig{
		Redis:          client,
		TotalBudget:    total,
		ReservedBudget: reserved,
		WindowSize:     window,
	})
	require.NoError(t, err)
	return tracker, mr
}

func TestNewBudgetTracker(t *testing.T) {
	_, err := NewBudgetTracker(nil)
	assert.EqualError(t, err, "configuration is required")

	_, err = NewBudgetTracker(&BudgetTrackerConfig{})
	assert.ErrorContains(t, err, "redis client is required")

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	_, err = NewBudgetTracker(&BudgetTrackerConfig{Redis: client, TotalBudget: 10, ReservedBudget: 11})
	assert.ErrorContains(t, err, "cannot exceed")

	tracker, err := NewBudgetTracker(&BudgetTrackerConfig{Redis: client})
	require.NoError(t, err)
	assert.Equal(t, DefaultTotalBudget, tracker.totalBudget)
	assert.Equal(t, DefaultTotalBudget-DefaultReservedBudget, tracker.sharedBudget)
}

func TestBudgetTrackerPools(t *testing.T) {
	tracker, _ := setupTestTracker(t, 5, 3, time.Hour)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _ := tracker.TryConsume(ctx, 1, PriorityLow)
		require.True(t, allowed)
	}
	allowed, wait := tracker.TryConsume(ctx, 1, PriorityLow)
	assert.False(t, allowed, "shared pool of 2 is exhausted")
	assert.Greater(t, wait, time.Duration(0))

	for i := 0; i < 3; i++ {
		allowed, _ := tracker.TryConsume(ctx, 1, PriorityHigh)
		require.True(t, allowed)
	}
	allowed, _ = tracker.TryConsume(ctx, 1, PriorityHigh)
	assert.False(t, allowed, "reserved pool of 3 is exhausted")

	usage, err := tracker.GetUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, usage.TotalUsed)
	assert.Equal(t, 3, usage.ReservedUsed)
	assert.Equal(t, 2, usage.SharedUsed)
}

func TestBudgetTrackerNewWindowResets(t *testing.T) {
	tracker, _ := setupTestTracker(t, 2, 1, time.Minute)
	now := time.Date(2026, 1, 1, 12, 0, 10, 0, time.UTC)
	tracker.now = func() time.Time { return now }
	ctx := context.Background()

	allowed, _ := tracker.TryConsume(ctx, 1, PriorityHigh)
	require.True(t, allowed)
	allowed, wait := tracker.TryConsume(ctx, 1, PriorityHigh)
	require.False(t, allowed)
	assert.Equal(t, 50*time.Second+time.Millisecond, wait)

	now = now.Add(time.Minute)
	allowed, _ = tracker.TryConsume(ctx, 1, PriorityHigh)
	assert.True(t, allowed)
}

func TestBudgetTrackerDeniesOnRedisFailure(t *testing.T) {
	tracker, mr := setupTestTracker(t, 5, 3, time.Minute)
	mr.Close()

	allowed, wait := tracker.TryConsume(context.Background(), 1, PriorityHigh)
	assert.False(t, allowed)
	assert.Greater(t, wait, time.Duration(0))
}

func TestPacerSpacesRequests(t *testing.T) {
	pacer := NewPacer(PacerConfig{Interval: 40 * time.Millisecond})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, pacer.Wait(ctx))
	}
	assert.GreaterOrEqual(t, time.Since(start), 75*time.Millisecond)
}

func TestPacerWithoutIntervalDoesNotWait(t *testing.T) {
	pacer := NewPacer(PacerConfig{})
	start := time.Now()
	for i := 0; i < 10; i++ {
		require.NoError(t, pacer.Wait(context.Background()))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestPacerWaitsForBudget(t *testing.T) {
	tracker, _ := setupTestTracker(t, 1, 1, time.Hour)
	pacer := NewPacer(PacerConfig{Tracker: tracker, Priority: PriorityHigh, BaseDelay: 5 * time.Millisecond})

	require.NoError(t, pacer.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pacer.Wait(ctx), ErrContextCancelled)
}

func TestPacerBackoffGrows(t *testing.T) {
	pacer := NewPacer(PacerConfig{BaseDelay: 10 * time.Millisecond, MaxDelay: 35 * time.Millisecond})

	assert.Equal(t, 10*time.Millisecond, pacer.recordFailure())
	assert.Equal(t, 20*time.Millisecond, pacer.recordFailure())
	assert.Equal(t, 35*time.Millisecond, pacer.CurrentDelay())
	pacer.recordSuccess()
	assert.Equal(t, 10*time.Millisecond, pacer.CurrentDelay())
}
