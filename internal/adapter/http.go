package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/memefolio/internal/logging"
)

// requester performs JSON HTTP calls, retrying 429 and network errors with
// exponential backoff (Retry-After wins when present).
type requester struct {
	provider   string
	client     *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func newRequester(provider string, timeout time.Duration, maxRetries int) *requester {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &requester{
		provider:   provider,
		client:     &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		baseDelay:  time.Second,
		maxDelay:   30 * time.Second,
	}
}

// doJSON sends the request and returns the body of a 2xx response. Non-2xx
// bodies are returned with the error so callers can inspect structured errors.
func (r *requester) doJSON(ctx context.Context, method, url string, headers map[string]string, payload interface{}) ([]byte, int, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return nil, 0, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := r.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, 0, ctx.Err()
			}
			lastErr = fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
			if !r.sleep(ctx, attempt, r.backoff(attempt, "")) {
				return nil, 0, ctx.Err()
			}
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = ErrProviderRateLimit
			delay := r.backoff(attempt, resp.Header.Get("Retry-After"))
			logging.FromContext(ctx).WithFields(map[string]interface{}{
				"provider": r.provider,
				"attempt":  attempt + 1,
				"delay":    delay.String(),
			}).Warn("rate limited")
			if !r.sleep(ctx, attempt, delay) {
				return nil, resp.StatusCode, ctx.Err()
			}
			continue
		case resp.StatusCode >= 500:
			return respBody, resp.StatusCode, fmt.Errorf("%w: HTTP %d - %s", ErrProviderUnavailable, resp.StatusCode, truncate(respBody))
		case resp.StatusCode >= 300:
			return respBody, resp.StatusCode, fmt.Errorf("HTTP error: %d - %s", resp.StatusCode, truncate(respBody))
		}

		return respBody, resp.StatusCode, nil
	}

	return nil, 0, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (r *requester) backoff(attempt int, retryAfter string) time.Duration {
	delay := r.baseDelay * time.Duration(1<<uint(attempt))
	if retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			delay = time.Duration(seconds) * time.Second
		}
	}
	if delay > r.maxDelay {
		delay = r.maxDelay
	}
	return delay
}

// sleep waits before the next attempt; it returns false when the context ends first.
func (r *requester) sleep(ctx context.Context, attempt int, delay time.Duration) bool {
	if attempt >= r.maxRetries {
		return true
	}
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

func truncate(body []byte) string {
	const limit = 256
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
