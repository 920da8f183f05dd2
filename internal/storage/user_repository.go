package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/memefolio/internal/models"
)

// UserRepository handles user, portfolio and net worth history persistence
type UserRepository struct {
	db *PostgresDB
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *PostgresDB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, clerk_id, COALESCE(email, ''), COALESCE(wallet_address, ''),
	COALESCE(sealed_private_key, ''), has_redeemed, portfolio, net_worth_history,
	last_net_worth_update, purchased_at, created_at, updated_at`

// Create creates a new user
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	query := `
		INSERT INTO users (id, clerk_id, email, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		user.ID,
		user.ClerkID,
		user.Email,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}

// EnsureUser returns the user for clerkID, creating it when missing
func (r *UserRepository) EnsureUser(ctx context.Context, clerkID, email string) (*models.User, error) {
	now := time.Now().UTC()
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO users (id, clerk_id, email, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $4)
		ON CONFLICT (clerk_id) DO NOTHING
	`, uuid.New().String(), clerkID, email, now)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure user: %w", err)
	}
	return r.GetByClerkID(ctx, clerkID)
}

// GetByClerkID retrieves a user by identity provider id
func (r *UserRepository) GetByClerkID(ctx context.Context, clerkID string) (*models.User, error) {
	row := r.db.Pool().QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE clerk_id = $1`, clerkID)

	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", clerkID, ErrNotFound)
		}
		return nil, err
	}
	return user, nil
}

// ListWithPortfolio returns every user holding at least one asset
func (r *UserRepository) ListWithPortfolio(ctx context.Context) ([]*models.User, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE jsonb_array_length(portfolio) > 0
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}
	return users, nil
}

// SaveWallet stores the custodial wallet. A user has at most one wallet.
func (r *UserRepository) SaveWallet(ctx context.Context, clerkID, address, sealedKey string) error {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE users
		SET wallet_address = $2, sealed_private_key = $3, updated_at = $4
		WHERE clerk_id = $1 AND wallet_address IS NULL
	`, clerkID, address, sealedKey, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByClerkID(ctx, clerkID); err != nil {
			return err
		}
		return fmt.Errorf("wallet for %s: %w", clerkID, ErrConflict)
	}
	return nil
}

// SavePortfolio stores the holdings and initial history of a purchase.
// It fails with ErrConflict when the user already holds a portfolio.
func (r *UserRepository) SavePortfolio(ctx context.Context, userID string, holdings []models.PortfolioHolding, history models.NetWorthHistory, purchasedAt time.Time) error {
	portfolioJSON, err := json.Marshal(holdings)
	if err != nil {
		return fmt.Errorf("failed to marshal portfolio: %w", err)
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}

	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE users
			SET portfolio = $2::jsonb, net_worth_history = $3::jsonb,
				last_net_worth_update = $4, purchased_at = $4, updated_at = $4
			WHERE id = $1 AND jsonb_array_length(portfolio) = 0
		`, userID, string(portfolioJSON), string(historyJSON), purchasedAt)
		if err != nil {
			return fmt.Errorf("failed to save portfolio: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("portfolio for %s: %w", userID, ErrConflict)
		}
		return nil
	})
}

// UpdateNetWorthBatch writes every update in one transaction: all rows or none
func (r *UserRepository) UpdateNetWorthBatch(ctx context.Context, updates []models.NetWorthUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, u := range updates {
		historyJSON, err := json.Marshal(u.History)
		if err != nil {
			return fmt.Errorf("failed to marshal history for %s: %w", u.UserID, err)
		}
		batch.Queue(`
			UPDATE users
			SET net_worth_history = $2::jsonb, last_net_worth_update = $3, updated_at = $3
			WHERE id = $1
		`, u.UserID, string(historyJSON), u.UpdatedAt)
	}

	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := execBatch(ctx, tx, batch)
		if err != nil {
			return fmt.Errorf("failed to update net worth batch: %w", err)
		}
		return nil
	})
}

// MarkRedeemed flips has_redeemed once; a second call returns ErrConflict
func (r *UserRepository) MarkRedeemed(ctx context.Context, userID string) error {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE users SET has_redeemed = TRUE, updated_at = $2
		WHERE id = $1 AND NOT has_redeemed
	`, userID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark redeemed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("redeem %s: %w", userID, ErrConflict)
	}
	return nil
}

func scanUser(row pgx.Row) (*models.User, error) {
	var user models.User
	var portfolioJSON, historyJSON []byte

	err := row.Scan(
		&user.ID,
		&user.ClerkID,
		&user.Email,
		&user.WalletAddress,
		&user.SealedPrivateKey,
		&user.HasRedeemed,
		&portfolioJSON,
		&historyJSON,
		&user.LastNetWorthUpdate,
		&user.PurchasedAt,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}

	if len(portfolioJSON) > 0 {
		if err := json.Unmarshal(portfolioJSON, &user.Portfolio); err != nil {
			return nil, fmt.Errorf("failed to unmarshal portfolio: %w", err)
		}
	}
	if len(historyJSON) > 0 {
		if err := json.Unmarshal(historyJSON, &user.NetWorthHistory); err != nil {
			return nil, fmt.Errorf("failed to unmarshal net worth history: %w", err)
		}
	}
	return &user, nil
}
