package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PayoutRepository handles payout-related database operations.
type PayoutRepository struct {
	db *sql.DB
}

// NewPayoutRepository creates a new payout repository.
func NewPayoutRepository(db *sql.DB) *PayoutRepository {
	return &PayoutRepository{db: db}
}

// CreatePayout records a faucet payout.
func (r *PayoutRepository) CreatePayout(ctx context.Context, payout *Payout) error {
	query := `
		INSERT INTO payouts (account, amount, send_hash, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	now := time.Now()
	err := r.db.QueryRowContext(ctx, query,
		payout.Account, payout.Amount, payout.SendHash, now,
	).Scan(&payout.ID)

	if err != nil {
		return fmt.Errorf("failed to create payout: %w", err)
	}

	payout.CreatedAt = now
	return nil
}

// GetPayoutsByAccount retrieves payouts for one account, newest first.
func (r *PayoutRepository) GetPayoutsByAccount(ctx context.Context, account string, limit, offset int) ([]*Payout, error) {
	query := `
		SELECT id, account, amount, send_hash, created_at
		FROM payouts
		WHERE account = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.db.QueryContext(ctx, query, account, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get payouts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var payouts []*Payout
	for rows.Next() {
		payout := &Payout{}
		if err := rows.Scan(
			&payout.ID, &payout.Account, &payout.Amount, &payout.SendHash, &payout.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan payout: %w", err)
		}
		payouts = append(payouts, payout)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate payouts: %w", err)
	}

	return payouts, nil
}

// CountPayoutsSince counts payouts to one account after a cutoff, used to
// audit the faucet rate limit.
func (r *PayoutRepository) CountPayoutsSince(ctx context.Context, account string, since time.Time) (int64, error) {
	query := `SELECT COUNT(*) FROM payouts WHERE account = $1 AND created_at >= $2`

	var count int64
	if err := r.db.QueryRowContext(ctx, query, account, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count payouts: %w", err)
	}
	return count, nil
}
