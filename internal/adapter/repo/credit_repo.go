package repo

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"photoforge/internal/domain"
)

// creditRepo implements domain.CreditLedger. Balance movements and ledger
// entries land in the same statement batch; callers couple them with status
// transitions through Store.InTx.
type creditRepo struct {
	db DBTX
}

// Charge debits the balance and appends a negative ledger entry.
func (r *creditRepo) Charge(ctx context.Context, userID string, amount int, reason domain.CreditReason, pipelineID string) error {
	if amount <= 0 {
		return fmt.Errorf("%w: charge amount must be positive", domain.ErrInvalidArgument)
	}
	tag, err := r.db.Exec(ctx, `
UPDATE users
SET credits = credits - $2, updated_at = now()
WHERE id = $1 AND credits >= $2;
`, userID, amount)
	if err != nil {
		return fmt.Errorf("debit balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInsufficientCredits
	}
	return r.append(ctx, userID, -amount, reason, pipelineID)
}

// Refund credits the balance back and appends a positive ledger entry.
// Refunds are new entries, never edits.
func (r *creditRepo) Refund(ctx context.Context, userID string, amount int, reason domain.CreditReason, pipelineID string) error {
	if amount <= 0 {
		return fmt.Errorf("%w: refund amount must be positive", domain.ErrInvalidArgument)
	}
	tag, err := r.db.Exec(ctx, `
UPDATE users
SET credits = credits + $2, updated_at = now()
WHERE id = $1;
`, userID, amount)
	if err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return r.append(ctx, userID, amount, reason, pipelineID)
}

// Balance returns the user's current credit balance.
func (r *creditRepo) Balance(ctx context.Context, userID string) (int, error) {
	var balance int
	if err := r.db.QueryRow(ctx, `SELECT credits FROM users WHERE id = $1;`, userID).Scan(&balance); err != nil {
		return 0, domain.ErrNotFound
	}
	return balance, nil
}

// SumForPipeline totals the signed ledger entries correlated with a pipeline.
// Zero means every charge has a matching refund or deliverable.
func (r *creditRepo) SumForPipeline(ctx context.Context, pipelineID string) (int, error) {
	var sum int
	err := r.db.QueryRow(ctx, `
SELECT COALESCE(SUM(amount), 0) FROM credit_transactions WHERE pipeline_id = $1;
`, pipelineID).Scan(&sum)
	return sum, err
}

func (r *creditRepo) append(ctx context.Context, userID string, amount int, reason domain.CreditReason, pipelineID string) error {
	_, err := r.db.Exec(ctx, `
INSERT INTO credit_transactions (id, user_id, amount, reason, pipeline_id)
VALUES ($1, $2, $3, $4, $5);
`, uuid.NewString(), userID, amount, reason, pipelineID)
	if err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}
