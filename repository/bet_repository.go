package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"escrowbet/database"
	"escrowbet/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	uniqueViolation = "23505"

	constraintPaymentRef     = "bets_payment_ref_key"
	constraintPendingPerUser = "bets_one_pending_per_owner"
)

const betColumns = `
	id, owner_ref, amount, state, payment_ref, outcome_score, payout_amount,
	payout_ref, payout_state, payout_attempts, payout_last_error, payout_retryable,
	payout_claimed_at, payout_submitted_at, payout_last_valid_height, bonus_slot, period_week,
	created_at, settled_at, payout_at`

// BetRepository implements the BetRepository interface
type BetRepository struct {
	q queryable
}

// NewBetRepository creates a new bet repository
func NewBetRepository(db *database.DB) *BetRepository {
	return &BetRepository{q: db.Pool}
}

// newBetRepositoryWithTx creates a new bet repository with a transaction
func newBetRepositoryWithTx(tx queryable) *BetRepository {
	return &BetRepository{q: tx}
}

func scanBet(row pgx.Row) (*models.Bet, error) {
	var bet models.Bet
	var state, payoutState string
	err := row.Scan(
		&bet.ID,
		&bet.OwnerRef,
		&bet.Amount,
		&state,
		&bet.PaymentRef,
		&bet.OutcomeScore,
		&bet.PayoutAmount,
		&bet.PayoutRef,
		&payoutState,
		&bet.PayoutAttempts,
		&bet.PayoutLastError,
		&bet.PayoutRetryable,
		&bet.PayoutClaimedAt,
		&bet.PayoutSubmittedAt,
		&bet.PayoutLastValidHeight,
		&bet.BonusSlot,
		&bet.PeriodWeek,
		&bet.CreatedAt,
		&bet.SettledAt,
		&bet.PayoutAt,
	)
	if err != nil {
		return nil, err
	}
	if bet.State, err = models.ParseBetState(state); err != nil {
		return nil, fmt.Errorf("bet %d: %w", bet.ID, err)
	}
	if bet.PayoutState, err = models.ParsePayoutState(payoutState); err != nil {
		return nil, fmt.Errorf("bet %d: %w", bet.ID, err)
	}
	return &bet, nil
}

// queryBet runs a single-row statement, mapping no rows to nil
func (r *BetRepository) queryBet(ctx context.Context, query string, args ...any) (*models.Bet, error) {
	bet, err := scanBet(r.q.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return bet, err
}

// Create inserts a pending bet. Uniqueness of the payment reference and of the owner's
// pending bet are enforced by the insert itself; conflicts map to ErrDuplicatePayment
// and ErrAlreadyPending.
func (r *BetRepository) Create(ctx context.Context, bet *models.Bet) error {
	query := `
		INSERT INTO bets (owner_ref, amount, state, payment_ref, payout_state)
		VALUES ($1, $2, 'pending', $3, 'none')
		RETURNING ` + betColumns

	created, err := scanBet(r.q.QueryRow(ctx, query, bet.OwnerRef, bet.Amount, bet.PaymentRef))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			switch pgErr.ConstraintName {
			case constraintPaymentRef:
				return models.ErrDuplicatePayment
			case constraintPendingPerUser:
				return models.ErrAlreadyPending
			}
		}
		return fmt.Errorf("failed to create bet for owner %s: %w", bet.OwnerRef, err)
	}

	*bet = *created
	return nil
}

// GetByID retrieves a bet by its ID, or nil if it does not exist
func (r *BetRepository) GetByID(ctx context.Context, id int64) (*models.Bet, error) {
	bet, err := r.queryBet(ctx, `SELECT `+betColumns+` FROM bets WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get bet %d: %w", id, err)
	}
	return bet, nil
}

// Settle moves a pending bet to won or lost. A won bet with a payout enters payout_state
// pending in the same statement. Returns nil if the bet was no longer pending.
func (r *BetRepository) Settle(ctx context.Context, id int64, s models.Settlement) (*models.Bet, error) {
	query := `
		UPDATE bets
		SET state = $2,
		    outcome_score = $3,
		    payout_amount = $4,
		    payout_state = CASE WHEN $4::BIGINT > 0 THEN 'pending' ELSE 'none' END,
		    bonus_slot = $5,
		    period_week = $6,
		    settled_at = NOW()
		WHERE id = $1 AND state = 'pending'
		RETURNING ` + betColumns

	bet, err := r.queryBet(ctx, query, id, string(s.State), s.OutcomeScore, s.PayoutAmount, s.BonusSlot, s.PeriodWeek)
	if err != nil {
		return nil, fmt.Errorf("failed to settle bet %d: %w", id, err)
	}
	return bet, nil
}

// Cancel moves a pending bet to cancelled. Returns nil if the bet was not pending.
func (r *BetRepository) Cancel(ctx context.Context, id int64) (*models.Bet, error) {
	query := `
		UPDATE bets
		SET state = 'cancelled', settled_at = NOW()
		WHERE id = $1 AND state = 'pending'
		RETURNING ` + betColumns

	bet, err := r.queryBet(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel bet %d: %w", id, err)
	}
	return bet, nil
}

// ClaimPayout takes an exclusive lease on a pending payout and counts the attempt.
// Returns nil if the payout is not pending or another claim is still live.
func (r *BetRepository) ClaimPayout(ctx context.Context, id int64, lease time.Duration) (*models.Bet, error) {
	query := `
		UPDATE bets
		SET payout_claimed_at = NOW(),
		    payout_attempts = payout_attempts + 1
		WHERE id = $1
		  AND state = 'won'
		  AND payout_state = 'pending'
		  AND (payout_claimed_at IS NULL OR payout_claimed_at < NOW() - $2::BIGINT * INTERVAL '1 millisecond')
		RETURNING ` + betColumns

	bet, err := r.queryBet(ctx, query, id, lease.Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("failed to claim payout for bet %d: %w", id, err)
	}
	return bet, nil
}

// RecordPayoutSubmission stores the reference and expiry height of a signed transfer before it
// is sent. The write is fenced by claimedAt: it returns nil if the claim expired and was taken
// by another attempt, in which case the transfer must not be sent.
func (r *BetRepository) RecordPayoutSubmission(ctx context.Context, id int64, claimedAt time.Time, s models.PayoutSubmission) (*models.Bet, error) {
	query := `
		UPDATE bets
		SET payout_ref = $2,
		    payout_last_valid_height = $3,
		    payout_submitted_at = NOW()
		WHERE id = $1
		  AND state = 'won'
		  AND payout_state = 'pending'
		  AND payout_claimed_at = $4
		RETURNING ` + betColumns

	bet, err := r.queryBet(ctx, query, id, s.Ref, int64(s.LastValidHeight), claimedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to record payout submission for bet %d: %w", id, err)
	}
	return bet, nil
}

// RecordPayoutSuccess completes a pending payout. Returns nil without error if the bet
// was not awaiting a payout, which makes repeated calls harmless.
func (r *BetRepository) RecordPayoutSuccess(ctx context.Context, id int64, payoutRef string) (*models.Bet, error) {
	query := `
		UPDATE bets
		SET payout_state = 'completed',
		    payout_ref = $2,
		    payout_at = NOW(),
		    payout_claimed_at = NULL,
		    payout_last_error = NULL,
		    payout_retryable = FALSE
		WHERE id = $1 AND state = 'won' AND payout_state = 'pending'
		RETURNING ` + betColumns

	bet, err := r.queryBet(ctx, query, id, payoutRef)
	if err != nil {
		return nil, fmt.Errorf("failed to record payout success for bet %d: %w", id, err)
	}
	return bet, nil
}

// RecordPayoutPending parks a payout for a later attempt and releases the claim.
// Returns nil without error if the bet was not awaiting a payout.
func (r *BetRepository) RecordPayoutPending(ctx context.Context, id int64, p models.PayoutPending) (*models.Bet, error) {
	query := `
		UPDATE bets
		SET payout_ref = $2,
		    payout_submitted_at = CASE WHEN $2::TEXT IS NULL THEN NULL ELSE COALESCE(payout_submitted_at, NOW()) END,
		    payout_last_valid_height = CASE WHEN $2::TEXT IS NULL THEN NULL ELSE payout_last_valid_height END,
		    payout_last_error = NULLIF($3::TEXT, ''),
		    payout_retryable = $4,
		    payout_claimed_at = NULL
		WHERE id = $1 AND state = 'won' AND payout_state = 'pending'
		RETURNING ` + betColumns

	bet, err := r.queryBet(ctx, query, id, p.Ref, p.Error, p.Retryable)
	if err != nil {
		return nil, fmt.Errorf("failed to record pending payout for bet %d: %w", id, err)
	}
	return bet, nil
}

// ListPendingPayouts returns won bets whose payout has not completed, oldest first
func (r *BetRepository) ListPendingPayouts(ctx context.Context, limit int) ([]*models.Bet, error) {
	query := `
		SELECT ` + betColumns + `
		FROM bets
		WHERE state = 'won' AND payout_state IN ('pending', 'failed')
		ORDER BY created_at ASC
		LIMIT $1`
	return r.list(ctx, query, limit)
}

// ListRetryablePayouts returns pending payouts an automated sweep may attempt: retryable
// failures, submissions awaiting reconciliation and payouts that were never attempted.
func (r *BetRepository) ListRetryablePayouts(ctx context.Context, limit int) ([]*models.Bet, error) {
	query := `
		SELECT ` + betColumns + `
		FROM bets
		WHERE state = 'won'
		  AND payout_state = 'pending'
		  AND (payout_retryable OR payout_ref IS NOT NULL OR payout_attempts = 0)
		ORDER BY created_at ASC
		LIMIT $1`
	return r.list(ctx, query, limit)
}

// CountPendingPayouts returns how many won bets still owe a payout
func (r *BetRepository) CountPendingPayouts(ctx context.Context) (int, error) {
	var n int
	err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM bets WHERE state = 'won' AND payout_state IN ('pending', 'failed')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending payouts: %w", err)
	}
	return n, nil
}

func (r *BetRepository) list(ctx context.Context, query string, limit int) ([]*models.Bet, error) {
	rows, err := r.q.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list bets: %w", err)
	}
	defer rows.Close()

	var bets []*models.Bet
	for rows.Next() {
		bet, err := scanBet(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bet: %w", err)
		}
		bets = append(bets, bet)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate bets: %w", err)
	}
	return bets, nil
}
