package service

import (
	"context"
	"time"

	"escrowbet/events"
	"escrowbet/models"

	"github.com/shopspring/decimal"
)

// BetRepository defines the interface for bet data access.
// Conditional writes return a nil bet without error when their precondition does not hold.
type BetRepository interface {
	// Create inserts a pending bet, failing with ErrDuplicatePayment or ErrAlreadyPending
	Create(ctx context.Context, bet *models.Bet) error

	// GetByID retrieves a bet by its ID, or nil if it does not exist
	GetByID(ctx context.Context, id int64) (*models.Bet, error)

	// Settle moves a pending bet to won or lost
	Settle(ctx context.Context, id int64, s models.Settlement) (*models.Bet, error)

	// Cancel moves a pending bet to cancelled
	Cancel(ctx context.Context, id int64) (*models.Bet, error)

	// ClaimPayout takes an exclusive lease on a pending payout
	ClaimPayout(ctx context.Context, id int64, lease time.Duration) (*models.Bet, error)

	// RecordPayoutSubmission stores a signed transfer's reference while the claim taken at claimedAt is still held
	RecordPayoutSubmission(ctx context.Context, id int64, claimedAt time.Time, s models.PayoutSubmission) (*models.Bet, error)

	// RecordPayoutSuccess completes a pending payout
	RecordPayoutSuccess(ctx context.Context, id int64, payoutRef string) (*models.Bet, error)

	// RecordPayoutPending parks a payout for a later attempt
	RecordPayoutPending(ctx context.Context, id int64, p models.PayoutPending) (*models.Bet, error)

	// ListPendingPayouts returns won bets whose payout has not completed
	ListPendingPayouts(ctx context.Context, limit int) ([]*models.Bet, error)

	// ListRetryablePayouts returns pending payouts an automated sweep may attempt
	ListRetryablePayouts(ctx context.Context, limit int) ([]*models.Bet, error)

	// CountPendingPayouts returns how many won bets still owe a payout
	CountPendingPayouts(ctx context.Context) (int, error)
}

// EventPublisher defines the interface for publishing events
type EventPublisher interface {
	Publish(event events.Event)
}

// UnitOfWork defines the interface for transactional repository operations
type UnitOfWork interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) error

	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	BetRepository() BetRepository
	EventBus() EventPublisher
}

// UnitOfWorkFactory defines the interface for creating UnitOfWork instances
type UnitOfWorkFactory interface {
	Create() UnitOfWork
}

// PaymentVerifier decides whether a transaction reference proves a payment.
// Verification failures are returned in the result; an error means invalid arguments.
type PaymentVerifier interface {
	VerifyNativeTransfer(ctx context.Context, ref, fromAddr, toAddr string, expectedAmount uint64, tolerancePercent decimal.Decimal) (*models.VerificationResult, error)
	VerifyAssetTransfer(ctx context.Context, ref, fromAddr, toAddr string, expectedAmount uint64, assetID string, tolerancePercent decimal.Decimal) (*models.VerificationResult, error)
}

// SubmissionRecorder persists a signed transfer's reference before it is sent.
// An error aborts the attempt without sending.
type SubmissionRecorder func(ctx context.Context, s models.PayoutSubmission) error

// PayoutEngine moves winnings from escrow to a player. Persistence is left to the caller
// through the SubmissionRecorder.
type PayoutEngine interface {
	// Payout submits one transfer attempt. It is not idempotent.
	Payout(ctx context.Context, recipientAddr string, amount uint64, record SubmissionRecorder) *models.PayoutResult

	// Reconcile reports what happened to a transfer that expires after lastValidHeight.
	// A zero height means the expiry is unknown and the transfer is never declared dropped.
	Reconcile(ctx context.Context, ref string, lastValidHeight uint64) (models.ReconcileStatus, error)
}

// RandomSource yields uniformly distributed values in [0, 1)
type RandomSource interface {
	Float64() float64
}

// BettingService is the surface exposed to the HTTP layer
type BettingService interface {
	// PlaceBet verifies the payment and records a bet for the verified amount
	PlaceBet(ctx context.Context, owner string, claimedAmount uint64, paymentRef string) (*models.Bet, error)

	// SettleBet reports a game outcome and pays out a win
	SettleBet(ctx context.Context, betID int64, finalScore int64) (*models.SettlementResult, error)

	// RetryPayout re-attempts a pending payout
	RetryPayout(ctx context.Context, betID int64) (*models.PayoutResult, error)

	// RetryPendingPayouts sweeps retryable pending payouts and returns how many are still owed
	RetryPendingPayouts(ctx context.Context, limit int) (int, error)

	// GetPendingPayouts lists won bets still owed a payout
	GetPendingPayouts(ctx context.Context, limit int) ([]*models.Bet, error)

	// GetBet returns a bet with its display status
	GetBet(ctx context.Context, betID int64) (*models.Bet, error)

	// CancelBet cancels a pending bet
	CancelBet(ctx context.Context, betID int64) (*models.Bet, error)
}
