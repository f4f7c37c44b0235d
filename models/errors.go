package models

import "errors"

// Ledger invariant violations. These are permanent and indicate a caller or replay error.
var (
	ErrInvalidAmount      = errors.New("bet amount outside allowed range")
	ErrAlreadyPending     = errors.New("owner already has a pending bet")
	ErrDuplicatePayment   = errors.New("payment reference already used")
	ErrBetNotFound        = errors.New("bet not found")
	ErrAlreadySettled     = errors.New("bet already settled")
	ErrNotCancellable     = errors.New("only pending bets can be cancelled")
	ErrPayoutNotPending   = errors.New("bet has no pending payout")
	ErrPayoutClaimed      = errors.New("payout attempt already in progress")
	ErrPaymentNotVerified = errors.New("payment not verified")
)

// VerificationError reports a payment reference that failed verification
type VerificationError struct {
	Reason VerificationReason
	Detail string
}

func (e *VerificationError) Error() string {
	if e.Detail == "" {
		return "payment not verified: " + string(e.Reason)
	}
	return "payment not verified: " + string(e.Reason) + ": " + e.Detail
}

func (e *VerificationError) Is(target error) bool {
	return target == ErrPaymentNotVerified
}

// Retryable reports whether verifying the same reference again may succeed
func (e *VerificationError) Retryable() bool {
	return e.Reason.Retryable()
}
