package models

import (
	"fmt"
	"time"
)

// BetState is the win/loss axis of a bet
type BetState string

const (
	BetStatePending   BetState = "pending"
	BetStateWon       BetState = "won"
	BetStateLost      BetState = "lost"
	BetStateCancelled BetState = "cancelled"
)

// PayoutState tracks disbursement of winnings for a won bet
type PayoutState string

const (
	PayoutStateNone      PayoutState = "none"
	PayoutStatePending   PayoutState = "pending"
	PayoutStateCompleted PayoutState = "completed"
	PayoutStateFailed    PayoutState = "failed"
)

var betTransitions = map[BetState][]BetState{
	BetStatePending: {BetStateWon, BetStateLost, BetStateCancelled},
}

// ParseBetState converts a stored value into a BetState
func ParseBetState(s string) (BetState, error) {
	switch st := BetState(s); st {
	case BetStatePending, BetStateWon, BetStateLost, BetStateCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown bet state %q", s)
}

// ParsePayoutState converts a stored value into a PayoutState
func ParsePayoutState(s string) (PayoutState, error) {
	switch st := PayoutState(s); st {
	case PayoutStateNone, PayoutStatePending, PayoutStateCompleted, PayoutStateFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown payout state %q", s)
}

// CanTransition reports whether the bet state may move from s to next
func (s BetState) CanTransition(next BetState) bool {
	for _, allowed := range betTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Bet represents a wager funded by a verified on-chain payment
type Bet struct {
	ID                    int64       `db:"id"`
	OwnerRef              string      `db:"owner_ref"`
	Amount                uint64      `db:"amount"`
	State                 BetState    `db:"state"`
	PaymentRef            string      `db:"payment_ref"`
	OutcomeScore          *int64      `db:"outcome_score"`
	PayoutAmount          uint64      `db:"payout_amount"`
	PayoutRef             *string     `db:"payout_ref"`
	PayoutState           PayoutState `db:"payout_state"`
	PayoutAttempts        int         `db:"payout_attempts"`
	PayoutLastError       *string     `db:"payout_last_error"`
	PayoutRetryable       bool        `db:"payout_retryable"`
	PayoutClaimedAt       *time.Time  `db:"payout_claimed_at"`
	PayoutSubmittedAt     *time.Time  `db:"payout_submitted_at"`
	PayoutLastValidHeight *uint64     `db:"payout_last_valid_height"`
	BonusSlot             bool        `db:"bonus_slot"`
	PeriodWeek            *int        `db:"period_week"`
	CreatedAt             time.Time   `db:"created_at"`
	SettledAt             *time.Time  `db:"settled_at"`
	PayoutAt              *time.Time  `db:"payout_at"`
}

// DisplayStatus is the player-facing status of a bet
type DisplayStatus string

const (
	DisplayStatusPending          DisplayStatus = "pending"
	DisplayStatusPayoutProcessing DisplayStatus = "payout_processing"
	DisplayStatusPaid             DisplayStatus = "paid"
	DisplayStatusWon              DisplayStatus = "won"
	DisplayStatusLost             DisplayStatus = "lost"
	DisplayStatusCancelled        DisplayStatus = "cancelled"
)

// DisplayStatus derives what a player should see for this bet.
// A won bet whose payout has not completed is shown as processing, never as an error.
func (b *Bet) DisplayStatus() DisplayStatus {
	switch b.State {
	case BetStatePending:
		return DisplayStatusPending
	case BetStateLost:
		return DisplayStatusLost
	case BetStateCancelled:
		return DisplayStatusCancelled
	}
	switch b.PayoutState {
	case PayoutStateCompleted:
		return DisplayStatusPaid
	case PayoutStatePending, PayoutStateFailed:
		return DisplayStatusPayoutProcessing
	}
	return DisplayStatusWon
}

// HasInFlightPayout reports whether a transfer was submitted but not yet observed as final
func (b *Bet) HasInFlightPayout() bool {
	return b.PayoutState == PayoutStatePending && b.PayoutRef != nil
}

// SettlementResult is returned to the caller after reporting a game outcome
type SettlementResult struct {
	Bet    *Bet
	Payout *PayoutResult // nil when the bet was lost
}

// Settlement carries the values written when a bet leaves the pending state
type Settlement struct {
	OutcomeScore int64
	State        BetState
	PayoutAmount uint64
	BonusSlot    bool
	PeriodWeek   int
}

// PayoutPending describes a payout attempt that did not complete.
// Ref is set when a transfer was submitted but its confirmation was not observed.
type PayoutPending struct {
	Ref       *string
	Error     string
	Retryable bool
}

// PayoutSubmission identifies a signed transfer about to be sent
type PayoutSubmission struct {
	Ref             string
	LastValidHeight uint64
}
