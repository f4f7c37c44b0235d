package testutil

import (
	"fmt"
	"sync/atomic"

	"escrowbet/models"
)

var refCounter atomic.Int64

// UniquePaymentRef returns a payment reference not used by any other test bet
func UniquePaymentRef() string {
	return fmt.Sprintf("test-payment-%d", refCounter.Add(1))
}

// CreateTestBet creates an unsaved bet for owner with a fresh payment reference
func CreateTestBet(owner string, amount uint64) *models.Bet {
	return &models.Bet{
		OwnerRef:   owner,
		Amount:     amount,
		PaymentRef: UniquePaymentRef(),
	}
}

// WonSettlement settles a bet as won with the given payout
func WonSettlement(payout uint64) models.Settlement {
	return models.Settlement{
		OutcomeScore: 150_000,
		State:        models.BetStateWon,
		PayoutAmount: payout,
		PeriodWeek:   1,
	}
}
