package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"escrowbet/events"
	"escrowbet/metrics"
	"escrowbet/models"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// LedgerRules are the betting limits the ledger enforces
type LedgerRules struct {
	MinBet        uint64
	MaxBet        uint64
	WinMultiplier decimal.Decimal
	ClaimLease    time.Duration
}

// BetLedger owns the bet state machine. Every mutation is a single conditional write,
// so concurrent callers race on the database rather than on application checks.
type BetLedger struct {
	uowFactory UnitOfWorkFactory
	rules      LedgerRules
	clock      *PeriodClock
	bonus      *BonusRoller
}

// NewBetLedger creates a ledger. clock and bonus are optional.
func NewBetLedger(uowFactory UnitOfWorkFactory, rules LedgerRules, clock *PeriodClock, bonus *BonusRoller) *BetLedger {
	if rules.ClaimLease == 0 {
		rules.ClaimLease = 2 * time.Minute
	}
	return &BetLedger{
		uowFactory: uowFactory,
		rules:      rules,
		clock:      clock,
		bonus:      bonus,
	}
}

// inUnitOfWork runs fn in a transaction, committing only when fn succeeds
func (l *BetLedger) inUnitOfWork(ctx context.Context, fn func(uow UnitOfWork) error) error {
	uow := l.uowFactory.Create()
	if err := uow.Begin(ctx); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	if err := fn(uow); err != nil {
		return err
	}
	if err := uow.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Place records a pending bet for amount, which must be the verified amount of paymentRef
func (l *BetLedger) Place(ctx context.Context, owner string, amount uint64, paymentRef string) (*models.Bet, error) {
	if amount < l.rules.MinBet || amount > l.rules.MaxBet {
		return nil, fmt.Errorf("%w: %d not in [%d, %d]", models.ErrInvalidAmount, amount, l.rules.MinBet, l.rules.MaxBet)
	}
	if owner == "" || paymentRef == "" {
		return nil, errors.New("owner and payment reference are required")
	}

	bet := &models.Bet{OwnerRef: owner, Amount: amount, PaymentRef: paymentRef}
	err := l.inUnitOfWork(ctx, func(uow UnitOfWork) error {
		if err := uow.BetRepository().Create(ctx, bet); err != nil {
			return err
		}
		uow.EventBus().Publish(events.BetPlacedEvent{
			BetID:      bet.ID,
			OwnerRef:   bet.OwnerRef,
			Amount:     bet.Amount,
			PaymentRef: bet.PaymentRef,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordBetTransition(string(models.BetStatePending))
	log.WithFields(log.Fields{
		"betID":      bet.ID,
		"owner":      owner,
		"amount":     amount,
		"paymentRef": paymentRef,
	}).Info("Bet placed")
	return bet, nil
}

// PayoutFor computes floor(amount × multiplier) for a won bet and zero otherwise
func (l *BetLedger) PayoutFor(amount uint64, won bool) uint64 {
	if !won {
		return 0
	}
	v := decimal.NewFromBigInt(new(big.Int).SetUint64(amount), 0).Mul(l.rules.WinMultiplier).Floor().BigInt()
	if !v.IsUint64() {
		return ^uint64(0)
	}
	return v.Uint64()
}

// Settle moves a pending bet to won or lost exactly once
func (l *BetLedger) Settle(ctx context.Context, betID int64, finalScore int64, won bool) (*models.Bet, error) {
	var settled *models.Bet
	err := l.inUnitOfWork(ctx, func(uow UnitOfWork) error {
		repo := uow.BetRepository()
		bet, err := repo.GetByID(ctx, betID)
		if err != nil {
			return err
		}
		if bet == nil {
			return models.ErrBetNotFound
		}

		s := models.Settlement{
			OutcomeScore: finalScore,
			State:        models.BetStateLost,
			PayoutAmount: l.PayoutFor(bet.Amount, won),
		}
		if won {
			s.State = models.BetStateWon
		}
		if !bet.State.CanTransition(s.State) {
			return models.ErrAlreadySettled
		}
		if won {
			s.BonusSlot = l.bonus.Roll()
		}
		if l.clock != nil {
			s.PeriodWeek = l.clock.Current().WeekNumber
		}

		settled, err = repo.Settle(ctx, betID, s)
		if err != nil {
			return err
		}
		if settled == nil {
			return models.ErrAlreadySettled
		}

		uow.EventBus().Publish(events.BetSettledEvent{
			BetID:        settled.ID,
			OwnerRef:     settled.OwnerRef,
			Won:          won,
			OutcomeScore: finalScore,
			PayoutAmount: settled.PayoutAmount,
			BonusSlot:    settled.BonusSlot,
			PeriodWeek:   s.PeriodWeek,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordBetTransition(string(settled.State))
	log.WithFields(log.Fields{
		"betID":        betID,
		"state":        settled.State,
		"score":        finalScore,
		"payoutAmount": settled.PayoutAmount,
	}).Info("Bet settled")
	return settled, nil
}

// Cancel moves a pending bet to cancelled
func (l *BetLedger) Cancel(ctx context.Context, betID int64) (*models.Bet, error) {
	var cancelled *models.Bet
	err := l.inUnitOfWork(ctx, func(uow UnitOfWork) error {
		repo := uow.BetRepository()
		existing, err := repo.GetByID(ctx, betID)
		if err != nil {
			return err
		}
		if existing == nil {
			return models.ErrBetNotFound
		}
		if !existing.State.CanTransition(models.BetStateCancelled) {
			return models.ErrNotCancellable
		}

		cancelled, err = repo.Cancel(ctx, betID)
		if err != nil {
			return err
		}
		if cancelled == nil {
			// settled between the read and the conditional write
			return models.ErrNotCancellable
		}
		uow.EventBus().Publish(events.BetCancelledEvent{BetID: cancelled.ID, OwnerRef: cancelled.OwnerRef})
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordBetTransition(string(models.BetStateCancelled))
	log.WithField("betID", betID).Info("Bet cancelled")
	return cancelled, nil
}

// ClaimPayout leases the pending payout of a won bet for one attempt
func (l *BetLedger) ClaimPayout(ctx context.Context, betID int64) (*models.Bet, error) {
	var claimed *models.Bet
	err := l.inUnitOfWork(ctx, func(uow UnitOfWork) error {
		repo := uow.BetRepository()
		var err error
		claimed, err = repo.ClaimPayout(ctx, betID, l.rules.ClaimLease)
		if err != nil || claimed != nil {
			return err
		}

		existing, err := repo.GetByID(ctx, betID)
		if err != nil {
			return err
		}
		switch {
		case existing == nil:
			return models.ErrBetNotFound
		case existing.State != models.BetStateWon || existing.PayoutState != models.PayoutStatePending:
			return models.ErrPayoutNotPending
		default:
			return models.ErrPayoutClaimed
		}
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// RecordPayoutSubmission stores the reference of a signed transfer under the claim held on bet.
// It returns ErrPayoutClaimed if that claim has been lost, in which case the transfer must not be sent.
func (l *BetLedger) RecordPayoutSubmission(ctx context.Context, bet *models.Bet, s models.PayoutSubmission) error {
	if bet.PayoutClaimedAt == nil {
		return models.ErrPayoutClaimed
	}
	var recorded *models.Bet
	err := l.inUnitOfWork(ctx, func(uow UnitOfWork) error {
		var err error
		recorded, err = uow.BetRepository().RecordPayoutSubmission(ctx, bet.ID, *bet.PayoutClaimedAt, s)
		return err
	})
	if err != nil {
		return err
	}
	if recorded == nil {
		log.WithFields(log.Fields{
			"betID":     bet.ID,
			"payoutRef": s.Ref,
		}).Warn("Payout claim lost before submission, transfer not sent")
		return models.ErrPayoutClaimed
	}
	return nil
}

// RecordPayoutSuccess completes the payout. It is a no-op returning nil when the bet
// is not awaiting a payout.
func (l *BetLedger) RecordPayoutSuccess(ctx context.Context, betID int64, payoutRef string) (*models.Bet, error) {
	var paid *models.Bet
	err := l.inUnitOfWork(ctx, func(uow UnitOfWork) error {
		var err error
		paid, err = uow.BetRepository().RecordPayoutSuccess(ctx, betID, payoutRef)
		if err != nil || paid == nil {
			return err
		}
		uow.EventBus().Publish(events.PayoutCompletedEvent{
			BetID:     paid.ID,
			OwnerRef:  paid.OwnerRef,
			Amount:    paid.PayoutAmount,
			PayoutRef: payoutRef,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if paid != nil {
		log.WithFields(log.Fields{
			"betID":     betID,
			"payoutRef": payoutRef,
			"amount":    paid.PayoutAmount,
		}).Info("Payout completed")
	}
	return paid, nil
}

// RecordPayoutPending parks the payout for a later attempt. It is a no-op returning nil
// when the bet is not awaiting a payout.
func (l *BetLedger) RecordPayoutPending(ctx context.Context, betID int64, p models.PayoutPending) (*models.Bet, error) {
	var parked *models.Bet
	err := l.inUnitOfWork(ctx, func(uow UnitOfWork) error {
		var err error
		parked, err = uow.BetRepository().RecordPayoutPending(ctx, betID, p)
		if err != nil || parked == nil {
			return err
		}
		uow.EventBus().Publish(events.PayoutParkedEvent{
			BetID:     parked.ID,
			OwnerRef:  parked.OwnerRef,
			Amount:    parked.PayoutAmount,
			Error:     p.Error,
			Retryable: p.Retryable,
			Attempts:  parked.PayoutAttempts,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if parked != nil {
		log.WithFields(log.Fields{
			"betID":     betID,
			"error":     p.Error,
			"retryable": p.Retryable,
			"attempts":  parked.PayoutAttempts,
		}).Warn("Payout parked for retry")
	}
	return parked, nil
}

// Get returns a bet or ErrBetNotFound
func (l *BetLedger) Get(ctx context.Context, betID int64) (*models.Bet, error) {
	var bet *models.Bet
	err := l.inUnitOfWork(ctx, func(uow UnitOfWork) error {
		var err error
		bet, err = uow.BetRepository().GetByID(ctx, betID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if bet == nil {
		return nil, models.ErrBetNotFound
	}
	return bet, nil
}

// PendingPayouts lists won bets still owed a payout
func (l *BetLedger) PendingPayouts(ctx context.Context, limit int) ([]*models.Bet, error) {
	var bets []*models.Bet
	err := l.inUnitOfWork(ctx, func(uow UnitOfWork) error {
		var err error
		bets, err = uow.BetRepository().ListPendingPayouts(ctx, limit)
		return err
	})
	return bets, err
}

// RetryablePayouts lists pending payouts eligible for an automated attempt
func (l *BetLedger) RetryablePayouts(ctx context.Context, limit int) ([]*models.Bet, error) {
	var bets []*models.Bet
	err := l.inUnitOfWork(ctx, func(uow UnitOfWork) error {
		var err error
		bets, err = uow.BetRepository().ListRetryablePayouts(ctx, limit)
		return err
	})
	return bets, err
}

// CountPending returns how many won bets still owe a payout
func (l *BetLedger) CountPending(ctx context.Context) (int, error) {
	var n int
	err := l.inUnitOfWork(ctx, func(uow UnitOfWork) error {
		var err error
		n, err = uow.BetRepository().CountPendingPayouts(ctx)
		return err
	})
	return n, err
}
