package service

import (
	"context"
	"errors"
	"fmt"

	"escrowbet/models"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// BettingConfig holds the settlement parameters
type BettingConfig struct {
	EscrowAddress    string
	AssetMint        string // empty bets are paid in the native asset
	TolerancePercent decimal.Decimal
	TargetScore      int64
}

// bettingService implements BettingService
type bettingService struct {
	verifier PaymentVerifier
	ledger   *BetLedger
	payouts  PayoutEngine
	config   BettingConfig
}

// NewBettingService creates the orchestration layer over verification, the bet ledger and payouts
func NewBettingService(verifier PaymentVerifier, ledger *BetLedger, payouts PayoutEngine, config BettingConfig) BettingService {
	return &bettingService{
		verifier: verifier,
		ledger:   ledger,
		payouts:  payouts,
		config:   config,
	}
}

// PlaceBet verifies paymentRef and records a bet for the verified amount.
// claimedAmount is only the expectation the payment is checked against.
func (s *bettingService) PlaceBet(ctx context.Context, owner string, claimedAmount uint64, paymentRef string) (*models.Bet, error) {
	var (
		result *models.VerificationResult
		err    error
	)
	if s.config.AssetMint == "" {
		result, err = s.verifier.VerifyNativeTransfer(ctx, paymentRef, owner, s.config.EscrowAddress, claimedAmount, s.config.TolerancePercent)
	} else {
		result, err = s.verifier.VerifyAssetTransfer(ctx, paymentRef, owner, s.config.EscrowAddress, claimedAmount, s.config.AssetMint, s.config.TolerancePercent)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to verify payment: %w", err)
	}
	if !result.Valid {
		return nil, &models.VerificationError{Reason: result.Reason, Detail: result.Detail}
	}

	if result.Amount != claimedAmount {
		log.WithFields(log.Fields{
			"owner":    owner,
			"claimed":  claimedAmount,
			"verified": result.Amount,
		}).Info("Recording verified amount instead of claimed amount")
	}
	return s.ledger.Place(ctx, owner, result.Amount, paymentRef)
}

// SettleBet settles a bet against the target score and pays out a win
func (s *bettingService) SettleBet(ctx context.Context, betID int64, finalScore int64) (*models.SettlementResult, error) {
	won := finalScore >= s.config.TargetScore
	bet, err := s.ledger.Settle(ctx, betID, finalScore, won)
	if err != nil {
		return nil, err
	}

	result := &models.SettlementResult{Bet: bet}
	if bet.State != models.BetStateWon || bet.PayoutAmount == 0 {
		return result, nil
	}

	payout, updated, err := s.attemptPayout(ctx, betID)
	if err != nil {
		// the bet is settled and its payout is parked for the retry sweep
		log.WithFields(log.Fields{
			"betID": betID,
			"error": err,
		}).Error("Failed to attempt payout after settlement")
		return result, nil
	}
	result.Payout = payout
	if updated != nil {
		result.Bet = updated
	}
	return result, nil
}

// RetryPayout re-attempts the pending payout of a won bet
func (s *bettingService) RetryPayout(ctx context.Context, betID int64) (*models.PayoutResult, error) {
	bet, err := s.ledger.Get(ctx, betID)
	if err != nil {
		return nil, err
	}
	if bet.State != models.BetStateWon || bet.PayoutState != models.PayoutStatePending {
		return nil, models.ErrPayoutNotPending
	}

	payout, _, err := s.attemptPayout(ctx, betID)
	return payout, err
}

// RetryPendingPayouts attempts every retryable pending payout, up to limit, and returns
// the number of payouts still owed afterwards
func (s *bettingService) RetryPendingPayouts(ctx context.Context, limit int) (int, error) {
	bets, err := s.ledger.RetryablePayouts(ctx, limit)
	if err != nil {
		return 0, err
	}

	for _, bet := range bets {
		if ctx.Err() != nil {
			break
		}
		_, _, err := s.attemptPayout(ctx, bet.ID)
		if err != nil && !errors.Is(err, models.ErrPayoutClaimed) && !errors.Is(err, models.ErrPayoutNotPending) {
			log.WithFields(log.Fields{
				"betID": bet.ID,
				"error": err,
			}).Error("Payout retry failed")
		}
	}

	return s.ledger.CountPending(ctx)
}

// attemptPayout claims the payout, reconciles any earlier submission and otherwise sends a new transfer
func (s *bettingService) attemptPayout(ctx context.Context, betID int64) (*models.PayoutResult, *models.Bet, error) {
	bet, err := s.ledger.ClaimPayout(ctx, betID)
	if err != nil {
		return nil, nil, err
	}

	if bet.PayoutRef != nil {
		var lastValidHeight uint64
		if bet.PayoutLastValidHeight != nil {
			lastValidHeight = *bet.PayoutLastValidHeight
		}
		status, err := s.payouts.Reconcile(ctx, *bet.PayoutRef, lastValidHeight)
		if err != nil {
			parked, perr := s.ledger.RecordPayoutPending(ctx, betID, models.PayoutPending{
				Ref:       bet.PayoutRef,
				Error:     err.Error(),
				Retryable: true,
			})
			return &models.PayoutResult{Ref: *bet.PayoutRef, Error: err.Error(), Retryable: true, Submitted: true}, parked, perr
		}

		switch status {
		case models.ReconcileConfirmed:
			paid, err := s.ledger.RecordPayoutSuccess(ctx, betID, *bet.PayoutRef)
			return &models.PayoutResult{Success: true, Ref: *bet.PayoutRef}, paid, err
		case models.ReconcileInFlight:
			parked, err := s.ledger.RecordPayoutPending(ctx, betID, models.PayoutPending{
				Ref:       bet.PayoutRef,
				Error:     "payout transfer still in flight",
				Retryable: true,
			})
			return &models.PayoutResult{Ref: *bet.PayoutRef, Error: "payout transfer still in flight", Retryable: true, Submitted: true}, parked, err
		}
	}

	var recordErr error
	result := s.payouts.Payout(ctx, bet.OwnerRef, bet.PayoutAmount, func(ctx context.Context, sub models.PayoutSubmission) error {
		recordErr = s.ledger.RecordPayoutSubmission(ctx, bet, sub)
		return recordErr
	})
	if errors.Is(recordErr, models.ErrPayoutClaimed) {
		// another attempt owns the payout now and will park or complete it
		return result, nil, recordErr
	}
	if result.Success {
		paid, err := s.ledger.RecordPayoutSuccess(ctx, betID, result.Ref)
		return result, paid, err
	}

	pending := models.PayoutPending{Error: result.Error, Retryable: result.Retryable}
	if result.Submitted && result.Ref != "" {
		ref := result.Ref
		pending.Ref = &ref
	}
	parked, err := s.ledger.RecordPayoutPending(ctx, betID, pending)
	return result, parked, err
}

// GetPendingPayouts lists won bets still owed a payout
func (s *bettingService) GetPendingPayouts(ctx context.Context, limit int) ([]*models.Bet, error) {
	return s.ledger.PendingPayouts(ctx, limit)
}

// GetBet returns a bet by ID
func (s *bettingService) GetBet(ctx context.Context, betID int64) (*models.Bet, error) {
	return s.ledger.Get(ctx, betID)
}

// CancelBet cancels a pending bet
func (s *bettingService) CancelBet(ctx context.Context, betID int64) (*models.Bet, error) {
	return s.ledger.Cancel(ctx, betID)
}
