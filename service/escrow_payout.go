package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"escrowbet/ledger"
	"escrowbet/metrics"
	"escrowbet/models"

	"github.com/gagliardetto/solana-go"
	log "github.com/sirupsen/logrus"
)

// EscrowConfig configures the payout engine
type EscrowConfig struct {
	EscrowAddress  string
	EscrowSecret   string
	AssetMint      string
	AssetDecimals  uint8
	TokenProgram   string        // defaults to the classic token program
	ConfirmTimeout time.Duration // how long to wait for a submitted transfer to confirm
	PollInterval   time.Duration
}

// EscrowPayoutEngine pays winnings from the escrow account. Persistence is delegated to the
// SubmissionRecorder passed to each payout.
type EscrowPayoutEngine struct {
	gateway      ledger.Gateway
	config       EscrowConfig
	signer       solana.PrivateKey
	escrow       solana.PublicKey
	mint         solana.PublicKey
	tokenProgram solana.PublicKey
	cfgErr       error
}

// NewEscrowPayoutEngine creates the engine. A missing or inconsistent escrow configuration
// does not fail construction; every payout is parked until it is fixed.
func NewEscrowPayoutEngine(gateway ledger.Gateway, config EscrowConfig) *EscrowPayoutEngine {
	if config.ConfirmTimeout == 0 {
		config.ConfirmTimeout = 60 * time.Second
	}
	if config.PollInterval == 0 {
		config.PollInterval = 2 * time.Second
	}

	e := &EscrowPayoutEngine{
		gateway:      gateway,
		config:       config,
		tokenProgram: solana.TokenProgramID,
	}
	e.cfgErr = e.loadKeys()
	if e.cfgErr != nil {
		log.WithFields(log.Fields{
			"escrowAddress": config.EscrowAddress,
			"error":         e.cfgErr,
		}).Error("Escrow payout configuration is invalid, all payouts will be parked")
	}
	return e
}

// loadKeys decodes the signing secret and checks it controls the configured escrow address
func (e *EscrowPayoutEngine) loadKeys() error {
	switch {
	case e.config.EscrowSecret == "":
		return errors.New("escrow signing secret is not configured")
	case e.config.AssetMint == "":
		return errors.New("payout asset is not configured")
	case e.config.EscrowAddress == "":
		return errors.New("escrow address is not configured")
	}

	signer, err := ledger.ParseSigner(e.config.EscrowSecret)
	if err != nil {
		return err
	}
	escrow, err := solana.PublicKeyFromBase58(e.config.EscrowAddress)
	if err != nil {
		return fmt.Errorf("escrow address: %w", err)
	}
	if !signer.PublicKey().Equals(escrow) {
		return fmt.Errorf("escrow secret controls %s, not the configured escrow address", signer.PublicKey())
	}
	mint, err := solana.PublicKeyFromBase58(e.config.AssetMint)
	if err != nil {
		return fmt.Errorf("payout asset: %w", err)
	}
	if e.config.TokenProgram != "" {
		program, err := solana.PublicKeyFromBase58(e.config.TokenProgram)
		if err != nil {
			return fmt.Errorf("token program: %w", err)
		}
		e.tokenProgram = program
	}

	e.signer = signer
	e.escrow = escrow
	e.mint = mint
	return nil
}

// ConfigError returns the reason payouts are disabled, or nil
func (e *EscrowPayoutEngine) ConfigError() error {
	return e.cfgErr
}

// Payout signs one transfer of amount base units to recipientAddr, records it through record,
// sends it and waits for it to confirm. Nothing is sent if record fails.
func (e *EscrowPayoutEngine) Payout(ctx context.Context, recipientAddr string, amount uint64, record SubmissionRecorder) *models.PayoutResult {
	logger := log.WithFields(log.Fields{
		"recipient": recipientAddr,
		"amount":    amount,
	})

	if e.cfgErr != nil {
		return e.result(logger, metrics.PayoutOutcomeConfig, &models.PayoutResult{
			Error:         "payout configuration error: " + e.cfgErr.Error(),
			PendingPayout: true,
		})
	}
	recipient, err := solana.PublicKeyFromBase58(recipientAddr)
	if err != nil {
		return e.result(logger, metrics.PayoutOutcomeNonRetryable, &models.PayoutResult{Error: "invalid recipient address: " + err.Error()})
	}
	if amount == 0 {
		return e.result(logger, metrics.PayoutOutcomeNonRetryable, &models.PayoutResult{Error: "payout amount must be positive"})
	}

	source, err := ledger.AssociatedTokenAddress(e.escrow, e.mint, e.tokenProgram)
	if err != nil {
		return e.result(logger, metrics.PayoutOutcomeConfig, &models.PayoutResult{Error: err.Error(), PendingPayout: true})
	}
	destination, err := ledger.AssociatedTokenAddress(recipient, e.mint, e.tokenProgram)
	if err != nil {
		return e.result(logger, metrics.PayoutOutcomeNonRetryable, &models.PayoutResult{Error: "cannot derive recipient asset account: " + err.Error()})
	}

	var instructions []solana.Instruction
	exists, err := e.gateway.AccountExists(ctx, destination.String())
	if err != nil {
		return e.classified(logger, "check recipient asset account", err)
	}
	if !exists {
		instructions = append(instructions, ledger.CreateAssociatedAccountIdempotent(e.escrow, destination, recipient, e.mint, e.tokenProgram))
	}

	liquidity, err := e.gateway.GetTokenAccountBalance(ctx, source.String())
	if errors.Is(err, ledger.ErrAccountNotFound) {
		liquidity, err = 0, nil
	}
	if err != nil {
		return e.classified(logger, "read escrow liquidity", err)
	}
	if liquidity < amount {
		return e.result(logger, metrics.PayoutOutcomeInsufficient, &models.PayoutResult{
			Error:         fmt.Sprintf("insufficient escrow liquidity: have %d, need %d", liquidity, amount),
			PendingPayout: true,
		})
	}

	transfer, err := ledger.TransferChecked(e.tokenProgram, source, e.mint, destination, e.escrow, amount, e.config.AssetDecimals)
	if err != nil {
		return e.result(logger, metrics.PayoutOutcomeNonRetryable, &models.PayoutResult{Error: err.Error()})
	}
	instructions = append(instructions, transfer)

	blockhash, err := e.gateway.GetLatestBlockhash(ctx)
	if err != nil {
		return e.classified(logger, "fetch blockhash", err)
	}
	tx, err := ledger.SignTransfer(e.signer, blockhash.Hash, instructions...)
	if err != nil {
		return e.result(logger, metrics.PayoutOutcomeConfig, &models.PayoutResult{Error: err.Error(), PendingPayout: true})
	}

	ref := ledger.TransactionRef(tx)
	logger = logger.WithField("payoutRef", ref)
	submission := models.PayoutSubmission{Ref: ref, LastValidHeight: blockhash.LastValidBlockHeight}
	if err := record(ctx, submission); err != nil {
		return e.result(logger, metrics.PayoutOutcomeRetryable, &models.PayoutResult{
			Error:     "failed to record payout submission: " + err.Error(),
			Retryable: true,
		})
	}

	if _, err := e.gateway.SendTransaction(ctx, tx); err != nil {
		if ledger.RejectedBeforeSubmit(err) {
			return e.classified(logger, "submit transfer", err)
		}
		// the node may have accepted the transfer before the connection failed
		return e.result(logger, metrics.PayoutOutcomeRetryable, &models.PayoutResult{
			Ref:       ref,
			Error:     "transfer submission unconfirmed: " + err.Error(),
			Retryable: true,
			Submitted: true,
		})
	}

	logger.Info("Payout transfer submitted, awaiting confirmation")
	return e.awaitConfirmation(ctx, logger, ref, blockhash.LastValidBlockHeight)
}

// blockhashExpired reports whether the chain has passed lastValidHeight. An unknown height or a
// failed read counts as not expired.
func (e *EscrowPayoutEngine) blockhashExpired(ctx context.Context, lastValidHeight uint64) bool {
	if lastValidHeight == 0 {
		return false
	}
	height, err := e.gateway.GetBlockHeight(ctx)
	if err != nil {
		log.WithError(err).Debug("Block height read failed")
		return false
	}
	return height > lastValidHeight
}

// awaitConfirmation polls the transfer's status until it confirms, fails, expires or time runs out.
// The height is read before the status, so a transfer that lands between the two reads is still
// seen as landed rather than expired.
func (e *EscrowPayoutEngine) awaitConfirmation(ctx context.Context, logger *log.Entry, ref string, lastValidHeight uint64) *models.PayoutResult {
	ctx, cancel := context.WithTimeout(ctx, e.config.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		expired := e.blockhashExpired(ctx, lastValidHeight)
		status, err := e.gateway.GetSignatureStatus(ctx, ref)
		switch {
		case err != nil:
			logger.WithError(err).Debug("Signature status poll failed")
		case status != nil && status.Failed():
			return e.result(logger, metrics.PayoutOutcomeNonRetryable, &models.PayoutResult{
				Error: "payout transfer failed on chain: " + status.Err,
			})
		case status != nil && status.Confirmed():
			return e.result(logger, metrics.PayoutOutcomeCompleted, &models.PayoutResult{Success: true, Ref: ref})
		case status == nil && expired:
			return e.result(logger, metrics.PayoutOutcomeRetryable, &models.PayoutResult{
				Error:     "payout transfer expired before landing",
				Retryable: true,
			})
		}

		select {
		case <-ctx.Done():
			return e.result(logger, metrics.PayoutOutcomeRetryable, &models.PayoutResult{
				Ref:       ref,
				Error:     "payout transfer not confirmed within " + e.config.ConfirmTimeout.String(),
				Retryable: true,
				Submitted: true,
			})
		case <-ticker.C:
		}
	}
}

// Reconcile reports what happened to a previously submitted transfer whose blockhash is valid
// up to lastValidHeight. With an unknown height an unseen transfer stays in flight.
func (e *EscrowPayoutEngine) Reconcile(ctx context.Context, ref string, lastValidHeight uint64) (models.ReconcileStatus, error) {
	expired := e.blockhashExpired(ctx, lastValidHeight)
	status, err := e.gateway.GetSignatureStatus(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("failed to reconcile payout %s: %w", ref, err)
	}

	logger := log.WithField("payoutRef", ref)
	switch {
	case status != nil && status.Failed():
		logger.WithField("error", status.Err).Warn("Submitted payout failed on chain, resubmitting")
		return models.ReconcileDropped, nil
	case status != nil && status.Confirmed():
		metrics.RecordPayout(metrics.PayoutOutcomeReconciled)
		logger.Info("Submitted payout confirmed during reconciliation")
		return models.ReconcileConfirmed, nil
	case status == nil && expired:
		logger.WithField("lastValidHeight", lastValidHeight).Warn("Submitted payout expired without landing, resubmitting")
		return models.ReconcileDropped, nil
	}
	return models.ReconcileInFlight, nil
}

func (e *EscrowPayoutEngine) classified(logger *log.Entry, step string, err error) *models.PayoutResult {
	retryable := ledger.IsRetryable(err)
	outcome := metrics.PayoutOutcomeNonRetryable
	if retryable {
		outcome = metrics.PayoutOutcomeRetryable
	}
	return e.result(logger, outcome, &models.PayoutResult{
		Error:     fmt.Sprintf("failed to %s: %v", step, err),
		Retryable: retryable,
	})
}

func (e *EscrowPayoutEngine) result(logger *log.Entry, outcome string, r *models.PayoutResult) *models.PayoutResult {
	metrics.RecordPayout(outcome)
	if r.Success {
		logger.Info("Payout confirmed")
		return r
	}
	logger.WithFields(log.Fields{
		"outcome":       outcome,
		"error":         r.Error,
		"retryable":     r.Retryable,
		"pendingPayout": r.PendingPayout,
	}).Warn("Payout attempt did not complete")
	return r
}
