package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"escrowbet/ledger"
	"escrowbet/metrics"
	"escrowbet/models"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// NativeDecimals is the precision of the ledger's native asset
const NativeDecimals = 9

var hundred = decimal.NewFromInt(100)

// VerifierConfig holds verification limits
type VerifierConfig struct {
	MaxAge  time.Duration // freshness window relative to wall-clock time
	Timeout time.Duration // bound on the gateway read
}

// TransactionVerifier checks that a transaction reference proves a payment.
// It never writes to the ledger.
type TransactionVerifier struct {
	gateway ledger.Gateway
	config  VerifierConfig
	now     func() time.Time
}

// NewTransactionVerifier creates a verifier reading through gateway
func NewTransactionVerifier(gateway ledger.Gateway, config VerifierConfig) *TransactionVerifier {
	if config.MaxAge == 0 {
		config.MaxAge = 10 * time.Minute
	}
	if config.Timeout == 0 {
		config.Timeout = 15 * time.Second
	}
	return &TransactionVerifier{
		gateway: gateway,
		config:  config,
		now:     time.Now,
	}
}

// VerifyNativeTransfer checks a native-asset payment of expectedAmount base units from fromAddr to toAddr
func (v *TransactionVerifier) VerifyNativeTransfer(ctx context.Context, ref, fromAddr, toAddr string, expectedAmount uint64, tolerancePercent decimal.Decimal) (*models.VerificationResult, error) {
	if err := validateVerifyArgs(ref, fromAddr, toAddr, expectedAmount, tolerancePercent); err != nil {
		return nil, err
	}

	tx, rejected := v.fetch(ctx, ref, fromAddr)
	if rejected != nil {
		return v.finish(rejected), nil
	}

	var matches []ledger.NativeTransfer
	for _, t := range tx.NativeTransfers {
		if t.From == fromAddr && t.To == toAddr {
			matches = append(matches, t)
		}
	}
	if len(matches) != 1 {
		return v.finish(models.Invalid(ref, models.ReasonTransferNotFound,
			fmt.Sprintf("expected exactly one transfer to %s, found %d", toAddr, len(matches)))), nil
	}

	transfer := matches[0]
	balance, ok := tx.NativeBalance(toAddr)
	if !ok || balance.Delta() <= 0 || uint64(balance.Delta()) != transfer.Lamports {
		return v.finish(models.Invalid(ref, models.ReasonTransferNotFound,
			"recipient balance change does not match the transfer")), nil
	}

	return v.finish(v.checkAmount(tx, ref, fromAddr, toAddr, "", transfer.Lamports, NativeDecimals, expectedAmount, tolerancePercent)), nil
}

// VerifyAssetTransfer checks a payment in assetID. The asset identity must be carried by the
// transfer instruction or resolved from the transaction's balance snapshot; anything else is rejected.
func (v *TransactionVerifier) VerifyAssetTransfer(ctx context.Context, ref, fromAddr, toAddr string, expectedAmount uint64, assetID string, tolerancePercent decimal.Decimal) (*models.VerificationResult, error) {
	if err := validateVerifyArgs(ref, fromAddr, toAddr, expectedAmount, tolerancePercent); err != nil {
		return nil, err
	}
	if assetID == "" {
		return nil, errors.New("asset id is required")
	}

	tx, rejected := v.fetch(ctx, ref, fromAddr)
	if rejected != nil {
		return v.finish(rejected), nil
	}

	var (
		matches      []ledger.TokenTransfer
		decimals     uint8
		wrongAsset   bool
		unresolvable bool
	)
	for _, t := range tx.TokenTransfers {
		if t.Authority != fromAddr {
			continue
		}

		mint, mintDecimals, resolved := resolveMint(tx, t)
		ownerMint := mint
		if !resolved {
			ownerMint = assetID
		}
		if !destinationOwnedBy(tx, t.Destination, toAddr, ownerMint) {
			continue
		}
		switch {
		case !resolved:
			unresolvable = true
		case mint != assetID:
			wrongAsset = true
		default:
			matches = append(matches, t)
			decimals = mintDecimals
		}
	}

	switch {
	case len(matches) == 0 && unresolvable:
		return v.finish(models.Invalid(ref, models.ReasonAssetMismatch,
			"transfer does not carry or resolve its asset identity")), nil
	case len(matches) == 0 && wrongAsset:
		return v.finish(models.Invalid(ref, models.ReasonAssetMismatch,
			"transfer is not in the expected asset")), nil
	case len(matches) != 1:
		return v.finish(models.Invalid(ref, models.ReasonTransferNotFound,
			fmt.Sprintf("expected exactly one asset transfer to %s, found %d", toAddr, len(matches)))), nil
	}

	transfer := matches[0]
	if snap, ok := tx.TokenBalance(transfer.Destination); ok && snap.Post <= snap.Pre {
		return v.finish(models.Invalid(ref, models.ReasonTransferNotFound,
			"recipient asset balance did not increase")), nil
	}

	return v.finish(v.checkAmount(tx, ref, fromAddr, toAddr, assetID, transfer.Amount, decimals, expectedAmount, tolerancePercent)), nil
}

// fetch loads the transaction and applies the checks common to both asset kinds
func (v *TransactionVerifier) fetch(ctx context.Context, ref, fromAddr string) (*ledger.Transaction, *models.VerificationResult) {
	ctx, cancel := context.WithTimeout(ctx, v.config.Timeout)
	defer cancel()

	tx, err := v.gateway.GetTransaction(ctx, ref)
	if errors.Is(err, ledger.ErrTransactionNotFound) {
		return nil, models.Invalid(ref, models.ReasonNotFound, "reference does not resolve to a confirmed transaction")
	}
	if err != nil {
		log.WithFields(log.Fields{
			"ref":   ref,
			"error": err,
		}).Warn("Ledger gateway failed during payment verification")
		return nil, models.Invalid(ref, models.ReasonGatewayError, err.Error())
	}

	if tx.Failed {
		return nil, models.Invalid(ref, models.ReasonOnChainFailure, tx.FailureDetail)
	}
	if tx.BlockTime == nil {
		return nil, models.Invalid(ref, models.ReasonTooOld, "transaction has no block time")
	}
	if age := v.now().Sub(*tx.BlockTime); age > v.config.MaxAge {
		return nil, models.Invalid(ref, models.ReasonTooOld,
			fmt.Sprintf("transaction is %s old, limit %s", age.Truncate(time.Second), v.config.MaxAge))
	}
	if tx.FeePayer != fromAddr {
		return nil, models.Invalid(ref, models.ReasonSenderMismatch,
			fmt.Sprintf("sent by %s", tx.FeePayer))
	}
	return tx, nil
}

func (v *TransactionVerifier) checkAmount(tx *ledger.Transaction, ref, from, to, assetID string, actual uint64, decimals uint8, expected uint64, tolerancePercent decimal.Decimal) *models.VerificationResult {
	low, high := ToleranceBounds(expected, tolerancePercent)
	if actual < low || actual > high {
		return models.Invalid(ref, models.ReasonAmountOutOfTolerance,
			fmt.Sprintf("received %s, accepted range [%s, %s]",
				DisplayAmount(actual, decimals), DisplayAmount(low, decimals), DisplayAmount(high, decimals)))
	}

	return &models.VerificationResult{
		Valid:         true,
		Ref:           ref,
		Sender:        from,
		Recipient:     to,
		AssetID:       assetID,
		Amount:        actual,
		DisplayAmount: DisplayAmount(actual, decimals),
		BlockTime:     tx.BlockTime.Unix(),
	}
}

func (v *TransactionVerifier) finish(result *models.VerificationResult) *models.VerificationResult {
	metrics.RecordVerification(string(result.Reason))
	if !result.Valid {
		log.WithFields(log.Fields{
			"ref":    result.Ref,
			"reason": result.Reason,
			"detail": result.Detail,
		}).Info("Payment verification rejected")
	}
	return result
}

// resolveMint returns the asset identity of a transfer. Checked transfers carry it; naive
// transfers are resolved from the balance snapshot of their destination.
func resolveMint(tx *ledger.Transaction, t ledger.TokenTransfer) (string, uint8, bool) {
	if t.HasIdentity() {
		var decimals uint8
		if t.Decimals != nil {
			decimals = *t.Decimals
		}
		if snap, ok := tx.TokenBalance(t.Destination); ok && snap.Mint != t.Mint {
			return "", 0, false
		}
		return t.Mint, decimals, true
	}
	snap, ok := tx.TokenBalance(t.Destination)
	if !ok || snap.Mint == "" {
		return "", 0, false
	}
	if src, ok := tx.TokenBalance(t.Source); ok && src.Mint != snap.Mint {
		return "", 0, false
	}
	return snap.Mint, snap.Decimals, true
}

// destinationOwnedBy reports whether the asset account belongs to owner, using the
// balance snapshot or, failing that, the canonical derived account for mint.
func destinationOwnedBy(tx *ledger.Transaction, destination, owner, mint string) bool {
	if snap, ok := tx.TokenBalance(destination); ok && snap.Owner != "" {
		return snap.Owner == owner
	}
	if mint == "" {
		return false
	}
	ownerKey, err := solana.PublicKeyFromBase58(owner)
	if err != nil {
		return false
	}
	mintKey, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return false
	}
	for _, program := range []solana.PublicKey{solana.TokenProgramID, solana.Token2022ProgramID} {
		ata, err := ledger.AssociatedTokenAddress(ownerKey, mintKey, program)
		if err == nil && ata.String() == destination {
			return true
		}
	}
	return false
}

func validateVerifyArgs(ref, from, to string, expected uint64, tolerancePercent decimal.Decimal) error {
	switch {
	case ref == "":
		return errors.New("transaction reference is required")
	case from == "" || to == "":
		return errors.New("sender and recipient addresses are required")
	case expected == 0:
		return errors.New("expected amount must be positive")
	case tolerancePercent.IsNegative() || tolerancePercent.GreaterThanOrEqual(hundred):
		return fmt.Errorf("tolerance %s%% out of range", tolerancePercent)
	}
	return nil
}

// ToleranceBounds returns the inclusive accepted range for expected base units:
// ceil(expected*(1-t/100)) to floor(expected*(1+t/100)).
func ToleranceBounds(expected uint64, tolerancePercent decimal.Decimal) (uint64, uint64) {
	exp := decimal.NewFromBigInt(new(big.Int).SetUint64(expected), 0)
	low := exp.Mul(hundred.Sub(tolerancePercent)).Div(hundred).Ceil()
	high := exp.Mul(hundred.Add(tolerancePercent)).Div(hundred).Floor()

	hi := high.BigInt()
	if !hi.IsUint64() {
		return low.BigInt().Uint64(), ^uint64(0)
	}
	return low.BigInt().Uint64(), hi.Uint64()
}

// DisplayAmount converts base units to a decimal amount
func DisplayAmount(amount uint64, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(amount), -int32(decimals))
}
