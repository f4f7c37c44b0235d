package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"escrowbet/ledger"
	"escrowbet/models"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	player    = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
	escrow    = "TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb"
	assetMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	fakeMint  = "ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL"
	playerATA = "PlayerAssetAccount1111111111111111111111111"
	escrowATA = "EscrowAssetAccount1111111111111111111111111"
	paymentID = "5xPaymentSignature"
)

var (
	verifyNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	twoPct    = decimal.NewFromInt(2)
)

func newTestVerifier(gateway ledger.Gateway) *TransactionVerifier {
	v := NewTransactionVerifier(gateway, VerifierConfig{MaxAge: 10 * time.Minute, Timeout: time.Second})
	v.now = func() time.Time { return verifyNow }
	return v
}

func blockTime(ago time.Duration) *time.Time {
	t := verifyNow.Add(-ago)
	return &t
}

func nativeTx(lamports uint64) *ledger.Transaction {
	return &ledger.Transaction{
		Signature: paymentID,
		BlockTime: blockTime(time.Minute),
		FeePayer:  player,
		NativeBalances: []ledger.BalanceChange{
			{Account: player, Pre: 5_000_000_000, Post: 5_000_000_000 - lamports - 5000},
			{Account: escrow, Pre: 1_000_000_000, Post: 1_000_000_000 + lamports},
		},
		NativeTransfers: []ledger.NativeTransfer{
			{From: player, To: escrow, Lamports: lamports},
		},
	}
}

func checkedAssetTx(mint string, amount uint64) *ledger.Transaction {
	decimals := uint8(6)
	return &ledger.Transaction{
		Signature: paymentID,
		BlockTime: blockTime(time.Minute),
		FeePayer:  player,
		TokenBalances: []ledger.TokenBalanceChange{
			{Account: playerATA, Owner: player, Mint: mint, Decimals: 6, Pre: 10_000_000, Post: 10_000_000 - amount},
			{Account: escrowATA, Owner: escrow, Mint: mint, Decimals: 6, Pre: 0, Post: amount},
		},
		TokenTransfers: []ledger.TokenTransfer{
			{Source: playerATA, Destination: escrowATA, Authority: player, Mint: mint, Amount: amount, Decimals: &decimals, Checked: true},
		},
	}
}

func expectTx(gateway *MockGateway, tx *ledger.Transaction, err error) {
	if tx == nil {
		gateway.On("GetTransaction", mock.Anything, paymentID).Return(nil, err)
		return
	}
	gateway.On("GetTransaction", mock.Anything, paymentID).Return(tx, err)
}

func TestVerifyNativeTransfer_Valid(t *testing.T) {
	gateway := new(MockGateway)
	expectTx(gateway, nativeTx(100_000_000), nil)

	result, err := newTestVerifier(gateway).VerifyNativeTransfer(context.Background(), paymentID, player, escrow, 100_000_000, twoPct)
	require.NoError(t, err)

	assert.True(t, result.Valid)
	assert.Equal(t, models.ReasonNone, result.Reason)
	assert.Equal(t, uint64(100_000_000), result.Amount)
	assert.Equal(t, "0.1", result.DisplayAmount.String())
	assert.Equal(t, player, result.Sender)
	assert.Equal(t, escrow, result.Recipient)
	assert.Empty(t, result.AssetID)
	gateway.AssertExpectations(t)
}

func TestVerifyNativeTransfer_OutOfTolerance(t *testing.T) {
	gateway := new(MockGateway)
	expectTx(gateway, nativeTx(94_000_000), nil)

	result, err := newTestVerifier(gateway).VerifyNativeTransfer(context.Background(), paymentID, player, escrow, 100_000_000, twoPct)
	require.NoError(t, err)

	assert.False(t, result.Valid)
	assert.Equal(t, models.ReasonAmountOutOfTolerance, result.Reason)
	assert.Contains(t, result.Detail, "0.098")
}

func TestVerifyNativeTransfer_WithinToleranceReportsActualAmount(t *testing.T) {
	gateway := new(MockGateway)
	expectTx(gateway, nativeTx(98_500_000), nil)

	result, err := newTestVerifier(gateway).VerifyNativeTransfer(context.Background(), paymentID, player, escrow, 100_000_000, twoPct)
	require.NoError(t, err)

	assert.True(t, result.Valid)
	assert.Equal(t, uint64(98_500_000), result.Amount)
}

func TestVerifyNativeTransfer_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		tx     func() *ledger.Transaction
		err    error
		reason models.VerificationReason
	}{
		{
			name:   "reference does not resolve",
			err:    ledger.ErrTransactionNotFound,
			reason: models.ReasonNotFound,
		},
		{
			name:   "gateway transport failure",
			err:    errors.New("connection refused"),
			reason: models.ReasonGatewayError,
		},
		{
			name:   "gateway timeout is not not_found",
			err:    context.DeadlineExceeded,
			reason: models.ReasonGatewayError,
		},
		{
			name: "failed on chain",
			tx: func() *ledger.Transaction {
				tx := nativeTx(100_000_000)
				tx.Failed = true
				tx.FailureDetail = `{"InstructionError":[0,"Custom"]}`
				return tx
			},
			reason: models.ReasonOnChainFailure,
		},
		{
			name: "older than freshness window",
			tx: func() *ledger.Transaction {
				tx := nativeTx(100_000_000)
				tx.BlockTime = blockTime(11 * time.Minute)
				return tx
			},
			reason: models.ReasonTooOld,
		},
		{
			name: "missing block time",
			tx: func() *ledger.Transaction {
				tx := nativeTx(100_000_000)
				tx.BlockTime = nil
				return tx
			},
			reason: models.ReasonTooOld,
		},
		{
			name: "sent by someone else",
			tx: func() *ledger.Transaction {
				tx := nativeTx(100_000_000)
				tx.FeePayer = "SomeoneElse111111111111111111111111111111111"
				return tx
			},
			reason: models.ReasonSenderMismatch,
		},
		{
			name: "paid to another address",
			tx: func() *ledger.Transaction {
				tx := nativeTx(100_000_000)
				tx.NativeTransfers[0].To = "Elsewhere11111111111111111111111111111111111"
				return tx
			},
			reason: models.ReasonTransferNotFound,
		},
		{
			name: "two transfers to the recipient are ambiguous",
			tx: func() *ledger.Transaction {
				tx := nativeTx(50_000_000)
				tx.NativeTransfers = append(tx.NativeTransfers, tx.NativeTransfers[0])
				tx.NativeBalances[1].Post += 50_000_000
				return tx
			},
			reason: models.ReasonTransferNotFound,
		},
		{
			name: "recipient balance change disagrees with transfer",
			tx: func() *ledger.Transaction {
				tx := nativeTx(100_000_000)
				tx.NativeBalances[1].Post = tx.NativeBalances[1].Pre
				return tx
			},
			reason: models.ReasonTransferNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gateway := new(MockGateway)
			var tx *ledger.Transaction
			if tt.tx != nil {
				tx = tt.tx()
			}
			expectTx(gateway, tx, tt.err)

			result, err := newTestVerifier(gateway).VerifyNativeTransfer(context.Background(), paymentID, player, escrow, 100_000_000, twoPct)
			require.NoError(t, err)
			assert.False(t, result.Valid)
			assert.Equal(t, tt.reason, result.Reason)
			assert.Equal(t, tt.reason == models.ReasonGatewayError, result.Reason.Retryable())
		})
	}
}

func TestVerifyNativeTransfer_InvalidArguments(t *testing.T) {
	v := newTestVerifier(new(MockGateway))
	ctx := context.Background()

	_, err := v.VerifyNativeTransfer(ctx, "", player, escrow, 1, twoPct)
	assert.Error(t, err)
	_, err = v.VerifyNativeTransfer(ctx, paymentID, player, escrow, 0, twoPct)
	assert.Error(t, err)
	_, err = v.VerifyNativeTransfer(ctx, paymentID, player, escrow, 1, decimal.NewFromInt(-1))
	assert.Error(t, err)
	_, err = v.VerifyAssetTransfer(ctx, paymentID, player, escrow, 1, "", twoPct)
	assert.Error(t, err)
}

func TestVerifyAssetTransfer_Checked(t *testing.T) {
	gateway := new(MockGateway)
	expectTx(gateway, checkedAssetTx(assetMint, 50_000), nil)

	result, err := newTestVerifier(gateway).VerifyAssetTransfer(context.Background(), paymentID, player, escrow, 50_000, assetMint, twoPct)
	require.NoError(t, err)

	assert.True(t, result.Valid)
	assert.Equal(t, uint64(50_000), result.Amount)
	assert.Equal(t, assetMint, result.AssetID)
	assert.Equal(t, "0.05", result.DisplayAmount.String())
}

func TestVerifyAssetTransfer_LookAlikeAssetRejected(t *testing.T) {
	gateway := new(MockGateway)
	expectTx(gateway, checkedAssetTx(fakeMint, 50_000), nil)

	result, err := newTestVerifier(gateway).VerifyAssetTransfer(context.Background(), paymentID, player, escrow, 50_000, assetMint, twoPct)
	require.NoError(t, err)

	assert.False(t, result.Valid)
	assert.Equal(t, models.ReasonAssetMismatch, result.Reason)
}

func TestVerifyAssetTransfer_CheckedMintContradictsSnapshot(t *testing.T) {
	gateway := new(MockGateway)
	tx := checkedAssetTx(assetMint, 50_000)
	tx.TokenBalances[1].Mint = fakeMint
	expectTx(gateway, tx, nil)

	result, err := newTestVerifier(gateway).VerifyAssetTransfer(context.Background(), paymentID, player, escrow, 50_000, assetMint, twoPct)
	require.NoError(t, err)

	assert.False(t, result.Valid)
	assert.Equal(t, models.ReasonAssetMismatch, result.Reason)
}

func TestVerifyAssetTransfer_NaiveResolvedFromSnapshot(t *testing.T) {
	gateway := new(MockGateway)
	tx := checkedAssetTx(assetMint, 50_000)
	tx.TokenTransfers[0].Checked = false
	tx.TokenTransfers[0].Mint = ""
	tx.TokenTransfers[0].Decimals = nil
	expectTx(gateway, tx, nil)

	result, err := newTestVerifier(gateway).VerifyAssetTransfer(context.Background(), paymentID, player, escrow, 50_000, assetMint, twoPct)
	require.NoError(t, err)

	assert.True(t, result.Valid)
	assert.Equal(t, "0.05", result.DisplayAmount.String())
}

func TestVerifyAssetTransfer_NaiveWithoutSnapshotRejected(t *testing.T) {
	escrowKey := solana.MustPublicKeyFromBase58(escrow)
	mintKey := solana.MustPublicKeyFromBase58(assetMint)
	derived, err := ledger.AssociatedTokenAddress(escrowKey, mintKey, solana.TokenProgramID)
	require.NoError(t, err)

	gateway := new(MockGateway)
	expectTx(gateway, &ledger.Transaction{
		Signature: paymentID,
		BlockTime: blockTime(time.Minute),
		FeePayer:  player,
		TokenTransfers: []ledger.TokenTransfer{
			{Source: playerATA, Destination: derived.String(), Authority: player, Amount: 50_000},
		},
	}, nil)

	result, err := newTestVerifier(gateway).VerifyAssetTransfer(context.Background(), paymentID, player, escrow, 50_000, assetMint, twoPct)
	require.NoError(t, err)

	assert.False(t, result.Valid)
	assert.Equal(t, models.ReasonAssetMismatch, result.Reason)
}

func TestVerifyAssetTransfer_CheckedToDerivedAccountWithoutSnapshot(t *testing.T) {
	escrowKey := solana.MustPublicKeyFromBase58(escrow)
	mintKey := solana.MustPublicKeyFromBase58(assetMint)
	derived, err := ledger.AssociatedTokenAddress(escrowKey, mintKey, solana.TokenProgramID)
	require.NoError(t, err)

	decimals := uint8(6)
	gateway := new(MockGateway)
	expectTx(gateway, &ledger.Transaction{
		Signature: paymentID,
		BlockTime: blockTime(time.Minute),
		FeePayer:  player,
		TokenTransfers: []ledger.TokenTransfer{
			{Source: playerATA, Destination: derived.String(), Authority: player, Mint: assetMint, Amount: 50_000, Decimals: &decimals, Checked: true},
		},
	}, nil)

	result, err := newTestVerifier(gateway).VerifyAssetTransfer(context.Background(), paymentID, player, escrow, 50_000, assetMint, twoPct)
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestVerifyAssetTransfer_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(tx *ledger.Transaction)
		reason models.VerificationReason
	}{
		{
			name:   "destination owned by someone else",
			mutate: func(tx *ledger.Transaction) { tx.TokenBalances[1].Owner = player },
			reason: models.ReasonTransferNotFound,
		},
		{
			name:   "transfer authorised by another wallet",
			mutate: func(tx *ledger.Transaction) { tx.TokenTransfers[0].Authority = escrow },
			reason: models.ReasonTransferNotFound,
		},
		{
			name:   "destination balance did not increase",
			mutate: func(tx *ledger.Transaction) { tx.TokenBalances[1].Pre = tx.TokenBalances[1].Post },
			reason: models.ReasonTransferNotFound,
		},
		{
			name:   "amount below tolerance",
			mutate: func(tx *ledger.Transaction) { tx.TokenTransfers[0].Amount = 48_999 },
			reason: models.ReasonAmountOutOfTolerance,
		},
		{
			name:   "amount above tolerance",
			mutate: func(tx *ledger.Transaction) { tx.TokenTransfers[0].Amount = 51_001 },
			reason: models.ReasonAmountOutOfTolerance,
		},
		{
			name: "failed on chain",
			mutate: func(tx *ledger.Transaction) {
				tx.Failed = true
				tx.FailureDetail = "insufficient funds"
			},
			reason: models.ReasonOnChainFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := checkedAssetTx(assetMint, 50_000)
			tt.mutate(tx)
			gateway := new(MockGateway)
			expectTx(gateway, tx, nil)

			result, err := newTestVerifier(gateway).VerifyAssetTransfer(context.Background(), paymentID, player, escrow, 50_000, assetMint, twoPct)
			require.NoError(t, err)
			assert.False(t, result.Valid)
			assert.Equal(t, tt.reason, result.Reason)
		})
	}
}

func TestToleranceBounds(t *testing.T) {
	tests := []struct {
		expected  uint64
		tolerance string
		low, high uint64
	}{
		{100_000_000, "2", 98_000_000, 102_000_000},
		{50_000, "0", 50_000, 50_000},
		{1, "2", 1, 1},
		{99, "2.5", 97, 101},
	}
	for _, tt := range tests {
		low, high := ToleranceBounds(tt.expected, decimal.RequireFromString(tt.tolerance))
		assert.Equal(t, tt.low, low, "low bound for %d at %s%%", tt.expected, tt.tolerance)
		assert.Equal(t, tt.high, high, "high bound for %d at %s%%", tt.expected, tt.tolerance)
	}
}

func TestDisplayAmount(t *testing.T) {
	assert.Equal(t, "0.098", DisplayAmount(98_000_000, 9).String())
	assert.Equal(t, "18446744073.709551615", DisplayAmount(^uint64(0), 9).String())
}
