package service

import (
	"context"

	"escrowbet/ledger"
	"escrowbet/models"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
)

// MockGateway is a mock implementation of ledger.Gateway
type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) GetTransaction(ctx context.Context, signature string) (*ledger.Transaction, error) {
	args := m.Called(ctx, signature)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ledger.Transaction), args.Error(1)
}

func (m *MockGateway) GetBalance(ctx context.Context, account string) (uint64, error) {
	args := m.Called(ctx, account)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *MockGateway) GetTokenAccountBalance(ctx context.Context, account string) (uint64, error) {
	args := m.Called(ctx, account)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *MockGateway) AccountExists(ctx context.Context, account string) (bool, error) {
	args := m.Called(ctx, account)
	return args.Bool(0), args.Error(1)
}

func (m *MockGateway) GetLatestBlockhash(ctx context.Context) (*ledger.Blockhash, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ledger.Blockhash), args.Error(1)
}

func (m *MockGateway) GetBlockHeight(ctx context.Context) (uint64, error) {
	args := m.Called(ctx)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *MockGateway) SendTransaction(ctx context.Context, tx *solana.Transaction) (string, error) {
	args := m.Called(ctx, tx)
	return args.String(0), args.Error(1)
}

func (m *MockGateway) GetSignatureStatus(ctx context.Context, signature string) (*ledger.SignatureStatus, error) {
	args := m.Called(ctx, signature)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ledger.SignatureStatus), args.Error(1)
}

// MockPaymentVerifier is a mock implementation of PaymentVerifier
type MockPaymentVerifier struct {
	mock.Mock
}

func (m *MockPaymentVerifier) VerifyNativeTransfer(ctx context.Context, ref, fromAddr, toAddr string, expectedAmount uint64, tolerancePercent decimal.Decimal) (*models.VerificationResult, error) {
	args := m.Called(ctx, ref, fromAddr, toAddr, expectedAmount, tolerancePercent)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.VerificationResult), args.Error(1)
}

func (m *MockPaymentVerifier) VerifyAssetTransfer(ctx context.Context, ref, fromAddr, toAddr string, expectedAmount uint64, assetID string, tolerancePercent decimal.Decimal) (*models.VerificationResult, error) {
	args := m.Called(ctx, ref, fromAddr, toAddr, expectedAmount, assetID, tolerancePercent)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.VerificationResult), args.Error(1)
}

// MockPayoutEngine is a mock implementation of PayoutEngine
type MockPayoutEngine struct {
	mock.Mock
}

func (m *MockPayoutEngine) Payout(ctx context.Context, recipientAddr string, amount uint64, record SubmissionRecorder) *models.PayoutResult {
	args := m.Called(ctx, recipientAddr, amount, record)
	return args.Get(0).(*models.PayoutResult)
}

func (m *MockPayoutEngine) Reconcile(ctx context.Context, ref string, lastValidHeight uint64) (models.ReconcileStatus, error) {
	args := m.Called(ctx, ref, lastValidHeight)
	return args.Get(0).(models.ReconcileStatus), args.Error(1)
}
