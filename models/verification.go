package models

import (
	"github.com/shopspring/decimal"
)

// VerificationReason classifies why a payment reference was rejected
type VerificationReason string

const (
	ReasonNone                 VerificationReason = ""
	ReasonNotFound             VerificationReason = "not_found"
	ReasonOnChainFailure       VerificationReason = "on_chain_failure"
	ReasonTooOld               VerificationReason = "too_old"
	ReasonSenderMismatch       VerificationReason = "sender_mismatch"
	ReasonAssetMismatch        VerificationReason = "asset_mismatch"
	ReasonTransferNotFound     VerificationReason = "transfer_not_found"
	ReasonAmountOutOfTolerance VerificationReason = "amount_out_of_tolerance"
	ReasonGatewayError         VerificationReason = "gateway_error"
)

// Retryable reports whether the same verification may succeed if attempted again
func (r VerificationReason) Retryable() bool {
	return r == ReasonGatewayError
}

// VerificationResult describes the outcome of checking one payment reference.
// It is never persisted.
type VerificationResult struct {
	Valid         bool
	Reason        VerificationReason
	Detail        string
	Ref           string
	Sender        string
	Recipient     string
	AssetID       string // empty for the native asset
	Amount        uint64 // verified amount in base units
	DisplayAmount decimal.Decimal
	BlockTime     int64
}

// Invalid builds a rejected result
func Invalid(ref string, reason VerificationReason, detail string) *VerificationResult {
	return &VerificationResult{
		Ref:    ref,
		Reason: reason,
		Detail: detail,
	}
}

// PaymentExpectation is what a caller expects a payment reference to prove
type PaymentExpectation struct {
	Ref              string
	From             string
	To               string
	ExpectedAmount   uint64
	AssetID          string
	TolerancePercent decimal.Decimal
}
