package metrics

// Metric namespace and subsystems
const (
	Namespace = "escrowbet"

	SubsystemVerifier = "verifier"
	SubsystemPayout   = "payout"
	SubsystemLedger   = "ledger"
	SubsystemBets     = "bets"
)

// Label keys
const (
	LabelReason  = "reason"
	LabelOutcome = "outcome"
	LabelMethod  = "method"
	LabelStatus  = "status"
	LabelState   = "state"
)

// Payout outcomes
const (
	PayoutOutcomeCompleted    = "completed"
	PayoutOutcomeReconciled   = "reconciled"
	PayoutOutcomeRetryable    = "retryable"
	PayoutOutcomeNonRetryable = "non_retryable"
	PayoutOutcomeInsufficient = "insufficient_liquidity"
	PayoutOutcomeConfig       = "configuration"
)
