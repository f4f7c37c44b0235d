package models

// PayoutResult is the outcome of one escrow payout attempt.
// The engine performs no persistence; callers record it on the bet.
type PayoutResult struct {
	Success       bool
	Ref           string // transfer signature, set on success and when a submit could not be confirmed
	Error         string
	Retryable     bool
	PendingPayout bool // operator action required (e.g. escrow top-up)
	Submitted     bool // a signed transfer reached the gateway
}

// ReconcileStatus is what the ledger reports about a previously submitted payout
type ReconcileStatus string

const (
	// ReconcileConfirmed means the transfer landed; it must not be resubmitted
	ReconcileConfirmed ReconcileStatus = "confirmed"
	// ReconcileInFlight means the transfer may still land
	ReconcileInFlight ReconcileStatus = "in_flight"
	// ReconcileDropped means the transfer failed or expired and can be resubmitted
	ReconcileDropped ReconcileStatus = "dropped"
)
