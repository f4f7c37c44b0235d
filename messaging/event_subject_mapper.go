package messaging

import (
	"fmt"

	"escrowbet/events"
)

// Subjects published by this service
const (
	SubjectBetPlaced       = "bets.placed"
	SubjectBetSettled      = "bets.settled"
	SubjectBetCancelled    = "bets.cancelled"
	SubjectPayoutCompleted = "payouts.completed"
	SubjectPayoutPending   = "payouts.pending"
)

// MapEventToSubject converts a domain event to its NATS subject
func MapEventToSubject(event events.Event) string {
	switch event.Type() {
	case events.EventTypeBetPlaced:
		return SubjectBetPlaced
	case events.EventTypeBetSettled:
		return SubjectBetSettled
	case events.EventTypeBetCancelled:
		return SubjectBetCancelled
	case events.EventTypePayoutCompleted:
		return SubjectPayoutCompleted
	case events.EventTypePayoutParked:
		return SubjectPayoutPending
	default:
		return fmt.Sprintf("unknown.%s", event.Type())
	}
}

// AllSubjects returns every subject the stream must capture
func AllSubjects() []string {
	return []string{
		SubjectBetPlaced,
		SubjectBetSettled,
		SubjectBetCancelled,
		SubjectPayoutCompleted,
		SubjectPayoutPending,
	}
}
