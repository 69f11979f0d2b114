package nats

import (
	"time"
)

// OutcomeEvent represents one transfer outcome published to NATS.
// Successes go to "airdrop.outcomes.success", failures to
// "airdrop.outcomes.failure".
type OutcomeEvent struct {
	Status string `json:"status"` // "success" or "failure"

	// Transfer details
	Mint      string `json:"mint"`
	Recipient string `json:"to_address"`
	Amount    string `json:"amount"` // token units, decimal string

	// Set for successes
	Signature string `json:"signature,omitempty"`

	// Set for failures
	Stage string `json:"stage,omitempty"`
	Error string `json:"error,omitempty"`

	// Timing information
	Timestamp   time.Time `json:"timestamp"`
	PublishedAt time.Time `json:"published_at"`
}

// Subject returns the subject the event is published to.
func (e *OutcomeEvent) Subject() string {
	return SubjectPrefix + e.Status
}
