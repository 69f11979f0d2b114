package ledger

import (
	"context"
	"fmt"
	"time"

	natspub "github.com/brojonat/airdrop/service/nats"
)

// NATSLedger publishes each outcome to JetStream. Publish waits for the
// stream ack, so an accepted entry is stored by the server.
type NATSLedger struct {
	pub      natspub.Publisher
	location string
}

func NewNATSLedger(pub natspub.Publisher, location string) *NATSLedger {
	return &NATSLedger{pub: pub, location: location}
}

func (l *NATSLedger) Record(ctx context.Context, entry Entry) error {
	if entry.Kind != KindSuccess && entry.Kind != KindFailure {
		return fmt.Errorf("unknown outcome kind %q", entry.Kind)
	}
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return l.pub.PublishOutcome(ctx, &natspub.OutcomeEvent{
		Status:    string(entry.Kind),
		Mint:      entry.Mint,
		Recipient: entry.Recipient,
		Amount:    entry.Amount.String(),
		Signature: entry.Signature,
		Stage:     entry.Stage,
		Error:     entry.Reason,
		Timestamp: ts.UTC(),
	})
}

func (l *NATSLedger) Locations() []string {
	return []string{l.location}
}

func (l *NATSLedger) Close() error {
	return l.pub.Close()
}
