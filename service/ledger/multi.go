package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/brojonat/airdrop/service/metrics"
)

// Multi fans every entry out to all of its ledgers. A failing sink does not
// stop the others; Record returns the joined errors.
type Multi struct {
	ledgers []Ledger
}

func NewMulti(ledgers ...Ledger) *Multi {
	return &Multi{ledgers: ledgers}
}

func (m *Multi) Record(ctx context.Context, entry Entry) error {
	var errs []error
	for _, l := range m.ledgers {
		if err := l.Record(ctx, entry); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", strings.Join(l.Locations(), ", "), err))
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) Locations() []string {
	var out []string
	for _, l := range m.ledgers {
		out = append(out, l.Locations()...)
	}
	return out
}

func (m *Multi) Close() error {
	var errs []error
	for _, l := range m.ledgers {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Instrumented records write counts and latency for one sink.
type Instrumented struct {
	Ledger
	sink    string
	metrics *metrics.Metrics
}

// WithMetrics wraps l. A nil m returns l unchanged.
func WithMetrics(l Ledger, sink string, m *metrics.Metrics) Ledger {
	if m == nil {
		return l
	}
	return &Instrumented{Ledger: l, sink: sink, metrics: m}
}

func (i *Instrumented) Record(ctx context.Context, entry Entry) error {
	start := time.Now()
	err := i.Ledger.Record(ctx, entry)
	i.metrics.RecordLedgerWrite(i.sink, string(entry.Kind), time.Since(start).Seconds(), err)
	return err
}
