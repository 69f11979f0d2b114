// Package ledger records transfer outcomes durably. Every sink is append
// only: a ledger never rewrites or removes an entry it has accepted.
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Kind separates the success and failure records.
type Kind string

const (
	KindSuccess Kind = "success"
	KindFailure Kind = "failure"
)

// Entry is one outcome as stored by a ledger.
type Entry struct {
	Kind      Kind
	Timestamp time.Time
	Mint      string
	Recipient string
	Amount    decimal.Decimal // token units

	Signature string // success only
	Stage     string // failure only
	Reason    string // failure only
}

// Ledger is an append-only outcome store. Record must not return before the
// entry is durable in that sink.
type Ledger interface {
	Record(ctx context.Context, entry Entry) error
	Locations() []string
	Close() error
}
