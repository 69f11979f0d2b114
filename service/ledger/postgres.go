package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/brojonat/airdrop/service/db"
)

// PostgresLedger inserts outcomes into the distribution tables.
type PostgresLedger struct {
	store    *db.Store
	location string
}

// NewPostgresLedger creates the tables if needed. location is only used for
// display and should not carry credentials.
func NewPostgresLedger(ctx context.Context, store *db.Store, location string) (*PostgresLedger, error) {
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return &PostgresLedger{store: store, location: location}, nil
}

func (l *PostgresLedger) Record(ctx context.Context, entry Entry) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	switch entry.Kind {
	case KindSuccess:
		return l.store.InsertSuccess(ctx, db.Success{
			RecordedAt: ts,
			Mint:       entry.Mint,
			Amount:     entry.Amount,
			ToAddress:  entry.Recipient,
			Signature:  entry.Signature,
		})
	case KindFailure:
		return l.store.InsertFailure(ctx, db.Failure{
			RecordedAt: ts,
			Mint:       entry.Mint,
			Amount:     entry.Amount,
			ToAddress:  entry.Recipient,
			Stage:      entry.Stage,
			Error:      entry.Reason,
		})
	default:
		return fmt.Errorf("unknown outcome kind %q", entry.Kind)
	}
}

func (l *PostgresLedger) Locations() []string {
	return []string{l.location}
}

// Close leaves the pool open; its owner closes it.
func (l *PostgresLedger) Close() error {
	return nil
}
