package ledger

import (
	"context"
	"testing"

	"github.com/brojonat/airdrop/service/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresLedger_Record(t *testing.T) {
	db.SkipIfNoTestDB(t)

	store := db.NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)
	store.Cleanup(t)

	ctx := context.Background()
	l, err := NewPostgresLedger(ctx, store.Store, "postgres airdrop_test")
	require.NoError(t, err)

	s := success("wallet-a", "1.5", "sig-a")
	s.Mint = "mint"
	f := failure("wallet-b", "2", "timeout")
	f.Mint = "mint"

	require.NoError(t, l.Record(ctx, s))
	require.NoError(t, l.Record(ctx, f))
	assert.Error(t, l.Record(ctx, Entry{Kind: "other"}))

	n, err := store.CountSuccesses(ctx, "mint")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	failures, err := store.ListFailures(ctx, "mint")
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "wallet-b", failures[0].ToAddress)
	assert.Equal(t, "submit", failures[0].Stage)
	assert.Equal(t, "timeout", failures[0].Error)

	assert.Equal(t, []string{"postgres airdrop_test"}, l.Locations())
}
