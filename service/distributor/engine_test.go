package distributor

import (
	"context"
	"encoding/binary"
	"encoding/csv"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/airdrop/service/ledger"
	"github.com/brojonat/airdrop/service/metrics"
	solanasvc "github.com/brojonat/airdrop/service/solana"
	"github.com/gagliardetto/solana-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testMint = Mint{
	Address:  solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"),
	Decimals: 6,
}

// fakeResolver derives real addresses and answers balance and existence
// from fixed values.
type fakeResolver struct {
	balance    decimal.Decimal
	balanceErr error

	mu      sync.Mutex
	missing map[solana.PublicKey]bool
}

func (f *fakeResolver) DeriveTokenAccount(owner, mint solana.PublicKey) (solana.PublicKey, error) {
	return solanasvc.DeriveTokenAccount(owner, mint)
}

func (f *fakeResolver) AccountExists(ctx context.Context, account solana.PublicKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.missing[account]
}

func (f *fakeResolver) TokenBalance(ctx context.Context, owner, mint solana.PublicKey, decimals uint8) (decimal.Decimal, error) {
	return f.balance, f.balanceErr
}

// fakeSubmitter fails transfers whose destination token account is in fail
// and succeeds otherwise. It keeps every submitted instruction list.
type fakeSubmitter struct {
	mu        sync.Mutex
	fail      map[solana.PublicKey]error
	panicOn   map[solana.PublicKey]bool
	submitted [][]solana.Instruction
	next      byte

	// confirm, when set, stands in for the confirmation wait and can fail
	// the submission.
	confirm func(ctx context.Context) error
}

func (f *fakeSubmitter) Submit(ctx context.Context, instructions []solana.Instruction) (solana.Signature, error) {
	if f.confirm != nil {
		if err := f.confirm(ctx); err != nil {
			return solana.Signature{}, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, instructions)

	dest := instructions[len(instructions)-1].Accounts()[2].PublicKey
	if f.panicOn[dest] {
		panic("unexpected nil account data")
	}
	if err := f.fail[dest]; err != nil {
		return solana.Signature{}, err
	}
	f.next++
	return solana.Signature{f.next}, nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

// memoryLedger keeps entries in memory.
type memoryLedger struct {
	mu      sync.Mutex
	entries []ledger.Entry
	err     error
}

func (m *memoryLedger) Record(ctx context.Context, entry ledger.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memoryLedger) Locations() []string { return []string{"memory"} }
func (m *memoryLedger) Close() error        { return nil }

func (m *memoryLedger) byKind(kind ledger.Kind) []ledger.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ledger.Entry
	for _, e := range m.entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type testEnv struct {
	sender    solana.PublicKey
	resolver  *fakeResolver
	submitter *fakeSubmitter
	ledger    *memoryLedger
	sleeps    []time.Duration
	sleepMu   sync.Mutex
}

func newTestEnv(balance string) *testEnv {
	return &testEnv{
		sender: solana.NewWallet().PublicKey(),
		resolver: &fakeResolver{
			balance: decimal.RequireFromString(balance),
			missing: map[solana.PublicKey]bool{},
		},
		submitter: &fakeSubmitter{
			fail:    map[solana.PublicKey]error{},
			panicOn: map[solana.PublicKey]bool{},
		},
		ledger: &memoryLedger{},
	}
}

func (env *testEnv) engine(opts Options, m *metrics.Metrics) *Engine {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := NewEngine(env.sender, env.resolver, env.submitter, env.ledger, opts, m, logger)
	e.sleep = func(ctx context.Context, d time.Duration) error {
		env.sleepMu.Lock()
		env.sleeps = append(env.sleeps, d)
		env.sleepMu.Unlock()
		return ctx.Err()
	}
	return e
}

func ata(t *testing.T, wallet string) solana.PublicKey {
	t.Helper()
	acct, err := solanasvc.DeriveTokenAccount(solana.MustPublicKeyFromBase58(wallet), testMint.Address)
	require.NoError(t, err)
	return acct
}

func wallets(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = solana.NewWallet().PublicKey().String()
	}
	return out
}

func transfer(wallet, amount string) TransferRequest {
	return TransferRequest{Recipient: wallet, Amount: decimal.RequireFromString(amount)}
}

var defaultOpts = Options{
	BatchSize:     15,
	BatchDelay:    2 * time.Second,
	TransferDelay: 500 * time.Millisecond,
	Workers:       1,
}

func TestDistribute_AllSucceed(t *testing.T) {
	env := newTestEnv("100")
	w := wallets(5)
	var transfers []TransferRequest
	for _, addr := range w {
		transfers = append(transfers, transfer(addr, "2"))
	}

	summary, err := env.engine(defaultOpts, nil).Distribute(context.Background(), testMint, transfers)
	require.NoError(t, err)

	assert.Equal(t, StateDone, summary.State)
	assert.Equal(t, 5, summary.SuccessCount)
	assert.Equal(t, 0, summary.FailureCount)
	assert.Empty(t, summary.Failed)
	assert.Empty(t, summary.Unattempted)
	assert.True(t, summary.TotalRequested.Equal(decimal.NewFromInt(10)))
	assert.True(t, summary.Distributed.Equal(decimal.NewFromInt(10)))
	assert.True(t, summary.Balance.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, []string{"memory"}, summary.LedgerLocations)

	// One outcome and one ledger row per transfer.
	require.Len(t, summary.Outcomes, 5)
	successes := env.ledger.byKind(ledger.KindSuccess)
	require.Len(t, successes, 5)
	seen := map[string]bool{}
	for i, e := range successes {
		assert.Equal(t, w[i], e.Recipient)
		assert.NotEmpty(t, e.Signature)
		assert.Equal(t, testMint.String(), e.Mint)
		assert.False(t, seen[e.Recipient])
		seen[e.Recipient] = true
	}
}

func TestDistribute_InsufficientBalance(t *testing.T) {
	env := newTestEnv("10.0")
	w := wallets(2)
	transfers := []TransferRequest{transfer(w[0], "4.0"), transfer(w[1], "7.0")}

	summary, err := env.engine(defaultOpts, nil).Distribute(context.Background(), testMint, transfers)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	var pe *PreflightError
	require.True(t, errors.As(err, &pe))
	assert.True(t, pe.Required.Equal(decimal.NewFromInt(11)))
	assert.True(t, pe.Available.Equal(decimal.NewFromInt(10)))

	require.NotNil(t, summary)
	assert.Equal(t, StateAborted, summary.State)
	assert.Zero(t, env.submitter.count())
	assert.Empty(t, env.ledger.entries)
	assert.Zero(t, summary.SuccessCount+summary.FailureCount)
}

func TestDistribute_NonPositiveAmountAbortsRun(t *testing.T) {
	tests := []struct {
		name    string
		balance string
		amounts []string
	}{
		{"negative offsets total", "0", []string{"100", "-100"}},
		{"zero amount", "100", []string{"1", "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(tt.balance)
			w := wallets(len(tt.amounts))
			var transfers []TransferRequest
			for i, amount := range tt.amounts {
				transfers = append(transfers, transfer(w[i], amount))
			}

			summary, err := env.engine(defaultOpts, nil).Distribute(context.Background(), testMint, transfers)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidAmount)
			assert.NotErrorIs(t, err, ErrInsufficientBalance)
			assert.Contains(t, err.Error(), w[1])

			var pe *PreflightError
			assert.True(t, errors.As(err, &pe))
			require.NotNil(t, summary)
			assert.Equal(t, StateAborted, summary.State)
			assert.Zero(t, env.submitter.count())
			assert.Empty(t, env.ledger.entries)
		})
	}
}

func TestDistribute_ExactBalanceIsEnough(t *testing.T) {
	env := newTestEnv("11")
	w := wallets(2)
	transfers := []TransferRequest{transfer(w[0], "4.0"), transfer(w[1], "7.0")}

	summary, err := env.engine(defaultOpts, nil).Distribute(context.Background(), testMint, transfers)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.SuccessCount)
}

func TestDistribute_BalanceQueryFailure(t *testing.T) {
	env := newTestEnv("0")
	env.resolver.balanceErr = errors.New("rpc unavailable")

	summary, err := env.engine(defaultOpts, nil).Distribute(context.Background(), testMint,
		[]TransferRequest{transfer(wallets(1)[0], "1")})
	require.Error(t, err)

	var pe *PreflightError
	assert.True(t, errors.As(err, &pe))
	assert.NotErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, StateAborted, summary.State)
	assert.Zero(t, env.submitter.count())
}

func TestDistribute_FailureIsIsolated(t *testing.T) {
	env := newTestEnv("100")
	w := wallets(3)
	a, b, c := w[0], w[1], w[2]
	env.submitter.fail[ata(t, b)] = &solanasvc.SubmitError{Kind: solanasvc.SubmitErrRejected, Err: errors.New("custom program error")}

	opts := defaultOpts
	opts.BatchSize = 2
	transfers := []TransferRequest{transfer(a, "1"), transfer(b, "1"), transfer(c, "1")}

	summary, err := env.engine(opts, nil).Distribute(context.Background(), testMint, transfers)
	require.NoError(t, err)

	assert.Equal(t, StateDone, summary.State)
	assert.Equal(t, 2, summary.Batches)
	assert.Equal(t, 2, summary.SuccessCount)
	assert.Equal(t, 1, summary.FailureCount)
	require.Len(t, summary.Failed, 1)
	assert.Equal(t, b, summary.Failed[0].Recipient)
	assert.True(t, summary.Failed[0].Amount.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, 3, env.submitter.count())

	failures := env.ledger.byKind(ledger.KindFailure)
	require.Len(t, failures, 1)
	assert.Equal(t, b, failures[0].Recipient)
	assert.Equal(t, string(StageSubmit), failures[0].Stage)
	assert.Contains(t, failures[0].Reason, "custom program error")

	var se *SubmissionError
	require.True(t, errors.As(summary.Outcomes[1].Err, &se))
	var sub *solanasvc.SubmitError
	require.True(t, errors.As(summary.Outcomes[1].Err, &sub))
	assert.Equal(t, solanasvc.SubmitErrRejected, sub.Kind)
}

func TestDistribute_InvalidRecipientIsPreparationFailure(t *testing.T) {
	env := newTestEnv("100")
	good := wallets(1)[0]
	transfers := []TransferRequest{transfer("not-a-wallet", "1"), transfer(good, "1")}

	summary, err := env.engine(defaultOpts, nil).Distribute(context.Background(), testMint, transfers)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.SuccessCount)
	assert.Equal(t, 1, summary.FailureCount)
	assert.Equal(t, 1, env.submitter.count())

	o := summary.Outcomes[0]
	assert.Equal(t, StatusFailure, o.Status)
	assert.Equal(t, StagePrepare, o.Stage)
	var pe *PreparationError
	assert.True(t, errors.As(o.Err, &pe))
}

func TestDistribute_AmountBelowPrecisionIsPreparationFailure(t *testing.T) {
	env := newTestEnv("100")
	summary, err := env.engine(defaultOpts, nil).Distribute(context.Background(), testMint,
		[]TransferRequest{transfer(wallets(1)[0], "0.0000001")})
	require.NoError(t, err)

	require.Len(t, summary.Outcomes, 1)
	assert.Equal(t, StagePrepare, summary.Outcomes[0].Stage)
	assert.Zero(t, env.submitter.count())
}

func TestDistribute_BaseUnitsAndAccountCreation(t *testing.T) {
	env := newTestEnv("100")
	w := wallets(2)
	env.resolver.missing[ata(t, w[1])] = true

	transfers := []TransferRequest{transfer(w[0], "1.5"), transfer(w[1], "1.5")}
	summary, err := env.engine(defaultOpts, nil).Distribute(context.Background(), testMint, transfers)
	require.NoError(t, err)
	require.Equal(t, 2, summary.SuccessCount)

	require.Len(t, env.submitter.submitted, 2)
	existing := env.submitter.submitted[0]
	missing := env.submitter.submitted[1]
	require.Len(t, existing, 1)
	require.Len(t, missing, 2)
	assert.Equal(t, solanasvc.AssociatedTokenProgramID, missing[0].ProgramID())

	data, err := existing[0].Data()
	require.NoError(t, err)
	assert.Equal(t, uint64(1_500_000), binary.LittleEndian.Uint64(data[1:9]))
	assert.Equal(t, byte(6), data[9])
}

func TestDistribute_PanicBecomesFailure(t *testing.T) {
	env := newTestEnv("100")
	w := wallets(2)
	env.submitter.panicOn[ata(t, w[0])] = true

	summary, err := env.engine(defaultOpts, nil).Distribute(context.Background(), testMint,
		[]TransferRequest{transfer(w[0], "1"), transfer(w[1], "1")})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.SuccessCount)
	assert.Equal(t, 1, summary.FailureCount)
	assert.Equal(t, StageInternal, summary.Outcomes[0].Stage)
	assert.Len(t, env.ledger.byKind(ledger.KindFailure), 1)
}

func TestDistribute_LedgerErrorsDoNotStopRun(t *testing.T) {
	env := newTestEnv("100")
	env.ledger.err = errors.New("disk full")

	w := wallets(3)
	var transfers []TransferRequest
	for _, addr := range w {
		transfers = append(transfers, transfer(addr, "1"))
	}

	summary, err := env.engine(defaultOpts, nil).Distribute(context.Background(), testMint, transfers)
	require.NoError(t, err)
	assert.Equal(t, StateDone, summary.State)
	assert.Equal(t, 3, summary.SuccessCount)
	assert.Equal(t, 3, summary.LedgerWriteErrors)
}

func TestDistribute_Delays(t *testing.T) {
	env := newTestEnv("100")
	w := wallets(5)
	var transfers []TransferRequest
	for _, addr := range w {
		transfers = append(transfers, transfer(addr, "1"))
	}

	opts := defaultOpts
	opts.BatchSize = 2
	_, err := env.engine(opts, nil).Distribute(context.Background(), testMint, transfers)
	require.NoError(t, err)

	// Three batches: one delay before each transfer, one between batches.
	want := []time.Duration{
		500 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second,
		500 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second,
		500 * time.Millisecond,
	}
	assert.Equal(t, want, env.sleeps)
}

func TestDistribute_CancelledMidRun(t *testing.T) {
	env := newTestEnv("100")
	w := wallets(4)
	var transfers []TransferRequest
	for _, addr := range w {
		transfers = append(transfers, transfer(addr, "1"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := env.engine(defaultOpts, nil)
	calls := 0
	e.sleep = func(ctx context.Context, d time.Duration) error {
		calls++
		if calls == 3 {
			cancel()
		}
		return ctx.Err()
	}

	summary, err := e.Distribute(ctx, testMint, transfers)
	require.NoError(t, err)

	assert.Equal(t, StateCancelled, summary.State)
	assert.Equal(t, 2, summary.SuccessCount)
	require.Len(t, summary.Unattempted, 2)
	assert.Equal(t, w[2], summary.Unattempted[0].Recipient)
	assert.Equal(t, w[3], summary.Unattempted[1].Recipient)
	assert.Len(t, env.ledger.entries, 2)
}

func TestDistribute_CancelDuringConfirmationKeepsInFlightTransfer(t *testing.T) {
	env := newTestEnv("100")
	w := wallets(2)
	transfers := []TransferRequest{transfer(w[0], "1"), transfer(w[1], "1")}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var once sync.Once
	env.submitter.confirm = func(ctx context.Context) error {
		var err error
		once.Do(func() {
			cancel()
			select {
			case <-ctx.Done():
				err = ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
		})
		return err
	}

	summary, err := env.engine(defaultOpts, nil).Distribute(ctx, testMint, transfers)
	require.NoError(t, err)

	assert.Equal(t, StateCancelled, summary.State)
	assert.Equal(t, 1, summary.SuccessCount)
	assert.Equal(t, 0, summary.FailureCount)
	assert.Empty(t, summary.Failed)
	require.Len(t, summary.Unattempted, 1)
	assert.Equal(t, w[1], summary.Unattempted[0].Recipient)
	assert.Len(t, env.ledger.byKind(ledger.KindSuccess), 1)
	assert.Empty(t, env.ledger.byKind(ledger.KindFailure))
}

func TestDistribute_CancelledBeforeStartRecordsNothing(t *testing.T) {
	env := newTestEnv("100")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := env.engine(defaultOpts, nil).Distribute(ctx, testMint,
		[]TransferRequest{transfer(wallets(1)[0], "1")})
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, summary.State)
	assert.Len(t, summary.Unattempted, 1)
	assert.Zero(t, env.submitter.count())
}

func TestDistribute_Workers(t *testing.T) {
	env := newTestEnv("1000")
	w := wallets(20)
	env.submitter.fail[ata(t, w[3])] = errors.New("blockhash not found")
	env.submitter.fail[ata(t, w[17])] = errors.New("blockhash not found")

	var transfers []TransferRequest
	for _, addr := range w {
		transfers = append(transfers, transfer(addr, "1"))
	}

	opts := defaultOpts
	opts.Workers = 4
	opts.BatchSize = 7
	summary, err := env.engine(opts, nil).Distribute(context.Background(), testMint, transfers)
	require.NoError(t, err)

	assert.Equal(t, 18, summary.SuccessCount)
	assert.Equal(t, 2, summary.FailureCount)
	require.Len(t, summary.Failed, 2)
	// Input order regardless of completion order.
	assert.Equal(t, w[3], summary.Failed[0].Recipient)
	assert.Equal(t, w[17], summary.Failed[1].Recipient)
	assert.Len(t, env.ledger.entries, 20)
	assert.Equal(t, 20, env.submitter.count())
}

func TestDistribute_EmptyList(t *testing.T) {
	env := newTestEnv("0")
	summary, err := env.engine(defaultOpts, nil).Distribute(context.Background(), testMint, nil)
	require.NoError(t, err)
	assert.Equal(t, StateDone, summary.State)
	assert.Zero(t, summary.Batches)
}

func TestDistribute_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	env := newTestEnv("100")
	w := wallets(2)
	env.submitter.fail[ata(t, w[1])] = errors.New("rejected")

	_, err := env.engine(defaultOpts, m).Distribute(context.Background(), testMint,
		[]TransferRequest{transfer(w[0], "1"), transfer(w[1], "1")})
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(reg, "airdrop_transfers_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count) // success/none and failure/submit

	count, err = testutil.GatherAndCount(reg, "airdrop_runs_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDistribute_CSVLedgerAcrossRuns(t *testing.T) {
	dir := t.TempDir()
	successPath := filepath.Join(dir, "ok.csv")
	failurePath := filepath.Join(dir, "failed.csv")

	run := func(n int) {
		l, err := ledger.NewCSVLedger(successPath, failurePath)
		require.NoError(t, err)
		env := newTestEnv("100")
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		e := NewEngine(env.sender, env.resolver, env.submitter, l, Options{BatchSize: 15, Workers: 1}, nil, logger)
		var transfers []TransferRequest
		for _, addr := range wallets(n) {
			transfers = append(transfers, transfer(addr, "1"))
		}
		_, err = e.Distribute(context.Background(), testMint, transfers)
		require.NoError(t, err)
	}

	run(3)
	run(2)

	entries, err := ledger.ReadFailures(failurePath, "")
	require.NoError(t, err)
	assert.Empty(t, entries)

	rows := countRows(t, successPath)
	assert.Equal(t, 1+3+2, rows)
}

func countRows(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return len(rows)
}

func TestSleepOrDone(t *testing.T) {
	require.NoError(t, SleepOrDone(context.Background(), time.Millisecond))
	require.NoError(t, SleepOrDone(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	assert.ErrorIs(t, SleepOrDone(ctx, time.Hour), context.Canceled)
	assert.ErrorIs(t, SleepOrDone(ctx, 0), context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}
