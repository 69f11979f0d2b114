// Package distributor runs a token distribution: preflight balance check,
// batched per-transfer attempts and the run summary.
package distributor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/brojonat/airdrop/service/ledger"
	"github.com/brojonat/airdrop/service/metrics"
	solanasvc "github.com/brojonat/airdrop/service/solana"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Resolver finds and checks recipient token accounts and reads the sender
// balance.
type Resolver interface {
	DeriveTokenAccount(owner, mint solana.PublicKey) (solana.PublicKey, error)
	AccountExists(ctx context.Context, account solana.PublicKey) bool
	TokenBalance(ctx context.Context, owner, mint solana.PublicKey, decimals uint8) (decimal.Decimal, error)
}

// Submitter sends one transaction and waits for it to confirm.
type Submitter interface {
	Submit(ctx context.Context, instructions []solana.Instruction) (solana.Signature, error)
}

// Options tunes batching and pacing.
type Options struct {
	BatchSize     int
	BatchDelay    time.Duration // between batches, not after the last
	TransferDelay time.Duration // before every transfer
	Workers       int           // concurrent transfers within a batch
}

// Engine distributes a token from one sender to many recipients.
type Engine struct {
	sender    solana.PublicKey
	resolver  Resolver
	submitter Submitter
	ledger    ledger.Ledger
	opts      Options
	metrics   *metrics.Metrics
	logger    *slog.Logger

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewEngine creates an engine. The caller owns the resolver, submitter and
// ledger and closes them when the run is over. If metrics is nil, no metrics
// will be recorded.
func NewEngine(
	sender solana.PublicKey,
	resolver Resolver,
	submitter Submitter,
	l ledger.Ledger,
	opts Options,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Engine{
		sender:    sender,
		resolver:  resolver,
		submitter: submitter,
		ledger:    l,
		opts:      opts,
		metrics:   m,
		logger:    logger.With("component", "distributor"),
		now:       time.Now,
		sleep:     SleepOrDone,
	}
}

// Preflight checks that every amount is positive and that the sender holds
// at least the total of transfers. On failure the error is a *PreflightError.
func (e *Engine) Preflight(ctx context.Context, mint Mint, transfers []TransferRequest) (total, balance decimal.Decimal, err error) {
	total = Total(transfers)
	for i, t := range transfers {
		if t.Amount.Sign() <= 0 {
			return total, decimal.Zero, &PreflightError{
				Required: total,
				Err:      fmt.Errorf("%w: transfer %d to %s has amount %s", ErrInvalidAmount, i+1, t.Recipient, t.Amount.String()),
			}
		}
	}

	balance, err = e.resolver.TokenBalance(ctx, e.sender, mint.Address, mint.Decimals)
	if err != nil {
		return total, decimal.Zero, &PreflightError{Required: total, Err: fmt.Errorf("balance query: %w", err)}
	}
	if e.metrics != nil {
		e.metrics.RecordPreflightBalance(mint.String(), balance.InexactFloat64())
	}
	if balance.LessThan(total) {
		return total, balance, &PreflightError{Required: total, Available: balance, Err: ErrInsufficientBalance}
	}
	return total, balance, nil
}

// Distribute runs the whole distribution. The summary is always returned.
// The error is non-nil only when preflight failed; individual transfer
// failures are reported in the summary and the ledger. A cancelled ctx stops
// the run at the next transfer boundary and the rest is reported as
// unattempted.
func (e *Engine) Distribute(ctx context.Context, mint Mint, transfers []TransferRequest) (*RunSummary, error) {
	summary := &RunSummary{
		State:           StateIdle,
		Started:         e.now(),
		LedgerLocations: e.ledger.Locations(),
	}
	defer func() {
		summary.Elapsed = e.now().Sub(summary.Started)
		if e.metrics != nil {
			e.metrics.RecordRun(string(summary.State), summary.Elapsed.Seconds())
		}
	}()

	summary.State = StatePreflight
	e.logger.InfoContext(ctx, "preparing distribution",
		"mint", mint.String(),
		"transfers", len(transfers),
	)

	total, balance, err := e.Preflight(ctx, mint, transfers)
	summary.TotalRequested = total
	summary.Balance = balance
	if err != nil {
		summary.State = StateAborted
		e.logger.ErrorContext(ctx, "distribution aborted",
			"required", total.String(),
			"available", balance.String(),
			"error", err,
		)
		return summary, err
	}

	summary.State = StateDistributing
	batches := Partition(transfers, e.opts.BatchSize)
	summary.Batches = len(batches)
	e.logger.InfoContext(ctx, "starting distribution",
		"total_amount", total.String(),
		"balance", balance.String(),
		"batches", len(batches),
		"batch_size", e.opts.BatchSize,
		"workers", e.opts.Workers,
	)

	run := &runState{outcomes: make([]*TransferOutcome, len(transfers))}
	offset := 0
	for i, batch := range batches {
		if ctx.Err() != nil {
			break
		}
		e.logger.InfoContext(ctx, "processing batch",
			"batch", i+1,
			"batches", len(batches),
			"size", len(batch),
		)

		start := time.Now()
		e.runBatch(ctx, mint, batch, offset, run)
		if e.metrics != nil {
			e.metrics.RecordBatchDuration(time.Since(start).Seconds())
		}
		offset += len(batch)

		if i < len(batches)-1 {
			if err := e.sleep(ctx, e.opts.BatchDelay); err != nil {
				break
			}
		}
	}

	summary.State = StateSummarizing
	cancelled := e.summarize(summary, transfers, run)

	summary.State = StateDone
	if cancelled {
		summary.State = StateCancelled
	}
	e.logger.InfoContext(ctx, "distribution finished",
		"state", string(summary.State),
		"successful", summary.SuccessCount,
		"failed", summary.FailureCount,
		"unattempted", len(summary.Unattempted),
		"distributed", summary.Distributed.String(),
		"ledger_write_errors", summary.LedgerWriteErrors,
		"duration", e.now().Sub(summary.Started).String(),
	)
	return summary, nil
}

// runState collects outcomes by input index so workers never share a slot.
type runState struct {
	outcomes     []*TransferOutcome
	ledgerErrors atomic.Int64
}

func (r *runState) store(idx int, outcome TransferOutcome, ledgerErr error) {
	r.outcomes[idx] = &outcome
	if ledgerErr != nil {
		r.ledgerErrors.Add(1)
	}
}

// runBatch attempts every transfer of one batch. Transfers whose delay was
// cut short by cancellation are left without an outcome.
func (e *Engine) runBatch(ctx context.Context, mint Mint, batch []TransferRequest, offset int, run *runState) {
	if e.opts.Workers == 1 {
		for i, t := range batch {
			if err := e.sleep(ctx, e.opts.TransferDelay); err != nil {
				return
			}
			outcome, err := e.Attempt(ctx, mint, t)
			run.store(offset+i, outcome, err)
		}
		return
	}

	var g errgroup.Group
	g.SetLimit(e.opts.Workers)
	for i, t := range batch {
		// Delay in dispatch order so pacing toward the node is unchanged.
		if err := e.sleep(ctx, e.opts.TransferDelay); err != nil {
			break
		}
		i, t := i, t
		g.Go(func() error {
			outcome, err := e.Attempt(ctx, mint, t)
			run.store(offset+i, outcome, err)
			return nil
		})
	}
	_ = g.Wait()
}

// Attempt prepares, submits and records one transfer. The outcome is always
// valid; the error is a *LedgerWriteError when it could not be recorded.
func (e *Engine) Attempt(ctx context.Context, mint Mint, t TransferRequest) (TransferOutcome, error) {
	if e.metrics != nil {
		e.metrics.TransferStarted()
		defer e.metrics.TransferFinished()
	}

	outcome := e.execute(ctx, mint, t)
	if e.metrics != nil {
		e.metrics.RecordTransfer(string(outcome.Status), string(outcome.Stage), mint.String(), t.Amount.InexactFloat64())
	}

	if outcome.Status == StatusSuccess {
		e.logger.InfoContext(ctx, "transfer successful",
			"recipient", t.Recipient,
			"amount", t.Amount.String(),
			"signature", outcome.Signature.String(),
		)
	} else {
		e.logger.ErrorContext(ctx, "transfer failed",
			"recipient", t.Recipient,
			"amount", t.Amount.String(),
			"stage", string(outcome.Stage),
			"error", outcome.Err,
		)
	}

	return outcome, e.record(ctx, mint, outcome)
}

// execute never panics; a panic becomes a failure outcome.
func (e *Engine) execute(ctx context.Context, mint Mint, t TransferRequest) (outcome TransferOutcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = e.failed(t, StageInternal, fmt.Errorf("panic during transfer: %v", r))
		}
	}()

	// A started transfer runs to its own outcome; cancellation is honored
	// between transfers. The submitter's confirm timeout bounds the wait.
	ctx = context.WithoutCancel(ctx)

	prepared, err := e.Prepare(ctx, mint, t)
	if err != nil {
		return e.failed(t, StagePrepare, err)
	}

	sig, err := e.submitter.Submit(ctx, prepared.Instructions)
	if err != nil {
		return e.failed(t, StageSubmit, &SubmissionError{Recipient: t.Recipient, Err: err})
	}
	if sig == (solana.Signature{}) {
		return e.failed(t, StageSubmit, &SubmissionError{
			Recipient: t.Recipient,
			Err:       errors.New("transaction failed - no signature returned"),
		})
	}

	return TransferOutcome{
		Request:   t,
		Status:    StatusSuccess,
		Signature: sig,
		Timestamp: e.now(),
	}
}

func (e *Engine) failed(t TransferRequest, stage Stage, err error) TransferOutcome {
	return TransferOutcome{
		Request:   t,
		Status:    StatusFailure,
		Stage:     stage,
		Err:       err,
		Timestamp: e.now(),
	}
}

// Prepare resolves the recipient token account and builds the instructions
// for one transfer. Errors are *PreparationError.
func (e *Engine) Prepare(ctx context.Context, mint Mint, t TransferRequest) (*PreparedTransfer, error) {
	fail := func(err error) (*PreparedTransfer, error) {
		return nil, &PreparationError{Recipient: t.Recipient, Err: err}
	}

	recipient, err := solana.PublicKeyFromBase58(t.Recipient)
	if err != nil {
		return fail(fmt.Errorf("invalid recipient address: %w", err))
	}
	units, err := solanasvc.ToBaseUnits(t.Amount, mint.Decimals)
	if err != nil {
		return fail(err)
	}

	senderATA, err := e.resolver.DeriveTokenAccount(e.sender, mint.Address)
	if err != nil {
		return fail(err)
	}
	recipientATA, err := e.resolver.DeriveTokenAccount(recipient, mint.Address)
	if err != nil {
		return fail(err)
	}
	exists := e.resolver.AccountExists(ctx, recipientATA)

	instructions, err := solanasvc.BuildTransfer(solanasvc.TransferParams{
		Sender:                 e.sender,
		SenderTokenAccount:     senderATA,
		Recipient:              recipient,
		RecipientTokenAccount:  recipientATA,
		Mint:                   mint.Address,
		Decimals:               mint.Decimals,
		Amount:                 units,
		RecipientAccountExists: exists,
	})
	if err != nil {
		return fail(err)
	}

	return &PreparedTransfer{
		Request:               t,
		Recipient:             recipient,
		RecipientTokenAccount: recipientATA,
		BaseUnits:             units,
		CreatesAccount:        !exists,
		Instructions:          instructions,
	}, nil
}

// record writes the outcome even when ctx is already cancelled, so a
// transfer that landed is never missing from the ledger.
func (e *Engine) record(ctx context.Context, mint Mint, outcome TransferOutcome) error {
	if err := e.ledger.Record(context.WithoutCancel(ctx), outcome.entry(mint)); err != nil {
		lerr := &LedgerWriteError{Recipient: outcome.Request.Recipient, Status: outcome.Status, Err: err}
		e.logger.ErrorContext(ctx, "failed to record outcome",
			"recipient", outcome.Request.Recipient,
			"status", string(outcome.Status),
			"signature", outcome.Signature.String(),
			"error", err,
		)
		return lerr
	}
	return nil
}

// summarize fills the counters and lists from the collected outcomes and
// reports whether any transfer was left unattempted.
func (e *Engine) summarize(summary *RunSummary, transfers []TransferRequest, run *runState) bool {
	summary.Distributed = decimal.Zero
	summary.FailedTotal = decimal.Zero
	summary.LedgerWriteErrors = int(run.ledgerErrors.Load())

	for i, o := range run.outcomes {
		if o == nil {
			summary.Unattempted = append(summary.Unattempted, transfers[i])
			continue
		}
		summary.Outcomes = append(summary.Outcomes, *o)
		if o.Status == StatusSuccess {
			summary.SuccessCount++
			summary.Distributed = summary.Distributed.Add(o.Request.Amount)
			continue
		}
		summary.FailureCount++
		summary.FailedTotal = summary.FailedTotal.Add(o.Request.Amount)
		summary.Failed = append(summary.Failed, o.Request)
	}
	return len(summary.Unattempted) > 0
}

// SleepOrDone waits for the duration or returns early on context cancellation.
func SleepOrDone(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
