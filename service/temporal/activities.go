package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/airdrop/service/distributor"
	"github.com/brojonat/airdrop/service/metrics"
	"github.com/shopspring/decimal"
	temporalsdk "go.temporal.io/sdk/temporal"
)

// DistributionInput contains the input parameters for one distribution run.
type DistributionInput struct {
	Mint          string                        `json:"mint"`
	Decimals      int                           `json:"decimals"`
	Transfers     []distributor.TransferRequest `json:"transfers"`
	BatchSize     int                           `json:"batch_size"`
	BatchDelay    time.Duration                 `json:"batch_delay"`
	TransferDelay time.Duration                 `json:"transfer_delay"`
}

// DistributionResult summarizes a workflow run.
type DistributionResult struct {
	State          string                        `json:"state"`
	TotalRequested decimal.Decimal               `json:"total_requested"`
	Balance        decimal.Decimal               `json:"balance"`
	Distributed    decimal.Decimal               `json:"distributed"`
	Batches        int                           `json:"batches"`
	SuccessCount   int                           `json:"success_count"`
	FailureCount   int                           `json:"failure_count"`
	Failed         []distributor.TransferRequest `json:"failed,omitempty"`
	Unattempted    []distributor.TransferRequest `json:"unattempted,omitempty"`
	Signatures     []string                      `json:"signatures,omitempty"`

	LedgerWriteErrors int       `json:"ledger_write_errors"`
	StartTime         time.Time `json:"start_time"`
	EndTime           time.Time `json:"end_time"`
	Error             *string   `json:"error,omitempty"`
}

// PreflightInput contains parameters for the Preflight activity.
type PreflightInput struct {
	Mint      string                        `json:"mint"`
	Decimals  int                           `json:"decimals"`
	Transfers []distributor.TransferRequest `json:"transfers"`
}

// PreflightResult contains the result of the Preflight activity.
type PreflightResult struct {
	Total      decimal.Decimal `json:"total"`
	Balance    decimal.Decimal `json:"balance"`
	Sufficient bool            `json:"sufficient"`
}

// TransferInput contains parameters for the Transfer activity.
type TransferInput struct {
	Mint     string                      `json:"mint"`
	Decimals int                         `json:"decimals"`
	Transfer distributor.TransferRequest `json:"transfer"`
}

// TransferResult is the outcome of one transfer. A failed transfer is a
// result, not an activity error, so Temporal never retries it.
type TransferResult struct {
	Recipient   string          `json:"recipient"`
	Amount      decimal.Decimal `json:"amount"`
	Status      string          `json:"status"`
	Signature   string          `json:"signature,omitempty"`
	Stage       string          `json:"stage,omitempty"`
	Error       string          `json:"error,omitempty"`
	LedgerError string          `json:"ledger_error,omitempty"`
}

// EngineInterface defines the distribution operations needed by activities.
// This allows for easy mocking in tests.
type EngineInterface interface {
	Preflight(ctx context.Context, mint distributor.Mint, transfers []distributor.TransferRequest) (decimal.Decimal, decimal.Decimal, error)
	Attempt(ctx context.Context, mint distributor.Mint, t distributor.TransferRequest) (distributor.TransferOutcome, error)
}

// Activities holds the dependencies needed by Temporal activities.
type Activities struct {
	engine  EngineInterface
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If metrics is nil, no metrics will be recorded.
func NewActivities(engine EngineInterface, m *metrics.Metrics, logger *slog.Logger) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		engine:  engine,
		metrics: m,
		logger:  logger,
	}
}

func (a *Activities) observe(activity string, start time.Time, err error) {
	if a.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	a.metrics.RecordActivityDuration(activity, status, time.Since(start).Seconds())
}

// Preflight checks the sender balance against the distribution total.
// An insufficient balance is reported in the result. A non-positive amount
// is a non-retryable error and a failed balance query is an error the
// workflow may retry.
func (a *Activities) Preflight(ctx context.Context, input PreflightInput) (result *PreflightResult, err error) {
	start := time.Now()
	defer func() { a.observe("Preflight", start, err) }()

	mint, err := distributor.ParseMint(input.Mint, input.Decimals)
	if err != nil {
		return nil, fmt.Errorf("invalid mint: %w", err)
	}

	total, balance, err := a.engine.Preflight(ctx, mint, input.Transfers)
	if errors.Is(err, distributor.ErrInvalidAmount) {
		a.logger.ErrorContext(ctx, "invalid distribution list",
			"mint", input.Mint,
			"error", err,
		)
		return nil, temporalsdk.NewNonRetryableApplicationError(err.Error(), ErrTypeInvalidAmount, err)
	}
	if err != nil && !errors.Is(err, distributor.ErrInsufficientBalance) {
		a.logger.ErrorContext(ctx, "preflight failed",
			"mint", input.Mint,
			"error", err,
		)
		return nil, err
	}

	result = &PreflightResult{
		Total:      total,
		Balance:    balance,
		Sufficient: err == nil,
	}
	a.logger.InfoContext(ctx, "preflight complete",
		"mint", input.Mint,
		"total", total.String(),
		"balance", balance.String(),
		"sufficient", result.Sufficient,
	)
	return result, nil
}

// Transfer prepares, submits and records one transfer.
func (a *Activities) Transfer(ctx context.Context, input TransferInput) (result *TransferResult, err error) {
	start := time.Now()
	defer func() { a.observe("Transfer", start, err) }()

	mint, err := distributor.ParseMint(input.Mint, input.Decimals)
	if err != nil {
		return nil, fmt.Errorf("invalid mint: %w", err)
	}

	outcome, ledgerErr := a.engine.Attempt(ctx, mint, input.Transfer)

	result = &TransferResult{
		Recipient: input.Transfer.Recipient,
		Amount:    input.Transfer.Amount,
		Status:    string(outcome.Status),
	}
	if outcome.Status == distributor.StatusSuccess {
		result.Signature = outcome.Signature.String()
	} else {
		result.Stage = string(outcome.Stage)
		result.Error = outcome.Reason()
	}
	if ledgerErr != nil {
		result.LedgerError = ledgerErr.Error()
	}
	return result, nil
}
