package temporal

import (
	"fmt"
	"time"

	"github.com/brojonat/airdrop/service/distributor"
	"github.com/shopspring/decimal"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// ErrTypeInsufficientBalance is the application error type returned when
// preflight finds the sender balance too low.
const ErrTypeInsufficientBalance = "InsufficientBalance"

// ErrTypeInvalidAmount is the application error type returned when the
// list holds a zero or negative amount.
const ErrTypeInvalidAmount = "InvalidAmount"

// DistributionWorkflow runs one distribution as a durable workflow.
//
// The workflow performs these steps:
// 1. Check the sender balance (Preflight activity)
// 2. For every transfer, wait the transfer delay and run the Transfer activity
// 3. Wait the batch delay between batches
//
// Transfer activities are never retried: a retry could send the same tokens
// twice.
func DistributionWorkflow(ctx workflow.Context, input DistributionInput) (*DistributionResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("DistributionWorkflow started",
		"mint", input.Mint,
		"transfers", len(input.Transfers),
	)

	result := &DistributionResult{
		State:          string(distributor.StatePreflight),
		TotalRequested: distributor.Total(input.Transfers),
		Distributed:    decimal.Zero,
		StartTime:      workflow.Now(ctx),
	}
	finish := func(state distributor.State) {
		result.State = string(state)
		result.EndTime = workflow.Now(ctx)
	}

	preflightCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 60 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	})

	var pre *PreflightResult
	err := workflow.ExecuteActivity(preflightCtx, a.Preflight, PreflightInput{
		Mint:      input.Mint,
		Decimals:  input.Decimals,
		Transfers: input.Transfers,
	}).Get(ctx, &pre)
	if err != nil {
		finish(distributor.StateAborted)
		errMsg := fmt.Sprintf("preflight failed: %v", err)
		result.Error = &errMsg
		return result, fmt.Errorf("preflight failed: %w", err)
	}
	result.Balance = pre.Balance
	if !pre.Sufficient {
		finish(distributor.StateAborted)
		errMsg := fmt.Sprintf("%v: required %s, available %s",
			distributor.ErrInsufficientBalance, pre.Total.String(), pre.Balance.String())
		result.Error = &errMsg
		logger.Error("distribution aborted", "error", errMsg)
		return result, temporalsdk.NewNonRetryableApplicationError(errMsg, ErrTypeInsufficientBalance, nil, result)
	}

	transferCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy: &temporalsdk.RetryPolicy{
			MaximumAttempts: 1,
		},
	})

	result.State = string(distributor.StateDistributing)
	batchSize := max(input.BatchSize, 1)
	batches := distributor.Partition(input.Transfers, batchSize)
	result.Batches = len(batches)

	attempted := 0
	cancelled := false
	for bi, batch := range batches {
		logger.Info("processing batch", "batch", bi+1, "batches", len(batches))
		for _, t := range batch {
			if err := sleep(ctx, input.TransferDelay); err != nil {
				cancelled = true
				break
			}

			var tr *TransferResult
			err := workflow.ExecuteActivity(transferCtx, a.Transfer, TransferInput{
				Mint:     input.Mint,
				Decimals: input.Decimals,
				Transfer: t,
			}).Get(ctx, &tr)
			attempted++
			if err != nil {
				// The activity did not report back; the transfer may or may
				// not have landed, so it is listed as failed for review.
				logger.Error("transfer activity failed", "recipient", t.Recipient, "error", err)
				result.FailureCount++
				result.Failed = append(result.Failed, t)
				continue
			}
			tally(result, t, tr)
		}
		if cancelled {
			break
		}
		if bi < len(batches)-1 {
			if err := sleep(ctx, input.BatchDelay); err != nil {
				cancelled = true
				break
			}
		}
	}

	if cancelled {
		result.Unattempted = append(result.Unattempted, input.Transfers[attempted:]...)
		finish(distributor.StateCancelled)
		logger.Info("DistributionWorkflow cancelled", "unattempted", len(result.Unattempted))
		return result, temporalsdk.NewCanceledError()
	}

	finish(distributor.StateDone)
	logger.Info("DistributionWorkflow completed",
		"successful", result.SuccessCount,
		"failed", result.FailureCount,
		"distributed", result.Distributed.String(),
	)
	return result, nil
}

func tally(result *DistributionResult, t distributor.TransferRequest, tr *TransferResult) {
	if tr.LedgerError != "" {
		result.LedgerWriteErrors++
	}
	if tr.Status == string(distributor.StatusSuccess) {
		result.SuccessCount++
		result.Distributed = result.Distributed.Add(t.Amount)
		result.Signatures = append(result.Signatures, tr.Signature)
		return
	}
	result.FailureCount++
	result.Failed = append(result.Failed, t)
}

// sleep waits d, or only checks for cancellation when d is zero.
func sleep(ctx workflow.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	return workflow.Sleep(ctx, d)
}
