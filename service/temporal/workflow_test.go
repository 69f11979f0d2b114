package temporal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/airdrop/service/distributor"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
)

func testInput(transfers ...distributor.TransferRequest) DistributionInput {
	return DistributionInput{
		Mint:          testMint,
		Decimals:      6,
		Transfers:     transfers,
		BatchSize:     2,
		BatchDelay:    2 * time.Second,
		TransferDelay: 500 * time.Millisecond,
	}
}

// transferRecorder answers Transfer activities and remembers the order.
type transferRecorder struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
}

func (r *transferRecorder) transfer(ctx context.Context, input TransferInput) (*TransferResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, input.Transfer.Recipient)
	if r.fail[input.Transfer.Recipient] {
		return &TransferResult{
			Recipient: input.Transfer.Recipient,
			Amount:    input.Transfer.Amount,
			Status:    "failure",
			Stage:     "submit",
			Error:     "transaction simulation failed",
		}, nil
	}
	return &TransferResult{
		Recipient: input.Transfer.Recipient,
		Amount:    input.Transfer.Amount,
		Status:    "success",
		Signature: "sig-" + input.Transfer.Recipient,
	}, nil
}

func newWorkflowEnv(t *testing.T, pre *PreflightResult, preErr error, rec *transferRecorder) *testsuite.TestWorkflowEnvironment {
	t.Helper()
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	activities := &Activities{}
	env.RegisterActivity(activities.Preflight)
	env.RegisterActivity(activities.Transfer)

	env.OnActivity(activities.Preflight, mock.Anything, mock.Anything).Return(pre, preErr)
	env.OnActivity(activities.Transfer, mock.Anything, mock.Anything).Return(rec.transfer)
	return env
}

func sufficient(total, balance int64) *PreflightResult {
	return &PreflightResult{
		Total:      decimal.NewFromInt(total),
		Balance:    decimal.NewFromInt(balance),
		Sufficient: balance >= total,
	}
}

func TestDistributionWorkflow_FailureIsIsolated(t *testing.T) {
	rec := &transferRecorder{fail: map[string]bool{"B": true}}
	env := newWorkflowEnv(t, sufficient(3, 100), nil, rec)

	env.ExecuteWorkflow(DistributionWorkflow, testInput(req("A", "1"), req("B", "1"), req("C", "1")))

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result DistributionResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, string(distributor.StateDone), result.State)
	assert.Equal(t, 2, result.Batches)
	assert.Equal(t, 2, result.SuccessCount)
	assert.Equal(t, 1, result.FailureCount)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "B", result.Failed[0].Recipient)
	assert.True(t, result.Distributed.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, []string{"sig-A", "sig-C"}, result.Signatures)
	assert.Equal(t, []string{"A", "B", "C"}, rec.calls)
}

func TestDistributionWorkflow_InsufficientBalance(t *testing.T) {
	rec := &transferRecorder{}
	env := newWorkflowEnv(t, sufficient(11, 10), nil, rec)

	env.ExecuteWorkflow(DistributionWorkflow, testInput(req("A", "4"), req("B", "7")))

	require.True(t, env.IsWorkflowCompleted())
	err := env.GetWorkflowError()
	require.Error(t, err)

	var appErr *temporalsdk.ApplicationError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, ErrTypeInsufficientBalance, appErr.Type())
	assert.Empty(t, rec.calls)
}

func TestDistributionWorkflow_PreflightError(t *testing.T) {
	rec := &transferRecorder{}
	env := newWorkflowEnv(t, nil, errors.New("rpc unavailable"), rec)

	env.ExecuteWorkflow(DistributionWorkflow, testInput(req("A", "1")))

	require.True(t, env.IsWorkflowCompleted())
	assert.Error(t, env.GetWorkflowError())
	assert.Empty(t, rec.calls)
}

func TestDistributionWorkflow_ActivityErrorCountsAsFailure(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	activities := &Activities{}
	env.RegisterActivity(activities.Preflight)
	env.RegisterActivity(activities.Transfer)
	env.OnActivity(activities.Preflight, mock.Anything, mock.Anything).Return(sufficient(2, 10), nil)

	calls := 0
	env.OnActivity(activities.Transfer, mock.Anything, mock.Anything).Return(
		func(ctx context.Context, input TransferInput) (*TransferResult, error) {
			calls++
			if input.Transfer.Recipient == "A" {
				return nil, errors.New("worker lost")
			}
			return &TransferResult{Recipient: "B", Status: "success", Signature: "sig-B"}, nil
		})

	env.ExecuteWorkflow(DistributionWorkflow, testInput(req("A", "1"), req("B", "1")))

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result DistributionResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.Equal(t, 1, result.SuccessCount)
	assert.Equal(t, 1, result.FailureCount)
	// No activity retries: each transfer runs exactly once.
	assert.Equal(t, 2, calls)
}

func TestDistributionWorkflow_WaitsBetweenTransfersAndBatches(t *testing.T) {
	rec := &transferRecorder{}
	env := newWorkflowEnv(t, sufficient(3, 100), nil, rec)

	start := env.Now()
	env.ExecuteWorkflow(DistributionWorkflow, testInput(req("A", "1"), req("B", "1"), req("C", "1")))
	require.NoError(t, env.GetWorkflowError())

	var result DistributionResult
	require.NoError(t, env.GetWorkflowResult(&result))

	// Three transfer delays and one batch delay.
	elapsed := result.EndTime.Sub(start)
	assert.GreaterOrEqual(t, elapsed, 3*500*time.Millisecond+2*time.Second)
}

func TestDistributionWorkflow_Cancelled(t *testing.T) {
	rec := &transferRecorder{}
	env := newWorkflowEnv(t, sufficient(4, 100), nil, rec)

	input := testInput(req("A", "1"), req("B", "1"), req("C", "1"), req("D", "1"))
	input.BatchSize = 10
	input.TransferDelay = time.Second

	env.RegisterDelayedCallback(func() {
		env.CancelWorkflow()
	}, 2500*time.Millisecond)

	env.ExecuteWorkflow(DistributionWorkflow, input)

	require.True(t, env.IsWorkflowCompleted())
	err := env.GetWorkflowError()
	require.Error(t, err)

	var canceledErr *temporalsdk.CanceledError
	assert.True(t, errors.As(err, &canceledErr))
	assert.Equal(t, []string{"A", "B"}, rec.calls)
}
