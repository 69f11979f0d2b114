package temporal

import (
	"context"
	"fmt"
	"log/slog"

	"go.temporal.io/sdk/client"
)

// Client starts distribution workflows and waits for their results.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

// StartDistribution starts a DistributionWorkflow under workflowID. Temporal
// rejects a second start with the same ID while the first is running, so a
// list submitted twice is not distributed twice.
func (c *Client) StartDistribution(ctx context.Context, workflowID string, input DistributionInput) (client.WorkflowRun, error) {
	c.logger.Debug("starting distribution workflow",
		"workflow_id", workflowID,
		"mint", input.Mint,
		"transfers", len(input.Transfers),
	)

	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        workflowID,
		TaskQueue: c.taskQueue,
		Memo: map[string]interface{}{
			"mint":       input.Mint,
			"transfers":  len(input.Transfers),
			"created_by": "airdrop",
		},
	}, DistributionWorkflow, input)
	if err != nil {
		c.logger.Error("failed to start workflow",
			"workflow_id", workflowID,
			"error", err,
		)
		return nil, fmt.Errorf("failed to start workflow %q: %w", workflowID, err)
	}

	c.logger.Info("distribution workflow started",
		"workflow_id", run.GetID(),
		"run_id", run.GetRunID(),
	)
	return run, nil
}

// AwaitDistribution blocks until the run finishes and returns its result.
func (c *Client) AwaitDistribution(ctx context.Context, run client.WorkflowRun) (*DistributionResult, error) {
	var result DistributionResult
	if err := run.Get(ctx, &result); err != nil {
		return nil, fmt.Errorf("workflow %q failed: %w", run.GetID(), err)
	}
	return &result, nil
}

// SDKClient returns the underlying Temporal SDK client for direct workflow operations.
func (c *Client) SDKClient() client.Client {
	return c.client
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
