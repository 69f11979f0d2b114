package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/airdrop/service/app"
	"github.com/brojonat/airdrop/service/distributor"
	"github.com/brojonat/airdrop/service/ledger"
	"github.com/brojonat/airdrop/service/temporal"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
)

func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:  "dry-run",
			Usage: "Check the balance and print the batch plan without sending anything",
		},
		&cli.BoolFlag{
			Name:  "temporal",
			Usage: "Run the distribution as a Temporal workflow instead of in this process",
		},
		&cli.StringFlag{
			Name:  "workflow-id",
			Usage: "Workflow ID for --temporal (default: derived from the mint and the list)",
		},
		&cli.BoolFlag{
			Name:  "no-wait",
			Usage: "With --temporal, return once the workflow has started",
		},
		&cli.BoolFlag{
			Name:    "json",
			Aliases: []string{"j"},
			Usage:   "Print the summary as JSON",
		},
	}
}

func distributeCommand() *cli.Command {
	return &cli.Command{
		Name:  "distribute",
		Usage: "Send the token to every recipient in a list",
		Flags: append(append(mintFlags(),
			&cli.StringFlag{
				Name:     "input",
				Aliases:  []string{"i"},
				Usage:    "Recipient list file (wallet,amount CSV or JSON)",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "format",
				Usage: "Input format: csv or json (default: from the file extension)",
			},
			&cli.StringFlag{
				Name:  "jq",
				Usage: "jq filter extracting {wallet, amount} objects from a JSON input",
			},
		), runFlags()...),
		Action: func(c *cli.Context) error {
			mint, err := mintFromFlags(c)
			if err != nil {
				return err
			}
			transfers, err := loadTransfers(c.String("input"), c.String("format"), c.String("jq"))
			if err != nil {
				return err
			}
			return runDistribution(c, mint, transfers)
		},
	}
}

func retryCommand() *cli.Command {
	return &cli.Command{
		Name:  "retry",
		Usage: "Resubmit the failed transfers recorded in the failure ledger",
		Description: `Reads the failure ledger, drops repeated rows and rows that have since
succeeded, and distributes the remainder.

Rows are matched on wallet and amount only. Identical failures collapse into
one retry, and a single success for a wallet and amount clears every failure
for that pair. Lists that pay the same wallet the same amount more than once
should be run against separate ledger files.

The CSV ledger does not record the mint. Give each mint its own
--success-ledger and --failure-ledger paths, or retry will resend failures
of other mints that shared the files.`,
		Flags: append(append(mintFlags(), ledgerFlags()...), runFlags()...),
		Action: func(c *cli.Context) error {
			mint, err := mintFromFlags(c)
			if err != nil {
				return err
			}
			failurePath := c.String("failure-ledger")
			successPath := c.String("success-ledger")
			entries, err := ledger.ReadFailures(failurePath, successPath)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintf(c.App.Writer, "No failed transfers to retry in %s\n", failurePath)
				return nil
			}
			return runDistribution(c, mint, requestsFromEntries(entries))
		},
	}
}

func requestsFromEntries(entries []ledger.Entry) []distributor.TransferRequest {
	out := make([]distributor.TransferRequest, len(entries))
	for i, e := range entries {
		out[i] = distributor.TransferRequest{Recipient: e.Recipient, Amount: e.Amount}
	}
	return out
}

func runDistribution(c *cli.Context, mint distributor.Mint, transfers []distributor.TransferRequest) error {
	env, err := setupRuntime()
	if err != nil {
		return err
	}
	defer env.close()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if c.Bool("temporal") && !c.Bool("dry-run") {
		return runRemote(ctx, c, env, mint, transfers)
	}

	a, err := app.Open(ctx, env.cfg, env.metrics, env.logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if c.Bool("dry-run") {
		total, balance, err := a.Engine.Preflight(ctx, mint, transfers)
		printPlan(c.App.Writer, transfers, env.cfg.BatchSize, total, balance)
		return err
	}

	summary, err := a.Engine.Distribute(ctx, mint, transfers)
	if c.Bool("json") {
		if jerr := printJSON(c.App.Writer, newSummaryView(summary)); jerr != nil {
			return jerr
		}
	} else {
		printSummary(c.App.Writer, summary)
	}
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if summary.State == distributor.StateCancelled {
		return cli.Exit("distribution cancelled", 130)
	}
	return nil
}

// runRemote hands the list to a Temporal worker. Passing the same list twice
// maps to the same workflow ID, which Temporal refuses to start again while
// the first run is open.
func runRemote(ctx context.Context, c *cli.Context, env *runtimeEnv, mint distributor.Mint, transfers []distributor.TransferRequest) error {
	tc, err := temporal.NewClient(env.cfg.TemporalHost, env.cfg.TemporalNamespace, env.cfg.TemporalTaskQueue, env.logger)
	if err != nil {
		return err
	}
	defer tc.Close()

	workflowID := c.String("workflow-id")
	if workflowID == "" {
		workflowID = distributionID(mint, transfers)
	}

	run, err := tc.StartDistribution(ctx, workflowID, temporal.DistributionInput{
		Mint:          mint.String(),
		Decimals:      int(mint.Decimals),
		Transfers:     transfers,
		BatchSize:     env.cfg.BatchSize,
		BatchDelay:    env.cfg.BatchDelay,
		TransferDelay: env.cfg.TransferDelay,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Started workflow %s (run %s)\n", run.GetID(), run.GetRunID())
	if c.Bool("no-wait") {
		return nil
	}

	result, err := tc.AwaitDistribution(ctx, run)
	if err != nil {
		return err
	}
	if c.Bool("json") {
		return printJSON(c.App.Writer, result)
	}
	printRemoteResult(c.App.Writer, result)
	return nil
}

// distributionID is stable for a given mint and list.
func distributionID(mint distributor.Mint, transfers []distributor.TransferRequest) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s:%d\n", mint.String(), mint.Decimals)
	for _, t := range transfers {
		fmt.Fprintf(h, "%s,%s\n", t.Recipient, t.Amount.String())
	}
	return "airdrop-" + hex.EncodeToString(h.Sum(nil))[:16]
}

func printPlan(w io.Writer, transfers []distributor.TransferRequest, batchSize int, total, balance decimal.Decimal) {
	batches := distributor.Partition(transfers, batchSize)
	fmt.Fprintf(w, "Dry run: %d transfers in %d batches of up to %d\n", len(transfers), len(batches), batchSize)
	fmt.Fprintf(w, "  Required: %s\n", total.String())
	fmt.Fprintf(w, "  Balance:  %s\n", balance.String())
	for i, b := range batches {
		fmt.Fprintf(w, "  Batch %d: %d transfers, %s\n", i+1, len(b), distributor.Total(b).String())
	}
}

func printSummary(w io.Writer, s *distributor.RunSummary) {
	fmt.Fprintf(w, "Distribution %s\n", s.State)
	fmt.Fprintf(w, "  Requested:   %s (balance %s)\n", s.TotalRequested.String(), s.Balance.String())
	fmt.Fprintf(w, "  Batches:     %d\n", s.Batches)
	fmt.Fprintf(w, "  Successful:  %d (%s)\n", s.SuccessCount, s.Distributed.String())
	fmt.Fprintf(w, "  Failed:      %d (%s)\n", s.FailureCount, s.FailedTotal.String())
	fmt.Fprintf(w, "  Unattempted: %d\n", len(s.Unattempted))
	fmt.Fprintf(w, "  Duration:    %s\n", s.Elapsed.Round(time.Millisecond))
	if s.LedgerWriteErrors > 0 {
		fmt.Fprintf(w, "  Ledger write errors: %d\n", s.LedgerWriteErrors)
	}
	fmt.Fprintf(w, "  Ledgers:\n")
	for _, loc := range s.LedgerLocations {
		fmt.Fprintf(w, "    %s\n", loc)
	}
	if len(s.Failed) > 0 {
		fmt.Fprintf(w, "Failed transfers:\n")
		for _, t := range s.Failed {
			fmt.Fprintf(w, "  %s %s\n", t.Recipient, t.Amount.String())
		}
	}
}

func printRemoteResult(w io.Writer, r *temporal.DistributionResult) {
	fmt.Fprintf(w, "Distribution %s\n", r.State)
	fmt.Fprintf(w, "  Requested:   %s (balance %s)\n", r.TotalRequested.String(), r.Balance.String())
	fmt.Fprintf(w, "  Batches:     %d\n", r.Batches)
	fmt.Fprintf(w, "  Successful:  %d (%s)\n", r.SuccessCount, r.Distributed.String())
	fmt.Fprintf(w, "  Failed:      %d\n", r.FailureCount)
	fmt.Fprintf(w, "  Unattempted: %d\n", len(r.Unattempted))
	fmt.Fprintf(w, "  Duration:    %s\n", r.EndTime.Sub(r.StartTime).Round(time.Millisecond))
	if r.Error != nil {
		fmt.Fprintf(w, "  Error:       %s\n", *r.Error)
	}
}

// summaryView is the JSON form of a run summary.
type summaryView struct {
	State             string                        `json:"state"`
	TotalRequested    string                        `json:"total_requested"`
	Balance           string                        `json:"balance"`
	Batches           int                           `json:"batches"`
	SuccessCount      int                           `json:"success_count"`
	FailureCount      int                           `json:"failure_count"`
	Distributed       string                        `json:"distributed"`
	FailedTotal       string                        `json:"failed_total"`
	Failed            []distributor.TransferRequest `json:"failed"`
	Unattempted       []distributor.TransferRequest `json:"unattempted"`
	Outcomes          []outcomeView                 `json:"outcomes"`
	LedgerWriteErrors int                           `json:"ledger_write_errors"`
	LedgerLocations   []string                      `json:"ledger_locations"`
	DurationSeconds   float64                       `json:"duration_seconds"`
}

type outcomeView struct {
	Wallet    string `json:"wallet"`
	Amount    string `json:"amount"`
	Status    string `json:"status"`
	Signature string `json:"signature,omitempty"`
	Stage     string `json:"stage,omitempty"`
	Error     string `json:"error,omitempty"`
}

func newSummaryView(s *distributor.RunSummary) summaryView {
	v := summaryView{
		State:             string(s.State),
		TotalRequested:    s.TotalRequested.String(),
		Balance:           s.Balance.String(),
		Batches:           s.Batches,
		SuccessCount:      s.SuccessCount,
		FailureCount:      s.FailureCount,
		Distributed:       s.Distributed.String(),
		FailedTotal:       s.FailedTotal.String(),
		Failed:            nonNil(s.Failed),
		Unattempted:       nonNil(s.Unattempted),
		Outcomes:          make([]outcomeView, 0, len(s.Outcomes)),
		LedgerWriteErrors: s.LedgerWriteErrors,
		LedgerLocations:   s.LedgerLocations,
		DurationSeconds:   s.Elapsed.Seconds(),
	}
	for _, o := range s.Outcomes {
		ov := outcomeView{
			Wallet: o.Request.Recipient,
			Amount: o.Request.Amount.String(),
			Status: string(o.Status),
			Stage:  string(o.Stage),
			Error:  o.Reason(),
		}
		if o.Status == distributor.StatusSuccess {
			ov.Signature = o.Signature.String()
		}
		v.Outcomes = append(v.Outcomes, ov)
	}
	return v
}

func nonNil(ts []distributor.TransferRequest) []distributor.TransferRequest {
	if ts == nil {
		return []distributor.TransferRequest{}
	}
	return ts
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
