package main

import (
	"fmt"
	"io"
	"time"

	"github.com/brojonat/airdrop/service/db"
	"github.com/brojonat/airdrop/service/ledger"
	solanasvc "github.com/brojonat/airdrop/service/solana"
	"github.com/gagliardetto/solana-go"
	"github.com/urfave/cli/v2"
)

func balanceCommand() *cli.Command {
	return &cli.Command{
		Name:  "balance",
		Usage: "Show the sender's token balance",
		Flags: append(mintFlags(),
			&cli.StringFlag{
				Name:  "owner",
				Usage: "Wallet to query instead of the sender",
			},
		),
		Action: func(c *cli.Context) error {
			mint, err := mintFromFlags(c)
			if err != nil {
				return err
			}
			env, err := setupRuntime()
			if err != nil {
				return err
			}
			defer env.close()

			owner := env.cfg.PrivateKey.PublicKey()
			if s := c.String("owner"); s != "" {
				owner, err = solana.PublicKeyFromBase58(s)
				if err != nil {
					return fmt.Errorf("invalid owner address %q: %w", s, err)
				}
			}

			client := solanasvc.NewClient(
				solanasvc.NewRPCClient(env.cfg.SolanaRPCURL),
				solanasvc.EndpointLabel(env.cfg.SolanaRPCURL),
				env.metrics,
				env.logger.With("component", "solana"),
			)
			defer client.Close()

			balance, err := client.TokenBalance(c.Context, owner, mint.Address, mint.Decimals)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "%s %s\n", owner.String(), balance.String())
			return nil
		},
	}
}

func deriveCommand() *cli.Command {
	return &cli.Command{
		Name:      "derive",
		Usage:     "Print the token account that receives the mint for each owner",
		ArgsUsage: "OWNER [OWNER...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "mint",
				Aliases:  []string{"m"},
				Usage:    "Token mint address",
				EnvVars:  []string{"TOKEN_MINT"},
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("at least one owner address is required")
			}
			mint, err := solana.PublicKeyFromBase58(c.String("mint"))
			if err != nil {
				return fmt.Errorf("invalid mint address %q: %w", c.String("mint"), err)
			}
			for _, arg := range c.Args().Slice() {
				owner, err := solana.PublicKeyFromBase58(arg)
				if err != nil {
					return fmt.Errorf("invalid owner address %q: %w", arg, err)
				}
				ata, err := solanasvc.DeriveTokenAccount(owner, mint)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.App.Writer, "%s %s\n", owner.String(), ata.String())
			}
			return nil
		},
	}
}

// failureRow is the printed form of a failure from either ledger source.
type failureRow struct {
	Timestamp time.Time `json:"timestamp"`
	Wallet    string    `json:"wallet"`
	Amount    string    `json:"amount"`
	Stage     string    `json:"stage,omitempty"`
	Error     string    `json:"error"`
}

func failuresCommand() *cli.Command {
	return &cli.Command{
		Name:  "failures",
		Usage: "List failed transfers that have not succeeded since",
		Flags: append(ledgerFlags(),
			&cli.BoolFlag{
				Name:  "db",
				Usage: "Read the Postgres ledger instead of the CSV files (requires --mint)",
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:    "mint",
				Aliases: []string{"m"},
				Usage:   "Token mint address (Postgres only)",
				EnvVars: []string{"TOKEN_MINT"},
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
		),
		Action: func(c *cli.Context) error {
			var (
				rows []failureRow
				err  error
			)
			if c.Bool("db") {
				rows, err = dbFailures(c)
			} else {
				rows, err = csvFailures(c.String("failure-ledger"), c.String("success-ledger"))
			}
			if err != nil {
				return err
			}

			if c.Bool("json") {
				if rows == nil {
					rows = []failureRow{}
				}
				return printJSON(c.App.Writer, rows)
			}
			printFailures(c.App.Writer, rows)
			return nil
		},
	}
}

func csvFailures(failurePath, successPath string) ([]failureRow, error) {
	entries, err := ledger.ReadFailures(failurePath, successPath)
	if err != nil {
		return nil, err
	}
	rows := make([]failureRow, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, failureRow{
			Timestamp: e.Timestamp,
			Wallet:    e.Recipient,
			Amount:    e.Amount.String(),
			Error:     e.Reason,
		})
	}
	return rows, nil
}

func dbFailures(c *cli.Context) ([]failureRow, error) {
	databaseURL := c.String("database-url")
	if databaseURL == "" {
		return nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}
	if c.String("mint") == "" {
		return nil, fmt.Errorf("--mint is required with --db")
	}

	pool, err := db.Connect(c.Context, databaseURL)
	if err != nil {
		return nil, err
	}
	defer pool.Close()

	failures, err := db.NewStore(pool).ListFailures(c.Context, c.String("mint"))
	if err != nil {
		return nil, err
	}
	rows := make([]failureRow, 0, len(failures))
	for _, f := range failures {
		rows = append(rows, failureRow{
			Timestamp: f.RecordedAt,
			Wallet:    f.ToAddress,
			Amount:    f.Amount.String(),
			Stage:     f.Stage,
			Error:     f.Error,
		})
	}
	return rows, nil
}

func printFailures(w io.Writer, rows []failureRow) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No failed transfers")
		return
	}
	fmt.Fprintf(w, "%d failed transfers:\n", len(rows))
	for _, r := range rows {
		fmt.Fprintf(w, "  %s  %s  %s  %s\n", r.Timestamp.Format(time.RFC3339), r.Wallet, r.Amount, r.Error)
	}
}
