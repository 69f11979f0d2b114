package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "airdrop",
		Usage: "Distribute an SPL token from one wallet to many recipients",
		Description: `Sends one confirmed transfer per recipient, in batches, and records every
outcome in the success and failure ledgers.

The sender key, RPC endpoint, pacing and ledger sinks are read from the
environment (SOLANA_PRIVATE_KEY, SOLANA_RPC_URL, BATCH_SIZE, ...).`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			distributeCommand(),
			retryCommand(),
			balanceCommand(),
			deriveCommand(),
			failuresCommand(),
			versionCommand(),
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(c *cli.Context) error {
			w := c.App.Writer
			fmt.Fprintf(w, "airdrop CLI\n")
			fmt.Fprintf(w, "  Version: %s\n", version)
			fmt.Fprintf(w, "  Commit:  %s\n", commit)
			fmt.Fprintf(w, "  Built:   %s\n", date)
			return nil
		},
	}
}
