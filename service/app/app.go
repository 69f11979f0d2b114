// Package app builds a ready distribution engine from configuration. The CLI
// and the Temporal worker share it so both run with identical wiring.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/brojonat/airdrop/service/config"
	"github.com/brojonat/airdrop/service/db"
	"github.com/brojonat/airdrop/service/distributor"
	"github.com/brojonat/airdrop/service/ledger"
	"github.com/brojonat/airdrop/service/metrics"
	natspub "github.com/brojonat/airdrop/service/nats"
	solanasvc "github.com/brojonat/airdrop/service/solana"
)

// App owns every resource opened for a run. Close releases them on all exit
// paths, including an aborted preflight.
type App struct {
	Config *config.Config
	Solana *solanasvc.Client
	Signer *solanasvc.KeypairSigner
	Ledger ledger.Ledger
	Engine *distributor.Engine

	closers []func() error
	logger  *slog.Logger
}

// Open connects to the RPC node and every configured ledger sink and builds
// the engine. If metrics is nil, no metrics will be recorded.
func Open(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	signer, err := solanasvc.NewKeypairSigner(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Signer: signer, logger: logger}

	l, err := a.openLedger(ctx, m)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Ledger = l

	a.Solana = solanasvc.NewClient(
		solanasvc.NewRPCClient(cfg.SolanaRPCURL),
		solanasvc.EndpointLabel(cfg.SolanaRPCURL),
		m,
		logger.With("component", "solana"),
	)
	a.closers = append(a.closers, a.Solana.Close)

	submitter := solanasvc.NewSubmitter(a.Solana, signer, solanasvc.SubmitterOptions{
		ConfirmTimeout: cfg.ConfirmTimeout,
	})

	a.Engine = distributor.NewEngine(
		signer.PublicKey(),
		a.Solana,
		submitter,
		a.Ledger,
		distributor.Options{
			BatchSize:     cfg.BatchSize,
			BatchDelay:    cfg.BatchDelay,
			TransferDelay: cfg.TransferDelay,
			Workers:       cfg.Workers,
		},
		m,
		logger,
	)

	logger.Info("distribution engine ready",
		"sender", signer.PublicKey().String(),
		"rpc_endpoint", solanasvc.EndpointLabel(cfg.SolanaRPCURL),
		"ledgers", a.Ledger.Locations(),
	)
	return a, nil
}

// openLedger always writes the CSV pair and adds Postgres and NATS sinks
// when they are configured.
func (a *App) openLedger(ctx context.Context, m *metrics.Metrics) (ledger.Ledger, error) {
	cfg := a.Config

	csvLedger, err := ledger.NewCSVLedger(cfg.SuccessLedgerPath, cfg.FailureLedgerPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open csv ledger: %w", err)
	}
	sinks := []ledger.Ledger{ledger.WithMetrics(csvLedger, "csv", m)}

	if cfg.DatabaseURL != "" {
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})
		pg, err := ledger.NewPostgresLedger(ctx, db.NewStore(pool), RedactURL(cfg.DatabaseURL))
		if err != nil {
			return nil, fmt.Errorf("failed to prepare postgres ledger: %w", err)
		}
		sinks = append(sinks, ledger.WithMetrics(pg, "postgres", m))
		a.logger.Info("postgres ledger enabled", "location", RedactURL(cfg.DatabaseURL))
	}

	if cfg.NATSURL != "" {
		pub, err := natspub.NewPublisher(cfg.NATSURL, a.logger.With("component", "nats"))
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, ledger.WithMetrics(ledger.NewNATSLedger(pub, pub.Location()), "nats", m))
		a.logger.Info("nats ledger enabled", "location", pub.Location())
	}

	return ledger.NewMulti(sinks...), nil
}

// Close closes the ledger sinks, then the connections they used, in reverse
// order of opening.
func (a *App) Close() error {
	var errs []error
	if a.Ledger != nil {
		if err := a.Ledger.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// RedactURL hides the password of a connection URL for logs and summaries.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "postgres"
	}
	return u.Redacted()
}
