package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/brojonat/airdrop/service/config"
	"github.com/brojonat/airdrop/service/distributor"
	"github.com/brojonat/airdrop/service/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
)

// mintFlags are shared by every command that needs the token.
func mintFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "mint",
			Aliases:  []string{"m"},
			Usage:    "Token mint address",
			EnvVars:  []string{"TOKEN_MINT"},
			Required: true,
		},
		&cli.IntFlag{
			Name:     "decimals",
			Aliases:  []string{"d"},
			Usage:    "Token decimals",
			EnvVars:  []string{"TOKEN_DECIMALS"},
			Required: true,
		},
	}
}

// ledgerFlags locate the CSV ledger pair. They read the same variables as
// the run configuration so retry sees the files the last run wrote.
func ledgerFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "success-ledger",
			Usage:   "Success ledger CSV",
			EnvVars: []string{"SUCCESS_LEDGER_PATH"},
			Value:   config.DefaultSuccessLedgerPath,
		},
		&cli.StringFlag{
			Name:    "failure-ledger",
			Usage:   "Failure ledger CSV",
			EnvVars: []string{"FAILURE_LEDGER_PATH"},
			Value:   config.DefaultFailureLedgerPath,
		},
	}
}

func mintFromFlags(c *cli.Context) (distributor.Mint, error) {
	return distributor.ParseMint(c.String("mint"), c.Int("decimals"))
}

// runtimeEnv is what a command needs before it touches the network.
type runtimeEnv struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	closers []func()
}

// setupRuntime loads configuration, starts logging and, when METRICS_ADDR is
// set, serves /metrics until close is called.
func setupRuntime() (*runtimeEnv, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := setupLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return nil, err
	}
	env := &runtimeEnv{cfg: cfg, logger: logger, closers: []func(){closeLog}}

	if cfg.MetricsAddr != "" {
		registry := prometheus.NewRegistry()
		env.metrics = metrics.NewMetrics(registry)
		env.closers = append(env.closers, startMetricsServer(cfg.MetricsAddr, registry, logger))
	}
	return env, nil
}

func (e *runtimeEnv) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

// parseLevel maps LOG_LEVEL to a slog level; unknown values mean info.
func parseLevel(levelStr string) slog.Level {
	switch levelStr {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// setupLogger creates a JSON logger writing to stderr and, when logFile is
// set, appending to that file as well.
func setupLogger(levelStr, logFile string) (*slog.Logger, func(), error) {
	opts := &slog.HandlerOptions{
		Level: parseLevel(levelStr),
	}

	if logFile == "" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), func() {}, nil
	}

	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	w := io.MultiWriter(os.Stderr, f)
	return slog.New(slog.NewJSONHandler(w, opts)), func() { _ = f.Close() }, nil
}

// startMetricsServer serves the registry on addr and returns its shutdown.
func startMetricsServer(addr string, registry *prometheus.Registry, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("starting metrics HTTP server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown metrics server", "error", err)
		}
	}
}
