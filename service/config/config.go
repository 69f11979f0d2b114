package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
)

// Defaults for the distribution run.
const (
	DefaultRPCURL            = "https://api.devnet.solana.com"
	DefaultBatchSize         = 15
	DefaultBatchDelay        = "2s"
	DefaultTransferDelay     = "500ms"
	DefaultConfirmTimeout    = "60s"
	DefaultSuccessLedgerPath = "sol_successful_transactions.csv"
	DefaultFailureLedgerPath = "sol_failed_transactions.csv"
	DefaultLogFile           = "sol_token_distribution.log"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	LogLevel string
	LogFile  string

	// Solana configuration
	SolanaRPCURL string
	PrivateKey   solana.PrivateKey

	// Distribution pacing
	BatchSize      int
	BatchDelay     time.Duration
	TransferDelay  time.Duration
	Workers        int
	ConfirmTimeout time.Duration

	// Outcome ledger
	SuccessLedgerPath string
	FailureLedgerPath string
	DatabaseURL       string // optional, enables the Postgres ledger
	NATSURL           string // optional, enables the NATS outcome stream

	MetricsAddr string // optional, serves /metrics while a run is active

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid. Every
// problem found is reported, each as a *ConfigurationError.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.LogFile = getEnvOrDefault("LOG_FILE", DefaultLogFile)

	cfg.SolanaRPCURL = getEnvOrDefault("SOLANA_RPC_URL", DefaultRPCURL)

	rawKey := os.Getenv("SOLANA_PRIVATE_KEY")
	if rawKey == "" {
		errs = append(errs, &ConfigurationError{Field: "SOLANA_PRIVATE_KEY", Reason: "is required"})
	} else {
		key, err := ParsePrivateKey(rawKey)
		if err != nil {
			errs = append(errs, err)
		} else {
			cfg.PrivateKey = key
		}
	}

	batchSize, err := parseInt("BATCH_SIZE", DefaultBatchSize)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.BatchSize = batchSize
	}

	workers, err := parseInt("WORKERS", 1)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.Workers = workers
	}

	batchDelay, err := parseDuration("BATCH_DELAY", DefaultBatchDelay)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.BatchDelay = batchDelay
	}

	transferDelay, err := parseDuration("TRANSFER_DELAY", DefaultTransferDelay)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.TransferDelay = transferDelay
	}

	confirmTimeout, err := parseDuration("CONFIRM_TIMEOUT", DefaultConfirmTimeout)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ConfirmTimeout = confirmTimeout
	}

	cfg.SuccessLedgerPath = getEnvOrDefault("SUCCESS_LEDGER_PATH", DefaultSuccessLedgerPath)
	cfg.FailureLedgerPath = getEnvOrDefault("FAILURE_LEDGER_PATH", DefaultFailureLedgerPath)
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "airdrop-distribution")

	// Range checks only make sense once parsing succeeded.
	if len(errs) == 0 {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %w", errors.Join(errs...))
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.SolanaRPCURL == "" {
		errs = append(errs, &ConfigurationError{Field: "SolanaRPCURL", Reason: "is required"})
	}

	if len(c.PrivateKey) != privateKeyLength {
		errs = append(errs, &ConfigurationError{Field: "PrivateKey", Reason: fmt.Sprintf("must be %d bytes", privateKeyLength)})
	}

	if c.BatchSize < 1 {
		errs = append(errs, &ConfigurationError{Field: "BatchSize", Reason: "must be at least 1"})
	}

	if c.Workers < 1 {
		errs = append(errs, &ConfigurationError{Field: "Workers", Reason: "must be at least 1"})
	}

	if c.BatchDelay < 0 || c.TransferDelay < 0 {
		errs = append(errs, &ConfigurationError{Field: "BatchDelay/TransferDelay", Reason: "cannot be negative"})
	}

	if c.ConfirmTimeout < time.Second {
		errs = append(errs, &ConfigurationError{Field: "ConfirmTimeout", Reason: "must be at least 1 second"})
	}

	if c.SuccessLedgerPath == "" || c.FailureLedgerPath == "" {
		errs = append(errs, &ConfigurationError{Field: "LedgerPath", Reason: "success and failure ledger paths are required"})
	}

	if c.SuccessLedgerPath != "" && c.SuccessLedgerPath == c.FailureLedgerPath {
		errs = append(errs, &ConfigurationError{Field: "LedgerPath", Reason: "success and failure ledgers must be different files"})
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %w", errors.Join(errs...))
	}

	return nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, &ConfigurationError{Field: key, Reason: fmt.Sprintf("invalid duration %q", value), Err: err}
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, &ConfigurationError{Field: key, Reason: fmt.Sprintf("invalid integer %q", value), Err: err}
	}
	return result, nil
}
