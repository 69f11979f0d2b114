package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Solana RPC Metrics
	solanaRPCCallsTotal          *prometheus.CounterVec
	solanaRPCCallDuration        *prometheus.HistogramVec
	solanaRPCRateLimitHits       *prometheus.CounterVec
	solanaConfirmationDuration   *prometheus.HistogramVec
	solanaConfirmationPollsTotal *prometheus.CounterVec

	// Distribution Metrics
	transfersTotal       *prometheus.CounterVec
	transferAmountTotal  *prometheus.CounterVec
	batchDuration        prometheus.Histogram
	runsTotal            *prometheus.CounterVec
	runDuration          *prometheus.HistogramVec
	transfersInFlight    prometheus.Gauge
	preflightBalanceLast *prometheus.GaugeVec

	// Ledger Metrics
	ledgerWritesTotal   *prometheus.CounterVec
	ledgerWriteDuration *prometheus.HistogramVec

	// Temporal Metrics
	activityDuration *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Solana RPC Metrics
		solanaRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_calls_total",
				Help: "Total number of Solana RPC calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		solanaRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_call_duration_seconds",
				Help:    "Duration of Solana RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),
		solanaRPCRateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_rate_limit_hits_total",
				Help: "Total number of Solana RPC rate limit hits (429 errors)",
			},
			[]string{"endpoint"},
		),
		solanaConfirmationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_confirmation_duration_seconds",
				Help:    "Time from submission until the network confirmed or rejected a transaction",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 90},
			},
			[]string{"status"},
		),
		solanaConfirmationPollsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_confirmation_polls_total",
				Help: "Total number of getSignatureStatuses polls while waiting for confirmation",
			},
			[]string{"endpoint"},
		),

		// Distribution Metrics
		transfersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "airdrop_transfers_total",
				Help: "Total number of attempted transfers by status and failing stage",
			},
			[]string{"status", "stage"},
		),
		transferAmountTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "airdrop_transfer_amount_total",
				Help: "Sum of attempted transfer amounts in token units",
			},
			[]string{"mint", "status"},
		),
		batchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "airdrop_batch_duration_seconds",
				Help:    "Duration of one batch of transfers in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
		),
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "airdrop_runs_total",
				Help: "Total number of distribution runs by terminal state",
			},
			[]string{"state"},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "airdrop_run_duration_seconds",
				Help:    "Duration of distribution runs in seconds",
				Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200},
			},
			[]string{"state"},
		),
		transfersInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "airdrop_transfers_in_flight",
				Help: "Number of transfers currently being prepared or submitted",
			},
		),
		preflightBalanceLast: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "airdrop_preflight_balance",
				Help: "Sender token balance observed by the last preflight check",
			},
			[]string{"mint"},
		),

		// Ledger Metrics
		ledgerWritesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "airdrop_ledger_writes_total",
				Help: "Total number of outcome ledger writes by sink, outcome kind and status",
			},
			[]string{"sink", "kind", "status"},
		),
		ledgerWriteDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "airdrop_ledger_write_duration_seconds",
				Help:    "Duration of outcome ledger writes in seconds",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"sink"},
		),

		// Temporal Metrics
		activityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "airdrop_temporal_activity_duration_seconds",
				Help:    "Duration of Temporal activities in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"activity", "status"},
		),
	}
}

// Solana RPC metric helpers

// RecordRPCCall records a Solana RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status, endpoint string, duration float64) {
	m.solanaRPCCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.solanaRPCCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordRateLimitHit records a rate limit hit (429 error).
func (m *Metrics) RecordRateLimitHit(endpoint string) {
	m.solanaRPCRateLimitHits.WithLabelValues(endpoint).Inc()
}

// RecordConfirmation records how long a submitted transaction took to settle.
func (m *Metrics) RecordConfirmation(status string, duration float64) {
	m.solanaConfirmationDuration.WithLabelValues(status).Observe(duration)
}

// RecordConfirmationPoll records one signature status poll.
func (m *Metrics) RecordConfirmationPoll(endpoint string) {
	m.solanaConfirmationPollsTotal.WithLabelValues(endpoint).Inc()
}

// Distribution metric helpers

// RecordTransfer records one attempted transfer. Stage is empty for successes.
func (m *Metrics) RecordTransfer(status, stage, mint string, amount float64) {
	if stage == "" {
		stage = "none"
	}
	m.transfersTotal.WithLabelValues(status, stage).Inc()
	m.transferAmountTotal.WithLabelValues(mint, status).Add(amount)
}

// RecordBatchDuration records the wall time of one batch.
func (m *Metrics) RecordBatchDuration(duration float64) {
	m.batchDuration.Observe(duration)
}

// RecordRun records a finished run and its terminal state.
func (m *Metrics) RecordRun(state string, duration float64) {
	m.runsTotal.WithLabelValues(state).Inc()
	m.runDuration.WithLabelValues(state).Observe(duration)
}

// TransferStarted and TransferFinished track in-flight transfers.
func (m *Metrics) TransferStarted() {
	m.transfersInFlight.Inc()
}

func (m *Metrics) TransferFinished() {
	m.transfersInFlight.Dec()
}

// RecordPreflightBalance records the balance seen by the preflight check.
func (m *Metrics) RecordPreflightBalance(mint string, balance float64) {
	m.preflightBalanceLast.WithLabelValues(mint).Set(balance)
}

// Ledger metric helpers

// RecordLedgerWrite records an outcome ledger write with duration.
func (m *Metrics) RecordLedgerWrite(sink, kind string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.ledgerWritesTotal.WithLabelValues(sink, kind, status).Inc()
	m.ledgerWriteDuration.WithLabelValues(sink).Observe(duration)
}

// Temporal metric helpers

// RecordActivityDuration records how long one activity execution took.
func (m *Metrics) RecordActivityDuration(activity, status string, duration float64) {
	m.activityDuration.WithLabelValues(activity, status).Observe(duration)
}
