// Package metrics holds the Prometheus metrics of the settlement service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "teocoin_chain"

// Settlement metrics
var (
	// SettlementsTotal counts SettlePurchase outcomes.
	SettlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Split payment settlements by mode and resulting status",
		},
		[]string{"mode", "status"}, // status: settled, partially_settled, submitted, failed, rejected
	)

	SettlementDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settlement_duration_seconds",
			Help:      "Wall time of SettlePurchase including receipt waits",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"mode"},
	)

	// LegAttemptsTotal counts every signed leg submission.
	LegAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leg_attempts_total",
			Help:      "Transfer leg submission attempts by outcome",
		},
		[]string{"outcome"}, // accepted, retry, rejected, unavailable
	)

	PreflightFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "preflight_failures_total",
			Help:      "Purchases refused by the pre-flight funds check",
		},
		[]string{"kind"},
	)
)

// Chain interaction metrics
var (
	BlockchainTxTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blockchain_tx_total",
			Help:      "Observed transaction receipts",
		},
		[]string{"kind", "status"}, // status: confirmed, failed, timeout
	)

	BlockchainTxDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "blockchain_tx_duration_seconds",
			Help:      "Submission to receipt latency",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"kind"},
	)

	BlockchainGasUsed = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "blockchain_gas_used",
			Help:      "Gas used per confirmed transaction",
			Buckets:   []float64{21000, 40000, 60000, 80000, 100000, 200000},
		},
		[]string{"kind"},
	)

	BlockchainGasPrice = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "blockchain_gas_price_gwei",
			Help:      "Gas price of the last submitted transaction (gwei)",
		},
	)

	GasPriceFallbackTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gas_price_fallback_total",
			Help:      "Times the fallback gas price was used",
		},
	)

	BlockchainNonceGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "blockchain_nonce_current",
			Help:      "Next nonce of the hot wallet after the last lease",
		},
	)

	TreasuryBalanceGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "treasury_native_balance",
			Help:      "Native gas balance of the hot wallet",
		},
	)

	TreasuryLowGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "treasury_balance_low",
			Help:      "1 when the hot wallet balance is under the low threshold",
		},
	)
)

// Ledger and escrow metrics
var (
	LedgerPendingGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_pending_entries",
			Help:      "Ledger entries awaiting a receipt",
		},
	)

	ReconciledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciled_entries_total",
			Help:      "Pending ledger entries resolved by reconciliation",
		},
		[]string{"result"}, // confirmed, failed, dropped, still_pending
	)

	EscrowTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escrow_transitions_total",
			Help:      "Escrow status transitions",
		},
		[]string{"status"}, // created, accepted, rejected, expired
	)
)

// Transport metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests",
		},
		[]string{"method", "path", "code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		},
		[]string{"method", "path"},
	)

	KafkaMessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_messages_consumed_total",
			Help:      "Kafka messages consumed",
		},
		[]string{"topic", "status"},
	)

	KafkaMessagesProduced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_messages_produced_total",
			Help:      "Kafka messages produced",
		},
		[]string{"topic", "status"},
	)

	SchedulerJobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_job_runs_total",
			Help:      "Scheduled job runs by outcome",
		},
		[]string{"job", "result"}, // ok, error, skipped
	)
)

// RecordSettlement records one SettlePurchase outcome.
func RecordSettlement(mode, status string, durationSeconds float64) {
	SettlementsTotal.WithLabelValues(mode, status).Inc()
	SettlementDuration.WithLabelValues(mode).Observe(durationSeconds)
}

func RecordLegAttempt(outcome string) {
	LegAttemptsTotal.WithLabelValues(outcome).Inc()
}

func RecordPreflightFailure(kind string) {
	PreflightFailuresTotal.WithLabelValues(kind).Inc()
}

// RecordBlockchainTx records a receipt observation.
func RecordBlockchainTx(kind, status string, durationSeconds float64, gasUsed uint64) {
	BlockchainTxTotal.WithLabelValues(kind, status).Inc()
	if durationSeconds > 0 {
		BlockchainTxDuration.WithLabelValues(kind).Observe(durationSeconds)
	}
	if gasUsed > 0 {
		BlockchainGasUsed.WithLabelValues(kind).Observe(float64(gasUsed))
	}
}

func UpdateGasPrice(gasPriceGwei float64) {
	BlockchainGasPrice.Set(gasPriceGwei)
}

func RecordGasPriceFallback() {
	GasPriceFallbackTotal.Inc()
}

func UpdateNonce(nonce uint64) {
	BlockchainNonceGauge.Set(float64(nonce))
}

func UpdateTreasury(balance float64, low bool) {
	TreasuryBalanceGauge.Set(balance)
	if low {
		TreasuryLowGauge.Set(1)
	} else {
		TreasuryLowGauge.Set(0)
	}
}

func UpdateLedgerPending(count int64) {
	LedgerPendingGauge.Set(float64(count))
}

func RecordReconciled(result string) {
	ReconciledTotal.WithLabelValues(result).Inc()
}

func RecordEscrowTransition(status string) {
	EscrowTransitionsTotal.WithLabelValues(status).Inc()
}

func RecordHTTPRequest(method, path, code string, durationSeconds float64) {
	HTTPRequestsTotal.WithLabelValues(method, path, code).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(durationSeconds)
}

// RecordKafkaMessage counts a produced or consumed message.
func RecordKafkaMessage(topic string, produced bool, status string) {
	if produced {
		KafkaMessagesProduced.WithLabelValues(topic, status).Inc()
	} else {
		KafkaMessagesConsumed.WithLabelValues(topic, status).Inc()
	}
}

func RecordSchedulerJob(job, result string) {
	SchedulerJobRuns.WithLabelValues(job, result).Inc()
}
