// Package observability implements Prometheus-backed metrics and the three
// alert definitions (gateway error rate, credit-deduction spike, unexpected
// fleet stop), with fired/resolved transition tracking and event fan-out.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus series this project exports. Each alert
// check in alerts.go reads its own source interface (GatewayErrorSource,
// LedgerFailureSource, FleetStopFlagSource) rather than these series —
// Metrics is the export surface, those sources are the evaluation surface —
// and cmd/controlplane feeds the gateway and ledger series and their
// sources from the same call sites.
type Metrics struct {
	GatewayRequestsTotal *prometheus.CounterVec
	GatewayErrorsTotal   *prometheus.CounterVec
	GatewayLatency       *prometheus.HistogramVec

	LedgerDebitsTotal       *prometheus.CounterVec
	LedgerCreditsTotal      *prometheus.CounterVec
	LedgerFailedDebitsTotal *prometheus.CounterVec

	FleetNodeCount      *prometheus.GaugeVec
	FleetBotCount       *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		GatewayRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wopr_gateway_requests_total",
				Help: "Total gateway requests dispatched to an upstream provider.",
			},
			[]string{"tenant", "provider"},
		),
		GatewayErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wopr_gateway_errors_total",
				Help: "Total gateway requests that failed pre-flight or upstream dispatch.",
			},
			[]string{"tenant", "reason"},
		),
		GatewayLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wopr_gateway_request_duration_seconds",
				Help:    "Gateway request latency from auth to response completion.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
		LedgerDebitsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wopr_ledger_debits_total",
				Help: "Total successful ledger debits.",
			},
			[]string{"tenant", "reason"},
		),
		LedgerCreditsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wopr_ledger_credits_total",
				Help: "Total successful ledger credits.",
			},
			[]string{"tenant", "reason"},
		),
		LedgerFailedDebitsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wopr_ledger_failed_debits_total",
				Help: "Total debit attempts rejected for insufficient balance or error.",
			},
			[]string{"tenant"},
		),
		FleetNodeCount: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wopr_fleet_nodes",
				Help: "Current node count by status.",
			},
			[]string{"status"},
		),
		FleetBotCount: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wopr_fleet_bots",
				Help: "Current bot instance count by billing state.",
			},
			[]string{"billing_state"},
		),
		CircuitBreakerTrips: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wopr_circuit_breaker_trips_total",
				Help: "Total circuit breaker trip episodes.",
			},
			[]string{"tenant"},
		),
	}
}

func (m *Metrics) RecordGatewayRequest(tenant, provider string) {
	m.GatewayRequestsTotal.WithLabelValues(tenant, provider).Inc()
}

func (m *Metrics) RecordGatewayError(tenant, reason string) {
	m.GatewayErrorsTotal.WithLabelValues(tenant, reason).Inc()
}

func (m *Metrics) RecordLedgerDebit(tenant, reason string, failed bool) {
	if failed {
		m.LedgerFailedDebitsTotal.WithLabelValues(tenant).Inc()
		return
	}
	m.LedgerDebitsTotal.WithLabelValues(tenant, reason).Inc()
}

func (m *Metrics) RecordCircuitTrip(tenant string) {
	m.CircuitBreakerTrips.WithLabelValues(tenant).Inc()
}
