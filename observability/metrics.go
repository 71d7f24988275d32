package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"octescrow/escrow"
)

// EscrowMetrics captures Prometheus collectors for the escrow session engine.
type EscrowMetrics struct {
	operations         *prometheus.CounterVec
	sessions           *prometheus.GaugeVec
	verifyFailures     prometheus.Counter
	replays            prometheus.Counter
	settlementFailures prometheus.Counter
	expiredSessions    prometheus.Counter
	unclaimedWinnings  prometheus.Gauge
}

var (
	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowMetrics
)

// Escrow returns the lazily-initialised escrow metrics registry.
func Escrow() *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "octescrow",
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "Lifecycle operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "octescrow",
				Subsystem: "engine",
				Name:      "sessions",
				Help:      "Number of sessions currently held per lifecycle status.",
			}, []string{"status"}),
			verifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "octescrow",
				Subsystem: "engine",
				Name:      "verification_failures_total",
				Help:      "Deposit verifications rejected by the chain verifier.",
			}),
			replays: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "octescrow",
				Subsystem: "engine",
				Name:      "replays_total",
				Help:      "Deposit or claim instructions rejected by the replay sets.",
			}),
			settlementFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "octescrow",
				Subsystem: "engine",
				Name:      "settlement_failures_total",
				Help:      "Settlement or refund broadcasts that failed and were rolled back.",
			}),
			expiredSessions: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "octescrow",
				Subsystem: "sweeper",
				Name:      "expired_sessions_total",
				Help:      "Pending sessions transitioned to EXPIRED by the sweeper.",
			}),
			unclaimedWinnings: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "octescrow",
				Subsystem: "ledger",
				Name:      "unclaimed_winnings",
				Help:      "Claimable winnings not yet claimed.",
			}),
		}
		prometheus.MustRegister(
			escrowRegistry.operations,
			escrowRegistry.sessions,
			escrowRegistry.verifyFailures,
			escrowRegistry.replays,
			escrowRegistry.settlementFailures,
			escrowRegistry.expiredSessions,
			escrowRegistry.unclaimedWinnings,
		)
	})
	return escrowRegistry
}

// ObserveOperation records the outcome of a lifecycle operation.
func (m *EscrowMetrics) ObserveOperation(operation string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
}

// RecordVerificationFailure increments the chain-verification failure counter.
func (m *EscrowMetrics) RecordVerificationFailure() {
	if m == nil {
		return
	}
	m.verifyFailures.Inc()
}

// RecordReplay increments the replay-rejection counter.
func (m *EscrowMetrics) RecordReplay() {
	if m == nil {
		return
	}
	m.replays.Inc()
}

// RecordSettlementFailure increments the settlement failure counter.
func (m *EscrowMetrics) RecordSettlementFailure() {
	if m == nil {
		return
	}
	m.settlementFailures.Inc()
}

// RecordExpired adds to the sweeper's expired-session counter.
func (m *EscrowMetrics) RecordExpired(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.expiredSessions.Add(float64(count))
}

// SetSessionCounts reflects the current aggregate session counts.
func (m *EscrowMetrics) SetSessionCounts(stats escrow.Stats) {
	if m == nil {
		return
	}
	for _, status := range []escrow.SessionStatus{
		escrow.StatusPending, escrow.StatusConfirmed, escrow.StatusPlaying,
		escrow.StatusSettling, escrow.StatusCompleted, escrow.StatusRefunded,
		escrow.StatusExpired,
	} {
		m.sessions.WithLabelValues(string(status)).Set(float64(stats.ByStatus[status]))
	}
	m.unclaimedWinnings.Set(float64(stats.Unclaimed))
}
