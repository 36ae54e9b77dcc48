package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics tracks the three scheduled loops and the allocation write path.
type EngineMetrics struct {
	receiptsProcessed *prometheus.CounterVec
	threadsScanned    *prometheus.CounterVec
	allocations       *prometheus.CounterVec
	allocationErrors  *prometheus.CounterVec
	watchdogOutcomes  *prometheus.CounterVec
	manualReview      prometheus.Counter
	lockTimeouts      prometheus.Counter
	classifierCalls   *prometheus.CounterVec
	pledgeBalance     *prometheus.GaugeVec
}

var (
	engineOnce     sync.Once
	engineRegistry *EngineMetrics
)

// Engine returns the lazily-initialised metrics registry shared by the
// ingestor, allocation service and watchdog.
func Engine() *EngineMetrics {
	engineOnce.Do(func() {
		engineRegistry = &EngineMetrics{
			receiptsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hostelfund",
				Subsystem: "ingest",
				Name:      "receipts_total",
				Help:      "Count of receipt rows written by terminal status.",
			}, []string{"status"}),
			threadsScanned: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hostelfund",
				Subsystem: "mail",
				Name:      "threads_scanned_total",
				Help:      "Count of mail threads examined per loop.",
			}, []string{"loop"}),
			allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hostelfund",
				Subsystem: "allocation",
				Name:      "committed_total",
				Help:      "Count of committed allocations by mode (single or batch).",
			}, []string{"mode"}),
			allocationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hostelfund",
				Subsystem: "allocation",
				Name:      "rejected_total",
				Help:      "Count of rejected allocation requests by error code.",
			}, []string{"code"}),
			watchdogOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hostelfund",
				Subsystem: "watchdog",
				Name:      "replies_total",
				Help:      "Count of hostel replies handled by classifier outcome.",
			}, []string{"outcome"}),
			manualReview: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "hostelfund",
				Subsystem: "watchdog",
				Name:      "manual_review_total",
				Help:      "Count of threads escalated for human review.",
			}),
			lockTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "hostelfund",
				Subsystem: "lock",
				Name:      "timeouts_total",
				Help:      "Count of lock acquisitions that expired and surfaced SYSTEM_BUSY.",
			}),
			classifierCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hostelfund",
				Subsystem: "classifier",
				Name:      "calls_total",
				Help:      "Count of LM classifier calls by operation and result.",
			}, []string{"op", "result"}),
			pledgeBalance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "hostelfund",
				Subsystem: "ledger",
				Name:      "pledge_balance",
				Help:      "Spendable balance per pledge from the lookup cache.",
			}, []string{"pledge_id"}),
		}
		prometheus.MustRegister(
			engineRegistry.receiptsProcessed,
			engineRegistry.threadsScanned,
			engineRegistry.allocations,
			engineRegistry.allocationErrors,
			engineRegistry.watchdogOutcomes,
			engineRegistry.manualReview,
			engineRegistry.lockTimeouts,
			engineRegistry.classifierCalls,
			engineRegistry.pledgeBalance,
		)
	})
	return engineRegistry
}

func (m *EngineMetrics) RecordReceipt(status string) {
	if m == nil {
		return
	}
	m.receiptsProcessed.WithLabelValues(status).Inc()
}

func (m *EngineMetrics) RecordThreadScanned(loop string) {
	if m == nil {
		return
	}
	m.threadsScanned.WithLabelValues(loop).Inc()
}

func (m *EngineMetrics) RecordAllocation(mode string) {
	if m == nil {
		return
	}
	m.allocations.WithLabelValues(mode).Inc()
}

func (m *EngineMetrics) RecordAllocationError(code string) {
	if m == nil {
		return
	}
	m.allocationErrors.WithLabelValues(code).Inc()
}

func (m *EngineMetrics) RecordWatchdogOutcome(outcome string) {
	if m == nil {
		return
	}
	m.watchdogOutcomes.WithLabelValues(outcome).Inc()
}

func (m *EngineMetrics) RecordManualReview() {
	if m == nil {
		return
	}
	m.manualReview.Inc()
}

func (m *EngineMetrics) RecordLockTimeout() {
	if m == nil {
		return
	}
	m.lockTimeouts.Inc()
}

func (m *EngineMetrics) RecordClassifierCall(op, result string) {
	if m == nil {
		return
	}
	m.classifierCalls.WithLabelValues(op, result).Inc()
}

func (m *EngineMetrics) SetPledgeBalance(pledgeID string, balance int64) {
	if m == nil {
		return
	}
	m.pledgeBalance.WithLabelValues(pledgeID).Set(float64(balance))
}
