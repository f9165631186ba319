package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ═══════════════════════════════════════════════════════════════════════════
// Prometheus Metrics
// ═══════════════════════════════════════════════════════════════════════════

// ─── Bout Metrics ───────────────────────────────────────────────────────────

// BoutsStarted counts bouts that passed validation and entered the turn loop.
var BoutsStarted = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "pit",
	Subsystem: "bout",
	Name:      "started_total",
	Help:      "Total bouts started.",
})

// BoutsFinished counts bouts by terminal status (completed, error, cancelled).
var BoutsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pit",
	Subsystem: "bout",
	Name:      "finished_total",
	Help:      "Total bouts finished by status.",
}, []string{"status"})

// BoutsRejected counts bouts refused before start, by reason.
var BoutsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pit",
	Subsystem: "bout",
	Name:      "rejected_total",
	Help:      "Total bout requests rejected before execution, by reason.",
}, []string{"reason"})

// ActiveBouts tracks bouts currently holding an engine slot.
var ActiveBouts = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "pit",
	Subsystem: "bout",
	Name:      "active",
	Help:      "Number of bouts currently running.",
})

// BoutDuration tracks wall-clock bout duration in seconds.
var BoutDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "pit",
	Subsystem: "bout",
	Name:      "duration_seconds",
	Help:      "Bout wall-clock duration in seconds.",
	Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
})

// ─── Turn Metrics ───────────────────────────────────────────────────────────

// TurnLatency tracks per-turn latency by source (model, scripted).
var TurnLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "pit",
	Subsystem: "turn",
	Name:      "latency_seconds",
	Help:      "Per-turn latency in seconds.",
	Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 40},
}, []string{"source"})

// Tokens counts model tokens by direction (input, output).
var Tokens = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pit",
	Subsystem: "turn",
	Name:      "tokens_total",
	Help:      "Total model tokens by direction.",
}, []string{"direction"})

// TurnsTruncated counts transcript turns dropped to fit a context window.
var TurnsTruncated = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "pit",
	Subsystem: "turn",
	Name:      "history_truncated_total",
	Help:      "Total history turns dropped by context truncation.",
})

// Refusals counts turns where an agent broke character.
var Refusals = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pit",
	Subsystem: "turn",
	Name:      "refusals_total",
	Help:      "Total detected character refusals by preset.",
}, []string{"preset"})

// ProviderErrors counts failed model calls by class.
var ProviderErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pit",
	Subsystem: "provider",
	Name:      "errors_total",
	Help:      "Total model provider errors by class.",
}, []string{"class"})

// ─── Ledger Metrics ─────────────────────────────────────────────────────────

// LedgerOps counts ledger operations by kind and outcome.
var LedgerOps = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pit",
	Subsystem: "ledger",
	Name:      "operations_total",
	Help:      "Total ledger operations by op and outcome.",
}, []string{"op", "outcome"})

// CreditsMoved sums absolute micro-credits moved, by transaction source.
var CreditsMoved = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pit",
	Subsystem: "ledger",
	Name:      "micro_credits_moved_total",
	Help:      "Total absolute micro-credits moved by source.",
}, []string{"source"})

// FreePool counts free pool consumption attempts by outcome.
var FreePool = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pit",
	Subsystem: "free_pool",
	Name:      "consume_total",
	Help:      "Total free bout pool consumption attempts by outcome.",
}, []string{"outcome"})

// ─── Stream & Limits ────────────────────────────────────────────────────────

// EventsDropped counts stream events discarded because a consumer fell behind.
var EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "pit",
	Subsystem: "stream",
	Name:      "events_dropped_total",
	Help:      "Total bout events dropped on a full dispatch queue.",
})

// RateLimited counts requests rejected by the rate limiter, by policy.
var RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pit",
	Subsystem: "ratelimit",
	Name:      "rejected_total",
	Help:      "Total requests rejected by the rate limiter.",
}, []string{"policy"})

// ─── Trace Metrics ──────────────────────────────────────────────────────────

// TracesRecorded tracks total spans recorded.
var TracesRecorded = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "pit",
	Subsystem: "traces",
	Name:      "spans_recorded_total",
	Help:      "Total trace spans recorded.",
})

// TraceErrors tracks error spans.
var TraceErrors = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "pit",
	Subsystem: "traces",
	Name:      "error_spans_total",
	Help:      "Total trace spans with error status.",
})
