// Package metrics exposes the engine's Prometheus instrumentation on the
// default registry, served by the control API at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polytrigger_cycles_total",
		Help: "Completed evaluation cycles.",
	})

	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "polytrigger_cycle_duration_seconds",
		Help:    "Wall time of one evaluation cycle.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	TriggersFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polytrigger_triggers_fired_total",
		Help: "Trigger firings by kind.",
	}, []string{"kind"})

	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polytrigger_orders_submitted_total",
		Help: "Order submissions by outcome.",
	}, []string{"status"})

	CopyTradesDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polytrigger_copy_trades_detected_total",
		Help: "Leader trades observed by the copy watcher.",
	})

	CopyTradesReplicated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polytrigger_copy_trades_replicated_total",
		Help: "Leader trades replicated as follower orders.",
	})

	EngineErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polytrigger_engine_errors_total",
		Help: "Cycle errors by class.",
	}, []string{"class"})
)
