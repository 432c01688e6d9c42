// Package metrics - prometheus метрики процесса. Экспортируются через
// admin API на /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SignalsPublished считает опубликованные сигналы мастера
	SignalsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "copyd_signals_published_total",
		Help: "Number of confirmed master trade signals published",
	})

	// CopyResults считает результаты копирования по статусам
	CopyResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copyd_copy_results_total",
		Help: "Copy execution results by status",
	}, []string{"status"})

	// DispatchLatency - латентность исполнения копии на одном аккаунте
	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "copyd_dispatch_latency_seconds",
		Help:    "Latency of a single follower copy dispatch",
		Buckets: prometheus.DefBuckets,
	})

	// BreakerTrips считает срабатывания circuit breaker'а
	BreakerTrips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "copyd_breaker_trips_total",
		Help: "Number of circuit breaker trips",
	})

	// SequenceJumps считает восстановления после stale sequence
	SequenceJumps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "copyd_sequence_jumps_total",
		Help: "Number of sequence jump-forward recoveries",
	})

	// ReconcilerExits считает выходы, инициированные reconciler'ом
	ReconcilerExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copyd_reconciler_exits_total",
		Help: "Exits scheduled by the reconciler by reason",
	}, []string{"reason"})

	// OpenPositions - текущее число отслеживаемых открытых позиций
	OpenPositions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "copyd_open_positions",
		Help: "Tracked open positions per account",
	}, []string{"account"})

	// BudgetDenials считает отказы аллокатора бюджета вызовов
	BudgetDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copyd_budget_denials_total",
		Help: "Rate budget admission denials by category",
	}, []string{"category"})
)
