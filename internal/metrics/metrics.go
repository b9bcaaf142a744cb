// Package metrics exposes the engine's Prometheus instrumentation. All
// metrics are registered through promauto at package init and served on the
// API server's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Event bus metrics
var (
	BusEventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pumpwatch_bus_events_published_total",
		Help: "Total events published per topic",
	}, []string{"topic"})

	BusEventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pumpwatch_bus_events_dropped_total",
		Help: "Events dropped after the publish timeout, per topic and subscriber",
	}, []string{"topic", "subscriber"})

	BusHandlerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pumpwatch_bus_handler_errors_total",
		Help: "Handler errors per topic and subscriber",
	}, []string{"topic", "subscriber"})

	BusUnhealthySubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pumpwatch_bus_unhealthy_subscriptions",
		Help: "Subscriptions currently marked unhealthy",
	})
)

// Indicator engine metrics
var (
	IndicatorLanes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pumpwatch_indicator_lanes",
		Help: "Active (variant, symbol) computation lanes",
	})

	IndicatorFoldDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pumpwatch_indicator_fold_seconds",
		Help:    "Duration of indicator window folds",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
	}, []string{"base_type"})

	IndicatorSlowFolds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pumpwatch_indicator_slow_folds_total",
		Help: "Folds exceeding the soft CPU budget, per lane",
	}, []string{"variant_id"})

	IndicatorMemoryBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pumpwatch_indicator_memory_bytes",
		Help: "Aggregate ring buffer footprint of the indicator engine",
	})
)

// Persistence metrics
var (
	PersistedRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pumpwatch_persisted_rows_total",
		Help: "Rows written to the time-series store, per table",
	}, []string{"table"})

	PersistenceFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pumpwatch_persistence_flushes_total",
		Help: "Batch flushes per sink and result",
	}, []string{"sink", "result"})

	PersistenceOverflow = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pumpwatch_persistence_overflow_dropped_total",
		Help: "Rows shed from the overflow ring while the store was degraded",
	}, []string{"sink"})
)

// Trading metrics
var (
	SignalsGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pumpwatch_signals_generated_total",
		Help: "Signals emitted per strategy",
	}, []string{"strategy_id"})

	OrdersCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pumpwatch_orders_created_total",
		Help: "Orders created per mode and status",
	}, []string{"mode", "status"})

	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pumpwatch_open_positions",
		Help: "Number of currently open positions",
	})

	OpenMargin = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pumpwatch_open_margin",
		Help: "Sum of margin across open positions and reserved entry orders",
	})

	RiskRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pumpwatch_risk_rejections_total",
		Help: "Signals rejected by the risk check, per reason",
	}, []string{"reason"})
)

// Session metrics
var (
	SessionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pumpwatch_session_state",
		Help: "Execution controller state (1 for the active state, 0 otherwise)",
	}, []string{"state"})

	TicksIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pumpwatch_ticks_ingested_total",
		Help: "Ticks ingested per symbol",
	}, []string{"symbol"})
)

// Market feed metrics
var (
	MarketTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pumpwatch_market_ticks_total",
		Help: "Ticks published by the market source, per symbol",
	}, []string{"symbol"})

	MarketReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pumpwatch_market_reconnects_total",
		Help: "Live feed reconnections",
	})
)

// Bounded risk-rejection reasons so the label set stays small.
const (
	RejectAllocation   = "allocation_exceeded"
	RejectBudget       = "budget_exceeded"
	RejectSymbol       = "unknown_symbol"
	RejectPrice        = "price_missing"
	RejectDirection    = "direction_disallowed"
	RejectBreakerOpen  = "breaker_open"
	RejectNoPosition   = "no_position"
	RejectSessionState = "session_not_running"
)
