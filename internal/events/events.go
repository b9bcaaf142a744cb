// Package events defines the bus topics and payload types shared by every
// engine component. Payloads are plain structs; components communicate only
// through these records so none of them import each other.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Bus topic names. Per-topic delivery is FIFO per subscriber; ordering across
// topics is not guaranteed.
const (
	TopicPriceUpdate         = "market.price_update"
	TopicMarketReconnected   = "market.reconnected"
	TopicIndicatorUpdated    = "indicator.updated"
	TopicSignalGenerated     = "signal.generated"
	TopicOrderCreated        = "order.created"
	TopicOrderFilled         = "order.filled"
	TopicOrderCancelled      = "order.cancelled"
	TopicOrderRejected       = "order.rejected"
	TopicOrderExpired        = "order.expired"
	TopicPositionUpdated     = "position.updated"
	TopicPositionClosed      = "position.closed"
	TopicEmergencyClose      = "emergency.close_position"
	TopicMemoryPressure      = "memory.pressure"
	TopicPersistenceDegraded = "persistence.degraded"
	TopicSessionStatus       = "session.status"
	TopicSessionFailed       = "session.failed"
	TopicRiskAlert           = "risk.alert"
)

// SessionMode selects the order manager variant and tick source for a session.
type SessionMode string

const (
	ModePaper    SessionMode = "paper"
	ModeLive     SessionMode = "live"
	ModeBacktest SessionMode = "backtest"
	ModeCollect  SessionMode = "collect"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionStarting SessionStatus = "starting"
	SessionRunning  SessionStatus = "running"
	SessionStopping SessionStatus = "stopping"
	SessionStopped  SessionStatus = "stopped"
	SessionFailed   SessionStatus = "failed"
)

// Tick is a single trade print from the market feed. Immutable once
// published; monotonic per symbol.
type Tick struct {
	SessionID string    `json:"session_id"`
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// MarketReconnected announces that the live feed re-established its
// connection after missed heartbeats and re-subscribed the symbol set.
type MarketReconnected struct {
	SessionID string    `json:"session_id"`
	Symbols   []string  `json:"symbols"`
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
}

// IndicatorUpdate carries one freshly computed indicator value.
type IndicatorUpdate struct {
	SessionID string    `json:"session_id"`
	Symbol    string    `json:"symbol"`
	VariantID string    `json:"variant_id"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// SignalKind is the direction of a generated signal.
type SignalKind string

const (
	SignalBuy  SignalKind = "BUY"
	SignalSell SignalKind = "SELL"
)

// Signal is emitted by the strategy manager when an entry or close section
// matches. SignalID is generated fresh at publish time; the persistence layer
// deduplicates on (timestamp, signal_id).
type Signal struct {
	SignalID   uuid.UUID          `json:"signal_id"`
	SessionID  string             `json:"session_id"`
	StrategyID string             `json:"strategy_id"`
	Symbol     string             `json:"symbol"`
	Kind       SignalKind         `json:"kind"`
	Confidence float64            `json:"confidence"`
	Price      float64            `json:"price"`
	Snapshot   map[string]float64 `json:"indicator_snapshot"`
	Timestamp  time.Time          `json:"timestamp"`

	// Entry reduces budget; close frees it. Close signals also carry the
	// position they are closing.
	Closing    bool      `json:"closing,omitempty"`
	PositionID uuid.UUID `json:"position_id,omitempty"`

	// Order parameters resolved by the strategy manager (risk scaling
	// already applied).
	Quantity       float64 `json:"quantity,omitempty"`
	Leverage       float64 `json:"leverage,omitempty"`
	TimeoutSeconds int     `json:"timeout_seconds,omitempty"`
	StopLossPct    float64 `json:"stop_loss_pct,omitempty"`
	TakeProfitPct  float64 `json:"take_profit_pct,omitempty"`
}

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderFilled    OrderStatus = "FILLED"
	OrderPartial   OrderStatus = "PARTIAL"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderRejected  OrderStatus = "REJECTED"
	OrderExpired   OrderStatus = "EXPIRED"
)

// Order is the canonical order record shared by the three order manager
// variants, the persistence layer, and the UI bridge.
type Order struct {
	OrderID     uuid.UUID   `json:"order_id"`
	SessionID   string      `json:"session_id"`
	StrategyID  string      `json:"strategy_id"`
	SignalID    uuid.UUID   `json:"signal_id"`
	Symbol      string      `json:"symbol"`
	Side        OrderSide   `json:"side"`
	Type        OrderType   `json:"type"`
	Quantity    float64     `json:"quantity"`
	Price       float64     `json:"price"`
	FillPrice   float64     `json:"fill_price,omitempty"`
	Status      OrderStatus `json:"status"`
	Reason      string      `json:"reason,omitempty"`
	Leverage    float64     `json:"leverage,omitempty"`
	Margin      float64     `json:"margin,omitempty"`
	Closing     bool        `json:"closing,omitempty"`
	TimeoutAt   time.Time   `json:"timeout_at,omitempty"`
	RealisedPnL *float64    `json:"pnl_realised,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// PositionSide is the direction of a position.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
)

// Position aggregates all fills for a symbol within a session.
type Position struct {
	PositionID       uuid.UUID      `json:"position_id"`
	SessionID        string         `json:"session_id"`
	Symbol           string         `json:"symbol"`
	Side             PositionSide   `json:"side"`
	Quantity         float64        `json:"quantity"`
	AvgPrice         float64        `json:"avg_price"`
	CurrentPrice     float64        `json:"current_price"`
	UnrealisedPnL    float64        `json:"unrealised_pnl"`
	RealisedPnL      float64        `json:"realised_pnl"`
	Leverage         float64        `json:"leverage"`
	Margin           float64        `json:"margin"`
	MarginRatio      float64        `json:"margin_ratio"`
	LiquidationPrice float64        `json:"liquidation_price"`
	Status           PositionStatus `json:"status"`
	OpenedAt         time.Time      `json:"opened_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// EmergencyClose instructs the order manager to flatten a position and
// cancel pending entries for a (strategy, symbol).
type EmergencyClose struct {
	SessionID     string    `json:"session_id"`
	StrategyID    string    `json:"strategy_id"`
	Symbol        string    `json:"symbol"`
	CancelPending bool      `json:"cancel_pending"`
	ClosePosition bool      `json:"close_position"`
	Timestamp     time.Time `json:"timestamp"`
}

// AlertSeverity grades operator-facing alerts.
type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "WARNING"
	SeverityCritical AlertSeverity = "CRITICAL"
)

// RiskAlert is an operator-facing operational alert.
type RiskAlert struct {
	Severity   AlertSeverity `json:"severity"`
	Message    string        `json:"message"`
	RelatedIDs []string      `json:"related_ids,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// SessionUpdate announces session lifecycle changes.
type SessionUpdate struct {
	SessionID string        `json:"session_id"`
	Status    SessionStatus `json:"status"`
	Symbols   []string      `json:"symbols"`
	Timestamp time.Time     `json:"timestamp"`
}

// MemoryPressure reports indicator engine buffer trimming.
type MemoryPressure struct {
	SessionID    string    `json:"session_id"`
	UsedBytes    int64     `json:"used_bytes"`
	BudgetBytes  int64     `json:"budget_bytes"`
	TrimmedLanes int       `json:"trimmed_lanes"`
	Timestamp    time.Time `json:"timestamp"`
}

// PersistenceDegraded reports a sink that exhausted its retry budget.
type PersistenceDegraded struct {
	Sink      string    `json:"sink"`
	Reason    string    `json:"reason"`
	Dropped   int       `json:"dropped"`
	Timestamp time.Time `json:"timestamp"`
}
