package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind enumerates the closed set of event kinds flowing through the core.
type Kind string

const (
	KindPriceUpdated    Kind = "PriceUpdated"
	KindSignalGenerated Kind = "SignalGenerated"
	KindOrderSubmitted  Kind = "OrderSubmitted"
	KindOrderFilled     Kind = "OrderFilled"
	KindOrderCancelled  Kind = "OrderCancelled"
	KindOrderRejected   Kind = "OrderRejected"
	KindTradeExecuted   Kind = "TradeExecuted"
	KindTradeClosed     Kind = "TradeClosed"
	KindRiskHalt        Kind = "RiskHalt"
	KindError           Kind = "Error"
)

// Kinds lists every event kind, in counter display order.
var Kinds = []Kind{
	KindPriceUpdated,
	KindSignalGenerated,
	KindOrderSubmitted,
	KindOrderFilled,
	KindOrderCancelled,
	KindOrderRejected,
	KindTradeExecuted,
	KindTradeClosed,
	KindRiskHalt,
	KindError,
}

// Event is the immutable envelope delivered to subscribers. Seq and At are
// assigned by the bus at publish time; Payload is one of the payload structs
// below, matching Kind.
type Event struct {
	ID      string
	Seq     uint64
	Kind    Kind
	At      time.Time
	Payload any
}

// PriceUpdated carries a validated, 8-decimal normalized market price.
type PriceUpdated struct {
	Instrument string
	Price      decimal.Decimal
	Volume     decimal.Decimal
	TickTime   time.Time
	Gap        bool // true when the feed detected missing ticks before this one
}

// SignalGenerated is a strategy's trade intent, pre risk validation.
type SignalGenerated struct {
	Strategy     string
	Instrument   string
	Side         string // BUY or SELL
	Price        decimal.Decimal
	StopDistance decimal.Decimal
	Confidence   decimal.Decimal
}

// OrderSubmitted is emitted by the OMS once an order is accepted into Submitted.
type OrderSubmitted struct {
	OrderID    string
	Instrument string
	Side       string
	Type       string // MARKET or LIMIT
	Quantity   decimal.Decimal
	Price      decimal.Decimal // zero for market orders
}

// OrderFilled is one fill; an order may produce several.
type OrderFilled struct {
	OrderID    string
	FillID     string
	Instrument string
	Side       string
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	Fee        decimal.Decimal
}

// OrderCancelled reports the cancellation of the remaining quantity.
type OrderCancelled struct {
	OrderID    string
	Instrument string
	Remaining  decimal.Decimal
}

// OrderRejected reports why an order (or signal) was refused.
type OrderRejected struct {
	OrderID    string
	Instrument string
	Reason     string
}

// TradeExecuted aggregates the fills that opened or extended a position.
type TradeExecuted struct {
	Instrument string
	Side       string
	EntryPrice decimal.Decimal // quantity-weighted average fill price
	Quantity   decimal.Decimal
	StopLoss   decimal.Decimal
}

// TradeClosed reports a position going flat, with the realized result.
type TradeClosed struct {
	Instrument string
	ExitPrice  decimal.Decimal
	PnL        decimal.Decimal
}

// RiskHalt signals the kill-switch tripping. Emitted exactly once per trip.
type RiskHalt struct {
	Reason string
}

// Error re-emits a per-event failure so one bad input never stalls the bus.
// RefID references the event or order that caused the failure.
type Error struct {
	RefID   string
	Kind    string
	Message string
}
