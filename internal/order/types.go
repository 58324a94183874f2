package order

import (
	"time"

	"github.com/shopspring/decimal"

	"papertrader/internal/traderr"
)

// Side of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Type of an order.
type Type string

const (
	TypeMarket Type = "MARKET"
	TypeLimit  Type = "LIMIT"
)

// Status is an order's lifecycle state.
type Status string

const (
	StatusNew             Status = "NEW"
	StatusSubmitted       Status = "SUBMITTED"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusCancelled       Status = "CANCELLED"
	StatusRejected        Status = "REJECTED"
)

// transitions is the complete lifecycle table. Anything not listed is an
// illegal transition; terminal states have no entries and absorb.
var transitions = map[Status][]Status{
	StatusNew:             {StatusSubmitted, StatusRejected},
	StatusSubmitted:       {StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusRejected},
	StatusPartiallyFilled: {StatusPartiallyFilled, StatusFilled, StatusCancelled},
}

// Terminal reports whether s accepts no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// CanTransition reports whether from→to is in the lifecycle table.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Order is a trading order owned exclusively by the OMS while non-terminal.
type Order struct {
	ID           string          `json:"id"`
	Instrument   string          `json:"instrument"`
	Side         Side            `json:"side"`
	Type         Type            `json:"type"`
	Quantity     decimal.Decimal `json:"quantity"`
	LimitPrice   decimal.Decimal `json:"limit_price"` // zero for market orders
	StopPrice    decimal.Decimal `json:"stop_price"`  // protective stop, audit only
	ReduceOnly   bool            `json:"reduce_only"`
	Status       Status          `json:"status"`
	FilledQty    decimal.Decimal `json:"filled_qty"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`
	SubmittedAt  time.Time       `json:"submitted_at"` // preserved across replace
}

// Remaining is the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQty)
}

// transition moves the order to a new status or fails with a state error.
// Transition attempts out of a terminal state are errors, never no-ops.
func (o *Order) transition(to Status) error {
	if o.Status.Terminal() {
		return traderr.State("order %s is %s (terminal), cannot move to %s", o.ID, o.Status, to)
	}
	if !CanTransition(o.Status, to) {
		return traderr.State("order %s cannot move %s -> %s", o.ID, o.Status, to)
	}
	o.Status = to
	return nil
}

// Fill is one confirmed execution slice of an order.
type Fill struct {
	ID         string          `json:"id"`
	OrderID    string          `json:"order_id"`
	Instrument string          `json:"instrument"`
	Side       Side            `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Fee        decimal.Decimal `json:"fee"`
	At         time.Time       `json:"at"`
}
