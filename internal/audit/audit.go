// Package audit wires the trading core's event flow into the SQLite audit
// trail. It only records; nothing in the core path waits on it.
package audit

import (
	"context"

	"go.uber.org/zap"

	"papertrader/internal/events"
	"papertrader/internal/order"
	"papertrader/internal/portfolio"
	"papertrader/pkg/db"
)

// Store adapts the query layer to the OMS persistence interface.
type Store struct {
	q   *db.Queries
	log *zap.Logger
}

// NewStore wraps q as an order.Store.
func NewStore(q *db.Queries, log *zap.Logger) *Store {
	return &Store{q: q, log: log}
}

var _ order.Store = (*Store)(nil)

func (s *Store) UpsertOrder(ctx context.Context, o order.Order) error {
	return s.q.UpsertOrder(ctx, db.Order{
		ID:           o.ID,
		Instrument:   o.Instrument,
		Side:         string(o.Side),
		Type:         string(o.Type),
		Quantity:     o.Quantity.String(),
		LimitPrice:   o.LimitPrice.String(),
		StopPrice:    o.StopPrice.String(),
		ReduceOnly:   o.ReduceOnly,
		Status:       string(o.Status),
		FilledQty:    o.FilledQty.String(),
		AvgFillPrice: o.AvgFillPrice.String(),
		SubmittedAt:  o.SubmittedAt.UTC(),
	})
}

func (s *Store) InsertFill(ctx context.Context, f order.Fill) error {
	return s.q.InsertFill(ctx, db.Fill{
		ID:         f.ID,
		OrderID:    f.OrderID,
		Instrument: f.Instrument,
		Side:       string(f.Side),
		Quantity:   f.Quantity.String(),
		Price:      f.Price.String(),
		Fee:        f.Fee.String(),
		ExecutedAt: f.At.UTC(),
	})
}

// RecordMismatches persists reconciliation discrepancies.
func (s *Store) RecordMismatches(ctx context.Context, mismatches []portfolio.Mismatch) {
	for _, m := range mismatches {
		err := s.q.InsertMismatch(ctx, db.Mismatch{
			Instrument: m.Instrument,
			Field:      "quantity",
			Local:      m.Local.String(),
			External:   m.External.String(),
		})
		if err != nil {
			s.log.Warn("mismatch persistence failed",
				zap.String("instrument", m.Instrument),
				zap.Error(err))
		}
	}
}

// Recorder subscribes to trade and halt events and appends them to the audit
// trail. Write failures are logged and dropped.
type Recorder struct {
	bus *events.Bus
	q   *db.Queries
	log *zap.Logger
}

// NewRecorder builds a recorder over the bus and query layer.
func NewRecorder(bus *events.Bus, q *db.Queries, log *zap.Logger) *Recorder {
	return &Recorder{bus: bus, q: q, log: log}
}

// Run consumes events until ctx is done.
func (r *Recorder) Run(ctx context.Context) {
	ch, unsub := r.bus.Subscribe(0,
		events.KindTradeExecuted,
		events.KindTradeClosed,
		events.KindRiskHalt,
	)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			r.record(ctx, ev)
		}
	}
}

func (r *Recorder) record(ctx context.Context, ev events.Event) {
	var err error
	switch p := ev.Payload.(type) {
	case events.TradeExecuted:
		err = r.q.InsertTradeEvent(ctx, db.TradeEvent{
			Instrument: p.Instrument,
			Kind:       "EXECUTED",
			Side:       p.Side,
			Price:      p.EntryPrice.String(),
			Quantity:   p.Quantity.String(),
		})
	case events.TradeClosed:
		err = r.q.InsertTradeEvent(ctx, db.TradeEvent{
			Instrument: p.Instrument,
			Kind:       "CLOSED",
			Price:      p.ExitPrice.String(),
			PnL:        p.PnL.String(),
		})
	case events.RiskHalt:
		err = r.q.InsertHalt(ctx, p.Reason)
	}
	if err != nil {
		r.log.Warn("audit write failed",
			zap.String("kind", string(ev.Kind)),
			zap.Error(err))
	}
}
