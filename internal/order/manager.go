package order

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"papertrader/internal/events"
	"papertrader/internal/traderr"
	"papertrader/pkg/clock"
)

var (
	ErrDuplicateOrder = errors.New("order id already exists")
	ErrUnknownOrder   = errors.New("order not found")
	ErrStopped        = errors.New("order manager stopped")
)

// Store persists orders and fills for audit. Persistence failures are
// logged, never fatal; the in-memory book stays authoritative.
type Store interface {
	UpsertOrder(ctx context.Context, o Order) error
	InsertFill(ctx context.Context, f Fill) error
}

// Manager owns the order lifecycle and the deterministic fill simulation.
//
// One loop consumes commands and price events in arrival order, so state
// needs no internal locking beyond the snapshot mutex for API reads, and
// per-instrument events are processed in strict submission order. When a
// cancel overlaps an in-flight fill for the same order, the fill is applied
// first and the cancel sees only the remaining quantity; the outcome depends
// on arrival order alone, never wall-clock timing.
type Manager struct {
	bus   *events.Bus
	clock clock.Clock
	log   *zap.Logger
	sim   *Simulator
	store Store

	mu     sync.RWMutex
	orders map[string]*Order
	fills  map[string][]Fill
	marks  map[string]decimal.Decimal

	cmds chan command
	done chan struct{}
}

type cmdKind int

const (
	cmdSubmit cmdKind = iota
	cmdCancel
	cmdReplace
)

type command struct {
	kind    cmdKind
	order   Order
	orderID string
	newID   string
	qty     decimal.Decimal
	price   decimal.Decimal
	resp    chan cmdResult
}

type cmdResult struct {
	order Order
	err   error
}

// NewManager creates an OMS. store may be nil to disable persistence.
func NewManager(bus *events.Bus, clk clock.Clock, log *zap.Logger, sim *Simulator, store Store) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Manager{
		bus:    bus,
		clock:  clk,
		log:    log,
		sim:    sim,
		store:  store,
		orders: make(map[string]*Order),
		fills:  make(map[string][]Fill),
		marks:  make(map[string]decimal.Decimal),
		cmds:   make(chan command, 128),
		done:   make(chan struct{}),
	}
}

// Run is the single consumer loop. It returns when ctx is done.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.done)
	prices, unsub := m.bus.Subscribe(0, events.KindPriceUpdated)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-m.cmds:
			m.handle(ctx, cmd)
		case ev, ok := <-prices:
			if !ok {
				return
			}
			if tick, ok := ev.Payload.(events.PriceUpdated); ok {
				m.onPrice(ctx, tick)
			}
		}
	}
}

// Submit places a new order. The order id is caller-assigned and must be
// unique; resubmitting a known id is rejected as a duplicate, never
// double-executed.
func (m *Manager) Submit(o Order) (Order, error) {
	return m.send(command{kind: cmdSubmit, order: o})
}

// Cancel cancels the remaining quantity of a non-terminal order.
func (m *Manager) Cancel(orderID string) (Order, error) {
	return m.send(command{kind: cmdCancel, orderID: orderID})
}

// Replace atomically cancels orderID and resubmits it as newID with the new
// quantity and price, preserving the original submission timestamp for
// ordering and audit.
func (m *Manager) Replace(orderID, newID string, qty, price decimal.Decimal) (Order, error) {
	return m.send(command{kind: cmdReplace, orderID: orderID, newID: newID, qty: qty, price: price})
}

func (m *Manager) send(cmd command) (Order, error) {
	cmd.resp = make(chan cmdResult, 1)
	select {
	case m.cmds <- cmd:
	case <-m.done:
		return Order{}, ErrStopped
	}
	select {
	case r := <-cmd.resp:
		return r.order, r.err
	case <-m.done:
		return Order{}, ErrStopped
	}
}

func (m *Manager) handle(ctx context.Context, cmd command) {
	var r cmdResult
	switch cmd.kind {
	case cmdSubmit:
		r.order, r.err = m.submit(ctx, cmd.order)
	case cmdCancel:
		r.order, r.err = m.cancel(ctx, cmd.orderID)
	case cmdReplace:
		r.order, r.err = m.replace(ctx, cmd)
	}
	cmd.resp <- r
}

func (m *Manager) submit(ctx context.Context, o Order) (Order, error) {
	if o.ID == "" {
		return Order{}, traderr.Validation("order id is empty")
	}

	m.mu.RLock()
	_, exists := m.orders[o.ID]
	m.mu.RUnlock()
	if exists {
		m.bus.Publish(events.KindOrderRejected, events.OrderRejected{
			OrderID:    o.ID,
			Instrument: o.Instrument,
			Reason:     "duplicate order id",
		})
		return Order{}, ErrDuplicateOrder
	}

	o.Status = StatusNew
	o.FilledQty = decimal.Zero
	o.AvgFillPrice = decimal.Zero
	if o.SubmittedAt.IsZero() {
		o.SubmittedAt = m.clock.Now()
	}

	if err := m.validate(&o); err != nil {
		o.Status = StatusRejected
		m.put(&o)
		m.persistOrder(ctx, o)
		m.bus.Publish(events.KindOrderRejected, events.OrderRejected{
			OrderID:    o.ID,
			Instrument: o.Instrument,
			Reason:     err.Error(),
		})
		return o, err
	}

	o.Status = StatusSubmitted
	m.put(&o)
	m.persistOrder(ctx, o)
	m.bus.Publish(events.KindOrderSubmitted, events.OrderSubmitted{
		OrderID:    o.ID,
		Instrument: o.Instrument,
		Side:       string(o.Side),
		Type:       string(o.Type),
		Quantity:   o.Quantity,
		Price:      o.LimitPrice,
	})

	stored := m.get(o.ID)
	switch o.Type {
	case TypeMarket:
		m.applyFills(ctx, stored, m.sim.MarketFills(stored, m.mark(o.Instrument)))
	case TypeLimit:
		if m.sim.LimitCrossed(stored, m.mark(o.Instrument)) {
			m.applyFills(ctx, stored, m.sim.LimitFills(stored))
		}
	}
	return *stored, nil
}

func (m *Manager) validate(o *Order) error {
	if o.Side != SideBuy && o.Side != SideSell {
		return traderr.Validation("invalid order side %q", o.Side)
	}
	if !o.Quantity.IsPositive() {
		return traderr.Validation("order quantity must be positive, got %s", o.Quantity)
	}
	switch o.Type {
	case TypeMarket:
		if m.mark(o.Instrument).IsZero() {
			return traderr.Validation("no mark price for %s", o.Instrument)
		}
	case TypeLimit:
		if !o.LimitPrice.IsPositive() {
			return traderr.Validation("limit order requires a positive price, got %s", o.LimitPrice)
		}
	default:
		return traderr.Validation("invalid order type %q", o.Type)
	}
	return nil
}

func (m *Manager) cancel(ctx context.Context, orderID string) (Order, error) {
	o := m.get(orderID)
	if o == nil {
		return Order{}, ErrUnknownOrder
	}

	remaining := o.Remaining()
	m.mu.Lock()
	err := o.transition(StatusCancelled)
	m.mu.Unlock()
	if err != nil {
		return *o, err
	}

	m.persistOrder(ctx, *o)
	m.bus.Publish(events.KindOrderCancelled, events.OrderCancelled{
		OrderID:    o.ID,
		Instrument: o.Instrument,
		Remaining:  remaining,
	})
	return *o, nil
}

func (m *Manager) replace(ctx context.Context, cmd command) (Order, error) {
	o := m.get(cmd.orderID)
	if o == nil {
		return Order{}, ErrUnknownOrder
	}
	if o.Status.Terminal() {
		return *o, traderr.State("order %s is %s (terminal), cannot replace", o.ID, o.Status)
	}
	newID := cmd.newID
	if newID == "" {
		return *o, traderr.Validation("replacement order id is empty")
	}

	repl := Order{
		ID:          newID,
		Instrument:  o.Instrument,
		Side:        o.Side,
		Type:        o.Type,
		Quantity:    cmd.qty,
		LimitPrice:  cmd.price,
		StopPrice:   o.StopPrice,
		ReduceOnly:  o.ReduceOnly,
		SubmittedAt: o.SubmittedAt, // original timestamp survives the replace
	}

	// The cancel-then-resubmit pair must be atomic: a replacement that would
	// be rejected must leave the original order untouched, so it is checked
	// in full before the cancel runs.
	m.mu.RLock()
	_, exists := m.orders[newID]
	m.mu.RUnlock()
	if exists {
		return *o, ErrDuplicateOrder
	}
	if err := m.validate(&repl); err != nil {
		return *o, err
	}

	if _, err := m.cancel(ctx, cmd.orderID); err != nil {
		return *o, err
	}
	return m.submit(ctx, repl)
}

// onPrice records the mark and wakes any resting limit orders for the
// instrument, in submission order.
func (m *Manager) onPrice(ctx context.Context, tick events.PriceUpdated) {
	m.mu.Lock()
	m.marks[tick.Instrument] = tick.Price
	resting := make([]*Order, 0, 4)
	for _, o := range m.orders {
		if o.Instrument == tick.Instrument && o.Type == TypeLimit && !o.Status.Terminal() {
			resting = append(resting, o)
		}
	}
	m.mu.Unlock()

	sort.Slice(resting, func(i, j int) bool {
		return resting[i].SubmittedAt.Before(resting[j].SubmittedAt)
	})
	for _, o := range resting {
		if m.sim.LimitCrossed(o, tick.Price) {
			m.applyFills(ctx, o, m.sim.LimitFills(o))
		}
	}
}

// applyFills applies simulated fills to the order, publishes one OrderFilled
// per fill, and emits TradeExecuted once an opening order completes.
func (m *Manager) applyFills(ctx context.Context, o *Order, fills []Fill) {
	if len(fills) == 0 {
		return
	}

	m.mu.Lock()
	for _, f := range fills {
		prevQty := o.FilledQty
		o.FilledQty = o.FilledQty.Add(f.Quantity)
		o.AvgFillPrice = o.AvgFillPrice.Mul(prevQty).
			Add(f.Price.Mul(f.Quantity)).
			Div(o.FilledQty).
			Round(fillScale)
		m.fills[o.ID] = append(m.fills[o.ID], f)
	}
	target := StatusPartiallyFilled
	if o.FilledQty.GreaterThanOrEqual(o.Quantity) {
		target = StatusFilled
	}
	err := o.transition(target)
	m.mu.Unlock()
	if err != nil {
		// Fills were computed against a live order; reaching here means the
		// lifecycle table itself is broken.
		m.log.Fatal("order lifecycle invariant violated", zap.String("order", o.ID), zap.Error(err))
		return
	}

	for _, f := range fills {
		m.persistFill(ctx, f)
		m.bus.Publish(events.KindOrderFilled, events.OrderFilled{
			OrderID:    f.OrderID,
			FillID:     f.ID,
			Instrument: f.Instrument,
			Side:       string(f.Side),
			Quantity:   f.Quantity,
			Price:      f.Price,
			Fee:        f.Fee,
		})
	}
	m.persistOrder(ctx, *o)

	if o.Status == StatusFilled && !o.ReduceOnly {
		m.bus.Publish(events.KindTradeExecuted, events.TradeExecuted{
			Instrument: o.Instrument,
			Side:       string(o.Side),
			EntryPrice: o.AvgFillPrice,
			Quantity:   o.FilledQty,
			StopLoss:   o.StopPrice,
		})
	}
}

func (m *Manager) persistOrder(ctx context.Context, o Order) {
	if m.store == nil {
		return
	}
	if err := m.store.UpsertOrder(ctx, o); err != nil {
		m.log.Warn("order persistence failed", zap.String("order", o.ID), zap.Error(err))
	}
}

func (m *Manager) persistFill(ctx context.Context, f Fill) {
	if m.store == nil {
		return
	}
	if err := m.store.InsertFill(ctx, f); err != nil {
		m.log.Warn("fill persistence failed", zap.String("fill", f.ID), zap.Error(err))
	}
}

func (m *Manager) put(o *Order) {
	m.mu.Lock()
	m.orders[o.ID] = o
	m.mu.Unlock()
}

func (m *Manager) get(id string) *Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.orders[id]
}

func (m *Manager) mark(instrument string) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.marks[instrument]
}

// Order returns a copy of the order, if known.
func (m *Manager) Order(id string) (Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// Orders returns copies of all known orders, newest submission first.
func (m *Manager) Orders() []Order {
	m.mu.RLock()
	out := make([]Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, *o)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].SubmittedAt.After(out[j].SubmittedAt)
	})
	return out
}

// Fills returns the fills recorded for an order, in execution order.
func (m *Manager) Fills(orderID string) []Fill {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Fill(nil), m.fills[orderID]...)
}

// Mark returns the last known mark price for an instrument.
func (m *Manager) Mark(instrument string) decimal.Decimal {
	return m.mark(instrument)
}

// SetMark seeds a mark price directly. Startup and test helper.
func (m *Manager) SetMark(instrument string, price decimal.Decimal) {
	m.mu.Lock()
	m.marks[instrument] = price
	m.mu.Unlock()
}
