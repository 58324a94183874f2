package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"papertrader/internal/events"
	"papertrader/internal/order"
	"papertrader/internal/traderr"
	"papertrader/pkg/clock"
)

// Submitter places validated orders. Satisfied by *order.Manager.
type Submitter interface {
	Submit(o order.Order) (order.Order, error)
}

// Position is the engine's own view of one open position. The engine
// keeps its book from TradeExecuted/TradeClosed events rather than reading
// the portfolio's memory, so the two components never share state.
type Position struct {
	Instrument string          `json:"instrument"`
	Quantity   decimal.Decimal `json:"quantity"` // signed, long positive
	Entry      decimal.Decimal `json:"entry"`
	Stop       decimal.Decimal `json:"stop"` // zero when no protective stop
	Mark       decimal.Decimal `json:"mark"`
}

// Engine is the pre-trade gate and kill-switch. Every strategy signal passes
// its checks in a fixed order before an order may reach the OMS; a breach of
// the daily-loss or drawdown limit trips the halt, which only an operator can
// clear.
type Engine struct {
	bus       *events.Bus
	clock     clock.Clock
	log       *zap.Logger
	profile   Profile
	submitter Submitter
	whitelist map[string]bool

	mu         sync.RWMutex
	halted     bool
	haltReason string
	balance    decimal.Decimal // realized, fee-net
	dayStart   decimal.Decimal // equity at the start of the current UTC day
	day        time.Time
	peak       decimal.Decimal // equity high-water mark
	positions  map[string]*Position
}

// NewEngine builds a running (not halted) engine. instruments is the
// whitelist; signals for anything else are rejected. The profile must have
// been validated at load time.
func NewEngine(bus *events.Bus, clk clock.Clock, log *zap.Logger, profile Profile, submitter Submitter, initialBalance decimal.Decimal, instruments []string) (*Engine, error) {
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	if !initialBalance.IsPositive() {
		return nil, traderr.FatalConfig("initial balance must be positive, got %s", initialBalance)
	}
	if clk == nil {
		clk = clock.Real{}
	}
	wl := make(map[string]bool, len(instruments))
	for _, ins := range instruments {
		wl[ins] = true
	}
	now := clk.Now().UTC()
	return &Engine{
		bus:       bus,
		clock:     clk,
		log:       log,
		profile:   profile,
		submitter: submitter,
		whitelist: wl,
		balance:   initialBalance,
		dayStart:  initialBalance,
		day:       now.Truncate(24 * time.Hour),
		peak:      initialBalance,
		positions: make(map[string]*Position),
	}, nil
}

// Run consumes signals, prices and trade events until ctx is done. All state
// changes and the halt decision happen inside this loop.
func (e *Engine) Run(ctx context.Context) {
	ch, unsub := e.bus.Subscribe(0,
		events.KindSignalGenerated,
		events.KindPriceUpdated,
		events.KindTradeExecuted,
		events.KindTradeClosed,
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
			switch p := ev.Payload.(type) {
			case events.SignalGenerated:
				e.onSignal(ev.ID, p)
			case events.PriceUpdated:
				e.onPrice(p)
			case events.TradeExecuted:
				e.onTradeExecuted(p)
			case events.TradeClosed:
				e.onTradeClosed(p)
			}
		}
	}
}

// onSignal runs the pre-trade pipeline in fixed order and short-circuits on
// the first failure. Nothing reaches the OMS unless every check passes.
func (e *Engine) onSignal(refID string, sig events.SignalGenerated) {
	e.mu.Lock()
	defer e.mu.Unlock()

	reject := func(err error) {
		e.log.Warn("signal rejected",
			zap.String("instrument", sig.Instrument),
			zap.String("side", sig.Side),
			zap.String("kind", string(traderr.KindOf(err))),
			zap.Error(err))
		e.bus.Publish(events.KindOrderRejected, events.OrderRejected{
			OrderID:    refID,
			Instrument: sig.Instrument,
			Reason:     err.Error(),
		})
	}

	if e.halted {
		reject(traderr.RiskLimit("risk engine halted: %s", e.haltReason))
		return
	}
	if !e.whitelist[sig.Instrument] {
		reject(traderr.RiskLimit("instrument not whitelisted: %s", sig.Instrument))
		return
	}
	if sig.Side != string(order.SideBuy) && sig.Side != string(order.SideSell) {
		reject(traderr.Validation("invalid signal side: %s", sig.Side))
		return
	}

	equity := e.equityLocked()
	size, err := Size(equity, e.profile.RiskPerTrade, sig.StopDistance, sig.Price, e.profile.LeverageCap)
	if err != nil {
		reject(err)
		return
	}
	if !size.IsPositive() {
		reject(traderr.Validation("computed size is zero"))
		return
	}

	notional := size.Mul(sig.Price)
	if e.exposureLocked().Add(notional).GreaterThan(equity.Mul(e.profile.LeverageCap)) {
		reject(traderr.RiskLimit("leverage cap %sx exceeded", e.profile.LeverageCap))
		return
	}
	if _, open := e.positions[sig.Instrument]; !open && len(e.positions) >= e.profile.MaxOpenPositions {
		reject(traderr.RiskLimit("max open positions reached (%d)", e.profile.MaxOpenPositions))
		return
	}
	if notional.GreaterThan(equity.Mul(e.profile.MaxPositionSize).Div(hundred)) {
		reject(traderr.RiskLimit("position notional %s above %s%% of equity", notional, e.profile.MaxPositionSize))
		return
	}
	if reason, breached := e.dailyLossBreachedLocked(equity); breached {
		e.tripHaltLocked(reason)
		reject(traderr.RiskLimit("%s", reason))
		return
	}
	if reason, breached := e.drawdownBreachedLocked(equity); breached {
		e.tripHaltLocked(reason)
		reject(traderr.RiskLimit("%s", reason))
		return
	}

	long := sig.Side == string(order.SideBuy)
	stop, err := StopPrice(sig.Price, sig.StopDistance, long)
	if err != nil {
		reject(err)
		return
	}

	o := order.Order{
		ID:         uuid.NewString(),
		Instrument: sig.Instrument,
		Side:       order.Side(sig.Side),
		Type:       order.TypeMarket,
		Quantity:   size,
		StopPrice:  stop,
	}
	e.log.Info("signal approved",
		zap.String("instrument", o.Instrument),
		zap.String("side", string(o.Side)),
		zap.String("size", size.String()),
		zap.String("stop", stop.String()))
	if _, err := e.submitter.Submit(o); err != nil {
		e.bus.Publish(events.KindError, events.Error{
			RefID:   o.ID,
			Kind:    string(traderr.KindOf(err)),
			Message: "order submission failed: " + err.Error(),
		})
	}
}

// onPrice marks the book, fires protective stops and re-evaluates the halt
// limits. The halt decision is synchronous; it never waits on the bus.
func (e *Engine) onPrice(tick events.PriceUpdated) {
	e.mu.Lock()

	e.rollDayLocked()
	var stopped *Position
	var stopPrice decimal.Decimal
	if pos, ok := e.positions[tick.Instrument]; ok {
		pos.Mark = tick.Price
		if e.stopHitLocked(pos, tick.Price) {
			stopPrice = pos.Stop
			// Disarm so later ticks cannot fire a second close while the
			// reduce-only order is in flight.
			pos.Stop = decimal.Zero
			stopped = pos
		}
	}
	equity := e.equityLocked()
	if equity.GreaterThan(e.peak) {
		e.peak = equity
	}
	var haltReason string
	if reason, breached := e.dailyLossBreachedLocked(equity); breached {
		haltReason = reason
	} else if reason, breached := e.drawdownBreachedLocked(equity); breached {
		haltReason = reason
	}
	if haltReason != "" {
		e.tripHaltLocked(haltReason)
		stopped = nil // tripHalt already liquidated everything
	}
	e.mu.Unlock()

	if stopped != nil {
		e.log.Info("protective stop hit",
			zap.String("instrument", stopped.Instrument),
			zap.String("stop", stopPrice.String()),
			zap.String("price", tick.Price.String()))
		e.closePosition(stopped)
	}
}

func (e *Engine) stopHitLocked(pos *Position, price decimal.Decimal) bool {
	if pos.Stop.IsZero() {
		return false
	}
	if pos.Quantity.IsPositive() {
		return price.LessThanOrEqual(pos.Stop)
	}
	return price.GreaterThanOrEqual(pos.Stop)
}

func (e *Engine) onTradeExecuted(tr events.TradeExecuted) {
	e.mu.Lock()
	defer e.mu.Unlock()

	signed := tr.Quantity
	if tr.Side == string(order.SideSell) {
		signed = signed.Neg()
	}
	pos, ok := e.positions[tr.Instrument]
	if !ok {
		e.positions[tr.Instrument] = &Position{
			Instrument: tr.Instrument,
			Quantity:   signed,
			Entry:      tr.EntryPrice,
			Stop:       tr.StopLoss,
			Mark:       tr.EntryPrice,
		}
		return
	}
	newQty := pos.Quantity.Add(signed)
	if newQty.IsZero() {
		delete(e.positions, tr.Instrument)
		return
	}
	if pos.Quantity.Sign() == signed.Sign() {
		pos.Entry = pos.Entry.Mul(pos.Quantity.Abs()).
			Add(tr.EntryPrice.Mul(signed.Abs())).
			Div(newQty.Abs()).
			Round(sizeScale)
		if !tr.StopLoss.IsZero() {
			pos.Stop = tr.StopLoss
		}
	}
	pos.Quantity = newQty
	pos.Mark = tr.EntryPrice
}

func (e *Engine) onTradeClosed(tr events.TradeClosed) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.balance = e.balance.Add(tr.PnL)
	delete(e.positions, tr.Instrument)

	equity := e.equityLocked()
	if equity.GreaterThan(e.peak) {
		e.peak = equity
	}
	if reason, breached := e.dailyLossBreachedLocked(equity); breached {
		e.tripHaltLocked(reason)
	} else if reason, breached := e.drawdownBreachedLocked(equity); breached {
		e.tripHaltLocked(reason)
	}
}

// rollDayLocked re-baselines the daily-loss reference at each UTC day change.
func (e *Engine) rollDayLocked() {
	today := e.clock.Now().UTC().Truncate(24 * time.Hour)
	if today.After(e.day) {
		e.day = today
		e.dayStart = e.equityLocked()
	}
}

func (e *Engine) dailyLossBreachedLocked(equity decimal.Decimal) (string, bool) {
	loss := e.dayStart.Sub(equity)
	limit := e.dayStart.Mul(e.profile.DailyLossLimit).Div(hundred)
	if loss.GreaterThanOrEqual(limit) {
		return fmt.Sprintf("daily loss %s reached %s%% limit", loss, e.profile.DailyLossLimit), true
	}
	return "", false
}

func (e *Engine) drawdownBreachedLocked(equity decimal.Decimal) (string, bool) {
	dd := e.peak.Sub(equity)
	limit := e.peak.Mul(e.profile.MaxDrawdown).Div(hundred)
	if dd.GreaterThanOrEqual(limit) {
		return fmt.Sprintf("drawdown %s from peak reached %s%% limit", dd, e.profile.MaxDrawdown), true
	}
	return "", false
}

// tripHaltLocked is the one-way kill switch. Idempotent: a second breach
// while already halted publishes nothing.
func (e *Engine) tripHaltLocked(reason string) {
	if e.halted {
		return
	}
	e.halted = true
	e.haltReason = reason
	e.log.Error("risk halt tripped", zap.String("reason", reason))
	e.bus.Publish(events.KindRiskHalt, events.RiskHalt{Reason: reason})

	open := make([]*Position, 0, len(e.positions))
	for _, pos := range e.positions {
		open = append(open, pos)
	}
	// Positions are closed through the OMS like any other order; the book
	// shrinks as TradeClosed events come back.
	for _, pos := range open {
		e.closePosition(pos)
	}
}

// closePosition sends a reduce-only market order for the full quantity.
func (e *Engine) closePosition(pos *Position) {
	side := order.SideSell
	if pos.Quantity.IsNegative() {
		side = order.SideBuy
	}
	o := order.Order{
		ID:         uuid.NewString(),
		Instrument: pos.Instrument,
		Side:       side,
		Type:       order.TypeMarket,
		Quantity:   pos.Quantity.Abs(),
		ReduceOnly: true,
	}
	if _, err := e.submitter.Submit(o); err != nil {
		e.log.Error("liquidation order failed",
			zap.String("instrument", pos.Instrument),
			zap.Error(err))
		e.bus.Publish(events.KindError, events.Error{
			RefID:   o.ID,
			Kind:    string(traderr.KindOf(err)),
			Message: "liquidation failed: " + err.Error(),
		})
	}
}

func (e *Engine) equityLocked() decimal.Decimal {
	equity := e.balance
	for _, pos := range e.positions {
		equity = equity.Add(pos.Mark.Sub(pos.Entry).Mul(pos.Quantity))
	}
	return equity
}

func (e *Engine) exposureLocked() decimal.Decimal {
	var total decimal.Decimal
	for _, pos := range e.positions {
		total = total.Add(pos.Mark.Mul(pos.Quantity.Abs()))
	}
	return total
}

// Reset clears the halt. Operator action only; the daily-loss and drawdown
// references re-baseline to current equity so the engine does not re-trip on
// the next tick.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.halted {
		return
	}
	e.halted = false
	e.haltReason = ""
	equity := e.equityLocked()
	e.dayStart = equity
	e.peak = equity
	e.day = e.clock.Now().UTC().Truncate(24 * time.Hour)
	e.log.Warn("risk halt cleared by operator", zap.String("equity", equity.String()))
}

// Halted reports the kill-switch state and, when halted, the trip reason.
func (e *Engine) Halted() (bool, string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.halted, e.haltReason
}

// Profile returns the active risk profile.
func (e *Engine) Profile() Profile {
	return e.profile
}

// Equity is realized balance plus unrealized PnL of the engine's book.
func (e *Engine) Equity() decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.equityLocked()
}

// Balance is the realized, fee-net account balance.
func (e *Engine) Balance() decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.balance
}

// Positions returns a copy of the engine's open-position book.
func (e *Engine) Positions() []Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Position, 0, len(e.positions))
	for _, pos := range e.positions {
		out = append(out, *pos)
	}
	return out
}
