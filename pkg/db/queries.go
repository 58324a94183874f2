package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("record not found")

// Order is an order row.
type Order struct {
	ID           string
	Instrument   string
	Side         string
	Type         string
	Quantity     string
	LimitPrice   string
	StopPrice    string
	ReduceOnly   bool
	Status       string
	FilledQty    string
	AvgFillPrice string
	SubmittedAt  time.Time
}

// Fill is a fill row.
type Fill struct {
	ID         string
	OrderID    string
	Instrument string
	Side       string
	Quantity   string
	Price      string
	Fee        string
	ExecutedAt time.Time
}

// TradeEvent is one row of the trade audit trail, kind EXECUTED or CLOSED.
type TradeEvent struct {
	ID         int64
	Instrument string
	Kind       string
	Side       string
	Price      string
	Quantity   string
	PnL        string
	CreatedAt  time.Time
}

// Mismatch is one reconciliation discrepancy row.
type Mismatch struct {
	ID         int64
	Instrument string
	Field      string
	Local      string
	External   string
	CreatedAt  time.Time
}

// Queries is the audit-trail query layer.
type Queries struct {
	db *sql.DB
}

// NewQueries creates a Queries instance over an open database.
func NewQueries(d *Database) *Queries {
	return &Queries{db: d.DB}
}

// UpsertOrder inserts or replaces the order row with its latest state.
func (q *Queries) UpsertOrder(ctx context.Context, o Order) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO orders (id, instrument, side, type, quantity, limit_price, stop_price,
			reduce_only, status, filled_qty, avg_fill_price, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			filled_qty = excluded.filled_qty,
			avg_fill_price = excluded.avg_fill_price
	`, o.ID, o.Instrument, o.Side, o.Type, o.Quantity, o.LimitPrice, o.StopPrice,
		o.ReduceOnly, o.Status, o.FilledQty, o.AvgFillPrice, o.SubmittedAt)
	if err != nil {
		return fmt.Errorf("upsert order: %w", err)
	}
	return nil
}

// GetOrder returns one order row by id.
func (q *Queries) GetOrder(ctx context.Context, id string) (*Order, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, instrument, side, type, quantity, limit_price, stop_price,
			reduce_only, status, filled_qty, avg_fill_price, submitted_at
		FROM orders WHERE id = ?
	`, id)
	var o Order
	err := row.Scan(&o.ID, &o.Instrument, &o.Side, &o.Type, &o.Quantity, &o.LimitPrice,
		&o.StopPrice, &o.ReduceOnly, &o.Status, &o.FilledQty, &o.AvgFillPrice, &o.SubmittedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return &o, nil
}

// ListOrders returns the most recent orders, newest first.
func (q *Queries) ListOrders(ctx context.Context, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, instrument, side, type, quantity, limit_price, stop_price,
			reduce_only, status, filled_qty, avg_fill_price, submitted_at
		FROM orders ORDER BY submitted_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.Instrument, &o.Side, &o.Type, &o.Quantity, &o.LimitPrice,
			&o.StopPrice, &o.ReduceOnly, &o.Status, &o.FilledQty, &o.AvgFillPrice, &o.SubmittedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// InsertFill appends one fill row.
func (q *Queries) InsertFill(ctx context.Context, f Fill) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO fills (id, order_id, instrument, side, quantity, price, fee, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, f.ID, f.OrderID, f.Instrument, f.Side, f.Quantity, f.Price, f.Fee, f.ExecutedAt)
	if err != nil {
		return fmt.Errorf("insert fill: %w", err)
	}
	return nil
}

// ListFills returns the fills of one order, in execution order.
func (q *Queries) ListFills(ctx context.Context, orderID string) ([]Fill, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, order_id, instrument, side, quantity, price, fee, executed_at
		FROM fills WHERE order_id = ? ORDER BY executed_at ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list fills: %w", err)
	}
	defer rows.Close()

	var fills []Fill
	for rows.Next() {
		var f Fill
		if err := rows.Scan(&f.ID, &f.OrderID, &f.Instrument, &f.Side, &f.Quantity,
			&f.Price, &f.Fee, &f.ExecutedAt); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// InsertTradeEvent appends one trade audit row.
func (q *Queries) InsertTradeEvent(ctx context.Context, t TradeEvent) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO trade_events (instrument, kind, side, price, quantity, pnl)
		VALUES (?, ?, ?, ?, ?, ?)
	`, t.Instrument, t.Kind, t.Side, t.Price, t.Quantity, t.PnL)
	if err != nil {
		return fmt.Errorf("insert trade event: %w", err)
	}
	return nil
}

// ListTradeEvents returns the most recent trade audit rows, newest first.
func (q *Queries) ListTradeEvents(ctx context.Context, limit int) ([]TradeEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, instrument, kind, COALESCE(side, ''), price, COALESCE(quantity, ''), COALESCE(pnl, ''), created_at
		FROM trade_events ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list trade events: %w", err)
	}
	defer rows.Close()

	var out []TradeEvent
	for rows.Next() {
		var t TradeEvent
		if err := rows.Scan(&t.ID, &t.Instrument, &t.Kind, &t.Side, &t.Price,
			&t.Quantity, &t.PnL, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trade event: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// InsertHalt appends one kill-switch trip to the audit trail.
func (q *Queries) InsertHalt(ctx context.Context, reason string) error {
	if _, err := q.db.ExecContext(ctx, `INSERT INTO risk_halts (reason) VALUES (?)`, reason); err != nil {
		return fmt.Errorf("insert halt: %w", err)
	}
	return nil
}

// ListHalts returns recorded kill-switch reasons, newest first.
func (q *Queries) ListHalts(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, `SELECT reason FROM risk_halts ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list halts: %w", err)
	}
	defer rows.Close()

	var reasons []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, fmt.Errorf("scan halt: %w", err)
		}
		reasons = append(reasons, r)
	}
	return reasons, rows.Err()
}

// InsertMismatch appends one reconciliation discrepancy.
func (q *Queries) InsertMismatch(ctx context.Context, m Mismatch) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO reconciliation_reports (instrument, field, local_value, external_value)
		VALUES (?, ?, ?, ?)
	`, m.Instrument, m.Field, m.Local, m.External)
	if err != nil {
		return fmt.Errorf("insert mismatch: %w", err)
	}
	return nil
}

// ListMismatches returns recorded reconciliation discrepancies, newest first.
func (q *Queries) ListMismatches(ctx context.Context, limit int) ([]Mismatch, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, instrument, field, local_value, external_value, created_at
		FROM reconciliation_reports ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list mismatches: %w", err)
	}
	defer rows.Close()

	var out []Mismatch
	for rows.Next() {
		var m Mismatch
		if err := rows.Scan(&m.ID, &m.Instrument, &m.Field, &m.Local, &m.External, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan mismatch: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
