package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"dipcatcher/internal/domain"
	"dipcatcher/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements the order, threshold, symbol, and settings
// repository ports using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository opens (creating if needed) the SQLite database and verifies
// the schema.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/dipcatcher.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
	}

	// WAL mode for better concurrency between the evaluation and sweep loops.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
	}

	// The Go driver benefits from a single connection; SQLite serializes
	// writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	cfg.Logger.Info(context.Background(), "SQLite database ready", map[string]interface{}{"path": dbPath})
	return repo, nil
}

func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS orders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		status TEXT NOT NULL,
		kind TEXT NOT NULL,
		side TEXT NOT NULL,
		price REAL NOT NULL,
		quantity REAL NOT NULL,
		threshold REAL NOT NULL DEFAULT 0,
		timeframe TEXT NOT NULL DEFAULT '',
		exchange_id TEXT NOT NULL DEFAULT '',
		client_order_id TEXT NOT NULL DEFAULT '',
		is_manual INTEGER NOT NULL DEFAULT 0,
		is_limit INTEGER NOT NULL DEFAULT 0,
		leverage INTEGER NOT NULL DEFAULT 0,
		direction TEXT NOT NULL DEFAULT '',
		margin_type TEXT NOT NULL DEFAULT '',
		fees REAL NOT NULL DEFAULT 0,
		fee_asset TEXT NOT NULL DEFAULT '',
		tp_order_id TEXT NOT NULL DEFAULT '',
		sl_order_id TEXT NOT NULL DEFAULT '',
		tp_price REAL NOT NULL DEFAULT 0,
		sl_price REAL NOT NULL DEFAULT 0,
		realized_pnl REAL NOT NULL DEFAULT 0,
		unrealized_pnl REAL NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		filled_at TIMESTAMP DEFAULT NULL,
		cancelled_at TIMESTAMP DEFAULT NULL,
		cancel_reason TEXT DEFAULT NULL
	);

	CREATE TABLE IF NOT EXISTS threshold_states (
		symbol TEXT NOT NULL,
		timeframe TEXT NOT NULL,
		reference_price REAL NOT NULL,
		levels TEXT NOT NULL,
		triggered TEXT NOT NULL,
		period_start TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (symbol, timeframe)
	);

	CREATE TABLE IF NOT EXISTS symbols (
		name TEXT PRIMARY KEY,
		enabled INTEGER NOT NULL DEFAULT 1,
		invalid INTEGER NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL DEFAULT '',
		leverage INTEGER NOT NULL DEFAULT 0,
		margin_type TEXT NOT NULL DEFAULT '',
		take_profit_percent REAL NOT NULL DEFAULT 0,
		stop_loss_percent REAL NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_orders_status ON orders (status);
	CREATE INDEX IF NOT EXISTS idx_orders_symbol_status ON orders (symbol, status);
	CREATE INDEX IF NOT EXISTS idx_orders_symbol_created ON orders (symbol, created_at);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// --- OrderRepository ---

const orderColumns = `id, symbol, status, kind, side, price, quantity, threshold, timeframe,
	exchange_id, client_order_id, is_manual, is_limit, leverage, direction, margin_type,
	fees, fee_asset, tp_order_id, sl_order_id, tp_price, sl_price, realized_pnl, unrealized_pnl,
	created_at, updated_at, filled_at, cancelled_at, cancel_reason`

// CreateOrder inserts a new order and returns its assigned ID.
func (r *Repository) CreateOrder(ctx context.Context, o *domain.Order) (int64, error) {
	const query = `
	INSERT INTO orders (symbol, status, kind, side, price, quantity, threshold, timeframe,
		exchange_id, client_order_id, is_manual, is_limit, leverage, direction, margin_type,
		fees, fee_asset, tp_order_id, sl_order_id, tp_price, sl_price, realized_pnl, unrealized_pnl,
		created_at, updated_at, filled_at, cancelled_at, cancel_reason)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := r.db.ExecContext(ctx, query,
		o.Symbol, o.Status, o.Kind, o.Side, o.Price, o.Quantity, o.Threshold, o.Timeframe,
		o.ExchangeID, o.ClientOrderID, o.IsManual, o.IsLimit, o.Leverage, o.Direction, o.MarginType,
		o.Fees, o.FeeAsset, o.TakeProfitOrderID, o.StopLossOrderID, o.TakeProfitPrice, o.StopLossPrice,
		o.RealizedPnL, o.UnrealizedPnL,
		o.CreatedAt, o.UpdatedAt, nullTime(o.FilledAt), nullTime(o.CancelledAt), nullString(string(o.CancelReason)))
	if err != nil {
		return 0, fmt.Errorf("failed to insert order for symbol %s: %w", o.Symbol, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for order %s: %w", o.Symbol, err)
	}
	o.ID = id
	r.logger.Debug(ctx, "Order created", map[string]interface{}{"orderID": id, "symbol": o.Symbol})
	return id, nil
}

// UpdateOrder rewrites an existing order by ID.
func (r *Repository) UpdateOrder(ctx context.Context, o *domain.Order) error {
	const query = `
	UPDATE orders
	SET symbol = ?, status = ?, kind = ?, side = ?, price = ?, quantity = ?, threshold = ?,
	    timeframe = ?, exchange_id = ?, client_order_id = ?, is_manual = ?, is_limit = ?,
	    leverage = ?, direction = ?, margin_type = ?, fees = ?, fee_asset = ?,
	    tp_order_id = ?, sl_order_id = ?, tp_price = ?, sl_price = ?,
	    realized_pnl = ?, unrealized_pnl = ?,
	    created_at = ?, updated_at = ?, filled_at = ?, cancelled_at = ?, cancel_reason = ?
	WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		o.Symbol, o.Status, o.Kind, o.Side, o.Price, o.Quantity, o.Threshold,
		o.Timeframe, o.ExchangeID, o.ClientOrderID, o.IsManual, o.IsLimit,
		o.Leverage, o.Direction, o.MarginType, o.Fees, o.FeeAsset,
		o.TakeProfitOrderID, o.StopLossOrderID, o.TakeProfitPrice, o.StopLossPrice,
		o.RealizedPnL, o.UnrealizedPnL,
		o.CreatedAt, o.UpdatedAt, nullTime(o.FilledAt), nullTime(o.CancelledAt), nullString(string(o.CancelReason)),
		o.ID)
	if err != nil {
		return fmt.Errorf("failed to update order ID %d: %w", o.ID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for order ID %d: %w", o.ID, err)
	}
	if affected == 0 {
		return fmt.Errorf("order ID %d not found for update: %w", o.ID, ports.ErrNotFound)
	}
	return nil
}

// FindPendingOrders retrieves every order still awaiting a terminal state.
func (r *Repository) FindPendingOrders(ctx context.Context) ([]*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE status = ? ORDER BY created_at ASC`
	return r.queryOrders(ctx, query, domain.StatusPending)
}

// FindFilledBySymbol retrieves filled orders for a symbol in fill order,
// the input for position reconstruction.
func (r *Repository) FindFilledBySymbol(ctx context.Context, symbol string) ([]*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE symbol = ? AND status = ? ORDER BY filled_at ASC, id ASC`
	return r.queryOrders(ctx, query, symbol, domain.StatusFilled)
}

// FindRecentBySymbol retrieves the latest orders for a symbol, newest first.
func (r *Repository) FindRecentBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE symbol = ? ORDER BY created_at DESC, id DESC LIMIT ?`
	return r.queryOrders(ctx, query, symbol, limit)
}

// DeletePendingBySymbol removes pending order rows for a symbol. Part of the
// symbol-removal cleanup; terminal orders are kept as history.
func (r *Repository) DeletePendingBySymbol(ctx context.Context, symbol string) error {
	const query = `DELETE FROM orders WHERE symbol = ? AND status = ?`
	if _, err := r.db.ExecContext(ctx, query, symbol, domain.StatusPending); err != nil {
		return fmt.Errorf("failed to delete pending orders for symbol %s: %w", symbol, err)
	}
	return nil
}

func (r *Repository) queryOrders(ctx context.Context, query string, args ...interface{}) ([]*domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order row: %w", err)
		}
		out = append(out, o)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating order rows: %w", err)
	}
	return out, nil
}

// --- ThresholdRepository ---

// SaveThresholdState upserts the state keyed by (symbol, timeframe).
func (r *Repository) SaveThresholdState(ctx context.Context, state *domain.ThresholdState) error {
	levels, err := json.Marshal(state.Levels)
	if err != nil {
		return fmt.Errorf("failed to encode levels for %s/%s: %w", state.Symbol, state.Timeframe, err)
	}
	triggered, err := json.Marshal(state.Triggered)
	if err != nil {
		return fmt.Errorf("failed to encode triggered levels for %s/%s: %w", state.Symbol, state.Timeframe, err)
	}

	const query = `
	INSERT INTO threshold_states (symbol, timeframe, reference_price, levels, triggered, period_start, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(symbol, timeframe) DO UPDATE SET
		reference_price = excluded.reference_price,
		levels = excluded.levels,
		triggered = excluded.triggered,
		period_start = excluded.period_start,
		updated_at = excluded.updated_at`

	if _, err := r.db.ExecContext(ctx, query,
		state.Symbol, state.Timeframe, state.ReferencePrice, string(levels), string(triggered),
		state.PeriodStart, state.UpdatedAt); err != nil {
		return fmt.Errorf("failed to save threshold state for %s/%s: %w", state.Symbol, state.Timeframe, err)
	}
	return nil
}

// LoadThresholdState retrieves the state for a (symbol, timeframe) pair.
// Returns nil without error when no state exists yet.
func (r *Repository) LoadThresholdState(ctx context.Context, symbol string, tf domain.Timeframe) (*domain.ThresholdState, error) {
	const query = `
	SELECT symbol, timeframe, reference_price, levels, triggered, period_start, updated_at
	FROM threshold_states WHERE symbol = ? AND timeframe = ?`

	state, err := scanThresholdState(r.db.QueryRowContext(ctx, query, symbol, tf))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query threshold state for %s/%s: %w", symbol, tf, err)
	}
	return state, nil
}

// LoadAllThresholdStates retrieves every persisted threshold state.
func (r *Repository) LoadAllThresholdStates(ctx context.Context) ([]*domain.ThresholdState, error) {
	const query = `
	SELECT symbol, timeframe, reference_price, levels, triggered, period_start, updated_at
	FROM threshold_states ORDER BY symbol, timeframe`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query threshold states: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.ThresholdState, 0)
	for rows.Next() {
		state, err := scanThresholdState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan threshold state row: %w", err)
		}
		out = append(out, state)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating threshold state rows: %w", err)
	}
	return out, nil
}

// DeleteThresholdStates removes all timeframe states for a symbol.
func (r *Repository) DeleteThresholdStates(ctx context.Context, symbol string) error {
	const query = `DELETE FROM threshold_states WHERE symbol = ?`
	if _, err := r.db.ExecContext(ctx, query, symbol); err != nil {
		return fmt.Errorf("failed to delete threshold states for symbol %s: %w", symbol, err)
	}
	return nil
}

// --- SymbolRepository ---

// SaveSymbol upserts a symbol registry entry.
func (r *Repository) SaveSymbol(ctx context.Context, sym *domain.Symbol) error {
	const query = `
	INSERT INTO symbols (name, enabled, invalid, reason, kind, leverage, margin_type,
		take_profit_percent, stop_loss_percent, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET
		enabled = excluded.enabled,
		invalid = excluded.invalid,
		reason = excluded.reason,
		kind = excluded.kind,
		leverage = excluded.leverage,
		margin_type = excluded.margin_type,
		take_profit_percent = excluded.take_profit_percent,
		stop_loss_percent = excluded.stop_loss_percent,
		updated_at = excluded.updated_at`

	if _, err := r.db.ExecContext(ctx, query,
		sym.Name, sym.Enabled, sym.Invalid, sym.Reason, sym.Kind, sym.Leverage, sym.MarginType,
		sym.TakeProfitPercent, sym.StopLossPercent, sym.CreatedAt, sym.UpdatedAt); err != nil {
		return fmt.Errorf("failed to save symbol %s: %w", sym.Name, err)
	}
	return nil
}

// LoadSymbols retrieves the full symbol registry.
func (r *Repository) LoadSymbols(ctx context.Context) ([]*domain.Symbol, error) {
	const query = `
	SELECT name, enabled, invalid, reason, kind, leverage, margin_type,
	       take_profit_percent, stop_loss_percent, created_at, updated_at
	FROM symbols ORDER BY name`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query symbols: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.Symbol, 0)
	for rows.Next() {
		sym := &domain.Symbol{}
		var kind, margin string
		if err := rows.Scan(&sym.Name, &sym.Enabled, &sym.Invalid, &sym.Reason, &kind, &sym.Leverage,
			&margin, &sym.TakeProfitPercent, &sym.StopLossPercent, &sym.CreatedAt, &sym.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan symbol row: %w", err)
		}
		sym.Kind = domain.OrderKind(kind)
		sym.MarginType = domain.MarginType(margin)
		out = append(out, sym)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating symbol rows: %w", err)
	}
	return out, nil
}

// DeleteSymbol removes a symbol registry entry.
func (r *Repository) DeleteSymbol(ctx context.Context, name string) error {
	const query = `DELETE FROM symbols WHERE name = ?`
	if _, err := r.db.ExecContext(ctx, query, name); err != nil {
		return fmt.Errorf("failed to delete symbol %s: %w", name, err)
	}
	return nil
}

// --- SettingsRepository ---

// SaveSetting upserts a key/value pair.
func (r *Repository) SaveSetting(ctx context.Context, key, value string) error {
	const query = `
	INSERT INTO settings (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if _, err := r.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to save setting %q: %w", key, err)
	}
	return nil
}

// LoadSetting retrieves a value by key; ok is false when the key is absent.
func (r *Repository) LoadSetting(ctx context.Context, key string) (string, bool, error) {
	const query = `SELECT value FROM settings WHERE key = ?`
	var value string
	err := r.db.QueryRowContext(ctx, query, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to query setting %q: %w", key, err)
	}
	return value, true, nil
}

// --- Helper scan functions ---

// scanner is compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(s scanner) (*domain.Order, error) {
	o := &domain.Order{}
	var status, kind, side, timeframe, direction, margin string
	var filledAt, cancelledAt sql.NullTime
	var cancelReason sql.NullString
	err := s.Scan(
		&o.ID, &o.Symbol, &status, &kind, &side, &o.Price, &o.Quantity, &o.Threshold, &timeframe,
		&o.ExchangeID, &o.ClientOrderID, &o.IsManual, &o.IsLimit, &o.Leverage, &direction, &margin,
		&o.Fees, &o.FeeAsset, &o.TakeProfitOrderID, &o.StopLossOrderID, &o.TakeProfitPrice, &o.StopLossPrice,
		&o.RealizedPnL, &o.UnrealizedPnL,
		&o.CreatedAt, &o.UpdatedAt, &filledAt, &cancelledAt, &cancelReason)
	if err != nil {
		return nil, err
	}
	o.Status = domain.OrderStatus(status)
	o.Kind = domain.OrderKind(kind)
	o.Side = domain.OrderSide(side)
	o.Timeframe = domain.Timeframe(timeframe)
	o.Direction = domain.TradeDirection(direction)
	o.MarginType = domain.MarginType(margin)
	if filledAt.Valid {
		o.FilledAt = filledAt.Time
	}
	if cancelledAt.Valid {
		o.CancelledAt = cancelledAt.Time
	}
	if cancelReason.Valid {
		o.CancelReason = domain.CancelReason(cancelReason.String)
	}
	return o, nil
}

func scanThresholdState(s scanner) (*domain.ThresholdState, error) {
	state := &domain.ThresholdState{}
	var tf, levels, triggered string
	err := s.Scan(&state.Symbol, &tf, &state.ReferencePrice, &levels, &triggered,
		&state.PeriodStart, &state.UpdatedAt)
	if err != nil {
		return nil, err
	}
	state.Timeframe = domain.Timeframe(tf)
	if err := json.Unmarshal([]byte(levels), &state.Levels); err != nil {
		return nil, fmt.Errorf("corrupt levels for %s/%s: %w", state.Symbol, tf, err)
	}
	if err := json.Unmarshal([]byte(triggered), &state.Triggered); err != nil {
		return nil, fmt.Errorf("corrupt triggered levels for %s/%s: %w", state.Symbol, tf, err)
	}
	return state, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
