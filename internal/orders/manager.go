package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	"dipcatcher/internal/domain"
	"dipcatcher/internal/ports"
	"dipcatcher/internal/risk"
)

const (
	maxPlacementAttempts = 4
	defaultFeeRate       = 0.001 // Flat taker/maker estimate
)

// ManagerConfig holds dependencies and settings for the order lifecycle
// manager.
type ManagerConfig struct {
	Logger   ports.Logger
	Exchange ports.ExchangeClient
	Repo     ports.OrderRepository
	Settings ports.SettingsRepository
	Guard    *risk.Guard
	Notifier ports.Notifier

	BaseCurrency       string
	OrderAmount        float64 // Fixed quote amount per order
	OrderAmountPercent float64 // Percent of free balance; 0 uses OrderAmount
	UseLimitOrders     bool
	CancelWindow       time.Duration // Pending limit orders older than this are swept
	OnlyLowerEntries   bool

	TPSLEnabled       bool
	TakeProfitPercent float64
	StopLossPercent   float64
	PartialTPLevels   []domain.PartialTPLevel
	Trailing          domain.TrailingParams

	FuturesEnabled bool
	Leverage       int
	MarginType     domain.MarginType

	FeeRate float64 // 0 uses defaultFeeRate
	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

// Manager owns the full order lifecycle: placement in response to trigger
// events, stale-limit sweeping, fill reconciliation against the exchange,
// the derived position aggregate per symbol, and exit management (fixed
// TP/SL, partial take-profit ladder, trailing stop).
//
// Terminal order states reported by the exchange are authoritative: a local
// cancel is only recorded after the exchange confirms the order did not fill.
//
// State is sharded per symbol. Each symbol's book carries its own mutex and
// all work for that symbol, exchange calls and backoff sleeps included, runs
// under it. Work for different symbols proceeds in parallel; the manager's
// own mutex guards only the book index and the runtime settings and is never
// held across an exchange call.
type Manager struct {
	cfg      ManagerConfig
	logger   ports.Logger
	exchange ports.ExchangeClient
	repo     ports.OrderRepository
	guard    *risk.Guard
	notifier ports.Notifier
	now      func() time.Time

	mu        sync.Mutex
	symbols   map[string]*symbolBook
	onlyLower bool    // Runtime-togglable copy of cfg.OnlyLowerEntries
	tpsl      bool    // Runtime-togglable copy of cfg.TPSLEnabled
	tpPct     float64 // Runtime-togglable copy of cfg.TakeProfitPercent
	slPct     float64 // Runtime-togglable copy of cfg.StopLossPercent
}

// symbolBook is one symbol's lifecycle state: its pending orders, its open
// position aggregate, and its exit bookkeeping.
type symbolBook struct {
	mu      sync.Mutex
	pending map[int64]*domain.Order // By DB ID
	pos     *domain.Position        // nil while flat
	exits   *exitState              // nil when no exit bookkeeping
}

func (b *symbolBook) ensureExits() *exitState {
	if b.exits == nil {
		b.exits = &exitState{}
	}
	return b.exits
}

// NewManager creates an order lifecycle manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Logger == nil || cfg.Exchange == nil || cfg.Repo == nil || cfg.Guard == nil {
		return nil, fmt.Errorf("missing required dependencies for order manager")
	}
	if cfg.OrderAmountPercent == 0 && cfg.OrderAmount <= 0 {
		return nil, fmt.Errorf("order sizing configuration invalid: need fixed amount or percent")
	}
	if cfg.CancelWindow <= 0 {
		cfg.CancelWindow = 8 * time.Hour
	}
	if cfg.FeeRate == 0 {
		cfg.FeeRate = defaultFeeRate
	}
	if cfg.Notifier == nil {
		cfg.Notifier = ports.NopNotifier{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		cfg:       cfg,
		logger:    cfg.Logger,
		exchange:  cfg.Exchange,
		repo:      cfg.Repo,
		guard:     cfg.Guard,
		notifier:  cfg.Notifier,
		now:       now,
		symbols:   make(map[string]*symbolBook),
		onlyLower: cfg.OnlyLowerEntries,
		tpsl:      cfg.TPSLEnabled,
		tpPct:     cfg.TakeProfitPercent,
		slPct:     cfg.StopLossPercent,
	}, nil
}

// book returns the symbol's book, creating it on first use.
func (m *Manager) book(symbol string) *symbolBook {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.symbols[symbol]
	if !ok {
		b = &symbolBook{pending: make(map[int64]*domain.Order)}
		m.symbols[symbol] = b
	}
	return b
}

// books snapshots the book index for iteration outside m.mu.
func (m *Manager) books() map[string]*symbolBook {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*symbolBook, len(m.symbols))
	for symbol, b := range m.symbols {
		out[symbol] = b
	}
	return out
}

// Restore rebuilds in-memory state from the repository: pending orders for
// the sweep, and the position aggregate per symbol from filled entry orders.
// A restored pending order is swept or reconciled like any other; it is never
// re-placed.
func (m *Manager) Restore(ctx context.Context, symbols []string) error {
	pending, err := m.repo.FindPendingOrders(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pending orders: %w", err)
	}

	for _, o := range pending {
		b := m.book(o.Symbol)
		b.mu.Lock()
		b.pending[o.ID] = o
		b.mu.Unlock()
	}

	var open int
	for _, symbol := range symbols {
		filled, err := m.repo.FindFilledBySymbol(ctx, symbol)
		if err != nil {
			return fmt.Errorf("failed to load filled orders for %s: %w", symbol, err)
		}
		pos := &domain.Position{Symbol: symbol}
		for _, o := range filled {
			switch o.Side {
			case domain.Buy:
				pos.ApplyFill(o.Price, o.Quantity)
			case domain.Sell:
				pos.ReduceBy(o.Quantity)
			}
		}

		b := m.book(symbol)
		b.mu.Lock()
		if pos.IsOpen() {
			b.pos = pos
			open++
		}
		err = m.restoreExitStateLocked(ctx, b, symbol)
		b.mu.Unlock()
		if err != nil {
			return err
		}
	}

	m.logger.Info(ctx, "Order state restored", map[string]interface{}{
		"pendingOrders": len(pending),
		"openPositions": open,
	})
	return nil
}

// PlaceForTrigger attempts to place an entry order for a trigger event.
// Local rejections (balance guard, only-lower-entries) are decisions, not
// faults: they are reported and return a nil order with a nil error.
func (m *Manager) PlaceForTrigger(ctx context.Context, ev *domain.TriggerEvent) (*domain.Order, error) {
	b := m.book(ev.Symbol)
	b.mu.Lock()
	defer b.mu.Unlock()

	amount := m.orderAmount()
	if allowed, reason := m.guard.CanTrade(ctx, amount); !allowed {
		m.logger.Info(ctx, "Entry denied by balance guard", map[string]interface{}{
			"symbol": ev.Symbol, "reason": reason,
		})
		m.notifier.Notify(ctx, fmt.Sprintf("⛔ %s entry skipped: %s", ev.Symbol, reason))
		return nil, nil
	}

	price := ev.CurrentPrice
	quantity := amount / price

	if m.OnlyLowerEntries() {
		if pos := b.pos; pos != nil && pos.WouldRaiseAverage(price, quantity) {
			hyp := pos.HypotheticalAvg(price, quantity)
			m.logger.Info(ctx, "Entry rejected: would raise average entry", map[string]interface{}{
				"symbol": ev.Symbol, "price": price, "avgEntry": pos.AvgEntryPrice, "hypothetical": hyp,
			})
			m.notifier.Notify(ctx, fmt.Sprintf("⛔ %s entry at %.2f rejected: average entry would rise from %.2f to %.2f",
				ev.Symbol, price, pos.AvgEntryPrice, hyp))
			return nil, nil
		}
	}

	order := &domain.Order{
		Symbol:        ev.Symbol,
		Status:        domain.StatusPending,
		Kind:          m.orderKind(),
		Side:          domain.Buy,
		Price:         price,
		Quantity:      quantity,
		Threshold:     ev.Level,
		Timeframe:     ev.Timeframe,
		ClientOrderID: uuid.NewString(),
		IsLimit:       m.cfg.UseLimitOrders,
		Fees:          amount * m.cfg.FeeRate,
		FeeAsset:      m.cfg.BaseCurrency,
		CreatedAt:     m.now(),
		UpdatedAt:     m.now(),
	}
	if order.Kind == domain.KindFutures {
		order.Leverage = m.cfg.Leverage
		order.Direction = domain.DirectionLong
		order.MarginType = m.cfg.MarginType
	}

	resp, err := m.placeWithRetry(ctx, ports.OrderRequest{
		Symbol:        order.Symbol,
		Side:          order.Side,
		Kind:          order.Kind,
		Quantity:      order.Quantity,
		Price:         order.Price,
		IsLimit:       order.IsLimit,
		ClientOrderID: order.ClientOrderID,
		Leverage:      order.Leverage,
	})
	if err != nil {
		m.notifier.Notify(ctx, fmt.Sprintf("❌ %s order placement failed: %v", ev.Symbol, err))
		return nil, err
	}

	order.ExchangeID = resp.ExchangeID
	if !order.IsLimit {
		// Market orders settle synchronously.
		fillPrice := resp.AvgPrice
		if fillPrice == 0 {
			fillPrice = price
		}
		order.Fill(fillPrice, m.now())
	}

	if _, err := m.repo.CreateOrder(ctx, order); err != nil {
		// The order exists on the exchange but not locally. Cancel it so a
		// restart cannot leak an untracked order.
		m.logger.Error(ctx, err, "Failed to persist order, cancelling on exchange", map[string]interface{}{
			"symbol": order.Symbol, "exchangeID": order.ExchangeID,
		})
		if order.IsLimit {
			if cerr := m.exchange.CancelOrder(ctx, order.Symbol, order.ExchangeID); cerr != nil {
				m.logger.Error(ctx, cerr, "Failed to cancel unpersisted order", map[string]interface{}{
					"symbol": order.Symbol, "exchangeID": order.ExchangeID,
				})
			}
		}
		return nil, fmt.Errorf("failed to persist order: %w", err)
	}

	if order.Status == domain.StatusFilled {
		m.applyFillLocked(ctx, b, order)
	} else {
		b.pending[order.ID] = order
	}

	m.logger.Info(ctx, "Order placed", map[string]interface{}{
		"symbol": order.Symbol, "price": order.Price, "quantity": order.Quantity,
		"threshold": order.Threshold, "timeframe": string(order.Timeframe),
		"limit": order.IsLimit, "exchangeID": order.ExchangeID,
	})
	m.notifier.Notify(ctx, fmt.Sprintf("🎯 %s: %.2f%% %s drop, buying %.6f @ %.2f",
		ev.Symbol, ev.Level, ev.Timeframe, order.Quantity, order.Price))
	return order, nil
}

// AddManualTrade records an operator-entered trade as an immediately-filled
// order. Manual trades bypass the balance guard and the only-lower-entries
// protection but feed the position aggregate like any other fill.
func (m *Manager) AddManualTrade(ctx context.Context, symbol string, price, quantity float64) (*domain.Order, error) {
	if price <= 0 || quantity <= 0 {
		return nil, fmt.Errorf("manual trade needs positive price and quantity: %w", ports.ErrInvalidRequest)
	}

	b := m.book(symbol)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := m.now()
	order := &domain.Order{
		Symbol:        symbol,
		Status:        domain.StatusFilled,
		Kind:          m.orderKind(),
		Side:          domain.Buy,
		Price:         price,
		Quantity:      quantity,
		ClientOrderID: uuid.NewString(),
		IsManual:      true,
		Fees:          price * quantity * m.cfg.FeeRate,
		FeeAsset:      m.cfg.BaseCurrency,
		CreatedAt:     now,
		UpdatedAt:     now,
		FilledAt:      now,
	}
	if _, err := m.repo.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to persist manual trade: %w", err)
	}
	m.applyFillLocked(ctx, b, order)
	m.logger.Info(ctx, "Manual trade recorded", map[string]interface{}{
		"symbol": symbol, "price": price, "quantity": quantity,
	})
	return order, nil
}

// SweepStaleOrders cancels pending limit orders older than the cancellation
// window. The exchange's view is consulted first: an order that filled before
// we could cancel it is recorded as filled, never as cancelled. Cancellation
// failures are left for the next sweep cycle.
func (m *Manager) SweepStaleOrders(ctx context.Context) {
	now := m.now()
	for _, b := range m.books() {
		b.mu.Lock()
		for _, order := range b.pending {
			if !order.StaleAfter(m.cfg.CancelWindow, now) {
				continue
			}
			m.resolveStaleLocked(ctx, b, order)
		}
		b.mu.Unlock()
	}
}

// resolveStaleLocked reconciles one stale pending order against the exchange
// and records whichever terminal state the exchange confirms.
func (m *Manager) resolveStaleLocked(ctx context.Context, b *symbolBook, order *domain.Order) {
	status, err := m.exchange.GetOrderStatus(ctx, order.Symbol, order.ExchangeID)
	if err != nil && !errors.Is(err, ports.ErrOrderNotFound) {
		m.logger.Warn(ctx, "Stale order status check failed, retrying next sweep", map[string]interface{}{
			"symbol": order.Symbol, "exchangeID": order.ExchangeID, "error": err.Error(),
		})
		return
	}

	if status != nil && status.Status == domain.StatusFilled {
		m.recordFillLocked(ctx, b, order, status.AvgPrice)
		return
	}

	if status == nil || status.Status != domain.StatusCancelled {
		if cerr := m.exchange.CancelOrder(ctx, order.Symbol, order.ExchangeID); cerr != nil {
			if errors.Is(cerr, ports.ErrOrderNotFound) {
				// Already gone exchange-side; re-check on the next sweep to
				// learn whether it filled or was cancelled elsewhere.
				m.logger.Warn(ctx, "Stale order vanished on exchange, will reconcile next sweep", map[string]interface{}{
					"symbol": order.Symbol, "exchangeID": order.ExchangeID,
				})
				return
			}
			m.logger.Warn(ctx, "Stale order cancel failed, retrying next sweep", map[string]interface{}{
				"symbol": order.Symbol, "exchangeID": order.ExchangeID, "error": cerr.Error(),
			})
			return
		}
	}

	m.recordCancelLocked(ctx, b, order, domain.CancelReasonTimeout)
	m.notifier.Notify(ctx, fmt.Sprintf("🗑 %s limit order cancelled after %s unfilled", order.Symbol, m.cfg.CancelWindow))
}

// ReconcilePending polls the exchange for every pending order and applies
// confirmed terminal transitions.
func (m *Manager) ReconcilePending(ctx context.Context) {
	for _, b := range m.books() {
		b.mu.Lock()
		for _, order := range b.pending {
			status, err := m.exchange.GetOrderStatus(ctx, order.Symbol, order.ExchangeID)
			if err != nil {
				m.logger.Debug(ctx, "Pending order status check failed", map[string]interface{}{
					"symbol": order.Symbol, "exchangeID": order.ExchangeID, "error": err.Error(),
				})
				continue
			}
			switch status.Status {
			case domain.StatusFilled:
				m.recordFillLocked(ctx, b, order, status.AvgPrice)
			case domain.StatusCancelled:
				m.recordCancelLocked(ctx, b, order, domain.CancelReasonExchange)
			}
		}
		b.mu.Unlock()
	}
}

// recordFillLocked persists the fill and then applies it to the position.
// Persistence failure leaves the order pending so the next cycle retries;
// the in-memory aggregate is never ahead of disk.
func (m *Manager) recordFillLocked(ctx context.Context, b *symbolBook, order *domain.Order, avgPrice float64) {
	prev := *order
	order.Fill(avgPrice, m.now())
	if err := m.repo.UpdateOrder(ctx, order); err != nil {
		*order = prev
		m.logger.Error(ctx, err, "Failed to persist fill, will retry", map[string]interface{}{
			"symbol": order.Symbol, "orderID": order.ID,
		})
		return
	}
	delete(b.pending, order.ID)
	m.applyFillLocked(ctx, b, order)
	m.notifier.Notify(ctx, fmt.Sprintf("✅ %s buy filled: %.6f @ %.2f", order.Symbol, order.Quantity, order.Price))
}

// recordCancelLocked persists the cancellation confirmed by the exchange.
func (m *Manager) recordCancelLocked(ctx context.Context, b *symbolBook, order *domain.Order, reason domain.CancelReason) {
	prev := *order
	order.Cancel(reason, m.now())
	if err := m.repo.UpdateOrder(ctx, order); err != nil {
		*order = prev
		m.logger.Error(ctx, err, "Failed to persist cancellation, will retry", map[string]interface{}{
			"symbol": order.Symbol, "orderID": order.ID,
		})
		return
	}
	delete(b.pending, order.ID)
	m.logger.Info(ctx, "Order cancelled", map[string]interface{}{
		"symbol": order.Symbol, "orderID": order.ID, "reason": string(reason),
	})
}

// applyFillLocked folds a persisted fill into the position aggregate and
// arms exit management for the symbol.
func (m *Manager) applyFillLocked(ctx context.Context, b *symbolBook, order *domain.Order) {
	pos := b.pos
	if pos == nil {
		pos = &domain.Position{Symbol: order.Symbol}
		b.pos = pos
	}
	pos.ApplyFill(order.Price, order.Quantity)
	m.logger.Info(ctx, "Position updated", map[string]interface{}{
		"symbol": order.Symbol, "quantity": pos.Quantity, "avgEntry": pos.AvgEntryPrice,
	})

	tpslOn, _, _ := m.TPSL()
	if tpslOn && !order.IsManual {
		m.armExitsLocked(ctx, b, order, pos)
	} else {
		m.rearmLadderLocked(ctx, b, order.Symbol)
	}
}

// CancelAllForSymbol cancels every pending order for a symbol and drops its
// exit state. Part of the symbol-removal cleanup cascade.
func (m *Manager) CancelAllForSymbol(ctx context.Context, symbol string) error {
	b := m.book(symbol)
	b.mu.Lock()
	defer b.mu.Unlock()

	var lastErr error
	for _, order := range b.pending {
		if err := m.exchange.CancelOrder(ctx, order.Symbol, order.ExchangeID); err != nil && !errors.Is(err, ports.ErrOrderNotFound) {
			lastErr = err
			m.logger.Error(ctx, err, "Failed to cancel order during symbol cleanup", map[string]interface{}{
				"symbol": symbol, "exchangeID": order.ExchangeID,
			})
			continue
		}
		m.recordCancelLocked(ctx, b, order, domain.CancelReasonCleanup)
	}
	if err := m.cancelExitLegsLocked(ctx, symbol, b.exits); err != nil && lastErr == nil {
		lastErr = err
	}
	b.exits = nil
	b.pos = nil
	if err := m.repo.DeletePendingBySymbol(ctx, symbol); err != nil && lastErr == nil {
		lastErr = err
	}
	return lastErr
}

// SetOnlyLowerEntries toggles the average-entry protection at runtime.
func (m *Manager) SetOnlyLowerEntries(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onlyLower = enabled
}

// OnlyLowerEntries reports the current protection setting.
func (m *Manager) OnlyLowerEntries() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.onlyLower
}

// SetTPSL updates the fixed exit configuration at runtime. New values apply
// to exit pairs armed after the change; already-open pairs keep their prices.
func (m *Manager) SetTPSL(enabled bool, tpPercent, slPercent float64) error {
	if enabled {
		if tpPercent <= 0 {
			return fmt.Errorf("take-profit percent must be positive: %w", ports.ErrInvalidRequest)
		}
		if slPercent <= 0 || slPercent >= 100 {
			return fmt.Errorf("stop-loss percent must be between 0 and 100: %w", ports.ErrInvalidRequest)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tpsl = enabled
	if enabled {
		m.tpPct = tpPercent
		m.slPct = slPercent
	}
	return nil
}

// TPSL reports the current fixed exit configuration.
func (m *Manager) TPSL() (enabled bool, tpPercent, slPercent float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tpsl, m.tpPct, m.slPct
}

// Position returns a copy of the symbol's position aggregate, if open.
func (m *Manager) Position(symbol string) (domain.Position, bool) {
	b := m.book(symbol)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pos == nil {
		return domain.Position{}, false
	}
	return *b.pos, true
}

// PendingOrders returns copies of all tracked pending orders.
func (m *Manager) PendingOrders() []domain.Order {
	var out []domain.Order
	for _, b := range m.books() {
		b.mu.Lock()
		for _, o := range b.pending {
			out = append(out, *o)
		}
		b.mu.Unlock()
	}
	return out
}

// RecentOrders returns the latest orders recorded for a symbol, newest
// first.
func (m *Manager) RecentOrders(ctx context.Context, symbol string, limit int) ([]*domain.Order, error) {
	return m.repo.FindRecentBySymbol(ctx, symbol, limit)
}

// orderAmount resolves the quote amount for the next order.
func (m *Manager) orderAmount() float64 {
	if m.cfg.OrderAmountPercent > 0 {
		return m.guard.Balance() * m.cfg.OrderAmountPercent / 100
	}
	return m.cfg.OrderAmount
}

func (m *Manager) orderKind() domain.OrderKind {
	if m.cfg.FuturesEnabled {
		return domain.KindFutures
	}
	return domain.KindSpot
}

// placeWithRetry places an order, retrying transient exchange errors with
// bounded exponential backoff. Permanent rejections abort immediately. The
// caller holds only its symbol's lock, so the backoff sleeps never delay
// other symbols.
func (m *Manager) placeWithRetry(ctx context.Context, req ports.OrderRequest) (*ports.OrderResponse, error) {
	b := &backoff.Backoff{
		Min:    500 * time.Millisecond,
		Max:    5 * time.Second,
		Factor: 2,
		Jitter: true,
	}
	var lastErr error
	for attempt := 1; attempt <= maxPlacementAttempts; attempt++ {
		resp, err := m.exchange.PlaceOrder(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !ports.IsTransient(err) {
			return nil, fmt.Errorf("order placement rejected: %w", err)
		}
		m.logger.Warn(ctx, "Transient placement error, backing off", map[string]interface{}{
			"symbol": req.Symbol, "attempt": attempt, "error": err.Error(),
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
	return nil, fmt.Errorf("order placement failed after %d attempts: %w", maxPlacementAttempts, lastErr)
}
