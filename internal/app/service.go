package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"dipcatcher/config"
	"dipcatcher/internal/domain"
	"dipcatcher/internal/orders"
	"dipcatcher/internal/ports"
	"dipcatcher/internal/risk"
	"dipcatcher/internal/threshold"
)

const (
	pausedSettingKey    = "bot_paused"
	onlyLowerSettingKey = "only_lower_entries"
	tpslSettingKey      = "tpsl_settings"
)

// tpslSettings is the persisted form of the runtime exit configuration.
type tpslSettings struct {
	Enabled           bool    `json:"enabled"`
	TakeProfitPercent float64 `json:"take_profit_percent"`
	StopLossPercent   float64 `json:"stop_loss_percent"`
}

// Service orchestrates the bot: it feeds prices into the threshold tracker,
// turns trigger events into orders, runs the stale-order sweep and exit
// checks, and exposes the operations the Telegram surface needs.
type Service struct {
	cfg        *config.Config
	logger     ports.Logger
	exchange   ports.ExchangeClient
	tracker    *threshold.Tracker
	manager    *orders.Manager
	guard      *risk.Guard
	symbolRepo ports.SymbolRepository
	settings   ports.SettingsRepository
	notifier   ports.Notifier
	now        func() time.Time

	mu      sync.Mutex
	symbols map[string]*domain.Symbol
	symLock map[string]*sync.Mutex // Serializes evaluation per symbol
	paused  bool
}

// Deps bundles the service's collaborators.
type Deps struct {
	Config     *config.Config
	Logger     ports.Logger
	Exchange   ports.ExchangeClient
	Tracker    *threshold.Tracker
	Manager    *orders.Manager
	Guard      *risk.Guard
	SymbolRepo ports.SymbolRepository
	Settings   ports.SettingsRepository
	Notifier   ports.Notifier
	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

// NewService creates the application service.
func NewService(d Deps) (*Service, error) {
	if d.Config == nil || d.Logger == nil || d.Exchange == nil || d.Tracker == nil ||
		d.Manager == nil || d.Guard == nil || d.SymbolRepo == nil || d.Settings == nil {
		return nil, fmt.Errorf("missing required dependencies for service")
	}
	if d.Notifier == nil {
		d.Notifier = ports.NopNotifier{}
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		cfg:        d.Config,
		logger:     d.Logger,
		exchange:   d.Exchange,
		tracker:    d.Tracker,
		manager:    d.Manager,
		guard:      d.Guard,
		symbolRepo: d.SymbolRepo,
		settings:   d.Settings,
		notifier:   d.Notifier,
		now:        now,
		symbols:    make(map[string]*domain.Symbol),
		symLock:    make(map[string]*sync.Mutex),
	}, nil
}

// Restore loads persisted state: the symbol registry (seeded from
// configuration on first run), threshold states, pending orders and
// positions, the pause flag, and the initial balance.
func (s *Service) Restore(ctx context.Context) error {
	if err := s.exchange.Ping(ctx); err != nil {
		return fmt.Errorf("exchange unreachable: %w", err)
	}

	stored, err := s.symbolRepo.LoadSymbols(ctx)
	if err != nil {
		return fmt.Errorf("failed to load symbol registry: %w", err)
	}

	s.mu.Lock()
	for _, sym := range stored {
		s.symbols[sym.Name] = sym
		s.symLock[sym.Name] = &sync.Mutex{}
	}
	s.mu.Unlock()

	for _, name := range s.cfg.Symbols {
		s.mu.Lock()
		_, known := s.symbols[name]
		s.mu.Unlock()
		if known {
			continue
		}
		if err := s.registerSymbol(ctx, name); err != nil {
			return err
		}
	}

	if raw, ok, err := s.settings.LoadSetting(ctx, pausedSettingKey); err != nil {
		return fmt.Errorf("failed to load pause flag: %w", err)
	} else if ok && raw == "true" {
		s.mu.Lock()
		s.paused = true
		s.mu.Unlock()
		s.logger.Warn(ctx, "Bot restored in paused state")
	}

	if raw, ok, err := s.settings.LoadSetting(ctx, onlyLowerSettingKey); err != nil {
		return fmt.Errorf("failed to load only-lower-entries flag: %w", err)
	} else if ok {
		s.manager.SetOnlyLowerEntries(raw == "true")
	}

	if raw, ok, err := s.settings.LoadSetting(ctx, tpslSettingKey); err != nil {
		return fmt.Errorf("failed to load TP/SL settings: %w", err)
	} else if ok && raw != "" {
		var ts tpslSettings
		if err := json.Unmarshal([]byte(raw), &ts); err != nil {
			return fmt.Errorf("failed to decode TP/SL settings: %w", err)
		}
		if err := s.manager.SetTPSL(ts.Enabled, ts.TakeProfitPercent, ts.StopLossPercent); err != nil {
			return fmt.Errorf("persisted TP/SL settings rejected: %w", err)
		}
	}

	if err := s.tracker.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore threshold states: %w", err)
	}
	if err := s.manager.Restore(ctx, s.tradableSymbols()); err != nil {
		return fmt.Errorf("failed to restore order state: %w", err)
	}

	balance, err := s.exchange.GetBalance(ctx, s.cfg.BaseCurrency)
	if err != nil {
		return fmt.Errorf("failed to fetch initial balance: %w", err)
	}
	s.guard.UpdateBalance(balance)
	s.logger.Info(ctx, "Initial balance fetched", map[string]interface{}{
		"asset": s.cfg.BaseCurrency, "balance": balance, "reserve": s.guard.Reserve(),
	})
	if s.guard.Reserve() > 0 && balance <= s.guard.Reserve() {
		msg := fmt.Sprintf("⚠️ Balance %.2f %s is at or below the reserve floor %.2f; entries will be denied",
			balance, s.cfg.BaseCurrency, s.guard.Reserve())
		s.logger.Warn(ctx, "Balance at or below reserve on startup", map[string]interface{}{
			"balance": balance, "reserve": s.guard.Reserve(),
		})
		s.notifier.Notify(ctx, msg)
	}

	if s.cfg.FuturesEnabled {
		s.configureFutures(ctx)
	}
	return nil
}

// configureFutures applies leverage and margin mode per symbol. Failures are
// logged and the exchange-side current settings remain in effect.
func (s *Service) configureFutures(ctx context.Context) {
	for _, sym := range s.tradableSymbols() {
		if err := s.exchange.SetLeverage(ctx, sym, s.cfg.Leverage); err != nil {
			s.logger.Warn(ctx, "Failed to set leverage, keeping exchange-side value", map[string]interface{}{
				"symbol": sym, "leverage": s.cfg.Leverage, "error": err.Error(),
			})
		}
		if err := s.exchange.SetMarginType(ctx, sym, s.cfg.MarginType); err != nil {
			s.logger.Warn(ctx, "Failed to set margin type, keeping exchange-side value", map[string]interface{}{
				"symbol": sym, "marginType": string(s.cfg.MarginType), "error": err.Error(),
			})
		}
	}
}

// Start restores state and runs the evaluation, sweep, and balance-refresh
// loops until the context is cancelled or a termination signal arrives.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info(ctx, "Starting dip catcher service")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := s.Restore(ctx); err != nil {
		return err
	}
	s.notifier.Notify(ctx, fmt.Sprintf("🤖 Dip catcher started: %d symbols, balance %.2f %s",
		len(s.tradableSymbols()), s.guard.Balance(), s.cfg.BaseCurrency))

	checkTicker := time.NewTicker(s.cfg.CheckInterval)
	defer checkTicker.Stop()
	sweepTicker := time.NewTicker(s.cfg.SweepInterval)
	defer sweepTicker.Stop()
	balanceTicker := time.NewTicker(s.cfg.BalanceRefreshInterval)
	defer balanceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "Dip catcher service stopped")
			return nil
		case <-checkTicker.C:
			s.EvaluateAll(ctx)
		case <-sweepTicker.C:
			s.manager.SweepStaleOrders(ctx)
			s.manager.ReconcilePending(ctx)
		case <-balanceTicker.C:
			s.refreshBalance(ctx)
		}
	}
}

// EvaluateAll runs one evaluation pass over every tradable symbol. Symbols
// are evaluated concurrently; a per-symbol lock keeps each symbol's pass
// sequential if a previous pass is still running.
func (s *Service) EvaluateAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, name := range s.tradableSymbols() {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			lock := s.symbolLock(symbol)
			lock.Lock()
			defer lock.Unlock()
			s.evaluateSymbol(ctx, symbol)
		}(name)
	}
	wg.Wait()
}

// evaluateSymbol feeds the current price through all timeframes of the
// threshold tracker, places orders for any triggers, and runs exit checks.
func (s *Service) evaluateSymbol(ctx context.Context, symbol string) {
	price, err := s.exchange.GetTickerPrice(ctx, symbol)
	if err != nil {
		if ports.IsPermanent(err) {
			s.flagInvalidSymbol(ctx, symbol, err)
			return
		}
		s.logger.Warn(ctx, "Price fetch failed", map[string]interface{}{
			"symbol": symbol, "error": err.Error(),
		})
		return
	}

	for _, tf := range domain.Timeframes() {
		ev, err := s.tracker.Evaluate(ctx, symbol, tf, price)
		if err != nil {
			s.logger.Error(ctx, err, "Threshold evaluation failed", map[string]interface{}{
				"symbol": symbol, "timeframe": string(tf),
			})
			continue
		}
		if ev == nil {
			continue
		}
		if s.Paused() {
			s.logger.Info(ctx, "Trigger suppressed while paused", map[string]interface{}{
				"symbol": symbol, "timeframe": string(tf), "level": ev.Level,
			})
			continue
		}
		if _, err := s.manager.PlaceForTrigger(ctx, ev); err != nil {
			s.logger.Error(ctx, err, "Order placement for trigger failed", map[string]interface{}{
				"symbol": symbol, "timeframe": string(tf), "level": ev.Level,
			})
			if ports.IsPermanent(err) {
				s.flagInvalidSymbol(ctx, symbol, err)
				return
			}
		}
	}

	s.manager.CheckExits(ctx, symbol, price)
}

// refreshBalance pulls the free balance and pushes it into the guard.
func (s *Service) refreshBalance(ctx context.Context) {
	balance, err := s.exchange.GetBalance(ctx, s.cfg.BaseCurrency)
	if err != nil {
		s.logger.Warn(ctx, "Balance refresh failed", map[string]interface{}{"error": err.Error()})
		return
	}
	s.guard.UpdateBalance(balance)
}

// flagInvalidSymbol marks a symbol invalid after a permanent exchange
// rejection so it is skipped until an operator re-adds it.
func (s *Service) flagInvalidSymbol(ctx context.Context, symbol string, cause error) {
	s.mu.Lock()
	sym, ok := s.symbols[symbol]
	if ok {
		sym.Invalid = true
		sym.Reason = cause.Error()
		sym.UpdatedAt = s.now()
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := s.symbolRepo.SaveSymbol(ctx, sym); err != nil {
		s.logger.Error(ctx, err, "Failed to persist invalid symbol flag", map[string]interface{}{"symbol": symbol})
	}
	s.logger.Warn(ctx, "Symbol flagged invalid", map[string]interface{}{
		"symbol": symbol, "reason": cause.Error(),
	})
	s.notifier.Notify(ctx, fmt.Sprintf("🚫 %s flagged invalid and skipped: %v", symbol, cause))
}

// Pause stops new entries from being placed. Pending orders, sweeps, and
// exit management keep running.
func (s *Service) Pause(ctx context.Context) error {
	return s.setPaused(ctx, true)
}

// Resume re-enables entries.
func (s *Service) Resume(ctx context.Context) error {
	return s.setPaused(ctx, false)
}

func (s *Service) setPaused(ctx context.Context, paused bool) error {
	value := "false"
	if paused {
		value = "true"
	}
	if err := s.settings.SaveSetting(ctx, pausedSettingKey, value); err != nil {
		return fmt.Errorf("failed to persist pause flag: %w", err)
	}
	s.mu.Lock()
	s.paused = paused
	s.mu.Unlock()
	s.logger.Info(ctx, "Pause state changed", map[string]interface{}{"paused": paused})
	return nil
}

// Paused reports whether entries are suppressed.
func (s *Service) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// ResetThresholds clears all triggered levels. With reanchor set, reference
// prices are re-anchored to the current period opens as well.
func (s *Service) ResetThresholds(ctx context.Context, reanchor bool) error {
	return s.tracker.ResetTriggered(ctx, reanchor)
}

// AddManualTrade records an operator-entered fill.
func (s *Service) AddManualTrade(ctx context.Context, symbol string, price, quantity float64) (*domain.Order, error) {
	return s.manager.AddManualTrade(ctx, symbol, price, quantity)
}

// SetOnlyLowerEntries toggles average-entry protection at runtime and
// persists the choice across restarts.
func (s *Service) SetOnlyLowerEntries(ctx context.Context, enabled bool) error {
	value := "false"
	if enabled {
		value = "true"
	}
	if err := s.settings.SaveSetting(ctx, onlyLowerSettingKey, value); err != nil {
		return fmt.Errorf("failed to persist only-lower-entries flag: %w", err)
	}
	s.manager.SetOnlyLowerEntries(enabled)
	s.logger.Info(ctx, "Only-lower-entries changed", map[string]interface{}{"enabled": enabled})
	return nil
}

// SetTPSL updates the fixed take-profit/stop-loss configuration at runtime
// and persists it. Applies to exit pairs armed after the change.
func (s *Service) SetTPSL(ctx context.Context, enabled bool, tpPercent, slPercent float64) error {
	if err := s.manager.SetTPSL(enabled, tpPercent, slPercent); err != nil {
		return err
	}
	// Persist the effective values; disabling keeps the last percentages.
	_, tpPercent, slPercent = s.manager.TPSL()
	raw, err := json.Marshal(tpslSettings{
		Enabled:           enabled,
		TakeProfitPercent: tpPercent,
		StopLossPercent:   slPercent,
	})
	if err != nil {
		return fmt.Errorf("failed to encode TP/SL settings: %w", err)
	}
	if err := s.settings.SaveSetting(ctx, tpslSettingKey, string(raw)); err != nil {
		return fmt.Errorf("failed to persist TP/SL settings: %w", err)
	}
	s.logger.Info(ctx, "TP/SL settings changed", map[string]interface{}{
		"enabled": enabled, "takeProfit": tpPercent, "stopLoss": slPercent,
	})
	return nil
}

// TPSL reports the current fixed exit configuration.
func (s *Service) TPSL() (enabled bool, tpPercent, slPercent float64) {
	return s.manager.TPSL()
}

// AddSymbol registers a new tradable symbol after validating it against the
// exchange.
func (s *Service) AddSymbol(ctx context.Context, name string) error {
	s.mu.Lock()
	existing, known := s.symbols[name]
	s.mu.Unlock()
	if known && existing.Tradable() {
		return fmt.Errorf("symbol %s already registered", name)
	}

	if _, err := s.exchange.GetTickerPrice(ctx, name); err != nil {
		return fmt.Errorf("symbol %s rejected by exchange: %w", name, err)
	}
	if err := s.registerSymbol(ctx, name); err != nil {
		return err
	}
	if s.cfg.FuturesEnabled {
		s.configureFutures(ctx)
	}
	s.logger.Info(ctx, "Symbol added", map[string]interface{}{"symbol": name})
	s.notifier.Notify(ctx, fmt.Sprintf("➕ Now watching %s", name))
	return nil
}

// registerSymbol persists and registers a fresh, enabled symbol record.
func (s *Service) registerSymbol(ctx context.Context, name string) error {
	now := s.now()
	sym := &domain.Symbol{
		Name:      name,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.symbolRepo.SaveSymbol(ctx, sym); err != nil {
		return fmt.Errorf("failed to persist symbol %s: %w", name, err)
	}
	s.mu.Lock()
	s.symbols[name] = sym
	if _, ok := s.symLock[name]; !ok {
		s.symLock[name] = &sync.Mutex{}
	}
	s.mu.Unlock()
	return nil
}

// RemoveSymbol unregisters a symbol and cascades cleanup: open orders are
// cancelled, the position and exit state dropped, and threshold state
// deleted.
func (s *Service) RemoveSymbol(ctx context.Context, name string) error {
	s.mu.Lock()
	_, known := s.symbols[name]
	s.mu.Unlock()
	if !known {
		return fmt.Errorf("symbol %s is not registered", name)
	}

	lock := s.symbolLock(name)
	lock.Lock()
	defer lock.Unlock()

	if err := s.manager.CancelAllForSymbol(ctx, name); err != nil {
		return fmt.Errorf("failed to cancel orders for %s: %w", name, err)
	}
	if err := s.tracker.RemoveSymbol(ctx, name); err != nil {
		return fmt.Errorf("failed to remove threshold state for %s: %w", name, err)
	}
	if err := s.symbolRepo.DeleteSymbol(ctx, name); err != nil {
		return fmt.Errorf("failed to delete symbol %s: %w", name, err)
	}

	s.mu.Lock()
	delete(s.symbols, name)
	s.mu.Unlock()

	s.logger.Info(ctx, "Symbol removed", map[string]interface{}{"symbol": name})
	s.notifier.Notify(ctx, fmt.Sprintf("➖ Stopped watching %s", name))
	return nil
}

// Status summarizes the bot's runtime state for the operator surface.
type Status struct {
	Paused            bool
	Balance           float64
	Reserve           float64
	InCooldown        bool
	OnlyLowerEntries  bool
	TPSLEnabled       bool
	TakeProfitPercent float64
	StopLossPercent   float64
	Symbols           []domain.Symbol
	PendingOrders     []domain.Order
	Positions         []domain.Position
}

// Status returns a snapshot of the bot's state.
func (s *Service) Status() Status {
	tpslEnabled, tp, sl := s.manager.TPSL()
	st := Status{
		Paused:            s.Paused(),
		Balance:           s.guard.Balance(),
		Reserve:           s.guard.Reserve(),
		InCooldown:        s.guard.InCooldown(),
		OnlyLowerEntries:  s.manager.OnlyLowerEntries(),
		TPSLEnabled:       tpslEnabled,
		TakeProfitPercent: tp,
		StopLossPercent:   sl,
		PendingOrders:     s.manager.PendingOrders(),
	}
	s.mu.Lock()
	for _, sym := range s.symbols {
		st.Symbols = append(st.Symbols, *sym)
	}
	s.mu.Unlock()
	for _, sym := range st.Symbols {
		if pos, ok := s.manager.Position(sym.Name); ok {
			st.Positions = append(st.Positions, pos)
		}
	}
	return st
}

// Thresholds returns a snapshot of all tracked threshold states.
func (s *Service) Thresholds() []domain.ThresholdState {
	return s.tracker.Snapshot()
}

// RecentOrders returns the latest orders recorded for a symbol.
func (s *Service) RecentOrders(ctx context.Context, symbol string, limit int) ([]*domain.Order, error) {
	return s.manager.RecentOrders(ctx, symbol, limit)
}

// Balance reports the cached free balance and its asset.
func (s *Service) Balance() (float64, string) {
	return s.guard.Balance(), s.cfg.BaseCurrency
}

// tradableSymbols lists symbols the bot may currently act on.
func (s *Service) tradableSymbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.symbols))
	for _, sym := range s.symbols {
		if sym.Tradable() {
			out = append(out, sym.Name)
		}
	}
	return out
}

// symbolLock returns the per-symbol evaluation lock, creating it on demand.
func (s *Service) symbolLock(symbol string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.symLock[symbol]
	if !ok {
		lock = &sync.Mutex{}
		s.symLock[symbol] = lock
	}
	return lock
}
