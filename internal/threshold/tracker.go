package threshold

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dipcatcher/internal/domain"
	"dipcatcher/internal/ports"
)

// Tracker owns the per-(symbol, timeframe) threshold state: reference prices,
// configured drop levels, and which levels have fired in the current period.
// Every state mutation is persisted before the mutation is acted upon, so a
// crash between trigger detection and order placement re-derives rather than
// re-fires the trigger.
type Tracker struct {
	logger   ports.Logger
	repo     ports.ThresholdRepository
	exchange ports.ExchangeClient
	levels   map[domain.Timeframe][]float64
	now      func() time.Time

	mu      sync.Mutex // guards the symbols index only
	symbols map[string]*symbolStates
}

// symbolStates holds one symbol's per-timeframe states behind its own mutex.
// Exchange calls during evaluation happen under the symbol lock, so a slow
// reference-price fetch for one symbol never stalls evaluations for the
// others.
type symbolStates struct {
	mu   sync.Mutex
	byTF map[domain.Timeframe]*domain.ThresholdState
}

// Config holds dependencies and settings for the Tracker.
type Config struct {
	Logger   ports.Logger
	Repo     ports.ThresholdRepository
	Exchange ports.ExchangeClient
	// Levels are the configured drop percentages per timeframe, ascending.
	Levels map[domain.Timeframe][]float64
	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

// New creates a Tracker.
func New(cfg Config) (*Tracker, error) {
	if cfg.Logger == nil || cfg.Repo == nil || cfg.Exchange == nil {
		return nil, fmt.Errorf("missing required dependencies for threshold tracker")
	}
	if len(cfg.Levels) == 0 {
		return nil, fmt.Errorf("at least one timeframe must have threshold levels configured")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		logger:   cfg.Logger,
		repo:     cfg.Repo,
		exchange: cfg.Exchange,
		levels:   cfg.Levels,
		now:      now,
		symbols:  make(map[string]*symbolStates),
	}, nil
}

// statesFor returns the symbol's state holder, creating it on first use.
func (t *Tracker) statesFor(symbol string) *symbolStates {
	t.mu.Lock()
	defer t.mu.Unlock()
	ss, ok := t.symbols[symbol]
	if !ok {
		ss = &symbolStates{byTF: make(map[domain.Timeframe]*domain.ThresholdState, 3)}
		t.symbols[symbol] = ss
	}
	return ss
}

// allStates snapshots the symbols index for iteration outside t.mu.
func (t *Tracker) allStates() map[string]*symbolStates {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]*symbolStates, len(t.symbols))
	for symbol, ss := range t.symbols {
		out[symbol] = ss
	}
	return out
}

// Restore loads all persisted threshold states into the in-memory index.
// Called once at startup before any evaluation.
func (t *Tracker) Restore(ctx context.Context) error {
	states, err := t.repo.LoadAllThresholdStates(ctx)
	if err != nil {
		return fmt.Errorf("failed to load threshold states: %w", err)
	}
	for _, st := range states {
		ss := t.statesFor(st.Symbol)
		ss.mu.Lock()
		ss.byTF[st.Timeframe] = st
		ss.mu.Unlock()
	}
	t.logger.Info(ctx, "Threshold states restored", map[string]interface{}{"count": len(states)})
	return nil
}

// Evaluate checks one (symbol, timeframe) pair against the current price and
// returns at most one TriggerEvent: the single highest untriggered level the
// drop has reached. The triggered mark is persisted before the event is
// returned; a persistence failure rolls the mark back and returns an error.
func (t *Tracker) Evaluate(ctx context.Context, symbol string, tf domain.Timeframe, currentPrice float64) (*domain.TriggerEvent, error) {
	if currentPrice <= 0 {
		return nil, fmt.Errorf("invalid price %v for %s: %w", currentPrice, symbol, ports.ErrInvalidRequest)
	}

	ss := t.statesFor(symbol)
	ss.mu.Lock()
	defer ss.mu.Unlock()

	state, err := t.stateLocked(ctx, ss, symbol, tf, currentPrice)
	if err != nil {
		return nil, err
	}

	if state.NeedsRollover(t.now()) {
		if err := t.rolloverLocked(ctx, state, currentPrice); err != nil {
			return nil, err
		}
	}

	level, ok := state.HighestEligible(currentPrice)
	if !ok {
		return nil, nil
	}

	now := t.now()
	state.MarkTriggered(level, now)
	if err := t.repo.SaveThresholdState(ctx, state); err != nil {
		state.Unmark(level)
		return nil, fmt.Errorf("failed to persist trigger for %s %s %.2f%%: %w", symbol, tf, level, err)
	}

	ev := &domain.TriggerEvent{
		Symbol:         symbol,
		Timeframe:      tf,
		Level:          level,
		ReferencePrice: state.ReferencePrice,
		CurrentPrice:   currentPrice,
		Drop:           state.DropPercent(currentPrice),
		At:             now,
	}
	t.logger.Info(ctx, "Threshold triggered", map[string]interface{}{
		"symbol":    symbol,
		"timeframe": string(tf),
		"level":     level,
		"drop":      ev.Drop,
		"reference": state.ReferencePrice,
		"price":     currentPrice,
	})
	return ev, nil
}

// stateLocked returns the state for (symbol, tf), initializing and persisting
// a fresh one anchored at currentPrice on first observation.
func (t *Tracker) stateLocked(ctx context.Context, ss *symbolStates, symbol string, tf domain.Timeframe, currentPrice float64) (*domain.ThresholdState, error) {
	if st, ok := ss.byTF[tf]; ok {
		return st, nil
	}

	levels, ok := t.levels[tf]
	if !ok {
		return nil, fmt.Errorf("no levels configured for timeframe %s: %w", tf, ports.ErrConfigurationError)
	}

	now := t.now()
	refPrice := currentPrice
	if open, err := t.exchange.GetPeriodOpenPrice(ctx, symbol, tf); err == nil && open > 0 {
		refPrice = open
	} else if err != nil {
		t.logger.Warn(ctx, "Falling back to current price as reference", map[string]interface{}{
			"symbol": symbol, "timeframe": string(tf), "error": err.Error(),
		})
	}

	st := &domain.ThresholdState{
		Symbol:         symbol,
		Timeframe:      tf,
		ReferencePrice: refPrice,
		Levels:         append([]float64(nil), levels...),
		PeriodStart:    tf.PeriodStart(now),
		UpdatedAt:      now,
	}
	if err := t.repo.SaveThresholdState(ctx, st); err != nil {
		return nil, fmt.Errorf("failed to persist fresh threshold state for %s %s: %w", symbol, tf, err)
	}
	ss.byTF[tf] = st
	t.logger.Info(ctx, "Initialized threshold state", map[string]interface{}{
		"symbol": symbol, "timeframe": string(tf), "reference": refPrice,
	})
	return st, nil
}

// rolloverLocked re-anchors a state to the current period. The new reference
// is the period's opening price from the exchange, falling back to the
// currently observed price. Rollback on persistence failure keeps memory and
// disk consistent.
func (t *Tracker) rolloverLocked(ctx context.Context, state *domain.ThresholdState, currentPrice float64) error {
	openPrice := currentPrice
	if open, err := t.exchange.GetPeriodOpenPrice(ctx, state.Symbol, state.Timeframe); err == nil && open > 0 {
		openPrice = open
	} else if err != nil {
		t.logger.Warn(ctx, "Using current price as rollover anchor", map[string]interface{}{
			"symbol": state.Symbol, "timeframe": string(state.Timeframe), "error": err.Error(),
		})
	}

	prevRef := state.ReferencePrice
	prevTriggered := append([]float64(nil), state.Triggered...)
	prevStart := state.PeriodStart

	state.Rollover(openPrice, t.now())
	if err := t.repo.SaveThresholdState(ctx, state); err != nil {
		state.ReferencePrice = prevRef
		state.Triggered = prevTriggered
		state.PeriodStart = prevStart
		return fmt.Errorf("failed to persist rollover for %s %s: %w", state.Symbol, state.Timeframe, err)
	}

	t.logger.Info(ctx, "Timeframe rolled over", map[string]interface{}{
		"symbol":      state.Symbol,
		"timeframe":   string(state.Timeframe),
		"reference":   openPrice,
		"periodStart": state.PeriodStart,
	})
	return nil
}

// ResetTriggered clears the triggered sets for every tracked state. When
// reanchor is true, reference prices are additionally re-anchored to the
// current ticker price. Manual recovery operation.
func (t *Tracker) ResetTriggered(ctx context.Context, reanchor bool) error {
	for symbol, ss := range t.allStates() {
		if err := t.resetSymbolTriggered(ctx, symbol, ss, reanchor); err != nil {
			return err
		}
	}
	t.logger.Info(ctx, "Triggered thresholds reset", map[string]interface{}{"reanchor": reanchor})
	return nil
}

func (t *Tracker) resetSymbolTriggered(ctx context.Context, symbol string, ss *symbolStates, reanchor bool) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	var price float64
	if reanchor {
		p, err := t.exchange.GetTickerPrice(ctx, symbol)
		if err != nil {
			return fmt.Errorf("failed to fetch price for re-anchor of %s: %w", symbol, err)
		}
		price = p
	}
	for _, st := range ss.byTF {
		prevTriggered := append([]float64(nil), st.Triggered...)
		prevRef := st.ReferencePrice

		st.ResetTriggered(t.now())
		if reanchor {
			st.ReferencePrice = price
		}
		if err := t.repo.SaveThresholdState(ctx, st); err != nil {
			st.Triggered = prevTriggered
			st.ReferencePrice = prevRef
			return fmt.Errorf("failed to persist reset for %s %s: %w", st.Symbol, st.Timeframe, err)
		}
	}
	return nil
}

// RemoveSymbol discards all threshold state for a symbol, in memory and on
// disk. Part of the symbol-removal cleanup cascade.
func (t *Tracker) RemoveSymbol(ctx context.Context, symbol string) error {
	t.mu.Lock()
	ss, ok := t.symbols[symbol]
	t.mu.Unlock()
	if ok {
		ss.mu.Lock()
		defer ss.mu.Unlock()
	}

	if err := t.repo.DeleteThresholdStates(ctx, symbol); err != nil {
		return fmt.Errorf("failed to delete threshold states for %s: %w", symbol, err)
	}

	t.mu.Lock()
	delete(t.symbols, symbol)
	t.mu.Unlock()
	return nil
}

// Snapshot returns copies of all tracked states for status reporting.
func (t *Tracker) Snapshot() []domain.ThresholdState {
	var out []domain.ThresholdState
	for _, ss := range t.allStates() {
		ss.mu.Lock()
		for _, st := range ss.byTF {
			cp := *st
			cp.Levels = append([]float64(nil), st.Levels...)
			cp.Triggered = append([]float64(nil), st.Triggered...)
			out = append(out, cp)
		}
		ss.mu.Unlock()
	}
	return out
}
