package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dipcatcher/internal/ports"
)

// GuardConfig holds configuration for the balance guard.
type GuardConfig struct {
	// ReserveBalance is the quote-currency floor that must never be spent.
	// Zero disables the guard entirely.
	ReserveBalance float64
	// Cooldown is how long new entries stay locked out after a denial,
	// regardless of balance recovering sooner. Avoids order-storming on
	// noisy balance updates.
	Cooldown time.Duration
	Logger   ports.Logger
	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

// Guard gates new buy orders against the reserve balance. It tracks the
// latest known quote balance (refreshed externally) and, once an order is
// denied, keeps denying for the full cooldown window.
type Guard struct {
	logger   ports.Logger
	reserve  float64
	cooldown time.Duration
	now      func() time.Time

	mu            sync.Mutex
	balance       float64
	balanceKnown  bool
	cooldownUntil time.Time
}

// NewGuard creates a balance guard.
func NewGuard(cfg GuardConfig) (*Guard, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for balance guard")
	}
	if cfg.ReserveBalance < 0 {
		return nil, fmt.Errorf("reserve balance cannot be negative")
	}
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = 24 * time.Hour
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Guard{
		logger:   cfg.Logger,
		reserve:  cfg.ReserveBalance,
		cooldown: cooldown,
		now:      now,
	}, nil
}

// UpdateBalance records the latest known quote-currency balance.
func (g *Guard) UpdateBalance(balance float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.balance = balance
	g.balanceKnown = true
}

// CanTrade reports whether a new buy of requiredAmount is permitted. Denials
// carry a human-readable reason and start (or extend reporting of) the
// cooldown. Exits and cancellations never consult the guard.
func (g *Guard) CanTrade(ctx context.Context, requiredAmount float64) (bool, string) {
	if g.reserve == 0 {
		return true, ""
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if now.Before(g.cooldownUntil) {
		return false, fmt.Sprintf("entry cooldown active until %s", g.cooldownUntil.UTC().Format(time.RFC3339))
	}

	if !g.balanceKnown {
		return false, "balance not yet known"
	}

	if g.balance-requiredAmount < g.reserve {
		g.cooldownUntil = now.Add(g.cooldown)
		g.logger.Warn(ctx, "Order denied by reserve balance, entering cooldown", map[string]interface{}{
			"balance":       g.balance,
			"required":      requiredAmount,
			"reserve":       g.reserve,
			"cooldownUntil": g.cooldownUntil,
		})
		return false, fmt.Sprintf("order of %.2f would breach reserve %.2f (balance %.2f)", requiredAmount, g.reserve, g.balance)
	}

	return true, ""
}

// InCooldown reports whether the denial cooldown is active.
func (g *Guard) InCooldown() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.now().Before(g.cooldownUntil)
}

// ClearCooldown lifts the denial cooldown. Manual override.
func (g *Guard) ClearCooldown(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cooldownUntil = time.Time{}
	g.logger.Info(ctx, "Balance guard cooldown cleared manually")
}

// Balance returns the latest known balance.
func (g *Guard) Balance() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.balance
}

// Reserve returns the configured reserve floor.
func (g *Guard) Reserve() float64 {
	return g.reserve
}
