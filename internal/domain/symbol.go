package domain

import "time"

// Symbol is a tradable pair registered with the bot. Symbols are disabled
// (soft-deleted) rather than removed while orders or threshold state still
// reference them; full removal cascades cleanup of both.
type Symbol struct {
	Name    string // Pair identifier, e.g. "BTCUSDT"
	Enabled bool
	Invalid bool   // Flagged after a permanent exchange rejection
	Reason  string // Last rejection message when Invalid

	// Per-symbol overrides; zero values fall back to global configuration.
	Kind              OrderKind
	Leverage          int
	MarginType        MarginType
	TakeProfitPercent float64
	StopLossPercent   float64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Tradable reports whether the bot may open new entries on the symbol.
func (s *Symbol) Tradable() bool {
	return s.Enabled && !s.Invalid
}
