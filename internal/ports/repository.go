package ports

import (
	"context"

	"dipcatcher/internal/domain"
)

// OrderRepository defines the interface for storing and retrieving orders.
type OrderRepository interface {
	// CreateOrder saves a new order and returns its assigned ID.
	CreateOrder(ctx context.Context, order *domain.Order) (int64, error)
	// UpdateOrder modifies an existing order.
	UpdateOrder(ctx context.Context, order *domain.Order) error
	// FindPendingOrders retrieves all orders still in the pending state.
	// Used for startup restoration and the stale-order sweep.
	FindPendingOrders(ctx context.Context) ([]*domain.Order, error)
	// FindFilledBySymbol retrieves all filled orders for a symbol, oldest
	// first. Used to rebuild the position aggregate.
	FindFilledBySymbol(ctx context.Context, symbol string) ([]*domain.Order, error)
	// FindRecentBySymbol retrieves the most recent orders for a symbol.
	FindRecentBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.Order, error)
	// DeletePendingBySymbol removes unfilled orders for a symbol being
	// removed. Filled history is retained.
	DeletePendingBySymbol(ctx context.Context, symbol string) error
}

// ThresholdRepository defines the interface for durable threshold state.
// Every mutation of a ThresholdState must be persisted before the mutation is
// considered consumed.
type ThresholdRepository interface {
	// SaveThresholdState upserts the state for its (symbol, timeframe) key.
	SaveThresholdState(ctx context.Context, state *domain.ThresholdState) error
	// LoadThresholdState retrieves state for a (symbol, timeframe) pair.
	// Returns nil, nil when none exists.
	LoadThresholdState(ctx context.Context, symbol string, tf domain.Timeframe) (*domain.ThresholdState, error)
	// LoadAllThresholdStates retrieves every persisted state for startup
	// restoration.
	LoadAllThresholdStates(ctx context.Context) ([]*domain.ThresholdState, error)
	// DeleteThresholdStates removes all states for a symbol being removed.
	DeleteThresholdStates(ctx context.Context, symbol string) error
}

// SymbolRepository defines the interface for the symbol registry.
type SymbolRepository interface {
	// SaveSymbol upserts a symbol record.
	SaveSymbol(ctx context.Context, sym *domain.Symbol) error
	// LoadSymbols retrieves all registered symbols.
	LoadSymbols(ctx context.Context) ([]*domain.Symbol, error)
	// DeleteSymbol hard-removes a symbol record after its cleanup cascade.
	DeleteSymbol(ctx context.Context, name string) error
}

// SettingsRepository stores runtime-overridable settings as key/value pairs
// so operator changes survive restarts.
type SettingsRepository interface {
	SaveSetting(ctx context.Context, key, value string) error
	// LoadSetting returns the stored value, or ok=false when unset.
	LoadSetting(ctx context.Context, key string) (value string, ok bool, err error)
}
