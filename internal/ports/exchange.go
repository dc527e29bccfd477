package ports

import (
	"context"
	"time"

	"dipcatcher/internal/domain"
)

// OrderRequest describes an order to be placed on the exchange.
type OrderRequest struct {
	Symbol        string
	Side          domain.OrderSide
	Kind          domain.OrderKind
	Quantity      float64
	Price         float64 // Limit price; ignored for market orders
	StopPrice     float64 // Stop trigger; makes the order a stop-market order
	IsLimit       bool
	ClientOrderID string // Local ID for placement dedup
	Leverage      int    // Futures only
}

// OrderResponse represents the essential details returned by the exchange for
// a placed or queried order.
type OrderResponse struct {
	ExchangeID  string
	Symbol      string
	Price       float64 // Order price
	AvgPrice    float64 // Average filled price (0 until filled)
	Quantity    float64
	ExecutedQty float64
	Status      domain.OrderStatus
	Timestamp   time.Time
}

// ExchangeClient defines the interface for interacting with the trading
// venue. All calls are fallible; adapters map venue errors onto the sentinel
// errors in this package so the core can classify them as transient or
// permanent.
type ExchangeClient interface {
	// GetTickerPrice retrieves the last traded price for a symbol.
	GetTickerPrice(ctx context.Context, symbol string) (float64, error)

	// GetPeriodOpenPrice retrieves the opening price of the current candle
	// for the timeframe (daily/weekly/monthly). Used to anchor reference
	// prices at period rollover.
	GetPeriodOpenPrice(ctx context.Context, symbol string, tf domain.Timeframe) (float64, error)

	// GetBalance retrieves the free balance for an asset (e.g. "USDT").
	GetBalance(ctx context.Context, asset string) (float64, error)

	// PlaceOrder places an order and returns the exchange's view of it.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error)

	// CancelOrder cancels an open order by its exchange ID.
	CancelOrder(ctx context.Context, symbol, exchangeID string) error

	// GetOrderStatus retrieves the exchange's current view of an order.
	// The returned status is authoritative for terminal-state conflicts.
	GetOrderStatus(ctx context.Context, symbol, exchangeID string) (*OrderResponse, error)

	// SetLeverage sets the leverage for a futures symbol.
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// SetMarginType sets the margin mode for a futures symbol.
	SetMarginType(ctx context.Context, symbol string, margin domain.MarginType) error

	// Ping checks connectivity to the exchange API.
	Ping(ctx context.Context) error
}
