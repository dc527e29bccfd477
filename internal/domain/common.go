package domain

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// OrderStatus represents the lifecycle state of an order.
// Pending orders may transition to Filled or Cancelled; both are terminal.
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusFilled    OrderStatus = "filled"
	StatusCancelled OrderStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s OrderStatus) IsTerminal() bool {
	return s == StatusFilled || s == StatusCancelled
}

// OrderKind discriminates spot orders from futures orders. Kind-specific
// fields (leverage, margin type, direction) are only meaningful for futures.
type OrderKind string

const (
	KindSpot    OrderKind = "spot"
	KindFutures OrderKind = "futures"
)

// TradeDirection is the futures position direction.
type TradeDirection string

const (
	DirectionLong  TradeDirection = "long"
	DirectionShort TradeDirection = "short"
)

// MarginType is the futures margin mode.
type MarginType string

const (
	MarginCross    MarginType = "cross"
	MarginIsolated MarginType = "isolated"
)

// CancelReason indicates why an order left the pending state without filling.
type CancelReason string

const (
	CancelReasonTimeout CancelReason = "timeout"
	// CancelReasonExchange marks a cancellation the bot observed on the
	// exchange rather than one it initiated.
	CancelReasonExchange CancelReason = "exchange"
	CancelReasonCleanup  CancelReason = "symbol_removed"
)
