package domain

import "time"

// Order represents a single exchange order: a threshold-triggered or manual
// buy, or an exit order derived from a filled buy. Orders are created pending
// and move to exactly one terminal state (filled or cancelled); P/L fields on
// a filled order may keep updating while its position remains open.
type Order struct {
	ID            int64       // DB identifier
	Symbol        string      // Trading pair, e.g. "BTCUSDT"
	Status        OrderStatus // pending, filled, cancelled
	Kind          OrderKind   // spot or futures
	Side          OrderSide   // BUY for entries, SELL for exits
	Price         float64     // Limit price (or fill price for market orders)
	Quantity      float64     // Base-asset quantity
	Threshold     float64     // Drop percentage that produced this order (0 for manual)
	Timeframe     Timeframe   // Originating timeframe (provenance for non-manual orders)
	ExchangeID    string      // Exchange-assigned order ID
	ClientOrderID string      // Locally generated ID, used for placement dedup
	IsManual      bool        // Operator-entered trade, bypasses guard checks
	IsLimit       bool        // Limit order (sweepable) vs market order

	// Futures-only fields; zero values for spot orders.
	Leverage   int
	Direction  TradeDirection
	MarginType MarginType

	Fees     float64 // Estimated fee in quote currency
	FeeAsset string

	// Linked exit orders, populated once the entry fills with TP/SL enabled.
	TakeProfitOrderID string
	StopLossOrderID   string
	TakeProfitPrice   float64
	StopLossPrice     float64

	RealizedPnL   float64
	UnrealizedPnL float64

	CreatedAt    time.Time
	UpdatedAt    time.Time
	FilledAt     time.Time    // Zero while not filled
	CancelledAt  time.Time    // Zero while not cancelled
	CancelReason CancelReason // Set on cancellation
}

// IsPending reports whether the order is still awaiting a terminal state.
func (o *Order) IsPending() bool {
	return o.Status == StatusPending
}

// StaleAfter reports whether a pending limit order has outlived the
// cancellation window. Market orders never go stale; they settle or fail
// at placement time.
func (o *Order) StaleAfter(window time.Duration, now time.Time) bool {
	if !o.IsPending() || !o.IsLimit {
		return false
	}
	return now.Sub(o.CreatedAt) > window
}

// Fill marks the order filled at the given price and time. Calling Fill on a
// terminal order is a programming error and is ignored.
func (o *Order) Fill(price float64, at time.Time) {
	if o.Status.IsTerminal() {
		return
	}
	if price > 0 {
		o.Price = price
	}
	o.Status = StatusFilled
	o.FilledAt = at
	o.UpdatedAt = at
}

// Cancel marks the order cancelled. Ignored on terminal orders.
func (o *Order) Cancel(reason CancelReason, at time.Time) {
	if o.Status.IsTerminal() {
		return
	}
	o.Status = StatusCancelled
	o.CancelReason = reason
	o.CancelledAt = at
	o.UpdatedAt = at
}

// Cost returns the quote-currency value of the order at its price.
func (o *Order) Cost() float64 {
	return o.Price * o.Quantity
}
