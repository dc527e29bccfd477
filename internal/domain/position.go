package domain

// Position is the derived aggregate of all filled buys for a symbol not yet
// fully exited. It is not stored separately; it is rebuilt from filled orders
// on startup and updated as fills and exits occur.
type Position struct {
	Symbol        string
	Quantity      float64 // Remaining base-asset quantity
	AvgEntryPrice float64 // Quantity-weighted mean purchase price
	CostBasis     float64 // Cumulative quote spent on the remaining quantity

	// OriginalQuantity is the quantity right after the most recent entry fill.
	// Partial take-profit rungs are sized against this, not the shrinking
	// remainder.
	OriginalQuantity float64
}

// IsOpen reports whether any quantity remains.
func (p *Position) IsOpen() bool {
	return p.Quantity > 0
}

// HypotheticalAvg returns the average entry price the position would have
// after buying quantity at price. Used by the only-lower-entries protection
// to reject a buy before it is sent.
func (p *Position) HypotheticalAvg(price, quantity float64) float64 {
	totalQty := p.Quantity + quantity
	if totalQty <= 0 {
		return 0
	}
	return (p.CostBasis + price*quantity) / totalQty
}

// WouldRaiseAverage reports whether buying quantity at price would increase
// the position's average entry price.
func (p *Position) WouldRaiseAverage(price, quantity float64) bool {
	if !p.IsOpen() {
		return false
	}
	return p.HypotheticalAvg(price, quantity) > p.AvgEntryPrice
}

// ApplyFill folds a filled buy into the aggregate and re-bases the original
// quantity for partial take-profit sizing.
func (p *Position) ApplyFill(price, quantity float64) {
	p.CostBasis += price * quantity
	p.Quantity += quantity
	if p.Quantity > 0 {
		p.AvgEntryPrice = p.CostBasis / p.Quantity
	}
	p.OriginalQuantity = p.Quantity
}

// ReduceBy removes quantity from the position after an exit, shrinking the
// cost basis proportionally. The average entry price is unchanged by exits.
func (p *Position) ReduceBy(quantity float64) {
	if quantity >= p.Quantity {
		p.Quantity = 0
		p.CostBasis = 0
		p.OriginalQuantity = 0
		return
	}
	p.CostBasis -= quantity * p.AvgEntryPrice
	p.Quantity -= quantity
}

// UnrealizedGainPercent returns the percentage gain of price over the average
// entry price.
func (p *Position) UnrealizedGainPercent(price float64) float64 {
	if p.AvgEntryPrice <= 0 {
		return 0
	}
	return (price - p.AvgEntryPrice) / p.AvgEntryPrice * 100
}
