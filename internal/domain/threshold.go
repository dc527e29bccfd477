package domain

import "time"

// ThresholdState is the persisted record for one (symbol, timeframe) pair:
// the period's reference price, the configured drop levels, and the subset
// that has already fired this period. The triggered set only grows within a
// period and is cleared exactly once at rollover.
type ThresholdState struct {
	Symbol         string
	Timeframe      Timeframe
	ReferencePrice float64   // Period-open anchor price
	Levels         []float64 // Configured drop percentages, ascending
	Triggered      []float64 // Levels already fired this period
	PeriodStart    time.Time // UTC start of the period the state is anchored to
	UpdatedAt      time.Time
}

// DropPercent returns the percentage drop of price below the reference price.
// Negative values mean price is above the reference.
func (t *ThresholdState) DropPercent(price float64) float64 {
	if t.ReferencePrice <= 0 {
		return 0
	}
	return (t.ReferencePrice - price) / t.ReferencePrice * 100
}

// IsTriggered reports whether the level has already fired this period.
func (t *ThresholdState) IsTriggered(level float64) bool {
	for _, l := range t.Triggered {
		if l == level {
			return true
		}
	}
	return false
}

// HighestEligible returns the single highest configured level that the
// observed drop has reached and that has not fired this period. Firing only
// the highest level prevents a large gap-down from redundantly firing every
// intermediate level in one evaluation.
func (t *ThresholdState) HighestEligible(price float64) (float64, bool) {
	drop := t.DropPercent(price)
	best := 0.0
	found := false
	for _, level := range t.Levels {
		if level <= drop && !t.IsTriggered(level) && level > best {
			best = level
			found = true
		}
	}
	return best, found
}

// MarkTriggered records the level as fired. Idempotent.
func (t *ThresholdState) MarkTriggered(level float64, now time.Time) {
	if t.IsTriggered(level) {
		return
	}
	t.Triggered = append(t.Triggered, level)
	t.UpdatedAt = now
}

// Unmark removes the level from the triggered set. Used to roll back an
// in-memory trigger whose persistence failed.
func (t *ThresholdState) Unmark(level float64) {
	for i, l := range t.Triggered {
		if l == level {
			t.Triggered = append(t.Triggered[:i], t.Triggered[i+1:]...)
			return
		}
	}
}

// NeedsRollover reports whether now falls in a later period than the one the
// state is anchored to. Comparing period starts (rather than elapsed time)
// makes rollover idempotent across restarts.
func (t *ThresholdState) NeedsRollover(now time.Time) bool {
	return t.Timeframe.PeriodStart(now).After(t.PeriodStart)
}

// Rollover re-anchors the state to a new period: reference price becomes the
// new period's opening price and the triggered set is cleared.
func (t *ThresholdState) Rollover(openPrice float64, now time.Time) {
	t.ReferencePrice = openPrice
	t.Triggered = t.Triggered[:0]
	t.PeriodStart = t.Timeframe.PeriodStart(now)
	t.UpdatedAt = now
}

// ResetTriggered clears the triggered set without touching the anchor.
// Manual recovery operation.
func (t *ThresholdState) ResetTriggered(now time.Time) {
	t.Triggered = t.Triggered[:0]
	t.UpdatedAt = now
}

// TriggerEvent is emitted when a threshold level fires. Exactly one event is
// produced per evaluation, carrying full provenance for the resulting order.
type TriggerEvent struct {
	Symbol         string
	Timeframe      Timeframe
	Level          float64 // The drop percentage that fired
	ReferencePrice float64
	CurrentPrice   float64
	Drop           float64 // Observed drop percentage at evaluation time
	At             time.Time
}
