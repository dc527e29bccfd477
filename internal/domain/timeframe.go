package domain

import "time"

// Timeframe is one of the independent threshold-tracking horizons. Each
// timeframe keeps its own reference price and resets at its own cadence.
type Timeframe string

const (
	Daily   Timeframe = "daily"
	Weekly  Timeframe = "weekly"
	Monthly Timeframe = "monthly"
)

// Timeframes lists all horizons in evaluation order.
func Timeframes() []Timeframe {
	return []Timeframe{Daily, Weekly, Monthly}
}

// IsValid reports whether tf is a known timeframe.
func (tf Timeframe) IsValid() bool {
	switch tf {
	case Daily, Weekly, Monthly:
		return true
	}
	return false
}

// KlineInterval returns the exchange kline interval whose open price anchors
// this timeframe.
func (tf Timeframe) KlineInterval() string {
	switch tf {
	case Weekly:
		return "1w"
	case Monthly:
		return "1M"
	default:
		return "1d"
	}
}

// PeriodStart returns the UTC start of the period containing t.
// Daily periods start at midnight UTC, weekly periods on Monday midnight UTC,
// monthly periods on the 1st at midnight UTC.
func (tf Timeframe) PeriodStart(t time.Time) time.Time {
	t = t.UTC()
	switch tf {
	case Weekly:
		midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		// time.Weekday numbers Sunday as 0; shift so Monday is the period open.
		offset := (int(t.Weekday()) + 6) % 7
		return midnight.AddDate(0, 0, -offset)
	case Monthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
}
