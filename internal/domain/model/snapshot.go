package model

import "time"

// Snapshot is the flat set of performance metrics returned by one
// successful poll of an instance for a single range. A snapshot is
// recreated wholesale on every poll; it is never mutated or merged with
// a prior one. Metric fields are pointers because Ghostfolio omits
// fields it cannot compute (for example on an empty portfolio).
type Snapshot struct {
	ID         int64
	InstanceID string
	Range      string

	CurrentValue                            *float64
	NetPerformance                          *float64
	NetPerformancePercent                   *float64 // Fraction, not percent: 0.1234 means 12.34%.
	TotalInvestment                         *float64
	NetPerformanceWithCurrencyEffect        *float64
	NetPerformancePercentWithCurrencyEffect *float64

	CurrentNetWorth *float64
	FirstOrderDate  string
	BaseCurrency    string

	FetchedAt time.Time
}

// UserSettings carries the per-user settings read from the Ghostfolio
// user endpoint. Only the base currency is consumed.
type UserSettings struct {
	BaseCurrency string
}
