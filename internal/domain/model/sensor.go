package model

// SensorKind identifies one of the six sensor projections of a snapshot.
type SensorKind string

const (
	SensorCurrentValue                            SensorKind = "current_value"
	SensorNetPerformance                          SensorKind = "net_performance"
	SensorNetPerformancePercent                   SensorKind = "net_performance_percent"
	SensorTotalInvestment                         SensorKind = "total_investment"
	SensorNetPerformanceWithCurrencyEffect        SensorKind = "net_performance_with_currency_effect"
	SensorNetPerformancePercentWithCurrencyEffect SensorKind = "net_performance_percent_with_currency_effect"
)

// PercentUnit is the unit string for percentage sensors. Monetary sensors
// use the portfolio's base currency as their unit.
const PercentUnit = "%"

// Reading is one sensor value projected from a snapshot. Value is nil and
// Available is false when no snapshot exists yet, when the most recent
// poll failed, or when the source field was absent from the snapshot.
type Reading struct {
	Kind      SensorKind
	Name      string
	Value     *float64
	Unit      string
	Precision int
	Available bool
}

// sensorDef describes how one sensor projects out of a snapshot.
type sensorDef struct {
	kind      SensorKind
	name      string
	percent   bool
	precision int
	source    func(*Snapshot) *float64
}

var sensorDefs = []sensorDef{
	{SensorCurrentValue, "Current Value", false, 0, func(s *Snapshot) *float64 { return s.CurrentValue }},
	{SensorNetPerformance, "Net Performance", false, 0, func(s *Snapshot) *float64 { return s.NetPerformance }},
	{SensorNetPerformancePercent, "Net Performance Percentage", true, 2, func(s *Snapshot) *float64 { return s.NetPerformancePercent }},
	{SensorTotalInvestment, "Total Investment", false, 0, func(s *Snapshot) *float64 { return s.TotalInvestment }},
	{SensorNetPerformanceWithCurrencyEffect, "Net Performance with Currency Effect", false, 0, func(s *Snapshot) *float64 { return s.NetPerformanceWithCurrencyEffect }},
	{SensorNetPerformancePercentWithCurrencyEffect, "Net Performance Percentage with Currency Effect", true, 2, func(s *Snapshot) *float64 { return s.NetPerformancePercentWithCurrencyEffect }},
}

// Project returns the six sensor readings for a snapshot. Percentage
// fields arrive from the API as fractions and are converted to percent
// here; everything else is passed through untouched. A nil snapshot or
// available=false yields six unavailable readings.
func Project(snap *Snapshot, available bool) []Reading {
	readings := make([]Reading, 0, len(sensorDefs))

	for _, def := range sensorDefs {
		r := Reading{
			Kind:      def.kind,
			Name:      def.name,
			Precision: def.precision,
		}
		if def.percent {
			r.Unit = PercentUnit
		} else if snap != nil {
			r.Unit = snap.BaseCurrency
		}

		if available && snap != nil {
			if v := def.source(snap); v != nil {
				val := *v
				if def.percent {
					val *= 100
				}
				r.Value = &val
				r.Available = true
			}
		}

		readings = append(readings, r)
	}

	return readings
}
