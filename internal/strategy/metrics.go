package strategy

import "github.com/uber-go/tally"

// Metrics tracks scheduling behavior across rounds.
type Metrics struct {
	DevicesDiscovered   tally.Gauge
	ModelsLowConfidence tally.Gauge
	ProjectedMakespan   tally.Gauge
	ProbesDispatched    tally.Counter
	UnitsAssigned       tally.Counter
	CapacityFallbacks   tally.Counter
	FitFailures         tally.Counter
	DispatchFailures    tally.Counter
	RoundFailures       tally.Counter
	RoundsCompleted     tally.Counter
	ObservedRound       tally.Timer
}

func NewMetrics(scope tally.Scope) *Metrics {
	return &Metrics{
		DevicesDiscovered:   scope.Gauge("devices_discovered"),
		ModelsLowConfidence: scope.Gauge("models_low_confidence"),
		ProjectedMakespan:   scope.Gauge("projected_makespan_seconds"),
		ProbesDispatched:    scope.Counter("probes_dispatched"),
		UnitsAssigned:       scope.Counter("units_assigned"),
		CapacityFallbacks:   scope.Counter("capacity_fallbacks"),
		FitFailures:         scope.Counter("fit_failures"),
		DispatchFailures:    scope.Counter("dispatch_failures"),
		RoundFailures:       scope.Counter("round_failures"),
		RoundsCompleted:     scope.Counter("rounds_completed"),
		ObservedRound:       scope.Timer("observed_round_duration"),
	}
}
