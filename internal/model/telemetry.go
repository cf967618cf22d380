package model

// TaskResult reports completion of one dispatched unit.
type TaskResult struct {
	UnitId string
	TaskId string
	Ok     bool
}

// NodeTelemetry is the per-node monitor payload for one round.
// TrainingTimeNs is keyed by task ID. TaskPeakMemoryMB is keyed by task ID,
// then device ID. DevicePeakMemoryMB is keyed by device ID and covers every
// process on the device, not just the dispatched task.
type NodeTelemetry struct {
	NodeId             string
	TrainingTimeNs     map[string]int64
	TaskPeakMemoryMB   map[string]map[string]float64
	DevicePeakMemoryMB map[string]float64
}

// RoundReport is everything the backend observed for one round.
type RoundReport struct {
	Round     int
	Results   []TaskResult
	Telemetry []NodeTelemetry
}
