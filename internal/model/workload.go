package model

// WorkUnit is one schedulable training task. Steps is the unit's weight:
// the number of local optimizer steps the participant will run.
type WorkUnit struct {
	Id    string
	Steps int
}

// Placement records the device a unit landed on and the fractional share
// of that device it was granted.
type Placement struct {
	Device DeviceKey
	Share  float64
	Steps  int
}

// Assignment is a complete schedule for one round.
type Assignment struct {
	Placements      map[string]Placement  // unit ID -> placement
	ExpectedSeconds map[DeviceKey]float64 // projected busy time per device
	MakespanSeconds float64
}

func NewAssignment() *Assignment {
	return &Assignment{
		Placements:      map[string]Placement{},
		ExpectedSeconds: map[DeviceKey]float64{},
	}
}

// TaskConfig remembers which device and step count a dispatched unit received,
// so telemetry can be attributed after the round completes.
type TaskConfig struct {
	Device DeviceKey
	Steps  int
}

// ResourceClaim is the device affinity and fractional share handed to a
// participant for the upcoming round.
type ResourceClaim struct {
	NodeId      string
	DeviceIndex int
	Fraction    float64
}

// Dispatch is a single remote work order for the execution backend.
type Dispatch struct {
	Round  int
	Unit   WorkUnit
	Device Device
	Share  float64
	Config map[string]string
}
