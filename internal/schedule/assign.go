package schedule

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/Ryan0v0/flower-profiler/internal/model"
	"github.com/Ryan0v0/flower-profiler/internal/perf"
)

// ErrNoCapacity flags an assignment attempt against an empty model set.
var ErrNoCapacity = errors.New("no devices with capacity")

// ErrInvalidModel flags a model set containing a device with capacity below
// one. Capacities are clamped when models are refined, so hitting this means
// the caller handed over an unrepaired model set.
var ErrInvalidModel = errors.New("invalid performance model")

// Assign spreads the units over the modeled devices. Units are placed
// largest first; each placement visits the device with the least projected
// load and packs up to the device's capacity in one batch. Co-resident
// units run concurrently and finish no sooner than the largest, so the
// batch is charged one prediction at its largest step count and every unit
// in it receives an equal fractional share of the device.
//
// The input slice is not modified, and repeated calls with the same inputs
// produce the same assignment. Ties on projected load go to the lowest
// device key.
func Assign(units []model.WorkUnit, models *perf.ModelSet) (*model.Assignment, error) {
	if models.Len() == 0 {
		return nil, ErrNoCapacity
	}

	keys := models.Keys()
	for _, key := range keys {
		m, _ := models.Get(key)
		if m.Capacity < 1 {
			return nil, errors.Wrapf(ErrInvalidModel, "device %s has capacity %d", key, m.Capacity)
		}
	}

	assignment := model.NewAssignment()
	for _, key := range keys {
		assignment.ExpectedSeconds[key] = 0
	}
	if len(units) == 0 {
		return assignment, nil
	}

	remaining := make([]model.WorkUnit, len(units))
	copy(remaining, units)
	sort.SliceStable(remaining, func(i, j int) bool {
		return remaining[i].Steps > remaining[j].Steps
	})

	for len(remaining) > 0 {
		key := leastLoadedDevice(keys, assignment.ExpectedSeconds)
		m, _ := models.Get(key)

		batchSize := m.Capacity
		if batchSize > len(remaining) {
			batchSize = len(remaining)
		}
		batch := remaining[:batchSize]

		assignment.ExpectedSeconds[key] += m.Predict(float64(batch[0].Steps))

		share := 1.0 / float64(batchSize)
		for _, unit := range batch {
			assignment.Placements[unit.Id] = model.Placement{
				Device: key,
				Share:  share,
				Steps:  unit.Steps,
			}
		}

		remaining = remaining[batchSize:]
	}

	for _, seconds := range assignment.ExpectedSeconds {
		if seconds > assignment.MakespanSeconds {
			assignment.MakespanSeconds = seconds
		}
	}

	return assignment, nil
}

func leastLoadedDevice(keys []model.DeviceKey, load map[model.DeviceKey]float64) model.DeviceKey {
	best := keys[0]
	for _, key := range keys[1:] {
		if load[key] < load[best] {
			best = key
		}
	}

	return best
}
