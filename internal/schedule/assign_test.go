package schedule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ryan0v0/flower-profiler/internal/model"
	"github.com/Ryan0v0/flower-profiler/internal/perf"
)

func linearModel(secondsPerStep float64, capacity int) *perf.Model {
	return &perf.Model{
		Coefficients: []float64{0, secondsPerStep},
		Capacity:     capacity,
	}
}

func TestAssignPacksUpToCapacity(t *testing.T) {
	key := model.DeviceKey{NodeId: "node-a", DeviceId: "GPU-0"}
	models := perf.NewModelSet()
	models.Put(key, linearModel(0.1, 2))

	units := []model.WorkUnit{
		{Id: "u-small", Steps: 10},
		{Id: "u-large", Steps: 30},
		{Id: "u-mid", Steps: 20},
	}

	assignment, err := Assign(units, models)
	require.NoError(t, err)

	// first batch carries 30 and 20, charged once at the largest weight
	large := assignment.Placements["u-large"]
	mid := assignment.Placements["u-mid"]
	small := assignment.Placements["u-small"]
	assert.Equal(t, key, large.Device)
	assert.Equal(t, key, mid.Device)
	assert.Equal(t, key, small.Device)
	assert.InDelta(t, 0.5, large.Share, 1e-9)
	assert.InDelta(t, 0.5, mid.Share, 1e-9)
	assert.InDelta(t, 1.0, small.Share, 1e-9)

	// 3.0 seconds for the packed batch plus 1.0 for the leftover
	assert.InDelta(t, 4.0, assignment.ExpectedSeconds[key], 1e-9)
	assert.InDelta(t, 4.0, assignment.MakespanSeconds, 1e-9)
}

func TestAssignBalancesAcrossDevices(t *testing.T) {
	keyA := model.DeviceKey{NodeId: "node-a", DeviceId: "GPU-0"}
	keyB := model.DeviceKey{NodeId: "node-b", DeviceId: "GPU-0"}
	models := perf.NewModelSet()
	models.Put(keyA, linearModel(0.1, 1))
	models.Put(keyB, linearModel(0.1, 1))

	units := []model.WorkUnit{
		{Id: "u1", Steps: 30},
		{Id: "u2", Steps: 20},
		{Id: "u3", Steps: 10},
	}

	assignment, err := Assign(units, models)
	require.NoError(t, err)

	assert.Equal(t, keyA, assignment.Placements["u1"].Device)
	assert.Equal(t, keyB, assignment.Placements["u2"].Device)
	// node-b is the least loaded after the first two placements
	assert.Equal(t, keyB, assignment.Placements["u3"].Device)
	assert.InDelta(t, 3.0, assignment.ExpectedSeconds[keyA], 1e-9)
	assert.InDelta(t, 3.0, assignment.ExpectedSeconds[keyB], 1e-9)
	assert.InDelta(t, 3.0, assignment.MakespanSeconds, 1e-9)
}

func TestAssignPrefersFasterDevice(t *testing.T) {
	fast := model.DeviceKey{NodeId: "node-a", DeviceId: "GPU-0"}
	slow := model.DeviceKey{NodeId: "node-b", DeviceId: "GPU-0"}
	models := perf.NewModelSet()
	models.Put(fast, linearModel(0.05, 1))
	models.Put(slow, linearModel(0.2, 1))

	units := []model.WorkUnit{
		{Id: "u1", Steps: 30},
		{Id: "u2", Steps: 20},
		{Id: "u3", Steps: 10},
	}

	assignment, err := Assign(units, models)
	require.NoError(t, err)

	assert.Equal(t, fast, assignment.Placements["u1"].Device)
	assert.Equal(t, slow, assignment.Placements["u2"].Device)
	assert.Equal(t, fast, assignment.Placements["u3"].Device)
	assert.InDelta(t, 2.0, assignment.ExpectedSeconds[fast], 1e-9)
	assert.InDelta(t, 4.0, assignment.ExpectedSeconds[slow], 1e-9)
	assert.InDelta(t, 4.0, assignment.MakespanSeconds, 1e-9)
}

func TestAssignTieBreaksOnLowestKey(t *testing.T) {
	keyA := model.DeviceKey{NodeId: "node-a", DeviceId: "GPU-0"}
	keyB := model.DeviceKey{NodeId: "node-b", DeviceId: "GPU-0"}
	models := perf.NewModelSet()
	// insert in reverse to show insertion order does not matter
	models.Put(keyB, linearModel(0.1, 1))
	models.Put(keyA, linearModel(0.1, 1))

	units := []model.WorkUnit{
		{Id: "u1", Steps: 10},
		{Id: "u2", Steps: 10},
	}

	assignment, err := Assign(units, models)
	require.NoError(t, err)

	// equal weights keep input order, equal loads go to the lowest key
	assert.Equal(t, keyA, assignment.Placements["u1"].Device)
	assert.Equal(t, keyB, assignment.Placements["u2"].Device)
}

func TestAssignIsDeterministic(t *testing.T) {
	models := perf.NewModelSet()
	models.Put(model.DeviceKey{NodeId: "node-a", DeviceId: "GPU-0"}, linearModel(0.1, 2))
	models.Put(model.DeviceKey{NodeId: "node-a", DeviceId: "GPU-1"}, linearModel(0.05, 1))
	models.Put(model.DeviceKey{NodeId: "node-b", DeviceId: "GPU-0"}, linearModel(0.2, 3))

	units := []model.WorkUnit{
		{Id: "u1", Steps: 25},
		{Id: "u2", Steps: 5},
		{Id: "u3", Steps: 25},
		{Id: "u4", Steps: 15},
		{Id: "u5", Steps: 10},
	}

	first, err := Assign(units, models)
	require.NoError(t, err)
	second, err := Assign(units, models)
	require.NoError(t, err)

	assert.Equal(t, first.Placements, second.Placements)
	assert.Equal(t, first.ExpectedSeconds, second.ExpectedSeconds)
	assert.Equal(t, first.MakespanSeconds, second.MakespanSeconds)
}

func TestAssignDoesNotMutateInput(t *testing.T) {
	models := perf.NewModelSet()
	models.Put(model.DeviceKey{NodeId: "node-a", DeviceId: "GPU-0"}, linearModel(0.1, 1))

	units := []model.WorkUnit{
		{Id: "u1", Steps: 10},
		{Id: "u2", Steps: 30},
		{Id: "u3", Steps: 20},
	}

	_, err := Assign(units, models)
	require.NoError(t, err)

	assert.Equal(t, []model.WorkUnit{
		{Id: "u1", Steps: 10},
		{Id: "u2", Steps: 30},
		{Id: "u3", Steps: 20},
	}, units)
}

func TestAssignEmptyUnits(t *testing.T) {
	key := model.DeviceKey{NodeId: "node-a", DeviceId: "GPU-0"}
	models := perf.NewModelSet()
	models.Put(key, linearModel(0.1, 1))

	assignment, err := Assign(nil, models)
	require.NoError(t, err)

	assert.Empty(t, assignment.Placements)
	assert.Zero(t, assignment.MakespanSeconds)
	assert.InDelta(t, 0.0, assignment.ExpectedSeconds[key], 1e-9)
}

func TestAssignNoModels(t *testing.T) {
	_, err := Assign([]model.WorkUnit{{Id: "u1", Steps: 10}}, perf.NewModelSet())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoCapacity)
}

func TestAssignRejectsZeroCapacity(t *testing.T) {
	models := perf.NewModelSet()
	models.Put(model.DeviceKey{NodeId: "node-a", DeviceId: "GPU-0"}, linearModel(0.1, 0))

	_, err := Assign([]model.WorkUnit{{Id: "u1", Steps: 10}}, models)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidModel)
}

func TestAssignSharesSplitEvenly(t *testing.T) {
	key := model.DeviceKey{NodeId: "node-a", DeviceId: "GPU-0"}
	models := perf.NewModelSet()
	models.Put(key, linearModel(0.1, 3))

	units := []model.WorkUnit{
		{Id: "u1", Steps: 10},
		{Id: "u2", Steps: 20},
		{Id: "u3", Steps: 30},
	}

	assignment, err := Assign(units, models)
	require.NoError(t, err)

	for _, unit := range units {
		assert.InDelta(t, 1.0/3.0, assignment.Placements[unit.Id].Share, 1e-9)
	}
	assert.InDelta(t, 3.0, assignment.MakespanSeconds, 1e-9)
}
