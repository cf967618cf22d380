package perf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ryan0v0/flower-profiler/internal/model"
)

func TestNewModelPredictsConstantOne(t *testing.T) {
	m := NewModel(3)

	assert.Equal(t, []float64{1, 0, 0, 0}, m.Coefficients)
	assert.Equal(t, 1, m.Capacity)
	assert.True(t, m.LowConfidence)
	assert.InDelta(t, 1.0, m.Predict(5), 1e-9)
	assert.InDelta(t, 1.0, m.Predict(500), 1e-9)
}

func TestFitLinear(t *testing.T) {
	m := NewModel(1)
	samples := []Sample{
		{Steps: 10, Seconds: 1.0},
		{Steps: 20, Seconds: 2.0},
	}

	require.NoError(t, m.Fit(samples, 1))

	assert.InDelta(t, 0.0, m.Coefficients[0], 1e-6)
	assert.InDelta(t, 0.1, m.Coefficients[1], 1e-6)
	assert.False(t, m.LowConfidence)
	assert.InDelta(t, 3.0, m.Predict(30), 1e-6)
}

func TestFitQuadratic(t *testing.T) {
	m := NewModel(2)
	samples := []Sample{
		{Steps: 1, Seconds: 1.0},
		{Steps: 2, Seconds: 4.0},
		{Steps: 3, Seconds: 9.0},
	}

	require.NoError(t, m.Fit(samples, 2))

	assert.InDelta(t, 16.0, m.Predict(4), 1e-6)
	assert.False(t, m.LowConfidence)
}

func TestFitOverdetermined(t *testing.T) {
	m := NewModel(1)
	samples := []Sample{
		{Steps: 5, Seconds: 1.75},
		{Steps: 10, Seconds: 3.0},
		{Steps: 15, Seconds: 4.25},
		{Steps: 20, Seconds: 5.5},
	}

	require.NoError(t, m.Fit(samples, 1))

	assert.InDelta(t, 0.5, m.Coefficients[0], 1e-6)
	assert.InDelta(t, 0.25, m.Coefficients[1], 1e-6)
	assert.False(t, m.LowConfidence)
}

func TestFitUnderdeterminedSetsLowConfidence(t *testing.T) {
	m := NewModel(2)
	samples := []Sample{
		{Steps: 10, Seconds: 1.0},
	}

	require.NoError(t, m.Fit(samples, 2))

	assert.True(t, m.LowConfidence)
	// the minimum-norm solution still reproduces the observed point
	assert.InDelta(t, 1.0, m.Predict(10), 1e-6)
}

func TestFitNoSamplesKeepsCoefficients(t *testing.T) {
	m := NewModel(1)

	err := m.Fit(nil, 1)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidSample)
	assert.Equal(t, []float64{1, 0}, m.Coefficients)
	assert.True(t, m.LowConfidence)
}

func TestFitPreservesCapacity(t *testing.T) {
	m := NewModel(1)
	m.Capacity = 4

	require.NoError(t, m.Fit([]Sample{{Steps: 10, Seconds: 1.0}, {Steps: 20, Seconds: 2.0}}, 1))

	assert.Equal(t, 4, m.Capacity)
}

func TestEstimateCapacity(t *testing.T) {
	capacity, err := EstimateCapacity(1000, 400, 200)

	require.NoError(t, err)
	assert.Equal(t, 4, capacity)
}

func TestEstimateCapacityFloorsFraction(t *testing.T) {
	capacity, err := EstimateCapacity(1000, 999, 500)

	require.NoError(t, err)
	assert.Equal(t, 1, capacity)
}

func TestEstimateCapacitySaturatedDevice(t *testing.T) {
	// everything beyond the probe's own footprint is taken
	capacity, err := EstimateCapacity(8192, 8192, 1024)

	require.NoError(t, err)
	assert.Equal(t, 1, capacity)
}

func TestEstimateCapacityNeverNegative(t *testing.T) {
	capacity, err := EstimateCapacity(1000, 1400, 200)

	require.NoError(t, err)
	assert.Equal(t, 0, capacity)
}

func TestEstimateCapacityZeroTaskPeak(t *testing.T) {
	_, err := EstimateCapacity(1000, 400, 0)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidSample)
}

func TestModelSetOrdersKeys(t *testing.T) {
	set := NewModelSet()
	keyB := model.DeviceKey{NodeId: "node-b", DeviceId: "GPU-0"}
	keyA2 := model.DeviceKey{NodeId: "node-a", DeviceId: "GPU-1"}
	keyA1 := model.DeviceKey{NodeId: "node-a", DeviceId: "GPU-0"}

	set.Put(keyB, NewModel(1))
	set.Put(keyA2, NewModel(1))
	set.Put(keyA1, NewModel(1))

	assert.Equal(t, []model.DeviceKey{keyA1, keyA2, keyB}, set.Keys())
	assert.Equal(t, 3, set.Len())
}

func TestModelSetPutReplaces(t *testing.T) {
	set := NewModelSet()
	key := model.DeviceKey{NodeId: "node-a", DeviceId: "GPU-0"}

	set.Put(key, NewModel(1))
	replacement := NewModel(1)
	replacement.Capacity = 7
	set.Put(key, replacement)

	m, found := set.Get(key)
	require.True(t, found)
	assert.Equal(t, 7, m.Capacity)
	assert.Equal(t, 1, set.Len())
}

func TestModelSetDelete(t *testing.T) {
	set := NewModelSet()
	keyA := model.DeviceKey{NodeId: "node-a", DeviceId: "GPU-0"}
	keyB := model.DeviceKey{NodeId: "node-b", DeviceId: "GPU-0"}
	set.Put(keyA, NewModel(1))
	set.Put(keyB, NewModel(1))

	set.Delete(keyA)

	_, found := set.Get(keyA)
	assert.False(t, found)
	assert.Equal(t, []model.DeviceKey{keyB}, set.Keys())

	// deleting an absent key is a no-op
	set.Delete(keyA)
	assert.Equal(t, 1, set.Len())
}
