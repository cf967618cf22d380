package perf

import (
	"sort"

	"github.com/Ryan0v0/flower-profiler/internal/model"
)

// ModelSet holds the per-device performance models. Iteration via Keys
// follows ascending device key order regardless of insertion order, so
// schedules derived from the set are deterministic.
type ModelSet struct {
	keys   []model.DeviceKey
	models map[model.DeviceKey]*Model
}

func NewModelSet() *ModelSet {
	return &ModelSet{
		models: make(map[model.DeviceKey]*Model),
	}
}

// Put inserts or replaces the model for a device.
func (set *ModelSet) Put(key model.DeviceKey, m *Model) {
	if _, found := set.models[key]; !found {
		index := sort.Search(len(set.keys), func(i int) bool {
			return !set.keys[i].Less(key)
		})
		set.keys = append(set.keys, model.DeviceKey{})
		copy(set.keys[index+1:], set.keys[index:])
		set.keys[index] = key
	}
	set.models[key] = m
}

func (set *ModelSet) Get(key model.DeviceKey) (*Model, bool) {
	m, found := set.models[key]
	return m, found
}

// Delete removes the model for a device, if present.
func (set *ModelSet) Delete(key model.DeviceKey) {
	if _, found := set.models[key]; !found {
		return
	}
	delete(set.models, key)

	index := sort.Search(len(set.keys), func(i int) bool {
		return !set.keys[i].Less(key)
	})
	set.keys = append(set.keys[:index], set.keys[index+1:]...)
}

// Keys returns the device keys in ascending order.
func (set *ModelSet) Keys() []model.DeviceKey {
	keys := make([]model.DeviceKey, len(set.keys))
	copy(keys, set.keys)

	return keys
}

func (set *ModelSet) Len() int {
	return len(set.models)
}
