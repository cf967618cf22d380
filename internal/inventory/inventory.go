package inventory

import (
	"context"
	"fmt"
	"sort"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/Ryan0v0/flower-profiler/internal/model"
)

// ErrNoDevices flags a topology read that yielded nothing to schedule on.
var ErrNoDevices = errors.New("no devices discovered")

// TopologySource reports the devices currently visible in the cluster.
type TopologySource interface {
	Topology(ctx context.Context) ([]model.Device, error)
}

// Inventory re-reads the cluster topology on demand. Every call returns a
// fresh snapshot sorted by device key; stale entries from earlier snapshots
// are never merged in.
type Inventory struct {
	source TopologySource
	logger hclog.Logger
}

func New(source TopologySource, logger hclog.Logger) *Inventory {
	return &Inventory{
		source: source,
		logger: logger,
	}
}

// Discover returns the current device snapshot. A failed topology read or an
// empty cluster is an error; partial snapshots are never returned.
func (inv *Inventory) Discover(ctx context.Context) ([]model.Device, error) {
	devices, err := inv.source.Topology(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "reading cluster topology")
	}
	if len(devices) == 0 {
		return nil, ErrNoDevices
	}

	sorted := make([]model.Device, len(devices))
	copy(sorted, devices)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Key.Less(sorted[j].Key)
	})

	numGpus := 0
	for _, device := range sorted {
		if device.Kind == model.DeviceKindGpu {
			numGpus++
		}
	}
	inv.logger.Info(fmt.Sprintf("Discovered %d devices, %d of them GPUs", len(sorted), numGpus))

	return sorted, nil
}
