package perf

import (
	"math"

	"github.com/pkg/errors"
)

// ErrInvalidSample flags telemetry that cannot produce a model update.
var ErrInvalidSample = errors.New("invalid telemetry sample")

// EstimateCapacity computes how many concurrent tasks fit on a device from
// the memory telemetry of a single probe task:
//
//	capacity = floor((total - peakAllProcs + peakTask) / peakTask)
//
// peakAllProcs covers every process on the device during the probe, so the
// numerator is the memory still free plus the probe's own footprint. A zero
// or negative peakTask fails with ErrInvalidSample rather than dividing by
// zero. The result is never negative.
func EstimateCapacity(totalMB float64, peakAllProcsMB float64, peakTaskMB float64) (int, error) {
	if peakTaskMB <= 0 {
		return 0, errors.Wrapf(ErrInvalidSample, "task peak memory %.2f MB", peakTaskMB)
	}

	capacity := int(math.Floor((totalMB - peakAllProcsMB + peakTaskMB) / peakTaskMB))
	if capacity < 0 {
		capacity = 0
	}

	return capacity, nil
}
