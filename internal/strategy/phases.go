package strategy

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/Ryan0v0/flower-profiler/internal/common"
	"github.com/Ryan0v0/flower-profiler/internal/inventory"
	"github.com/Ryan0v0/flower-profiler/internal/model"
	"github.com/Ryan0v0/flower-profiler/internal/perf"
	"github.com/Ryan0v0/flower-profiler/internal/schedule"
)

type Phase string

const (
	PhaseDiscovering Phase = "discovering"
	PhaseCalibrating Phase = "calibrating"
	PhaseSteadyState Phase = "steady-state"
)

// phaseState builds the dispatches for its round and digests the round's
// report, returning the state that handles the next round. A failed round
// leaves the current state in place, so the next round retries the phase.
type phaseState interface {
	phase() Phase
	configure(ctx context.Context, round int) ([]model.Dispatch, error)
	complete(ctx context.Context, round int, report *model.RoundReport) (phaseState, error)
}

// discoveringState reads the cluster topology, creates the initial models
// and sends one fixed-size probe to every modeled device.
type discoveringState struct {
	orch *ResourceAware
}

func (state *discoveringState) phase() Phase {
	return PhaseDiscovering
}

func (state *discoveringState) configure(ctx context.Context, round int) ([]model.Dispatch, error) {
	orch := state.orch

	devices, err := orch.inventory.Discover(ctx)
	if err != nil {
		return nil, err
	}
	orch.setDevices(common.DeviceMapFromSlice(devices))
	orch.metrics.DevicesDiscovered.Update(float64(len(devices)))

	models := perf.NewModelSet()
	for _, device := range devices {
		// CPU devices are recorded but not modeled
		if device.Kind != model.DeviceKindGpu {
			continue
		}
		models.Put(device.Key, perf.NewModel(orch.options.PolyDegree))
	}
	if models.Len() == 0 {
		return nil, errors.Wrap(inventory.ErrNoDevices, "no GPU devices in topology")
	}
	orch.models = models

	// one probe per device
	participants, err := orch.clients.Sample(models.Len(), models.Len())
	if err != nil {
		return nil, err
	}

	dispatches := []model.Dispatch{}
	for i, key := range models.Keys() {
		participant := participants[i]
		device := orch.deviceByKey(key)

		config := orch.roundConfig(round)
		config[common.CONFIG_KEY_EPOCHS] = strconv.Itoa(common.DEFAULT_PROBE_EPOCHS)
		config[common.CONFIG_KEY_GPU_ID] = strconv.Itoa(device.Index)
		config[common.CONFIG_KEY_LOCAL_STEPS] = strconv.Itoa(orch.options.ProbeSteps)

		participant.Claim = model.ResourceClaim{
			NodeId:      key.NodeId,
			DeviceIndex: device.Index,
			Fraction:    1,
		}
		orch.taskConfigs[participant.Id] = model.TaskConfig{Device: key, Steps: orch.options.ProbeSteps}

		dispatches = append(dispatches, model.Dispatch{
			Round:  round,
			Unit:   model.WorkUnit{Id: participant.Id, Steps: orch.options.ProbeSteps},
			Device: device,
			Share:  1,
			Config: config,
		})
	}
	orch.metrics.ProbesDispatched.Inc(int64(len(dispatches)))

	return dispatches, nil
}

func (state *discoveringState) complete(ctx context.Context, round int,
	report *model.RoundReport) (phaseState, error) {
	orch := state.orch

	if err := orch.checkRoundFailures(report); err != nil {
		return nil, err
	}
	orch.refineCapacities(report)

	return &calibratingState{orch: orch}, nil
}

// calibratingState probes every device at the process-wide warmup step
// sizes, then fits the polynomial models from the timing telemetry.
type calibratingState struct {
	orch *ResourceAware
}

func (state *calibratingState) phase() Phase {
	return PhaseCalibrating
}

func (state *calibratingState) configure(ctx context.Context, round int) ([]model.Dispatch, error) {
	orch := state.orch

	needed := len(orch.warmupSteps) * orch.models.Len()
	participants, err := orch.clients.Sample(needed, needed)
	if err != nil {
		return nil, err
	}

	dispatches := []model.Dispatch{}
	next := 0
	for _, key := range orch.models.Keys() {
		device := orch.deviceByKey(key)
		for _, steps := range orch.warmupSteps {
			participant := participants[next]
			next++

			config := orch.roundConfig(round)
			config[common.CONFIG_KEY_EPOCHS] = strconv.Itoa(common.DEFAULT_PROBE_EPOCHS)
			config[common.CONFIG_KEY_GPU_ID] = strconv.Itoa(device.Index)
			config[common.CONFIG_KEY_LOCAL_STEPS] = strconv.Itoa(steps)

			participant.Claim = model.ResourceClaim{
				NodeId:      key.NodeId,
				DeviceIndex: device.Index,
				Fraction:    1,
			}
			orch.taskConfigs[participant.Id] = model.TaskConfig{Device: key, Steps: steps}

			dispatches = append(dispatches, model.Dispatch{
				Round:  round,
				Unit:   model.WorkUnit{Id: participant.Id, Steps: steps},
				Device: device,
				Share:  1,
				Config: config,
			})
		}
	}
	orch.metrics.ProbesDispatched.Inc(int64(len(dispatches)))

	return dispatches, nil
}

func (state *calibratingState) complete(ctx context.Context, round int,
	report *model.RoundReport) (phaseState, error) {
	orch := state.orch

	if err := orch.checkRoundFailures(report); err != nil {
		return nil, err
	}

	samples := orch.collectTimingSamples(report)

	var fitErrors *multierror.Error
	lowConfidence := 0
	for _, key := range orch.models.Keys() {
		m, _ := orch.models.Get(key)
		deviceSamples := samples[key]
		if len(deviceSamples) == 0 {
			orch.logger.Warn(fmt.Sprintf("No timing samples for %s, keeping initial model", key))
			lowConfidence++
			continue
		}
		if err := m.Fit(deviceSamples, orch.options.PolyDegree); err != nil {
			fitErrors = multierror.Append(fitErrors, errors.Wrapf(err, "fitting %s", key))
			orch.metrics.FitFailures.Inc(1)
			lowConfidence++
			continue
		}
		if m.LowConfidence {
			orch.logger.Warn(fmt.Sprintf("Model for %s fitted from %d samples, low confidence",
				key, len(deviceSamples)))
			lowConfidence++
		}
		orch.logger.Info(fmt.Sprintf("Fitted model for %s: %v", key, m.Coefficients))
	}
	orch.metrics.ModelsLowConfidence.Update(float64(lowConfidence))
	if err := fitErrors.ErrorOrNil(); err != nil {
		// devices with failed fits keep their previous model
		orch.logger.Error(fmt.Sprintf("Some models could not be fitted: %s", err.Error()))
	}

	state.dropVanishedDevices(ctx)

	return &steadyState{orch: orch}, nil
}

// dropVanishedDevices prunes models for devices that disappeared from the
// topology during calibration. A failed refresh keeps the full model set
// rather than acting on a partial view.
func (state *calibratingState) dropVanishedDevices(ctx context.Context) {
	orch := state.orch

	devices, err := orch.inventory.Discover(ctx)
	if err != nil {
		orch.logger.Warn(fmt.Sprintf("Topology refresh failed, keeping current device set: %s", err.Error()))
		return
	}

	fresh := common.DeviceMapFromSlice(devices)
	for _, key := range orch.models.Keys() {
		if _, found := fresh[key]; found {
			continue
		}
		orch.models.Delete(key)
		orch.removeDevice(key)
		orch.logger.Warn(fmt.Sprintf("Device %s vanished during calibration, dropping its model", key))
	}
}

// steadyState schedules the sampled participants' work units over the
// calibrated models, round after round.
type steadyState struct {
	orch *ResourceAware
}

func (state *steadyState) phase() Phase {
	return PhaseSteadyState
}

func (state *steadyState) configure(ctx context.Context, round int) ([]model.Dispatch, error) {
	orch := state.orch

	count, minCount := orch.numFitClients(orch.clients.AvailableCount())
	participants, err := orch.clients.Sample(count, minCount)
	if err != nil {
		return nil, err
	}

	units := make([]model.WorkUnit, 0, len(participants))
	for _, participant := range participants {
		units = append(units, model.WorkUnit{
			Id:    participant.Id,
			Steps: orch.profileSteps(participant.Id),
		})
	}

	assignment, err := schedule.Assign(units, orch.models)
	if err != nil {
		return nil, err
	}
	orch.setLastMakespan(assignment.MakespanSeconds)
	orch.metrics.ProjectedMakespan.Update(assignment.MakespanSeconds)
	orch.metrics.UnitsAssigned.Inc(int64(len(units)))
	orch.logger.Info(fmt.Sprintf("Expected training time: %.3f seconds", assignment.MakespanSeconds))

	dispatches := []model.Dispatch{}
	for _, participant := range participants {
		placement := assignment.Placements[participant.Id]
		device := orch.deviceByKey(placement.Device)

		config := orch.roundConfig(round)
		config[common.CONFIG_KEY_GPU_ID] = strconv.Itoa(device.Index)

		participant.Claim = model.ResourceClaim{
			NodeId:      placement.Device.NodeId,
			DeviceIndex: device.Index,
			Fraction:    placement.Share,
		}
		orch.taskConfigs[participant.Id] = model.TaskConfig{Device: placement.Device, Steps: placement.Steps}

		dispatches = append(dispatches, model.Dispatch{
			Round:  round,
			Unit:   model.WorkUnit{Id: participant.Id, Steps: placement.Steps},
			Device: device,
			Share:  placement.Share,
			Config: config,
		})
	}

	return dispatches, nil
}

func (state *steadyState) complete(ctx context.Context, round int,
	report *model.RoundReport) (phaseState, error) {
	orch := state.orch

	if err := orch.checkRoundFailures(report); err != nil {
		return nil, err
	}

	observed := []float64{}
	longest := 0.0
	for _, telemetry := range report.Telemetry {
		taskIds := make([]string, 0, len(telemetry.TrainingTimeNs))
		for taskId := range telemetry.TrainingTimeNs {
			taskIds = append(taskIds, taskId)
		}
		sort.Strings(taskIds)
		for _, taskId := range taskIds {
			seconds := nanosToSeconds(telemetry.TrainingTimeNs[taskId])
			observed = append(observed, seconds)
			if seconds > longest {
				longest = seconds
			}
		}
	}
	if len(observed) > 0 {
		orch.metrics.ObservedRound.Record(time.Duration(longest * float64(time.Second)))
		orch.logger.Info(fmt.Sprintf("Round %d observed: longest task %.3f seconds, average %.3f seconds",
			round, longest, common.CalculateAverageFloat64(observed)))
	}

	return state, nil
}
