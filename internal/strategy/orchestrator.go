package strategy

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/uber-go/tally"

	"github.com/Ryan0v0/flower-profiler/internal/backend"
	"github.com/Ryan0v0/flower-profiler/internal/clientmgr"
	"github.com/Ryan0v0/flower-profiler/internal/common"
	"github.com/Ryan0v0/flower-profiler/internal/events"
	"github.com/Ryan0v0/flower-profiler/internal/inventory"
	"github.com/Ryan0v0/flower-profiler/internal/model"
	"github.com/Ryan0v0/flower-profiler/internal/perf"
)

// RoundConfigFn supplies the base dispatch config for a round. Probe and
// placement keys are merged on top of it.
type RoundConfigFn func(round int) map[string]string

type Options struct {
	RunId               string
	PolyDegree          int
	FractionFit         float64
	MinFitClients       int
	MinAvailableClients int
	AcceptFailures      bool
	ProbeSteps          int
	DefaultSteps        int
	Profiles            map[string]int
	Seed                int64
	RoundConfigFn       RoundConfigFn
}

func DefaultOptions() Options {
	return Options{
		PolyDegree:          common.DEFAULT_POLY_DEGREE,
		FractionFit:         common.DEFAULT_FRACTION_FIT,
		MinFitClients:       common.DEFAULT_MIN_FIT_CLIENTS,
		MinAvailableClients: common.DEFAULT_MIN_AVAILABLE_CLIENTS,
		AcceptFailures:      true,
		ProbeSteps:          common.DEFAULT_PROBE_STEPS,
		DefaultSteps:        common.DEFAULT_LOCAL_STEPS,
	}
}

// ResourceAware drives the three-phase profiling protocol: discover devices
// and probe their memory, calibrate per-device duration models, then
// schedule every following round over the fitted models.
type ResourceAware struct {
	backend   backend.IExecutionBackend
	clients   clientmgr.IClientManager
	inventory *inventory.Inventory
	eventBus  *events.EventBus
	logger    hclog.Logger
	metrics   *Metrics
	options   Options

	// warmupSteps are drawn once per process so repeated calibrations
	// reuse the same sizes
	warmupSteps []int
	rng         *rand.Rand

	models      *perf.ModelSet
	taskConfigs map[string]model.TaskConfig

	mutex        sync.RWMutex
	state        phaseState
	round        int
	devices      map[model.DeviceKey]model.Device
	lastMakespan float64
}

func New(execBackend backend.IExecutionBackend, clients clientmgr.IClientManager,
	eventBus *events.EventBus, logger hclog.Logger, scope tally.Scope,
	options Options) (*ResourceAware, error) {
	if options.PolyDegree < 1 || options.PolyDegree > common.MAX_POLY_DEGREE {
		return nil, errors.Errorf("polynomial degree must be between 1 and %d, got %d",
			common.MAX_POLY_DEGREE, options.PolyDegree)
	}

	seed := options.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	logger.Info(fmt.Sprintf("Calibration seed: %d", seed))

	orch := &ResourceAware{
		backend:     execBackend,
		clients:     clients,
		inventory:   inventory.New(execBackend, logger),
		eventBus:    eventBus,
		logger:      logger,
		metrics:     NewMetrics(scope),
		options:     options,
		warmupSteps: drawWarmupSteps(rng, options.PolyDegree),
		rng:         rng,
		models:      perf.NewModelSet(),
		taskConfigs: make(map[string]model.TaskConfig),
		devices:     make(map[model.DeviceKey]model.Device),
	}
	orch.state = &discoveringState{orch: orch}
	logger.Info(fmt.Sprintf("Calibration step sizes: %v", orch.warmupSteps))

	return orch, nil
}

// Run executes the given number of rounds. A failed round is logged and the
// phase is retried on the next round; only context cancellation stops the
// loop early.
func (orch *ResourceAware) Run(ctx context.Context, rounds int) error {
	deviceStateChangeChan := make(chan events.Event, 64)
	orch.eventBus.Subscribe(common.DEVICE_STATE_CHANGE_EVENT_TYPE, deviceStateChangeChan)
	done := make(chan struct{})
	go orch.deviceStateChangeHandler(deviceStateChangeChan, done)
	defer func() {
		orch.eventBus.Unsubscribe(common.DEVICE_STATE_CHANGE_EVENT_TYPE, deviceStateChangeChan)
		close(done)
	}()

	exitCode := int32(0)
	exitMessage := fmt.Sprintf("completed %d rounds", rounds)
	defer func() {
		orch.eventBus.Publish(events.Event{
			Type:      common.RUN_FINISHED_EVENT_TYPE,
			Timestamp: time.Now(),
			Data: events.RunFinishedEvent{
				RunId:       orch.options.RunId,
				ExitCode:    exitCode,
				ExitMessage: exitMessage,
			},
		})
	}()

	for round := 1; round <= rounds; round++ {
		if err := ctx.Err(); err != nil {
			exitCode = 1
			exitMessage = err.Error()
			return err
		}
		if err := orch.RunRound(ctx, round); err != nil {
			if ctx.Err() != nil {
				exitCode = 1
				exitMessage = ctx.Err().Error()
				return ctx.Err()
			}
			orch.logger.Error(fmt.Sprintf("Round %d failed: %s", round, err.Error()))
			continue
		}
		orch.metrics.RoundsCompleted.Inc(1)
	}

	return nil
}

// RunRound drives one full round: configure, dispatch concurrently, wait at
// the round barrier, then digest the report.
func (orch *ResourceAware) RunRound(ctx context.Context, round int) error {
	orch.setRound(round)

	dispatches, err := orch.ConfigureRound(ctx, round)
	if err != nil {
		orch.metrics.RoundFailures.Inc(1)
		return errors.Wrapf(err, "configuring round %d", round)
	}

	if err := orch.backend.StartCollection(ctx); err != nil {
		orch.metrics.RoundFailures.Inc(1)
		return errors.Wrapf(err, "starting telemetry collection for round %d", round)
	}

	orch.dispatchAll(ctx, dispatches)

	report, err := orch.backend.AwaitRound(ctx, round)
	if err != nil {
		orch.backend.StopCollection(ctx)
		orch.metrics.RoundFailures.Inc(1)
		return errors.Wrapf(err, "awaiting round %d", round)
	}
	if err := orch.backend.StopCollection(ctx); err != nil {
		orch.logger.Warn(fmt.Sprintf("Stopping telemetry collection failed: %s", err.Error()))
	}

	return orch.CompleteRound(ctx, round, report)
}

// ConfigureRound builds the dispatches for the round according to the
// current phase. It does not dispatch anything itself.
func (orch *ResourceAware) ConfigureRound(ctx context.Context, round int) ([]model.Dispatch, error) {
	return orch.currentState().configure(ctx, round)
}

// CompleteRound digests the round report and advances the phase machine. On
// error the current phase stays in place.
func (orch *ResourceAware) CompleteRound(ctx context.Context, round int, report *model.RoundReport) error {
	state := orch.currentState()
	next, err := state.complete(ctx, round, report)
	if err != nil {
		orch.metrics.RoundFailures.Inc(1)
		return errors.Wrapf(err, "completing round %d", round)
	}

	if next.phase() != state.phase() {
		orch.logger.Info(fmt.Sprintf("Transitioning from %s to %s", state.phase(), next.phase()))
	}
	orch.setState(next)

	return nil
}

func (orch *ResourceAware) Phase() Phase {
	orch.mutex.RLock()
	defer orch.mutex.RUnlock()

	return orch.state.phase()
}

func (orch *ResourceAware) Round() int {
	orch.mutex.RLock()
	defer orch.mutex.RUnlock()

	return orch.round
}

func (orch *ResourceAware) DeviceCount() int {
	orch.mutex.RLock()
	defer orch.mutex.RUnlock()

	return len(orch.devices)
}

func (orch *ResourceAware) LastMakespan() float64 {
	orch.mutex.RLock()
	defer orch.mutex.RUnlock()

	return orch.lastMakespan
}

// dispatchAll starts every dispatch as its own remote operation and returns
// once all of them have been issued.
func (orch *ResourceAware) dispatchAll(ctx context.Context, dispatches []model.Dispatch) {
	var waitGroup sync.WaitGroup
	for _, dispatch := range dispatches {
		waitGroup.Add(1)
		go func(dispatch model.Dispatch) {
			defer waitGroup.Done()
			taskId, err := orch.backend.Dispatch(ctx, dispatch)
			if err != nil {
				orch.logger.Error(fmt.Sprintf("Dispatch of unit %s to %s failed: %s",
					dispatch.Unit.Id, dispatch.Device.Key, err.Error()))
				orch.metrics.DispatchFailures.Inc(1)
				return
			}
			orch.logger.Debug(fmt.Sprintf("Dispatched unit %s as task %s", dispatch.Unit.Id, taskId))
		}(dispatch)
	}
	waitGroup.Wait()
}

// refineCapacities turns the probe round's memory telemetry into per-device
// concurrent task capacities. Unusable samples fall back to capacity 1.
func (orch *ResourceAware) refineCapacities(report *model.RoundReport) {
	units := unitByTask(report.Results)
	for _, telemetry := range report.Telemetry {
		taskIds := make([]string, 0, len(telemetry.TaskPeakMemoryMB))
		for taskId := range telemetry.TaskPeakMemoryMB {
			taskIds = append(taskIds, taskId)
		}
		sort.Strings(taskIds)

		for _, taskId := range taskIds {
			if _, found := units[taskId]; !found {
				orch.logger.Debug(fmt.Sprintf("Ignoring memory telemetry for unknown task %s", taskId))
				continue
			}
			deviceIds := make([]string, 0, len(telemetry.TaskPeakMemoryMB[taskId]))
			for deviceId := range telemetry.TaskPeakMemoryMB[taskId] {
				deviceIds = append(deviceIds, deviceId)
			}
			sort.Strings(deviceIds)

			for _, deviceId := range deviceIds {
				key := model.DeviceKey{NodeId: telemetry.NodeId, DeviceId: deviceId}
				m, found := orch.models.Get(key)
				if !found {
					orch.logger.Warn(fmt.Sprintf("Memory telemetry for unmodeled device %s", key))
					continue
				}
				device := orch.deviceByKey(key)
				taskPeak := telemetry.TaskPeakMemoryMB[taskId][deviceId]
				allProcsPeak, hasAllProcs := telemetry.DevicePeakMemoryMB[deviceId]

				capacity := 0
				var err error
				if !hasAllProcs {
					err = errors.Wrapf(perf.ErrInvalidSample, "no all-process peak for %s", key)
				} else {
					capacity, err = perf.EstimateCapacity(device.TotalMemoryMB, allProcsPeak, taskPeak)
				}
				if err != nil {
					orch.logger.Warn(fmt.Sprintf("Capacity estimate for %s failed, falling back to 1: %s",
						key, err.Error()))
					orch.metrics.CapacityFallbacks.Inc(1)
					capacity = 1
				} else if capacity < 1 {
					orch.logger.Warn(fmt.Sprintf("Device %s has no spare capacity, clamping to 1", key))
					orch.metrics.CapacityFallbacks.Inc(1)
					capacity = 1
				}
				m.Capacity = capacity
				orch.logger.Info(fmt.Sprintf("Maximum number of concurrent units for %s = %d", key, capacity))
			}
		}
	}
}

// collectTimingSamples attributes the round's training times back to the
// devices the tasks ran on.
func (orch *ResourceAware) collectTimingSamples(report *model.RoundReport) map[model.DeviceKey][]perf.Sample {
	units := unitByTask(report.Results)
	samples := make(map[model.DeviceKey][]perf.Sample)
	for _, telemetry := range report.Telemetry {
		taskIds := make([]string, 0, len(telemetry.TrainingTimeNs))
		for taskId := range telemetry.TrainingTimeNs {
			taskIds = append(taskIds, taskId)
		}
		sort.Strings(taskIds)

		for _, taskId := range taskIds {
			unitId, found := units[taskId]
			if !found {
				orch.logger.Debug(fmt.Sprintf("Ignoring timing telemetry for unknown task %s", taskId))
				continue
			}
			taskConfig, found := orch.taskConfigs[unitId]
			if !found {
				orch.logger.Warn(fmt.Sprintf("No task config recorded for unit %s", unitId))
				continue
			}
			samples[taskConfig.Device] = append(samples[taskConfig.Device], perf.Sample{
				Steps:   taskConfig.Steps,
				Seconds: nanosToSeconds(telemetry.TrainingTimeNs[taskId]),
			})
		}
	}

	return samples
}

func (orch *ResourceAware) checkRoundFailures(report *model.RoundReport) error {
	failed := 0
	for _, result := range report.Results {
		if !result.Ok {
			failed++
		}
	}
	if failed == 0 {
		return nil
	}

	orch.logger.Warn(fmt.Sprintf("%d of %d tasks failed in round %d", failed, len(report.Results), report.Round))
	if !orch.options.AcceptFailures {
		return errors.Errorf("%d tasks failed and failures are not accepted", failed)
	}

	return nil
}

func (orch *ResourceAware) deviceStateChangeHandler(eventChan chan events.Event, done chan struct{}) {
	for {
		select {
		case event := <-eventChan:
			stateChange, ok := event.Data.(events.DeviceStateChangeEvent)
			if !ok {
				continue
			}
			for _, device := range stateChange.DevicesAdded {
				orch.logger.Info(fmt.Sprintf("Device appeared: %s", device.Key))
			}
			for _, device := range stateChange.DevicesRemoved {
				orch.logger.Warn(fmt.Sprintf("Device disappeared: %s", device.Key))
			}
		case <-done:
			return
		}
	}
}

// HELPERS

func (orch *ResourceAware) numFitClients(numAvailable int) (int, int) {
	numClients := int(float64(numAvailable) * orch.options.FractionFit)
	if numClients < orch.options.MinFitClients {
		numClients = orch.options.MinFitClients
	}

	return numClients, orch.options.MinAvailableClients
}

func (orch *ResourceAware) profileSteps(participantId string) int {
	if steps, found := orch.options.Profiles[participantId]; found {
		return steps
	}

	return orch.options.DefaultSteps
}

func (orch *ResourceAware) roundConfig(round int) map[string]string {
	config := map[string]string{}
	if orch.options.RoundConfigFn != nil {
		for key, value := range orch.options.RoundConfigFn(round) {
			config[key] = value
		}
	}

	return config
}

func (orch *ResourceAware) currentState() phaseState {
	orch.mutex.RLock()
	defer orch.mutex.RUnlock()

	return orch.state
}

func (orch *ResourceAware) setState(state phaseState) {
	orch.mutex.Lock()
	defer orch.mutex.Unlock()

	orch.state = state
}

func (orch *ResourceAware) setRound(round int) {
	orch.mutex.Lock()
	defer orch.mutex.Unlock()

	orch.round = round
}

func (orch *ResourceAware) setDevices(devices map[model.DeviceKey]model.Device) {
	orch.mutex.Lock()
	defer orch.mutex.Unlock()

	orch.devices = devices
}

func (orch *ResourceAware) deviceByKey(key model.DeviceKey) model.Device {
	orch.mutex.RLock()
	defer orch.mutex.RUnlock()

	return orch.devices[key]
}

func (orch *ResourceAware) removeDevice(key model.DeviceKey) {
	orch.mutex.Lock()
	defer orch.mutex.Unlock()

	delete(orch.devices, key)
}

func (orch *ResourceAware) setLastMakespan(makespan float64) {
	orch.mutex.Lock()
	defer orch.mutex.Unlock()

	orch.lastMakespan = makespan
}

func unitByTask(results []model.TaskResult) map[string]string {
	units := make(map[string]string)
	for _, result := range results {
		if !result.Ok {
			continue
		}
		units[result.TaskId] = result.UnitId
	}

	return units
}

func nanosToSeconds(nanos int64) float64 {
	return float64(nanos) / 1e9
}

// drawWarmupSteps picks degree+1 distinct step sizes from the warmup pool.
// The pool widens beyond the default maximum when high degrees need more
// distinct sizes than it holds.
func drawWarmupSteps(rng *rand.Rand, degree int) []int {
	poolMax := common.WARMUP_STEPS_MAX
	if needed := common.WARMUP_STEPS_STRIDE * (degree + 1); needed > poolMax {
		poolMax = needed
	}

	pool := []int{}
	for steps := common.WARMUP_STEPS_MIN; steps <= poolMax; steps += common.WARMUP_STEPS_STRIDE {
		pool = append(pool, steps)
	}

	draw := make([]int, 0, degree+1)
	for _, index := range rng.Perm(len(pool))[:degree+1] {
		draw = append(draw, pool[index])
	}

	return draw
}
