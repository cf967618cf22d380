package simbackend

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/Ryan0v0/flower-profiler/internal/common"
	"github.com/Ryan0v0/flower-profiler/internal/events"
	"github.com/Ryan0v0/flower-profiler/internal/model"
)

// DeviceSpec is the hidden ground truth for one simulated device: a linear
// duration model plus fixed memory behavior that the profiler has to
// rediscover through probes.
type DeviceSpec struct {
	Device         model.Device
	BaseSeconds    float64
	SecondsPerStep float64
	TaskPeakMB     float64
	BaselinePeakMB float64 // peak memory of everything else on the device
}

type pendingTask struct {
	taskId         string
	unitId         string
	nodeId         string
	deviceId       string
	trainingTimeNs int64
	taskPeakMB     float64
}

// SimBackend executes dispatches instantly against the device specs. It
// exists for local development and tests, where a real cluster would be
// too slow or unavailable.
type SimBackend struct {
	logger        hclog.Logger
	eventBus      *events.EventBus
	cronScheduler *cron.Cron
	rng           *rand.Rand
	jitter        float64

	mutex        sync.Mutex
	specs        map[model.DeviceKey]DeviceSpec
	knownDevices map[model.DeviceKey]model.Device
	pending      map[int][]pendingTask
	collecting   bool
}

func New(logger hclog.Logger, eventBus *events.EventBus, specs []DeviceSpec, seed int64, jitter float64) *SimBackend {
	backend := &SimBackend{
		logger:        logger,
		eventBus:      eventBus,
		cronScheduler: cron.New(cron.WithSeconds()),
		rng:           rand.New(rand.NewSource(seed)),
		jitter:        jitter,
		specs:         make(map[model.DeviceKey]DeviceSpec),
		knownDevices:  make(map[model.DeviceKey]model.Device),
		pending:       make(map[int][]pendingTask),
	}
	for _, spec := range specs {
		backend.specs[spec.Device.Key] = spec
	}

	return backend
}

func (backend *SimBackend) Topology(ctx context.Context) ([]model.Device, error) {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()

	devices := make([]model.Device, 0, len(backend.specs))
	for _, spec := range backend.specs {
		devices = append(devices, spec.Device)
	}

	return devices, nil
}

// AddDevice makes a new device visible to subsequent topology reads.
func (backend *SimBackend) AddDevice(spec DeviceSpec) {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()

	backend.specs[spec.Device.Key] = spec
}

// RemoveDevice hides a device from subsequent topology reads.
func (backend *SimBackend) RemoveDevice(key model.DeviceKey) {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()

	delete(backend.specs, key)
}

func (backend *SimBackend) Dispatch(ctx context.Context, dispatch model.Dispatch) (string, error) {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()

	spec, found := backend.specs[dispatch.Device.Key]
	if !found {
		return "", errors.Errorf("dispatch to unknown device %s", dispatch.Device.Key)
	}

	seconds := spec.BaseSeconds + spec.SecondsPerStep*float64(dispatch.Unit.Steps)
	if backend.jitter > 0 {
		seconds *= 1 + backend.jitter*(2*backend.rng.Float64()-1)
	}

	taskId := uuid.New().String()
	backend.pending[dispatch.Round] = append(backend.pending[dispatch.Round], pendingTask{
		taskId:         taskId,
		unitId:         dispatch.Unit.Id,
		nodeId:         dispatch.Device.Key.NodeId,
		deviceId:       dispatch.Device.Key.DeviceId,
		trainingTimeNs: int64(seconds * 1e9),
		taskPeakMB:     spec.TaskPeakMB,
	})

	return taskId, nil
}

func (backend *SimBackend) AwaitRound(ctx context.Context, round int) (*model.RoundReport, error) {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()

	tasks := backend.pending[round]
	delete(backend.pending, round)

	report := &model.RoundReport{Round: round}
	perNode := make(map[string]*model.NodeTelemetry)
	for _, task := range tasks {
		report.Results = append(report.Results, model.TaskResult{
			UnitId: task.unitId,
			TaskId: task.taskId,
			Ok:     true,
		})

		telemetry, found := perNode[task.nodeId]
		if !found {
			telemetry = &model.NodeTelemetry{
				NodeId:             task.nodeId,
				TrainingTimeNs:     make(map[string]int64),
				TaskPeakMemoryMB:   make(map[string]map[string]float64),
				DevicePeakMemoryMB: make(map[string]float64),
			}
			perNode[task.nodeId] = telemetry
		}
		telemetry.TrainingTimeNs[task.taskId] = task.trainingTimeNs
		telemetry.TaskPeakMemoryMB[task.taskId] = map[string]float64{
			task.deviceId: task.taskPeakMB,
		}
		// tasks in one round share the device, so the all-process peak
		// stacks their footprints on top of the baseline
		if _, found := telemetry.DevicePeakMemoryMB[task.deviceId]; !found {
			telemetry.DevicePeakMemoryMB[task.deviceId] = backend.baselinePeak(task.nodeId, task.deviceId)
		}
		telemetry.DevicePeakMemoryMB[task.deviceId] += task.taskPeakMB
	}

	nodeIds := make([]string, 0, len(perNode))
	for nodeId := range perNode {
		nodeIds = append(nodeIds, nodeId)
	}
	sort.Strings(nodeIds)
	for _, nodeId := range nodeIds {
		report.Telemetry = append(report.Telemetry, *perNode[nodeId])
	}

	backend.logger.Info(fmt.Sprintf("Round %d finished with %d simulated tasks", round, len(tasks)))

	return report, nil
}

func (backend *SimBackend) StartCollection(ctx context.Context) error {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()

	backend.collecting = true

	return nil
}

func (backend *SimBackend) StopCollection(ctx context.Context) error {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()

	backend.collecting = false

	return nil
}

func (backend *SimBackend) StartDeviceStateChangeNotifier() {
	backend.cronScheduler.AddFunc("@every 1s", backend.notifyDeviceStateChanges)

	backend.cronScheduler.Start()
}

func (backend *SimBackend) StopAllNotifiers() {
	backend.cronScheduler.Stop()
}

func (backend *SimBackend) notifyDeviceStateChanges() {
	devices, err := backend.Topology(context.Background())
	if err != nil {
		return
	}
	devicesNew := common.DeviceMapFromSlice(devices)

	backend.mutex.Lock()
	event := common.GetDeviceStateChangeEvent(backend.knownDevices, devicesNew)
	backend.knownDevices = devicesNew
	backend.mutex.Unlock()

	if (event != events.Event{}) {
		backend.eventBus.Publish(event)
	}
}

func (backend *SimBackend) baselinePeak(nodeId string, deviceId string) float64 {
	spec, found := backend.specs[model.DeviceKey{NodeId: nodeId, DeviceId: deviceId}]
	if !found {
		return 0
	}

	return spec.BaselinePeakMB
}

// DefaultFleet is a small heterogeneous cluster: two nodes, two GPUs each,
// with distinct hidden time models, plus the nodes' CPU devices.
func DefaultFleet() []DeviceSpec {
	return []DeviceSpec{
		{
			Device: model.Device{
				Key:           model.DeviceKey{NodeId: "node-a", DeviceId: "GPU-0"},
				Kind:          model.DeviceKindGpu,
				Index:         0,
				TotalMemoryMB: 16384,
			},
			BaseSeconds:    0.5,
			SecondsPerStep: 0.05,
			TaskPeakMB:     2048,
			BaselinePeakMB: 1024,
		},
		{
			Device: model.Device{
				Key:           model.DeviceKey{NodeId: "node-a", DeviceId: "GPU-1"},
				Kind:          model.DeviceKindGpu,
				Index:         1,
				TotalMemoryMB: 16384,
			},
			BaseSeconds:    0.8,
			SecondsPerStep: 0.09,
			TaskPeakMB:     3072,
			BaselinePeakMB: 1024,
		},
		{
			Device: model.Device{
				Key:           model.DeviceKey{NodeId: "node-a", DeviceId: "cpu"},
				Kind:          model.DeviceKindCpu,
				Index:         0,
				TotalMemoryMB: 32768,
			},
		},
		{
			Device: model.Device{
				Key:           model.DeviceKey{NodeId: "node-b", DeviceId: "GPU-0"},
				Kind:          model.DeviceKindGpu,
				Index:         0,
				TotalMemoryMB: 8192,
			},
			BaseSeconds:    1.0,
			SecondsPerStep: 0.2,
			TaskPeakMB:     2048,
			BaselinePeakMB: 512,
		},
		{
			Device: model.Device{
				Key:           model.DeviceKey{NodeId: "node-b", DeviceId: "GPU-1"},
				Kind:          model.DeviceKindGpu,
				Index:         1,
				TotalMemoryMB: 8192,
			},
			BaseSeconds:    1.2,
			SecondsPerStep: 0.25,
			TaskPeakMB:     4096,
			BaselinePeakMB: 0,
		},
		{
			Device: model.Device{
				Key:           model.DeviceKey{NodeId: "node-b", DeviceId: "cpu"},
				Kind:          model.DeviceKindCpu,
				Index:         0,
				TotalMemoryMB: 16384,
			},
		},
	}
}
