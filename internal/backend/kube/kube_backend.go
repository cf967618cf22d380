package kubebackend

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/metrics/pkg/apis/metrics/v1beta1"
	metricsv "k8s.io/metrics/pkg/client/clientset/versioned"

	"github.com/Ryan0v0/flower-profiler/internal/common"
	"github.com/Ryan0v0/flower-profiler/internal/events"
	"github.com/Ryan0v0/flower-profiler/internal/model"
)

const gpuResource = "nvidia.com/gpu"
const gpuMemoryLabel = "profiler/gpu-memory-mb"
const archLabel = "kubernetes.io/arch"
const roundLabel = "profiler/round"
const unitLabel = "profiler/unit"
const nodeLabel = "profiler/node"
const deviceLabel = "profiler/device"
const jobNameLabel = "job-name"

// KubeBackend runs training tasks as Kubernetes Jobs pinned to the node that
// owns the assigned device. Telemetry travels back through the task logs.
type KubeBackend struct {
	logger           hclog.Logger
	clientset        kubernetes.Interface
	metricsClientset metricsv.Interface
	eventBus         *events.EventBus
	cronScheduler    *cron.Cron
	namespace        string
	image            string
	pollInterval     time.Duration
	knownDevices     map[model.DeviceKey]model.Device
}

func New(logger hclog.Logger, eventBus *events.EventBus, configFilePath string, namespace string,
	image string, pollInterval time.Duration) (*KubeBackend, error) {
	// connect to Kubernetes cluster
	config, err := clientcmd.BuildConfigFromFlags("", configFilePath)
	if err != nil {
		return nil, errors.Wrap(err, "building kube client config")
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, errors.Wrap(err, "creating kube clientset")
	}

	metricsClientset, err := metricsv.NewForConfig(config)
	if err != nil {
		return nil, errors.Wrap(err, "creating kube metrics clientset")
	}

	return newWithClients(logger, eventBus, clientset, metricsClientset, namespace, image, pollInterval), nil
}

func newWithClients(logger hclog.Logger, eventBus *events.EventBus, clientset kubernetes.Interface,
	metricsClientset metricsv.Interface, namespace string, image string,
	pollInterval time.Duration) *KubeBackend {
	return &KubeBackend{
		logger:           logger,
		clientset:        clientset,
		metricsClientset: metricsClientset,
		eventBus:         eventBus,
		cronScheduler:    cron.New(cron.WithSeconds()),
		namespace:        namespace,
		image:            image,
		pollInterval:     pollInterval,
		knownDevices:     make(map[model.DeviceKey]model.Device),
	}
}

// Topology lists the ready nodes that report utilization metrics and expands
// each into its devices. Nodes without the GPU memory label contribute only
// their CPU device.
func (backend *KubeBackend) Topology(ctx context.Context) ([]model.Device, error) {
	nodes, err := backend.availableNodes(ctx)
	if err != nil {
		return nil, err
	}

	devices := []model.Device{}
	for _, node := range nodes {
		backend.logger.Debug(fmt.Sprintf("Node %s: cpu %.2f, ram %.2f",
			node.Id, node.Resources.CpuUsage, node.Resources.RamUsage))
		devices = append(devices, node.Devices...)
	}

	return devices, nil
}

func (backend *KubeBackend) availableNodes(ctx context.Context) ([]*model.Node, error) {
	nodesCoreList, err := backend.clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "listing cluster nodes")
	}

	nodeMetricsList, err := backend.metricsClientset.MetricsV1beta1().NodeMetricses().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "listing node metrics")
	}

	nodeMetricsMap := make(map[string]v1beta1.NodeMetrics)
	for _, nodeMetric := range nodeMetricsList.Items {
		nodeMetricsMap[nodeMetric.Name] = nodeMetric
	}

	nodes := []*model.Node{}
	for _, nodeCore := range nodesCoreList.Items {
		nodeMetric, exists := nodeMetricsMap[nodeCore.Name]
		if !exists {
			backend.logger.Debug(fmt.Sprintf("Node %s reports no metrics, skipping", nodeCore.Name))
			continue
		}

		if !isNodeReady(nodeCore) {
			continue
		}

		nodes = append(nodes, backend.nodeFromCore(nodeCore, nodeMetric))
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Id < nodes[j].Id })

	return nodes, nil
}

// Dispatch creates one Job for the task, pinned to the device's node. The
// training parameters travel as environment variables.
func (backend *KubeBackend) Dispatch(ctx context.Context, dispatch model.Dispatch) (string, error) {
	taskName := fmt.Sprintf("task-%s", uuid.New().String())

	job := BuildTrainingJob(taskName, backend.namespace, backend.image, dispatch)
	_, err := backend.clientset.BatchV1().Jobs(backend.namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return "", errors.Wrapf(err, "creating job for unit %s", dispatch.Unit.Id)
	}

	backend.logger.Debug(fmt.Sprintf("Created job %s on node %s", taskName, dispatch.Device.Key.NodeId))

	return taskName, nil
}

// AwaitRound polls the round's jobs until all of them finished, then reads
// the telemetry markers out of every succeeded task's logs and deletes the
// jobs.
func (backend *KubeBackend) AwaitRound(ctx context.Context, round int) (*model.RoundReport, error) {
	selector := fmt.Sprintf("%s=%d", roundLabel, round)

	var jobs *batchv1.JobList
	for {
		var err error
		jobs, err = backend.clientset.BatchV1().Jobs(backend.namespace).List(ctx, metav1.ListOptions{
			LabelSelector: selector,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "listing jobs of round %d", round)
		}

		if allJobsFinished(jobs.Items) {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backend.pollInterval):
		}
	}

	report := backend.buildRoundReport(ctx, round, jobs.Items)

	for _, job := range jobs.Items {
		if err := backend.deleteJob(ctx, job.Name); err != nil {
			backend.logger.Warn(fmt.Sprintf("Deleting job %s failed: %s", job.Name, err.Error()))
		}
	}

	return report, nil
}

func (backend *KubeBackend) buildRoundReport(ctx context.Context, round int,
	jobs []batchv1.Job) *model.RoundReport {
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })

	report := &model.RoundReport{Round: round}
	telemetryByNode := map[string]*model.NodeTelemetry{}
	for _, job := range jobs {
		succeeded := job.Status.Succeeded > 0
		report.Results = append(report.Results, model.TaskResult{
			UnitId: job.Labels[unitLabel],
			TaskId: job.Name,
			Ok:     succeeded,
		})
		if !succeeded {
			continue
		}

		logs, err := backend.taskLogs(ctx, job.Name)
		if err != nil {
			backend.logger.Warn(fmt.Sprintf("Reading logs of task %s failed: %s", job.Name, err.Error()))
			continue
		}

		nodeId := job.Labels[nodeLabel]
		deviceId := job.Labels[deviceLabel]
		telemetry, exists := telemetryByNode[nodeId]
		if !exists {
			telemetry = &model.NodeTelemetry{
				NodeId:             nodeId,
				TrainingTimeNs:     map[string]int64{},
				TaskPeakMemoryMB:   map[string]map[string]float64{},
				DevicePeakMemoryMB: map[string]float64{},
			}
			telemetryByNode[nodeId] = telemetry
		}

		if trainingTime := latestInt64FromLogs(logs, trainingTimePattern); trainingTime >= 0 {
			telemetry.TrainingTimeNs[job.Name] = trainingTime
		}
		if taskPeak := latestFloatFromLogs(logs, taskPeakPattern); taskPeak >= 0 {
			telemetry.TaskPeakMemoryMB[job.Name] = map[string]float64{deviceId: taskPeak}
		}
		if devicePeak := latestFloatFromLogs(logs, devicePeakPattern); devicePeak >= 0 {
			if devicePeak > telemetry.DevicePeakMemoryMB[deviceId] {
				telemetry.DevicePeakMemoryMB[deviceId] = devicePeak
			}
		}
	}

	nodeIds := make([]string, 0, len(telemetryByNode))
	for nodeId := range telemetryByNode {
		nodeIds = append(nodeIds, nodeId)
	}
	sort.Strings(nodeIds)
	for _, nodeId := range nodeIds {
		report.Telemetry = append(report.Telemetry, *telemetryByNode[nodeId])
	}

	return report
}

// StartCollection is a no-op: the Jobs emit their telemetry into the task
// logs without a separate collector.
func (backend *KubeBackend) StartCollection(ctx context.Context) error {
	return nil
}

func (backend *KubeBackend) StopCollection(ctx context.Context) error {
	return nil
}

func (backend *KubeBackend) StartDeviceStateChangeNotifier() {
	backend.cronScheduler.AddFunc(fmt.Sprintf("@every %ds", int(backend.pollInterval.Seconds())),
		backend.notifyDeviceStateChanges)

	backend.cronScheduler.Start()
}

func (backend *KubeBackend) StopAllNotifiers() {
	backend.cronScheduler.Stop()
}

func (backend *KubeBackend) notifyDeviceStateChanges() {
	devices, err := backend.Topology(context.Background())
	if err != nil {
		return
	}
	devicesNew := common.DeviceMapFromSlice(devices)

	event := common.GetDeviceStateChangeEvent(backend.knownDevices, devicesNew)
	if (event != events.Event{}) {
		backend.eventBus.Publish(event)
	}

	backend.knownDevices = devicesNew
}

func (backend *KubeBackend) taskLogs(ctx context.Context, taskName string) (string, error) {
	podList, err := backend.clientset.CoreV1().Pods(backend.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", jobNameLabel, taskName),
	})
	if err != nil {
		return "", errors.Wrapf(err, "listing pods of task %s", taskName)
	}
	if len(podList.Items) == 0 {
		return "", errors.Errorf("no pods found for task %s", taskName)
	}

	req := backend.clientset.CoreV1().Pods(backend.namespace).GetLogs(podList.Items[0].Name,
		&corev1.PodLogOptions{})
	logs, err := req.Stream(ctx)
	if err != nil {
		return "", err
	}
	defer logs.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(logs)
	if err != nil {
		return "", err
	}

	return buf.String(), nil
}

func (backend *KubeBackend) deleteJob(ctx context.Context, jobName string) error {
	propagation := metav1.DeletePropagationBackground

	return backend.clientset.BatchV1().Jobs(backend.namespace).Delete(ctx, jobName, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
}

// HELPER METHODS

func (backend *KubeBackend) nodeFromCore(nodeCore corev1.Node, nodeMetric v1beta1.NodeMetrics) *model.Node {
	cpuUsage := nodeMetric.Usage[corev1.ResourceCPU]
	cpuPercentage := float64(cpuUsage.MilliValue()) / float64(nodeCore.Status.Capacity.Cpu().MilliValue())

	memoryUsage := nodeMetric.Usage[corev1.ResourceMemory]
	memoryPercentage := float64(memoryUsage.Value()) / float64(nodeCore.Status.Capacity.Memory().Value())

	node := &model.Node{
		Id:         nodeCore.Name,
		InternalIp: getHostIp(nodeCore),
		Resources: model.NodeResources{
			CpuTotal: float64(nodeCore.Status.Capacity.Cpu().MilliValue()) / 1000.0,
			RamTotal: float64(nodeCore.Status.Capacity.Memory().Value()) / (1024.0 * 1024.0),
			CpuUsage: cpuPercentage,
			RamUsage: memoryPercentage,
		},
		Architecture: nodeCore.Labels[archLabel],
	}
	node.Devices = backend.nodeDevices(nodeCore, node)

	return node
}

func (backend *KubeBackend) nodeDevices(nodeCore corev1.Node, node *model.Node) []model.Device {
	devices := []model.Device{
		{
			Key:           model.DeviceKey{NodeId: node.Id, DeviceId: "cpu"},
			Kind:          model.DeviceKindCpu,
			Index:         0,
			TotalMemoryMB: node.Resources.RamTotal,
		},
	}

	gpuQuantity, hasGpus := nodeCore.Status.Capacity[gpuResource]
	if !hasGpus || gpuQuantity.Value() == 0 {
		return devices
	}

	gpuMemoryMB, err := strconv.ParseFloat(nodeCore.Labels[gpuMemoryLabel], 64)
	if err != nil || gpuMemoryMB <= 0 {
		backend.logger.Warn(fmt.Sprintf("Node %s advertises %d GPUs but no usable %s label, skipping them",
			node.Id, gpuQuantity.Value(), gpuMemoryLabel))
		return devices
	}

	for index := 0; index < int(gpuQuantity.Value()); index++ {
		devices = append(devices, model.Device{
			Key:           model.DeviceKey{NodeId: node.Id, DeviceId: fmt.Sprintf("GPU-%d", index)},
			Kind:          model.DeviceKindGpu,
			Index:         index,
			TotalMemoryMB: gpuMemoryMB,
		})
	}

	return devices
}

func isNodeReady(nodeCore corev1.Node) bool {
	for _, condition := range nodeCore.Status.Conditions {
		if condition.Type == "Ready" {
			if condition.Status == "True" {
				return true
			} else {
				return false
			}
		}
	}

	return false
}

func getHostIp(node corev1.Node) string {
	for _, val := range node.Status.Addresses {
		if val.Type == corev1.NodeInternalIP {
			return val.Address
		}
	}

	return ""
}

func allJobsFinished(jobs []batchv1.Job) bool {
	for _, job := range jobs {
		if job.Status.Succeeded == 0 && job.Status.Failed == 0 {
			return false
		}
	}

	return true
}
