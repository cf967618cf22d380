package kubebackend

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	k8sfake "k8s.io/client-go/kubernetes/fake"
	"k8s.io/metrics/pkg/apis/metrics/v1beta1"
	metricsfake "k8s.io/metrics/pkg/client/clientset/versioned/fake"

	"github.com/Ryan0v0/flower-profiler/internal/events"
	"github.com/Ryan0v0/flower-profiler/internal/model"
)

const testNamespace = "flwr-experiment"

func readyNode(name string, gpus string, gpuMemoryMB string) *corev1.Node {
	node := &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: map[string]string{archLabel: "arm64"},
		},
		Status: corev1.NodeStatus{
			Capacity: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse("8"),
				corev1.ResourceMemory: resource.MustParse("32Gi"),
			},
			Conditions: []corev1.NodeCondition{
				{Type: corev1.NodeReady, Status: corev1.ConditionTrue},
			},
			Addresses: []corev1.NodeAddress{
				{Type: corev1.NodeInternalIP, Address: "10.0.0.1"},
			},
		},
	}
	if gpus != "" {
		node.Status.Capacity[gpuResource] = resource.MustParse(gpus)
	}
	if gpuMemoryMB != "" {
		node.Labels[gpuMemoryLabel] = gpuMemoryMB
	}

	return node
}

func nodeMetrics(name string) *v1beta1.NodeMetrics {
	return &v1beta1.NodeMetrics{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Usage: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse("2"),
			corev1.ResourceMemory: resource.MustParse("8Gi"),
		},
	}
}

func newFakeBackend(t *testing.T, kubeObjects []runtime.Object,
	metricsObjects []runtime.Object) *KubeBackend {
	return newWithClients(hclog.NewNullLogger(), events.NewEventBus(),
		k8sfake.NewSimpleClientset(kubeObjects...), metricsfake.NewSimpleClientset(metricsObjects...),
		testNamespace, "registry.local/trainer:latest", 10*time.Millisecond)
}

func TestTopologyExpandsNodesIntoDevices(t *testing.T) {
	notReady := readyNode("node-c", "1", "8192")
	notReady.Status.Conditions[0].Status = corev1.ConditionFalse

	backend := newFakeBackend(t,
		[]runtime.Object{
			readyNode("node-a", "2", "16384"),
			readyNode("node-b", "", ""),
			notReady,
			readyNode("node-d", "1", "8192"), // no metrics reported
		},
		[]runtime.Object{nodeMetrics("node-a"), nodeMetrics("node-b"), nodeMetrics("node-c")})

	devices, err := backend.Topology(context.Background())
	require.NoError(t, err)

	keys := []model.DeviceKey{}
	for _, device := range devices {
		keys = append(keys, device.Key)
	}
	assert.Equal(t, []model.DeviceKey{
		{NodeId: "node-a", DeviceId: "cpu"},
		{NodeId: "node-a", DeviceId: "GPU-0"},
		{NodeId: "node-a", DeviceId: "GPU-1"},
		{NodeId: "node-b", DeviceId: "cpu"},
	}, keys)

	assert.Equal(t, model.DeviceKindGpu, devices[1].Kind)
	assert.Equal(t, 1, devices[2].Index)
	assert.InDelta(t, 16384.0, devices[1].TotalMemoryMB, 1e-9)
	assert.InDelta(t, 32768.0, devices[0].TotalMemoryMB, 1e-9)
}

func TestTopologySkipsGpusWithoutMemoryLabel(t *testing.T) {
	backend := newFakeBackend(t,
		[]runtime.Object{readyNode("node-a", "2", "")},
		[]runtime.Object{nodeMetrics("node-a")})

	devices, err := backend.Topology(context.Background())
	require.NoError(t, err)

	require.Len(t, devices, 1)
	assert.Equal(t, model.DeviceKindCpu, devices[0].Kind)
}

func TestDispatchCreatesPinnedJob(t *testing.T) {
	backend := newFakeBackend(t, nil, nil)

	taskId, err := backend.Dispatch(context.Background(), model.Dispatch{
		Round: 2,
		Unit:  model.WorkUnit{Id: "client-1", Steps: 20},
		Device: model.Device{
			Key:   model.DeviceKey{NodeId: "node-a", DeviceId: "GPU-1"},
			Kind:  model.DeviceKindGpu,
			Index: 1,
		},
		Share:  0.5,
		Config: map[string]string{"gpu_id": "1", "epochs": "1", "local_steps": "20"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, taskId)

	job, err := backend.clientset.BatchV1().Jobs(testNamespace).Get(context.Background(),
		taskId, metav1.GetOptions{})
	require.NoError(t, err)

	assert.Equal(t, "2", job.Labels[roundLabel])
	assert.Equal(t, "client-1", job.Labels[unitLabel])
	assert.Equal(t, "node-a", job.Labels[nodeLabel])
	assert.Equal(t, "GPU-1", job.Labels[deviceLabel])
	assert.Equal(t, "node-a", job.Spec.Template.Spec.NodeName)
	assert.Equal(t, corev1.RestartPolicyNever, job.Spec.Template.Spec.RestartPolicy)
	require.NotNil(t, job.Spec.BackoffLimit)
	assert.Equal(t, int32(0), *job.Spec.BackoffLimit)

	container := job.Spec.Template.Spec.Containers[0]
	assert.Equal(t, "registry.local/trainer:latest", container.Image)
	assert.Equal(t, "1", envValue(container.Env, "GPU_ID"))
	assert.Equal(t, "20", envValue(container.Env, "TRAIN_STEPS"))
	assert.Equal(t, "20", envValue(container.Env, "LOCAL_STEPS"))
	assert.Equal(t, "client-1", envValue(container.Env, "UNIT_ID"))
	assert.Equal(t, taskId, envValue(container.Env, "TASK_ID"))
	assert.Equal(t, "0.500000", envValue(container.Env, "DEVICE_SHARE"))
}

func TestAwaitRoundCollectsResultsAndDeletesJobs(t *testing.T) {
	succeeded := finishedJob("task-1", 3, "client-0", true)
	failed := finishedJob("task-2", 3, "client-1", false)
	otherRound := finishedJob("task-3", 4, "client-2", true)
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "task-1-pod",
			Namespace: testNamespace,
			Labels:    map[string]string{jobNameLabel: "task-1"},
		},
	}

	backend := newFakeBackend(t, []runtime.Object{succeeded, failed, otherRound, pod}, nil)

	report, err := backend.AwaitRound(context.Background(), 3)
	require.NoError(t, err)

	require.Len(t, report.Results, 2)
	assert.Equal(t, model.TaskResult{UnitId: "client-0", TaskId: "task-1", Ok: true}, report.Results[0])
	assert.Equal(t, model.TaskResult{UnitId: "client-1", TaskId: "task-2", Ok: false}, report.Results[1])

	// the finished round's jobs are cleaned up, other rounds are untouched
	jobs, err := backend.clientset.BatchV1().Jobs(testNamespace).List(context.Background(),
		metav1.ListOptions{})
	require.NoError(t, err)
	require.Len(t, jobs.Items, 1)
	assert.Equal(t, "task-3", jobs.Items[0].Name)
}

func TestNotifierPublishesDeviceStateChanges(t *testing.T) {
	eventBus := events.NewEventBus()
	backend := newWithClients(hclog.NewNullLogger(), eventBus,
		k8sfake.NewSimpleClientset(readyNode("node-a", "1", "16384")),
		metricsfake.NewSimpleClientset(nodeMetrics("node-a")),
		testNamespace, "registry.local/trainer:latest", 10*time.Millisecond)

	eventChan := make(chan events.Event, 4)
	eventBus.Subscribe("DeviceStateChanged", eventChan)

	backend.notifyDeviceStateChanges()
	require.Len(t, eventChan, 1)

	event := <-eventChan
	stateChange, ok := event.Data.(events.DeviceStateChangeEvent)
	require.True(t, ok)
	assert.Len(t, stateChange.DevicesAdded, 2)
	assert.Empty(t, stateChange.DevicesRemoved)

	// a second pass over an unchanged cluster stays silent
	backend.notifyDeviceStateChanges()
	assert.Empty(t, eventChan)
}

func TestLatestTelemetryMarkersWin(t *testing.T) {
	logs := `starting up
training_time_ns=1500000000
task_peak_mem_mb=2048.5
device_peak_mem_mb=4096
training_time_ns=1600000000
`

	assert.Equal(t, int64(1600000000), latestInt64FromLogs(logs, trainingTimePattern))
	assert.InDelta(t, 2048.5, latestFloatFromLogs(logs, taskPeakPattern), 1e-9)
	assert.InDelta(t, 4096.0, latestFloatFromLogs(logs, devicePeakPattern), 1e-9)
}

func TestMissingTelemetryMarkersReturnNegative(t *testing.T) {
	logs := "no markers here"

	assert.Equal(t, int64(-1), latestInt64FromLogs(logs, trainingTimePattern))
	assert.InDelta(t, -1.0, latestFloatFromLogs(logs, taskPeakPattern), 1e-9)
}

// HELPERS

func finishedJob(name string, round int, unitId string, succeeded bool) *batchv1.Job {
	job := BuildTrainingJob(name, testNamespace, "registry.local/trainer:latest", model.Dispatch{
		Round: round,
		Unit:  model.WorkUnit{Id: unitId, Steps: 10},
		Device: model.Device{
			Key: model.DeviceKey{NodeId: "node-a", DeviceId: "GPU-0"},
		},
	})
	if succeeded {
		job.Status.Succeeded = 1
	} else {
		job.Status.Failed = 1
	}

	return job
}

func envValue(env []corev1.EnvVar, name string) string {
	for _, variable := range env {
		if variable.Name == name {
			return variable.Value
		}
	}

	return ""
}
