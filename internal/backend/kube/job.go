package kubebackend

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/Ryan0v0/flower-profiler/internal/model"
)

func BuildTrainingJob(taskName string, namespace string, image string, dispatch model.Dispatch) *batchv1.Job {
	labels := map[string]string{
		roundLabel:  strconv.Itoa(dispatch.Round),
		unitLabel:   dispatch.Unit.Id,
		nodeLabel:   dispatch.Device.Key.NodeId,
		deviceLabel: dispatch.Device.Key.DeviceId,
	}

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      taskName,
			Namespace: namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: int32Ptr(0),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: labels,
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					NodeName:      dispatch.Device.Key.NodeId,
					Containers: []corev1.Container{
						{
							Name:  "trainer",
							Image: image,
							Env:   trainingEnv(taskName, dispatch),
							Resources: corev1.ResourceRequirements{
								Requests: corev1.ResourceList{
									corev1.ResourceCPU:    resource.MustParse("1.0"),
									corev1.ResourceMemory: resource.MustParse("1500Mi"),
								},
								Limits: corev1.ResourceList{
									corev1.ResourceCPU:    resource.MustParse("2.0"),
									corev1.ResourceMemory: resource.MustParse("2000Mi"),
								},
							},
						},
					},
				},
			},
		},
	}

	return job
}

// trainingEnv flattens the dispatch config into environment variables and
// adds the task identity, step count, and device share.
func trainingEnv(taskName string, dispatch model.Dispatch) []corev1.EnvVar {
	env := []corev1.EnvVar{
		{Name: "TASK_ID", Value: taskName},
		{Name: "UNIT_ID", Value: dispatch.Unit.Id},
		{Name: "ROUND", Value: strconv.Itoa(dispatch.Round)},
		{Name: "TRAIN_STEPS", Value: strconv.Itoa(dispatch.Unit.Steps)},
		{Name: "DEVICE_SHARE", Value: fmt.Sprintf("%f", dispatch.Share)},
	}

	keys := make([]string, 0, len(dispatch.Config))
	for key := range dispatch.Config {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		env = append(env, corev1.EnvVar{
			Name:  strings.ToUpper(key),
			Value: dispatch.Config[key],
		})
	}

	return env
}

func int32Ptr(i int32) *int32 {
	return &i
}
