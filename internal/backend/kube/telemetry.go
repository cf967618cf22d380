package kubebackend

import (
	"regexp"
	"strconv"
)

// Telemetry markers the trainer image prints to stdout. The latest occurrence
// wins so warmup iterations can be overwritten by the final measurement.
const trainingTimePattern = `training_time_ns=([0-9]+)`
const taskPeakPattern = `task_peak_mem_mb=([0-9]+\.?[0-9]*)`
const devicePeakPattern = `device_peak_mem_mb=([0-9]+\.?[0-9]*)`

func latestInt64FromLogs(logs string, pattern string) int64 {
	r := regexp.MustCompile(pattern)

	matches := r.FindAllStringSubmatch(logs, -1)

	if len(matches) > 0 {
		latestMatch := matches[len(matches)-1]
		value, _ := strconv.ParseInt(latestMatch[1], 10, 64)
		return value
	}

	return -1
}

func latestFloatFromLogs(logs string, pattern string) float64 {
	r := regexp.MustCompile(pattern)

	matches := r.FindAllStringSubmatch(logs, -1)

	if len(matches) > 0 {
		latestMatch := matches[len(matches)-1]
		value, _ := strconv.ParseFloat(latestMatch[1], 64)
		return value
	}

	return -1.0
}
