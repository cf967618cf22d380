package common

import (
	"time"

	"github.com/Ryan0v0/flower-profiler/internal/events"
	"github.com/Ryan0v0/flower-profiler/internal/model"
)

func GetDeviceStateChangeEvent(devicesCurrent map[model.DeviceKey]model.Device,
	devicesNew map[model.DeviceKey]model.Device) events.Event {
	devicesAdded := []model.Device{}
	// check for added devices
	for key, device := range devicesNew {
		_, found := devicesCurrent[key]
		if !found {
			devicesAdded = append(devicesAdded, device)
		}
	}

	devicesRemoved := []model.Device{}
	// check for removed devices
	for key, device := range devicesCurrent {
		_, found := devicesNew[key]
		if !found {
			devicesRemoved = append(devicesRemoved, device)
		}
	}

	var event events.Event
	if len(devicesAdded) > 0 || len(devicesRemoved) > 0 {
		event = events.Event{
			Type:      DEVICE_STATE_CHANGE_EVENT_TYPE,
			Timestamp: time.Now(),
			Data: events.DeviceStateChangeEvent{
				DevicesAdded:   devicesAdded,
				DevicesRemoved: devicesRemoved,
			},
		}
	}

	return event
}

func DeviceMapFromSlice(devices []model.Device) map[model.DeviceKey]model.Device {
	deviceMap := make(map[model.DeviceKey]model.Device)
	for _, device := range devices {
		deviceMap[device.Key] = device
	}

	return deviceMap
}

func CalculateAverageFloat64(numbers []float64) float64 {
	if len(numbers) == 0 {
		return 0
	}

	var sum float64
	for _, number := range numbers {
		sum += number
	}

	return sum / float64(len(numbers))
}
