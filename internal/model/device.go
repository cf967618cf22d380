package model

import "fmt"

type DeviceKind string

const (
	DeviceKindGpu DeviceKind = "gpu"
	DeviceKindCpu DeviceKind = "cpu"
)

// DeviceKey identifies one accelerator inside the cluster.
type DeviceKey struct {
	NodeId   string
	DeviceId string
}

func (key DeviceKey) String() string {
	return fmt.Sprintf("%s/%s", key.NodeId, key.DeviceId)
}

// Less orders keys by node ID, then device ID.
func (key DeviceKey) Less(other DeviceKey) bool {
	if key.NodeId != other.NodeId {
		return key.NodeId < other.NodeId
	}
	return key.DeviceId < other.DeviceId
}

// Device is one schedulable accelerator reported by the execution backend.
type Device struct {
	Key           DeviceKey
	Kind          DeviceKind
	Index         int // ordinal of the device on its node, used for pinning
	TotalMemoryMB float64
}

type Node struct {
	Id           string
	InternalIp   string
	Devices      []Device
	Resources    NodeResources
	Architecture string // "amd64" or "arm64"
}

type NodeResources struct {
	CpuTotal float64
	RamTotal float64
	CpuUsage float64
	RamUsage float64
}
