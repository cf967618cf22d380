package backend

import (
	"context"

	"github.com/Ryan0v0/flower-profiler/internal/model"
)

// IExecutionBackend runs dispatched work units on cluster devices and
// reports what the per-node monitors observed.
type IExecutionBackend interface {
	// Topology returns every device currently visible in the cluster.
	Topology(ctx context.Context) ([]model.Device, error)

	// Dispatch starts one work unit remotely and returns its task ID.
	// It does not wait for the task to finish.
	Dispatch(ctx context.Context, dispatch model.Dispatch) (string, error)

	// AwaitRound blocks until every task dispatched for the round has
	// finished, then returns the collected results and telemetry. Tasks
	// that never reported anything are simply absent from the report.
	AwaitRound(ctx context.Context, round int) (*model.RoundReport, error)

	// StartCollection and StopCollection bracket the monitors' sampling
	// window for one round.
	StartCollection(ctx context.Context) error
	StopCollection(ctx context.Context) error

	StartDeviceStateChangeNotifier()
	StopAllNotifiers()
}
