package api

import "fmt"

// WorkerState is the lifecycle state of a pooled sandbox worker.
type WorkerState string

const (
	WorkerProvisioning WorkerState = "provisioning"
	WorkerIdle         WorkerState = "idle"
	WorkerAssigned     WorkerState = "assigned"
	WorkerExecuting    WorkerState = "executing"
	WorkerTainted      WorkerState = "tainted"
	WorkerTerminated   WorkerState = "terminated"
)

// Terminal reports whether no further transitions are possible.
func (s WorkerState) Terminal() bool {
	return s == WorkerTerminated
}

// ValidateWorkerTransition checks whether a worker state transition is valid.
//
// Workers only become Idle again after a healthy execution. Any fault
// taints the worker, and a tainted worker can only be terminated.
// Idle workers may also be terminated directly when reaped or recycled.
func ValidateWorkerTransition(from, to WorkerState) error {
	valid := map[WorkerState][]WorkerState{
		WorkerProvisioning: {WorkerIdle, WorkerAssigned, WorkerTerminated},
		WorkerIdle:         {WorkerAssigned, WorkerTainted, WorkerTerminated},
		WorkerAssigned:     {WorkerExecuting, WorkerIdle, WorkerTainted},
		WorkerExecuting:    {WorkerIdle, WorkerTainted},
		WorkerTainted:      {WorkerTerminated},
		WorkerTerminated:   {}, // terminal
	}

	allowed, exists := valid[from]
	if !exists {
		return fmt.Errorf("invalid worker transition from %q to %q", from, to)
	}

	for _, s := range allowed {
		if s == to {
			return nil
		}
	}

	return fmt.Errorf("invalid worker transition from %q to %q", from, to)
}
