package worker

import (
	"encoding/json"
	"errors"
)

var (
	// ErrWorkerTerminated is returned for calls on, or pending in, a worker
	// that was terminated by its owner.
	ErrWorkerTerminated = errors.New("worker terminated")
	// ErrHeartbeatTimeout fails every pending call of a worker that stopped
	// sending heartbeats.
	ErrHeartbeatTimeout = errors.New("Worker heartbeat timeout - worker may be frozen")
	// ErrExecutionTimeout is returned when a single call exceeds the
	// execution timeout. The worker itself is left running.
	ErrExecutionTimeout = errors.New("execution timeout")
	// ErrWorkerExited fails every pending call of a worker whose process
	// exited or whose output stream broke.
	ErrWorkerExited = errors.New("worker exited")
)

// ExecutionError is a script failure reported by the worker. Context is the
// script context as it was when the failure happened.
type ExecutionError struct {
	Message string
	Context json.RawMessage
}

func (e *ExecutionError) Error() string { return e.Message }
