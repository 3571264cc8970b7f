package worker

import "github.com/c360/mapeflow/errors"

// Pool lifecycle errors. ErrQueueFull is shared with the rest of mapeflow so
// callers can classify a rejected submit as transient.
var (
	ErrPoolNotStarted     = errors.New("worker pool not started")
	ErrPoolStopped        = errors.New("worker pool stopped")
	ErrPoolAlreadyStarted = errors.New("worker pool already started")
	ErrNilProcessor       = errors.New("processor function cannot be nil")
	ErrStopTimeout        = errors.New("timeout waiting for workers to stop")
	ErrQueueFull          = errors.ErrQueueFull
)
