package fleet

import "errors"

// Sentinel errors surfaced by the registry, dispatcher, and stores. Callers
// match them with errors.Is.
var (
	// ErrDuplicateWorker indicates an active registration already holds the id.
	ErrDuplicateWorker = errors.New("worker already registered")
	// ErrUnknownWorker indicates the worker id is not registered.
	ErrUnknownWorker = errors.New("unknown worker")
	// ErrUnknownTask indicates the task id is not tracked by the store.
	ErrUnknownTask = errors.New("unknown task")
	// ErrInvalidState indicates a transition from an unexpected prior state.
	ErrInvalidState = errors.New("invalid state transition")
	// ErrWorkerGone indicates the worker's connection is no longer usable.
	ErrWorkerGone = errors.New("worker connection gone")
	// ErrUnknownCapability indicates a capability outside the closed set.
	ErrUnknownCapability = errors.New("unknown capability")
	// ErrUnknownAction indicates an action the capability does not serve.
	ErrUnknownAction = errors.New("unknown action for capability")
)
