package fleet

import (
	"context"
	"encoding/json"
	"time"
)

// WorkerStore persists worker registrations in the shared store.
type WorkerStore interface {
	// RegisterWorker creates a registration; ErrDuplicateWorker if an active
	// one already holds the id.
	RegisterWorker(ctx context.Context, w Worker) error
	// Heartbeat refreshes the worker's liveness timestamp.
	Heartbeat(ctx context.Context, workerID string, now time.Time) error
	// MarkBusy transitions idle -> busy and records the current task.
	MarkBusy(ctx context.Context, workerID, taskID string) error
	// MarkIdle transitions busy -> idle and clears the current task.
	MarkIdle(ctx context.Context, workerID string) error
	// RemoveWorker deletes the registration and returns its last snapshot.
	RemoveWorker(ctx context.Context, workerID string) (Worker, error)
	// ListWorkers returns all registrations.
	ListWorkers(ctx context.Context) ([]Worker, error)
	// EvictStale removes and returns workers whose heartbeat is older than
	// the cutoff.
	EvictStale(ctx context.Context, olderThan time.Time) ([]Worker, error)
}

// TaskStore persists tasks and queue indices in the shared store. Operations
// that pair state changes (claim, requeue-on-loss, terminal transitions that
// free a worker) are atomic with respect to concurrent callers, including
// other control-plane replicas sharing the store.
type TaskStore interface {
	// EnqueueTask appends the task to its capability queue.
	EnqueueTask(ctx context.Context, t Task) error
	// ClaimPair atomically matches one claimable task of the capability with
	// one idle worker: the task becomes assigned, the worker busy. ok is
	// false when either side is missing. A task is never handed to two
	// claimants and a worker never receives two simultaneous assignments.
	ClaimPair(ctx context.Context, capability Capability, now time.Time) (Task, Worker, bool, error)
	// GetTask returns the task by id.
	GetTask(ctx context.Context, taskID string) (Task, error)
	// MarkRunning transitions assigned -> running.
	MarkRunning(ctx context.Context, taskID string, now time.Time) error
	// CompleteTask finalizes the task, frees its worker to idle, and returns
	// the terminal snapshot. The record leaves the store; durable history is
	// the backend's job.
	CompleteTask(ctx context.Context, taskID string, result json.RawMessage, now time.Time) (Task, error)
	// FailTask frees the worker and either requeues the task with an
	// incremented attempt count or, past maxAttempts, dead-letters it. The
	// returned snapshot carries the disposition.
	FailTask(ctx context.Context, taskID, reason string, maxAttempts int, now time.Time) (Task, error)
	// ReleaseWorkerTask applies the FailTask disposition to whatever task the
	// lost worker held. ok is false when the worker held none.
	ReleaseWorkerTask(ctx context.Context, workerID string, maxAttempts int, now time.Time) (Task, bool, error)
	// ExpireQueued dead-letters claimable tasks created before the cutoff.
	ExpireQueued(ctx context.Context, olderThan time.Time) ([]Task, error)
	// Stats counts tasks per capability and status.
	Stats(ctx context.Context) (QueueStats, error)
}

// Store is the full shared-state surface injected into the registry and
// dispatcher.
type Store interface {
	WorkerStore
	TaskStore
	Close() error
}

// AssignmentSender delivers a task assignment over a worker's connection.
// The gateway implements it; ErrWorkerGone means the connection is unusable.
type AssignmentSender interface {
	SendAssignment(ctx context.Context, workerID string, t Task) error
}

// Submitter accepts new tasks for dispatch. The dispatcher implements it;
// the enrichment manager and HTTP surface depend on it.
type Submitter interface {
	Submit(ctx context.Context, capability Capability, action string, payload json.RawMessage, reportID string) (Task, error)
}

// Clock abstracts time.Now for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator mints unique ids for workers, tasks, and pipelines.
type IDGenerator interface {
	NewID() (string, error)
}
