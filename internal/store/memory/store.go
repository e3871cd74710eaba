// Package memory provides a shared-store implementation for local
// development and tests. A single mutex guards all state, so every operation
// the dispatcher needs to be atomic is atomic trivially.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/growthscout/fleetd/internal/fleet"
)

// Store keeps workers, tasks, and queue indices in process memory. It
// implements fleet.Store. Terminal tasks leave the store; only per-status
// counters remain, since durable task history belongs to the backend.
type Store struct {
	mu       sync.Mutex
	workers  map[string]fleet.Worker
	tasks    map[string]fleet.Task
	queues   map[fleet.Capability][]string
	assigned map[string]string // worker id -> task id
	finished map[fleet.Capability]map[fleet.TaskStatus]int
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		workers:  make(map[string]fleet.Worker),
		tasks:    make(map[string]fleet.Task),
		queues:   make(map[fleet.Capability][]string),
		assigned: make(map[string]string),
		finished: make(map[fleet.Capability]map[fleet.TaskStatus]int),
	}
}

// Close implements fleet.Store; there is nothing to release.
func (s *Store) Close() error { return nil }

// RegisterWorker creates a registration for the worker.
func (s *Store) RegisterWorker(_ context.Context, w fleet.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workers[w.ID]; ok {
		return fmt.Errorf("register worker %s: %w", w.ID, fleet.ErrDuplicateWorker)
	}
	s.workers[w.ID] = w
	return nil
}

// Heartbeat refreshes the worker's liveness timestamp.
func (s *Store) Heartbeat(_ context.Context, workerID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return fmt.Errorf("heartbeat %s: %w", workerID, fleet.ErrUnknownWorker)
	}
	w.LastHeartbeat = now
	s.workers[workerID] = w
	return nil
}

// MarkBusy transitions the worker from idle to busy.
func (s *Store) MarkBusy(_ context.Context, workerID, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return fmt.Errorf("mark busy %s: %w", workerID, fleet.ErrUnknownWorker)
	}
	if w.Status != fleet.WorkerStatusIdle {
		return fmt.Errorf("mark busy %s from %s: %w", workerID, w.Status, fleet.ErrInvalidState)
	}
	w.Status = fleet.WorkerStatusBusy
	w.CurrentTaskID = taskID
	s.workers[workerID] = w
	s.assigned[workerID] = taskID
	return nil
}

// MarkIdle transitions the worker from busy to idle.
func (s *Store) MarkIdle(_ context.Context, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return fmt.Errorf("mark idle %s: %w", workerID, fleet.ErrUnknownWorker)
	}
	if w.Status != fleet.WorkerStatusBusy {
		return fmt.Errorf("mark idle %s from %s: %w", workerID, w.Status, fleet.ErrInvalidState)
	}
	s.markIdleLocked(&w)
	s.workers[workerID] = w
	return nil
}

func (s *Store) markIdleLocked(w *fleet.Worker) {
	w.Status = fleet.WorkerStatusIdle
	w.CurrentTaskID = ""
	delete(s.assigned, w.ID)
}

// RemoveWorker deletes the registration and returns its last snapshot.
func (s *Store) RemoveWorker(_ context.Context, workerID string) (fleet.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return fleet.Worker{}, fmt.Errorf("remove worker %s: %w", workerID, fleet.ErrUnknownWorker)
	}
	delete(s.workers, workerID)
	w.Status = fleet.WorkerStatusDisconnected
	return w, nil
}

// ListWorkers returns all registrations.
func (s *Store) ListWorkers(_ context.Context) ([]fleet.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]fleet.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w)
	}
	return out, nil
}

// EvictStale removes and returns workers with a heartbeat older than the
// cutoff. The assignment index entry survives so ReleaseWorkerTask can still
// requeue whatever the evicted worker held.
func (s *Store) EvictStale(_ context.Context, olderThan time.Time) ([]fleet.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var evicted []fleet.Worker
	for id, w := range s.workers {
		if w.LastHeartbeat.Before(olderThan) {
			delete(s.workers, id)
			w.Status = fleet.WorkerStatusDisconnected
			evicted = append(evicted, w)
		}
	}
	return evicted, nil
}

// EnqueueTask appends the task to its capability queue.
func (s *Store) EnqueueTask(_ context.Context, t fleet.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return fmt.Errorf("enqueue task %s: already present", t.ID)
	}
	s.tasks[t.ID] = t
	s.queues[t.Capability] = append(s.queues[t.Capability], t.ID)
	return nil
}

// ClaimPair atomically matches the oldest claimable task of the capability
// with the idle worker assigned least recently.
func (s *Store) ClaimPair(_ context.Context, capability fleet.Capability, now time.Time) (fleet.Task, fleet.Worker, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue := s.queues[capability]
	if len(queue) == 0 {
		return fleet.Task{}, fleet.Worker{}, false, nil
	}

	var pick fleet.Worker
	found := false
	for _, w := range s.workers {
		if w.Capability != capability || w.Status != fleet.WorkerStatusIdle {
			continue
		}
		if !found || w.LastAssigned.Before(pick.LastAssigned) {
			pick = w
			found = true
		}
	}
	if !found {
		return fleet.Task{}, fleet.Worker{}, false, nil
	}

	taskID := queue[0]
	s.queues[capability] = queue[1:]
	t := s.tasks[taskID]
	t.Status = fleet.TaskStatusAssigned
	t.AssignedWorkerID = pick.ID
	t.UpdatedAt = now
	s.tasks[taskID] = t

	pick.Status = fleet.WorkerStatusBusy
	pick.CurrentTaskID = taskID
	pick.LastAssigned = now
	s.workers[pick.ID] = pick
	s.assigned[pick.ID] = taskID

	return t, pick, true, nil
}

// GetTask returns the task by id.
func (s *Store) GetTask(_ context.Context, taskID string) (fleet.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return fleet.Task{}, fmt.Errorf("get task %s: %w", taskID, fleet.ErrUnknownTask)
	}
	return t, nil
}

// MarkRunning transitions the task from assigned to running.
func (s *Store) MarkRunning(_ context.Context, taskID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("mark running %s: %w", taskID, fleet.ErrUnknownTask)
	}
	if t.Status != fleet.TaskStatusAssigned {
		return fmt.Errorf("mark running %s from %s: %w", taskID, t.Status, fleet.ErrInvalidState)
	}
	t.Status = fleet.TaskStatusRunning
	t.UpdatedAt = now
	s.tasks[taskID] = t
	return nil
}

// CompleteTask finalizes the task and frees its worker.
func (s *Store) CompleteTask(_ context.Context, taskID string, result json.RawMessage, now time.Time) (fleet.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return fleet.Task{}, fmt.Errorf("complete task %s: %w", taskID, fleet.ErrUnknownTask)
	}
	if t.Status != fleet.TaskStatusAssigned && t.Status != fleet.TaskStatusRunning {
		return fleet.Task{}, fmt.Errorf("complete task %s from %s: %w", taskID, t.Status, fleet.ErrInvalidState)
	}
	s.freeWorkerLocked(t.AssignedWorkerID)
	t.Status = fleet.TaskStatusCompleted
	t.Result = result
	t.UpdatedAt = now
	s.retireLocked(t)
	return t, nil
}

// FailTask frees the worker and requeues or dead-letters the task.
func (s *Store) FailTask(_ context.Context, taskID, reason string, maxAttempts int, now time.Time) (fleet.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return fleet.Task{}, fmt.Errorf("fail task %s: %w", taskID, fleet.ErrUnknownTask)
	}
	if t.Status != fleet.TaskStatusAssigned && t.Status != fleet.TaskStatusRunning {
		return fleet.Task{}, fmt.Errorf("fail task %s from %s: %w", taskID, t.Status, fleet.ErrInvalidState)
	}
	s.freeWorkerLocked(t.AssignedWorkerID)
	return s.failLocked(t, reason, maxAttempts, now), nil
}

// ReleaseWorkerTask requeues or dead-letters whatever the lost worker held.
// The worker record is freed too, in case removal failed and it still exists;
// a busy worker must never keep referencing a claimable task.
func (s *Store) ReleaseWorkerTask(_ context.Context, workerID string, maxAttempts int, now time.Time) (fleet.Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	taskID, ok := s.assigned[workerID]
	if !ok {
		return fleet.Task{}, false, nil
	}
	s.freeWorkerLocked(workerID)
	t, ok := s.tasks[taskID]
	if !ok {
		return fleet.Task{}, false, nil
	}
	return s.failLocked(t, "worker lost", maxAttempts, now), true, nil
}

// ExpireQueued dead-letters claimable tasks created before the cutoff.
func (s *Store) ExpireQueued(_ context.Context, olderThan time.Time) ([]fleet.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []fleet.Task
	for capability, queue := range s.queues {
		kept := queue[:0]
		for _, id := range queue {
			t := s.tasks[id]
			if t.CreatedAt.Before(olderThan) {
				t.Status = fleet.TaskStatusDeadLetter
				t.LastError = "queued past deadline"
				s.retireLocked(t)
				expired = append(expired, t)
				continue
			}
			kept = append(kept, id)
		}
		s.queues[capability] = kept
	}
	return expired, nil
}

// Stats counts live tasks per capability and status, folding in terminal
// counters for tasks that already left the store.
func (s *Store) Stats(_ context.Context) (fleet.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := fleet.QueueStats{Capabilities: make(map[fleet.Capability]map[fleet.TaskStatus]int)}
	bump := func(c fleet.Capability, st fleet.TaskStatus, n int) {
		if stats.Capabilities[c] == nil {
			stats.Capabilities[c] = make(map[fleet.TaskStatus]int)
		}
		stats.Capabilities[c][st] += n
	}
	for _, t := range s.tasks {
		bump(t.Capability, t.Status, 1)
	}
	for capability, byStatus := range s.finished {
		for st, n := range byStatus {
			bump(capability, st, n)
		}
	}
	return stats, nil
}

func (s *Store) failLocked(t fleet.Task, reason string, maxAttempts int, now time.Time) fleet.Task {
	t.AssignedWorkerID = ""
	t.LastError = reason
	t.UpdatedAt = now
	// The ceiling counts executions: a failure on attempt maxAttempts-1 is
	// the last one.
	if t.AttemptCount+1 >= maxAttempts {
		t.Status = fleet.TaskStatusDeadLetter
		s.retireLocked(t)
		return t
	}
	t.AttemptCount++
	t.Status = fleet.TaskStatusRequeued
	s.tasks[t.ID] = t
	s.queues[t.Capability] = append(s.queues[t.Capability], t.ID)
	return t
}

func (s *Store) freeWorkerLocked(workerID string) {
	if workerID == "" {
		return
	}
	if w, ok := s.workers[workerID]; ok && w.Status == fleet.WorkerStatusBusy {
		s.markIdleLocked(&w)
		s.workers[workerID] = w
	}
	delete(s.assigned, workerID)
}

func (s *Store) retireLocked(t fleet.Task) {
	delete(s.tasks, t.ID)
	if s.finished[t.Capability] == nil {
		s.finished[t.Capability] = make(map[fleet.TaskStatus]int)
	}
	s.finished[t.Capability][t.Status]++
}
