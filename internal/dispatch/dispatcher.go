// Package dispatch matches queued tasks to idle workers and owns every task
// state transition.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/growthscout/fleetd/internal/fleet"
	"github.com/growthscout/fleetd/internal/metrics"
)

// WorkerRemover drops a worker's registration when its connection proves
// unusable during an assignment send. The registry implements it.
type WorkerRemover interface {
	Remove(ctx context.Context, workerID string) (fleet.Worker, error)
}

// TaskObserver is notified once per task reaching a terminal status. The
// enrichment manager implements it.
type TaskObserver interface {
	TaskTerminal(ctx context.Context, t fleet.Task)
}

// Config controls dispatcher behavior.
type Config struct {
	// Interval is the dispatch matching period. A submission or freed worker
	// kicks a cycle immediately; the ticker is the safety net.
	Interval time.Duration
	// MaxAttempts caps total executions of a task: a failure on the
	// MaxAttempts-th run dead-letters instead of requeuing.
	MaxAttempts int
	// QueuedTTL, when positive, dead-letters tasks that stay claimable
	// longer than this. Zero disables the sweep: a queued task waits
	// indefinitely for a matching worker.
	QueuedTTL time.Duration
}

// Dispatcher accepts submitted tasks and pairs them with idle workers.
type Dispatcher struct {
	store   fleet.TaskStore
	workers WorkerRemover
	ids     fleet.IDGenerator
	clock   fleet.Clock
	cfg     Config
	logger  *zap.Logger
	kick    chan struct{}

	mu        sync.Mutex
	sender    fleet.AssignmentSender
	observers []TaskObserver
}

// New constructs a Dispatcher. The assignment sender is attached later via
// SetSender because the gateway and dispatcher reference each other.
func New(store fleet.TaskStore, workers WorkerRemover, ids fleet.IDGenerator, clock fleet.Clock, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 250 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		store:   store,
		workers: workers,
		ids:     ids,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
		kick:    make(chan struct{}, 1),
	}
}

// SetSender attaches the assignment delivery path.
func (d *Dispatcher) SetSender(s fleet.AssignmentSender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sender = s
}

// AddObserver registers a terminal-task observer.
func (d *Dispatcher) AddObserver(o TaskObserver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, o)
}

// Submit enqueues a task; assignment happens asynchronously. It always
// succeeds synchronously for a valid capability/action pair.
func (d *Dispatcher) Submit(ctx context.Context, capability fleet.Capability, action string, payload json.RawMessage, reportID string) (fleet.Task, error) {
	if !capability.Valid() {
		return fleet.Task{}, fmt.Errorf("submit %q: %w", capability, fleet.ErrUnknownCapability)
	}
	if !capability.SupportsAction(action) {
		return fleet.Task{}, fmt.Errorf("submit %s/%s: %w", capability, action, fleet.ErrUnknownAction)
	}
	id, err := d.ids.NewID()
	if err != nil {
		return fleet.Task{}, fmt.Errorf("submit: %w", err)
	}
	now := d.clock.Now()
	t := fleet.Task{
		ID:         id,
		Capability: capability,
		Action:     action,
		Payload:    payload,
		ReportID:   reportID,
		Status:     fleet.TaskStatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := d.store.EnqueueTask(ctx, t); err != nil {
		return fleet.Task{}, err
	}
	metrics.TaskTransition(capability, fleet.TaskStatusQueued)
	d.logger.Debug("task queued",
		zap.String("task_id", t.ID),
		zap.String("capability", string(capability)),
		zap.String("action", action),
		zap.String("report_id", reportID),
	)
	d.Kick()
	return t, nil
}

// Kick requests an immediate dispatch cycle without blocking.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run matches queued tasks to idle workers until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.expireQueued(ctx)
			d.dispatchCycle(ctx)
		case <-d.kick:
			d.dispatchCycle(ctx)
		}
	}
}

func (d *Dispatcher) dispatchCycle(ctx context.Context) {
	for _, capability := range fleet.Capabilities() {
		for {
			if ctx.Err() != nil {
				return
			}
			t, w, ok, err := d.store.ClaimPair(ctx, capability, d.clock.Now())
			if err != nil {
				d.logger.Error("claim failed", zap.String("capability", string(capability)), zap.Error(err))
				break
			}
			if !ok {
				break
			}
			d.deliver(ctx, t, w)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, t fleet.Task, w fleet.Worker) {
	metrics.TaskTransition(t.Capability, fleet.TaskStatusAssigned)
	sender := d.currentSender()
	if sender == nil {
		d.logger.Error("no assignment sender wired", zap.String("task_id", t.ID))
		d.dropWorker(ctx, w.ID)
		return
	}
	if err := sender.SendAssignment(ctx, w.ID, t); err != nil {
		// A failed send means the connection is gone; treat it exactly like
		// a lost worker rather than failing the task.
		d.logger.Warn("assignment send failed, releasing worker",
			zap.String("task_id", t.ID),
			zap.String("worker_id", w.ID),
			zap.Error(err),
		)
		d.dropWorker(ctx, w.ID)
		return
	}
	metrics.AssignmentSent(t.Capability)
	d.logger.Info("task assigned",
		zap.String("task_id", t.ID),
		zap.String("worker_id", w.ID),
		zap.String("capability", string(t.Capability)),
	)
}

func (d *Dispatcher) dropWorker(ctx context.Context, workerID string) {
	if _, err := d.workers.Remove(ctx, workerID); err != nil && !errors.Is(err, fleet.ErrUnknownWorker) {
		d.logger.Error("worker removal failed", zap.String("worker_id", workerID), zap.Error(err))
	}
	d.HandleWorkerLost(ctx, workerID)
}

// HandleReport applies a worker-reported status transition to the task.
func (d *Dispatcher) HandleReport(ctx context.Context, taskID string, status fleet.TaskStatus, detail json.RawMessage) error {
	switch status {
	case fleet.TaskStatusRunning:
		if err := d.store.MarkRunning(ctx, taskID, d.clock.Now()); err != nil {
			return err
		}
		if t, err := d.store.GetTask(ctx, taskID); err == nil {
			metrics.TaskTransition(t.Capability, fleet.TaskStatusRunning)
		}
		return nil
	case fleet.TaskStatusCompleted:
		t, err := d.store.CompleteTask(ctx, taskID, detail, d.clock.Now())
		if err != nil {
			return err
		}
		metrics.TaskTransition(t.Capability, fleet.TaskStatusCompleted)
		d.logger.Info("task completed", zap.String("task_id", taskID), zap.String("report_id", t.ReportID))
		d.notifyTerminal(ctx, t)
		d.Kick()
		return nil
	case fleet.TaskStatusFailed:
		t, err := d.store.FailTask(ctx, taskID, reasonFrom(detail), d.cfg.MaxAttempts, d.clock.Now())
		if err != nil {
			return err
		}
		d.settleFailure(ctx, t)
		return nil
	default:
		return fmt.Errorf("report %s for task %s: %w", status, taskID, fleet.ErrInvalidState)
	}
}

// HandleWorkerLost requeues or dead-letters whatever task the worker held.
func (d *Dispatcher) HandleWorkerLost(ctx context.Context, workerID string) {
	t, ok, err := d.store.ReleaseWorkerTask(ctx, workerID, d.cfg.MaxAttempts, d.clock.Now())
	if err != nil {
		d.logger.Error("release worker task failed", zap.String("worker_id", workerID), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	d.settleFailure(ctx, t)
}

// WorkerEvicted implements registry.EvictionHandler.
func (d *Dispatcher) WorkerEvicted(ctx context.Context, w fleet.Worker) {
	d.HandleWorkerLost(ctx, w.ID)
}

// Stats counts tasks per capability and status.
func (d *Dispatcher) Stats(ctx context.Context) (fleet.QueueStats, error) {
	return d.store.Stats(ctx)
}

func (d *Dispatcher) settleFailure(ctx context.Context, t fleet.Task) {
	metrics.TaskTransition(t.Capability, t.Status)
	switch t.Status {
	case fleet.TaskStatusDeadLetter:
		d.logger.Warn("task dead-lettered",
			zap.String("task_id", t.ID),
			zap.String("report_id", t.ReportID),
			zap.Int("attempts", t.AttemptCount),
			zap.String("last_error", t.LastError),
		)
		d.notifyTerminal(ctx, t)
	case fleet.TaskStatusRequeued:
		d.logger.Info("task requeued",
			zap.String("task_id", t.ID),
			zap.Int("attempt", t.AttemptCount),
			zap.String("last_error", t.LastError),
		)
		d.Kick()
	}
}

func (d *Dispatcher) expireQueued(ctx context.Context) {
	if d.cfg.QueuedTTL <= 0 {
		return
	}
	expired, err := d.store.ExpireQueued(ctx, d.clock.Now().Add(-d.cfg.QueuedTTL))
	if err != nil {
		d.logger.Error("queued task expiry failed", zap.Error(err))
		return
	}
	for _, t := range expired {
		metrics.TaskTransition(t.Capability, fleet.TaskStatusDeadLetter)
		d.logger.Warn("queued task expired to dead letter",
			zap.String("task_id", t.ID),
			zap.String("capability", string(t.Capability)),
		)
		d.notifyTerminal(ctx, t)
	}
}

func (d *Dispatcher) notifyTerminal(ctx context.Context, t fleet.Task) {
	d.mu.Lock()
	observers := make([]TaskObserver, len(d.observers))
	copy(observers, d.observers)
	d.mu.Unlock()
	for _, o := range observers {
		o.TaskTerminal(ctx, t)
	}
}

func (d *Dispatcher) currentSender() fleet.AssignmentSender {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sender
}

func reasonFrom(detail json.RawMessage) string {
	var reason string
	if err := json.Unmarshal(detail, &reason); err == nil {
		return reason
	}
	return string(detail)
}
