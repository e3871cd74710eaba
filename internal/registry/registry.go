// Package registry maintains the authoritative view of connected workers.
package registry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/growthscout/fleetd/internal/fleet"
	"github.com/growthscout/fleetd/internal/metrics"
)

// EvictionHandler reacts to a worker removed by the stale sweep. The
// dispatcher implements it to requeue whatever the worker held.
type EvictionHandler interface {
	WorkerEvicted(ctx context.Context, w fleet.Worker)
}

// Config controls registry behavior.
type Config struct {
	// HeartbeatTimeout is how stale a heartbeat may get before eviction.
	HeartbeatTimeout time.Duration
	// SweepInterval is the eviction sweep period. Defaults to half the
	// heartbeat timeout so a loss is detected within one missed cycle plus
	// grace.
	SweepInterval time.Duration
}

// Registry tracks worker registrations through the shared store.
type Registry struct {
	store   fleet.WorkerStore
	clock   fleet.Clock
	cfg     Config
	logger  *zap.Logger
	onEvict EvictionHandler
}

// New constructs a Registry.
func New(store fleet.WorkerStore, clock fleet.Clock, cfg Config, logger *zap.Logger) *Registry {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.HeartbeatTimeout / 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:  store,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
	}
}

// SetEvictionHandler wires the dispatcher in after construction; the two
// reference each other, so one side has to be attached late.
func (r *Registry) SetEvictionHandler(h EvictionHandler) {
	r.onEvict = h
}

// Register creates an idle registration for the worker.
func (r *Registry) Register(ctx context.Context, id, name string, capability fleet.Capability) (fleet.Worker, error) {
	if !capability.Valid() {
		return fleet.Worker{}, fmt.Errorf("register %q: %w", capability, fleet.ErrUnknownCapability)
	}
	w := fleet.Worker{
		ID:            id,
		Name:          name,
		Capability:    capability,
		Status:        fleet.WorkerStatusIdle,
		LastHeartbeat: r.clock.Now(),
	}
	if err := r.store.RegisterWorker(ctx, w); err != nil {
		return fleet.Worker{}, err
	}
	metrics.WorkerConnected(capability)
	r.logger.Info("worker registered",
		zap.String("worker_id", id),
		zap.String("worker_name", name),
		zap.String("capability", string(capability)),
	)
	return w, nil
}

// Heartbeat refreshes the worker's liveness timestamp.
func (r *Registry) Heartbeat(ctx context.Context, workerID string) error {
	return r.store.Heartbeat(ctx, workerID, r.clock.Now())
}

// MarkBusy transitions the worker from idle to busy.
func (r *Registry) MarkBusy(ctx context.Context, workerID, taskID string) error {
	return r.store.MarkBusy(ctx, workerID, taskID)
}

// MarkIdle transitions the worker from busy back to idle.
func (r *Registry) MarkIdle(ctx context.Context, workerID string) error {
	return r.store.MarkIdle(ctx, workerID)
}

// FindIdle returns one idle worker of the capability. Selection is
// oldest-last-assigned-first: a fair rotation that favors workers that have
// waited longest since their last assignment.
func (r *Registry) FindIdle(ctx context.Context, capability fleet.Capability) (fleet.Worker, bool, error) {
	workers, err := r.store.ListWorkers(ctx)
	if err != nil {
		return fleet.Worker{}, false, fmt.Errorf("find idle: %w", err)
	}
	var pick fleet.Worker
	found := false
	for _, w := range workers {
		if w.Capability != capability || w.Status != fleet.WorkerStatusIdle {
			continue
		}
		if !found || w.LastAssigned.Before(pick.LastAssigned) {
			pick = w
			found = true
		}
	}
	return pick, found, nil
}

// List returns all registrations.
func (r *Registry) List(ctx context.Context) ([]fleet.Worker, error) {
	return r.store.ListWorkers(ctx)
}

// Remove deletes the worker's registration, e.g. when its socket closes.
func (r *Registry) Remove(ctx context.Context, workerID string) (fleet.Worker, error) {
	w, err := r.store.RemoveWorker(ctx, workerID)
	if err != nil {
		return fleet.Worker{}, err
	}
	metrics.WorkerDisconnected(w.Capability)
	r.logger.Info("worker removed",
		zap.String("worker_id", workerID),
		zap.String("capability", string(w.Capability)),
	)
	return w, nil
}

// EvictStale removes workers whose heartbeat is older than the configured
// timeout and notifies the eviction handler for each.
func (r *Registry) EvictStale(ctx context.Context) ([]fleet.Worker, error) {
	cutoff := r.clock.Now().Add(-r.cfg.HeartbeatTimeout)
	evicted, err := r.store.EvictStale(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("evict stale: %w", err)
	}
	for _, w := range evicted {
		metrics.WorkerEvicted(w.Capability)
		r.logger.Warn("worker evicted, heartbeat stale",
			zap.String("worker_id", w.ID),
			zap.String("capability", string(w.Capability)),
			zap.Time("last_heartbeat", w.LastHeartbeat),
		)
		if r.onEvict != nil {
			r.onEvict.WorkerEvicted(ctx, w)
		}
	}
	return evicted, nil
}

// Run sweeps for stale workers until the context finishes.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.EvictStale(ctx); err != nil {
				r.logger.Error("stale worker sweep failed", zap.Error(err))
			}
		}
	}
}
