// Package dispatch contains tests for task matching and retry handling.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/growthscout/fleetd/internal/fleet"
	"github.com/growthscout/fleetd/internal/registry"
	"github.com/growthscout/fleetd/internal/store/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type seqIDGen struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("task-%d", g.n), nil
}

type fakeSender struct {
	mu   sync.Mutex
	sent []fleet.Task
	errs map[string]error
	ch   chan fleet.Task
}

func newFakeSender() *fakeSender {
	return &fakeSender{errs: map[string]error{}, ch: make(chan fleet.Task, 16)}
}

func (s *fakeSender) SendAssignment(_ context.Context, workerID string, t fleet.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.errs[workerID]; ok {
		return err
	}
	s.sent = append(s.sent, t)
	s.ch <- t
	return nil
}

type recordingObserver struct {
	mu       sync.Mutex
	terminal []fleet.Task
}

func (o *recordingObserver) TaskTerminal(_ context.Context, t fleet.Task) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.terminal = append(o.terminal, t)
}

func (o *recordingObserver) tasks() []fleet.Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]fleet.Task, len(o.terminal))
	copy(out, o.terminal)
	return out
}

func newHarness(t *testing.T) (*Dispatcher, *memory.Store, *registry.Registry, *fakeClock) {
	t.Helper()
	store := memory.New()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	reg := registry.New(store, clock, registry.Config{}, zap.NewNop())
	d := New(store, reg, &seqIDGen{}, clock, Config{MaxAttempts: 2}, zap.NewNop())
	reg.SetEvictionHandler(d)
	return d, store, reg, clock
}

func TestSubmitValidatesCapabilityAndAction(t *testing.T) {
	t.Parallel()

	d, _, _, _ := newHarness(t)
	ctx := context.Background()

	if _, err := d.Submit(ctx, fleet.Capability("myspace"), "company_lookup", nil, "r-1"); !errors.Is(err, fleet.ErrUnknownCapability) {
		t.Fatalf("expected ErrUnknownCapability, got %v", err)
	}
	if _, err := d.Submit(ctx, fleet.CapabilityCrunchbase, "mention_scan", nil, "r-1"); !errors.Is(err, fleet.ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
	task, err := d.Submit(ctx, fleet.CapabilityCrunchbase, "company_lookup", []byte(`{"company":"acme"}`), "r-1")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if task.Status != fleet.TaskStatusQueued || task.ID == "" {
		t.Fatalf("unexpected submitted task %+v", task)
	}
}

func TestSubmitWithoutWorkersLeavesTasksQueued(t *testing.T) {
	t.Parallel()

	d, _, _, _ := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := d.Submit(ctx, fleet.CapabilityTracxn, "search_with_rank", []byte(`{"query":"fintech"}`), "r-1"); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}

	stats, err := d.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if got := stats.Capabilities[fleet.CapabilityTracxn][fleet.TaskStatusQueued]; got != 2 {
		t.Fatalf("expected 2 queued tracxn tasks, got %d", got)
	}
}

func TestRunAssignsQueuedTaskToIdleWorker(t *testing.T) {
	t.Parallel()

	d, _, reg, _ := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sender := newFakeSender()
	d.SetSender(sender)

	if _, err := reg.Register(ctx, "w-1", "scraper-1", fleet.CapabilityCrunchbase); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	go d.Run(ctx)

	if _, err := d.Submit(ctx, fleet.CapabilityCrunchbase, "funding_rounds", []byte(`{"company":"acme"}`), "r-1"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	select {
	case got := <-sender.ch:
		if got.Status != fleet.TaskStatusAssigned || got.AssignedWorkerID != "w-1" {
			t.Fatalf("unexpected assignment %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("assignment was not delivered")
	}
}

func TestSendFailureReleasesWorkerAndRequeues(t *testing.T) {
	t.Parallel()

	d, store, reg, clock := newHarness(t)
	ctx := context.Background()

	sender := newFakeSender()
	sender.errs["w-dead"] = fleet.ErrWorkerGone
	d.SetSender(sender)

	if _, err := reg.Register(ctx, "w-dead", "scraper-1", fleet.CapabilityTracxn); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := d.Submit(ctx, fleet.CapabilityTracxn, "company_lookup", nil, "r-1"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	d.dispatchCycle(ctx)

	// The dead worker's registration is gone and the task is claimable again.
	workers, err := store.ListWorkers(ctx)
	if err != nil || len(workers) != 0 {
		t.Fatalf("expected dead worker removed, got %v err=%v", workers, err)
	}
	if _, err := reg.Register(ctx, "w-ok", "scraper-2", fleet.CapabilityTracxn); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	clock.mu.Lock()
	clock.now = clock.now.Add(time.Second)
	clock.mu.Unlock()
	d.dispatchCycle(ctx)

	select {
	case got := <-sender.ch:
		if got.AssignedWorkerID != "w-ok" || got.AttemptCount != 1 {
			t.Fatalf("unexpected redelivery %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("task was not redelivered after send failure")
	}
}

func TestHandleReportCompletesTask(t *testing.T) {
	t.Parallel()

	d, store, reg, _ := newHarness(t)
	ctx := context.Background()
	sender := newFakeSender()
	d.SetSender(sender)
	observer := &recordingObserver{}
	d.AddObserver(observer)

	if _, err := reg.Register(ctx, "w-1", "scraper-1", fleet.CapabilityCrunchbase); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	task, err := d.Submit(ctx, fleet.CapabilityCrunchbase, "company_lookup", nil, "r-1")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	d.dispatchCycle(ctx)

	if err := d.HandleReport(ctx, task.ID, fleet.TaskStatusRunning, nil); err != nil {
		t.Fatalf("HandleReport(running) error = %v", err)
	}
	if err := d.HandleReport(ctx, task.ID, fleet.TaskStatusCompleted, []byte(`{"found":true}`)); err != nil {
		t.Fatalf("HandleReport(completed) error = %v", err)
	}

	terminal := observer.tasks()
	if len(terminal) != 1 || terminal[0].Status != fleet.TaskStatusCompleted {
		t.Fatalf("expected one completed notification, got %+v", terminal)
	}
	workers, err := store.ListWorkers(ctx)
	if err != nil || len(workers) != 1 || workers[0].Status != fleet.WorkerStatusIdle {
		t.Fatalf("expected worker idle again, got %v err=%v", workers, err)
	}
}

func TestHandleReportFailurePastCeilingDeadLetters(t *testing.T) {
	t.Parallel()

	d, _, reg, clock := newHarness(t)
	ctx := context.Background()
	sender := newFakeSender()
	d.SetSender(sender)
	observer := &recordingObserver{}
	d.AddObserver(observer)

	if _, err := reg.Register(ctx, "w-1", "scraper-1", fleet.CapabilityTracxn); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	task, err := d.Submit(ctx, fleet.CapabilityTracxn, "competitor_scan", nil, "r-1")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	d.dispatchCycle(ctx)
	if err := d.HandleReport(ctx, task.ID, fleet.TaskStatusFailed, []byte(`"captcha wall"`)); err != nil {
		t.Fatalf("HandleReport(failed) error = %v", err)
	}
	if len(observer.tasks()) != 0 {
		t.Fatal("requeue must not notify terminal observers")
	}

	clock.mu.Lock()
	clock.now = clock.now.Add(time.Second)
	clock.mu.Unlock()
	d.dispatchCycle(ctx)
	if err := d.HandleReport(ctx, task.ID, fleet.TaskStatusFailed, []byte(`"captcha wall"`)); err != nil {
		t.Fatalf("HandleReport(failed) second error = %v", err)
	}

	terminal := observer.tasks()
	if len(terminal) != 1 || terminal[0].Status != fleet.TaskStatusDeadLetter {
		t.Fatalf("expected dead letter notification, got %+v", terminal)
	}
	if terminal[0].LastError != "captcha wall" {
		t.Fatalf("expected unwrapped failure reason, got %q", terminal[0].LastError)
	}
}

func TestHandleReportRejectsNonEventStatuses(t *testing.T) {
	t.Parallel()

	d, _, _, _ := newHarness(t)
	err := d.HandleReport(context.Background(), "t-1", fleet.TaskStatusQueued, nil)
	if !errors.Is(err, fleet.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestWorkerEvictionRequeuesHeldTask(t *testing.T) {
	t.Parallel()

	d, store, reg, clock := newHarness(t)
	ctx := context.Background()
	sender := newFakeSender()
	d.SetSender(sender)

	if _, err := reg.Register(ctx, "w-1", "scraper-1", fleet.CapabilityCrunchbase); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	task, err := d.Submit(ctx, fleet.CapabilityCrunchbase, "search_with_rank", nil, "r-1")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	d.dispatchCycle(ctx)

	clock.mu.Lock()
	clock.now = clock.now.Add(time.Hour)
	clock.mu.Unlock()
	evicted, err := reg.EvictStale(ctx)
	if err != nil || len(evicted) != 1 {
		t.Fatalf("EvictStale() = %v, %v", evicted, err)
	}

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if got.Status != fleet.TaskStatusRequeued || got.LastError != "worker lost" {
		t.Fatalf("expected requeued orphan, got %+v", got)
	}
}

func TestRunExpiresQueuedTasksPastTTL(t *testing.T) {
	t.Parallel()

	store := memory.New()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	reg := registry.New(store, clock, registry.Config{}, zap.NewNop())
	d := New(store, reg, &seqIDGen{}, clock, Config{
		Interval:  5 * time.Millisecond,
		QueuedTTL: time.Minute,
	}, zap.NewNop())
	observer := &recordingObserver{}
	d.AddObserver(observer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task, err := d.Submit(ctx, fleet.CapabilityTwitter, "mention_scan", nil, "r-1")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	clock.mu.Lock()
	clock.now = clock.now.Add(2 * time.Minute)
	clock.mu.Unlock()

	go d.Run(ctx)

	deadline := time.After(time.Second)
	for {
		terminal := observer.tasks()
		if len(terminal) == 1 {
			if terminal[0].ID != task.ID || terminal[0].Status != fleet.TaskStatusDeadLetter {
				t.Fatalf("unexpected expiry notification %+v", terminal[0])
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("queued task was not expired")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
