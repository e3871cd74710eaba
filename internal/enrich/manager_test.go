package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/growthscout/fleetd/internal/fleet"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type seqIDGen struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("job-%d", g.n), nil
}

// fakeSubmitter records submissions without any dispatch machinery; tests
// drive task outcomes by calling TaskTerminal directly.
type fakeSubmitter struct {
	mu        sync.Mutex
	submitted []fleet.Task
	n         int
}

func (s *fakeSubmitter) Submit(_ context.Context, capability fleet.Capability, action string, payload json.RawMessage, reportID string) (fleet.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	t := fleet.Task{
		ID:         fmt.Sprintf("task-%d", s.n),
		Capability: capability,
		Action:     action,
		Payload:    payload,
		ReportID:   reportID,
		Status:     fleet.TaskStatusQueued,
	}
	s.submitted = append(s.submitted, t)
	return t, nil
}

func (s *fakeSubmitter) tasks() []fleet.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]fleet.Task, len(s.submitted))
	copy(out, s.submitted)
	return out
}

type memorySink struct {
	mu      sync.Mutex
	updates []fleet.StatusUpdate
}

func (s *memorySink) Enqueue(update fleet.StatusUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, update)
}

func (s *memorySink) all() []fleet.StatusUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]fleet.StatusUpdate, len(s.updates))
	copy(out, s.updates)
	return out
}

func twoStagePlan() StagePlan {
	return StagePlan{
		Name: "company-enrichment",
		Stages: []Stage{
			{Key: "discover", Capability: fleet.CapabilityTracxn, Action: "search_with_rank", FanOut: FanOutSingle},
			{Key: "profile", Capability: fleet.CapabilityCrunchbase, Action: "company_lookup", FanOut: FanOutPerResult},
		},
	}
}

func TestStartPipelineRejectsInvalidPlan(t *testing.T) {
	t.Parallel()

	m := New(&fakeSubmitter{}, &memorySink{}, &seqIDGen{}, &fakeClock{}, zap.NewNop())

	bad := twoStagePlan()
	bad.Stages[1].Action = "mention_scan"
	if _, err := m.StartPipeline(context.Background(), "r-1", bad, nil); err == nil {
		t.Fatal("expected plan validation error")
	}
	if len(m.Jobs()) != 0 {
		t.Fatal("rejected plan must not be tracked")
	}
}

func TestPipelineAdvancesAfterAllStageTasksTerminal(t *testing.T) {
	t.Parallel()

	submitter := &fakeSubmitter{}
	sink := &memorySink{}
	m := New(submitter, sink, &seqIDGen{}, &fakeClock{now: time.Unix(100, 0)}, zap.NewNop())
	ctx := context.Background()

	plan := StagePlan{
		Name: "wide-then-profile",
		Stages: []Stage{
			{Key: "discover", Capability: fleet.CapabilityTracxn, Action: "search_with_rank", FanOut: FanOutPerResult},
			{Key: "profile", Capability: fleet.CapabilityCrunchbase, Action: "company_lookup", FanOut: FanOutSingle},
		},
	}
	seed := json.RawMessage(`[{"query":"fintech"},{"query":"medtech"}]`)
	job, err := m.StartPipeline(ctx, "r-1", plan, seed)
	if err != nil {
		t.Fatalf("StartPipeline() error = %v", err)
	}
	if job.Status != JobRunning {
		t.Fatalf("expected running job, got %s", job.Status)
	}

	stage0 := submitter.tasks()
	if len(stage0) != 2 || stage0[0].Capability != fleet.CapabilityTracxn {
		t.Fatalf("expected two discover tasks, got %+v", stage0)
	}

	// First branch finishing must not advance the stage.
	first := stage0[0]
	first.Status = fleet.TaskStatusCompleted
	first.Result = json.RawMessage(`[{"company":"acme"}]`)
	m.TaskTerminal(ctx, first)
	if got := len(submitter.tasks()); got != 2 {
		t.Fatalf("stage advanced early, %d submissions", got)
	}

	second := stage0[1]
	second.Status = fleet.TaskStatusCompleted
	second.Result = json.RawMessage(`[{"company":"medco"}]`)
	m.TaskTerminal(ctx, second)

	all := submitter.tasks()
	if len(all) != 3 {
		t.Fatalf("expected one profile task after stage advance, got %d", len(all))
	}
	profile := all[2]
	if profile.Capability != fleet.CapabilityCrunchbase || profile.Action != "company_lookup" {
		t.Fatalf("unexpected stage-1 task %+v", profile)
	}
	// Single fan-out receives the whole aggregate.
	var items []json.RawMessage
	if err := json.Unmarshal(profile.Payload, &items); err != nil || len(items) != 2 {
		t.Fatalf("expected aggregated payload of 2 items, got %s err=%v", profile.Payload, err)
	}
}

func TestPipelinePerResultFanOutCounts(t *testing.T) {
	t.Parallel()

	submitter := &fakeSubmitter{}
	m := New(submitter, &memorySink{}, &seqIDGen{}, &fakeClock{now: time.Unix(100, 0)}, zap.NewNop())
	ctx := context.Background()

	if _, err := m.StartPipeline(ctx, "r-1", twoStagePlan(), json.RawMessage(`{"query":"fintech"}`)); err != nil {
		t.Fatalf("StartPipeline() error = %v", err)
	}

	discover := submitter.tasks()[0]
	discover.Status = fleet.TaskStatusCompleted
	discover.Result = json.RawMessage(`[{"company":"a"},{"company":"b"},{"company":"c"}]`)
	m.TaskTerminal(ctx, discover)

	all := submitter.tasks()
	if len(all) != 4 {
		t.Fatalf("expected 3 per-result profile tasks, got %d total", len(all))
	}
	for _, task := range all[1:] {
		if task.Capability != fleet.CapabilityCrunchbase || task.ReportID != "r-1" {
			t.Fatalf("unexpected fan-out task %+v", task)
		}
	}
}

func TestPipelineCompletesAndEmitsAggregate(t *testing.T) {
	t.Parallel()

	submitter := &fakeSubmitter{}
	sink := &memorySink{}
	clock := &fakeClock{now: time.Unix(100, 0)}
	m := New(submitter, sink, &seqIDGen{}, clock, zap.NewNop())
	ctx := context.Background()

	if _, err := m.StartPipeline(ctx, "r-1", twoStagePlan(), json.RawMessage(`{"query":"fintech"}`)); err != nil {
		t.Fatalf("StartPipeline() error = %v", err)
	}

	discover := submitter.tasks()[0]
	discover.Status = fleet.TaskStatusCompleted
	discover.Result = json.RawMessage(`[{"company":"a"},{"company":"b"}]`)
	m.TaskTerminal(ctx, discover)

	for _, task := range submitter.tasks()[1:] {
		task.Status = fleet.TaskStatusCompleted
		task.Result = json.RawMessage(`{"profile":"ok"}`)
		m.TaskTerminal(ctx, task)
	}

	if len(m.Jobs()) != 0 {
		t.Fatalf("finished pipeline still tracked: %+v", m.Jobs())
	}

	updates := sink.all()
	final := updates[len(updates)-1]
	if final.DetailType != fleet.DetailComplete || final.ReportID != "r-1" {
		t.Fatalf("unexpected final update %+v", final)
	}
	var aggregate []json.RawMessage
	if err := json.Unmarshal(final.Data, &aggregate); err != nil || len(aggregate) != 2 {
		t.Fatalf("expected aggregate of 2 profiles, got %s err=%v", final.Data, err)
	}
}

func TestRequireAllSuccessFailsJobOnBranchFailure(t *testing.T) {
	t.Parallel()

	submitter := &fakeSubmitter{}
	sink := &memorySink{}
	m := New(submitter, sink, &seqIDGen{}, &fakeClock{now: time.Unix(100, 0)}, zap.NewNop())
	ctx := context.Background()

	plan := StagePlan{
		Name: "strict",
		Stages: []Stage{
			{Key: "discover", Capability: fleet.CapabilityTracxn, Action: "search_with_rank", FanOut: FanOutPerResult, RequireAllSuccess: true},
			{Key: "profile", Capability: fleet.CapabilityCrunchbase, Action: "company_lookup", FanOut: FanOutSingle},
		},
	}
	if _, err := m.StartPipeline(ctx, "r-1", plan, json.RawMessage(`[{"q":"a"},{"q":"b"}]`)); err != nil {
		t.Fatalf("StartPipeline() error = %v", err)
	}

	tasks := submitter.tasks()
	ok := tasks[0]
	ok.Status = fleet.TaskStatusCompleted
	ok.Result = json.RawMessage(`[{"company":"acme"}]`)
	m.TaskTerminal(ctx, ok)

	lost := tasks[1]
	lost.Status = fleet.TaskStatusDeadLetter
	lost.LastError = "captcha wall"
	m.TaskTerminal(ctx, lost)

	if got := len(submitter.tasks()); got != 2 {
		t.Fatalf("failed stage must not submit the next one, got %d submissions", got)
	}
	if len(m.Jobs()) != 0 {
		t.Fatal("failed pipeline still tracked")
	}
	updates := sink.all()
	final := updates[len(updates)-1]
	if final.DetailType != fleet.DetailError {
		t.Fatalf("expected error update, got %+v", final)
	}
}

func TestDegradedStageContinuesWithoutRequireAllSuccess(t *testing.T) {
	t.Parallel()

	submitter := &fakeSubmitter{}
	m := New(submitter, &memorySink{}, &seqIDGen{}, &fakeClock{now: time.Unix(100, 0)}, zap.NewNop())
	ctx := context.Background()

	plan := StagePlan{
		Name: "lenient",
		Stages: []Stage{
			{Key: "discover", Capability: fleet.CapabilityTracxn, Action: "search_with_rank", FanOut: FanOutPerResult},
			{Key: "profile", Capability: fleet.CapabilityCrunchbase, Action: "company_lookup", FanOut: FanOutPerResult},
		},
	}
	if _, err := m.StartPipeline(ctx, "r-1", plan, json.RawMessage(`[{"q":"a"},{"q":"b"}]`)); err != nil {
		t.Fatalf("StartPipeline() error = %v", err)
	}

	tasks := submitter.tasks()
	ok := tasks[0]
	ok.Status = fleet.TaskStatusCompleted
	ok.Result = json.RawMessage(`[{"company":"acme"}]`)
	m.TaskTerminal(ctx, ok)

	lost := tasks[1]
	lost.Status = fleet.TaskStatusDeadLetter
	m.TaskTerminal(ctx, lost)

	all := submitter.tasks()
	if len(all) != 3 {
		t.Fatalf("expected degraded advance with 1 profile task, got %d submissions", len(all))
	}
	if string(all[2].Payload) != `{"company":"acme"}` {
		t.Fatalf("expected surviving branch only, got %s", all[2].Payload)
	}
}

func TestTaskTerminalIgnoresUntrackedTasks(t *testing.T) {
	t.Parallel()

	m := New(&fakeSubmitter{}, &memorySink{}, &seqIDGen{}, &fakeClock{}, zap.NewNop())
	m.TaskTerminal(context.Background(), fleet.Task{ID: "stray", Status: fleet.TaskStatusCompleted})
	if len(m.Jobs()) != 0 {
		t.Fatal("untracked task created state")
	}
}
