package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/growthscout/fleetd/internal/fleet"
)

// UpdateSink receives the pipeline's own status updates. The status relay
// implements it.
type UpdateSink interface {
	Enqueue(update fleet.StatusUpdate)
}

// JobStatus represents the lifecycle state of a pipeline job.
type JobStatus string

// Pipeline job states.
const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is the public snapshot of a tracked pipeline.
type Job struct {
	ID         string    `json:"id"`
	ReportID   string    `json:"report_id"`
	Plan       StagePlan `json:"plan"`
	StageIndex int       `json:"stage_index"`
	Status     JobStatus `json:"status"`
}

type outcome struct {
	taskID string
	status fleet.TaskStatus
	result json.RawMessage
}

type pipeline struct {
	job      Job
	pending  map[string]struct{}
	outcomes []outcome
}

// Manager owns pipeline jobs for the lifetime of their stage plans. Jobs live
// in control-plane memory: the shared store covers workers and tasks, and a
// pipeline is coordinated by the replica that accepted it.
type Manager struct {
	submitter fleet.Submitter
	sink      UpdateSink
	ids       fleet.IDGenerator
	clock     fleet.Clock
	logger    *zap.Logger

	mu        sync.Mutex
	pipelines map[string]*pipeline
	byTask    map[string]string
}

// New constructs a Manager.
func New(submitter fleet.Submitter, sink UpdateSink, ids fleet.IDGenerator, clock fleet.Clock, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		submitter: submitter,
		sink:      sink,
		ids:       ids,
		clock:     clock,
		logger:    logger,
		pipelines: make(map[string]*pipeline),
		byTask:    make(map[string]string),
	}
}

// StartPipeline validates the plan, submits stage zero, and begins tracking
// the job. The seed feeds stage zero the way a prior stage's aggregate would.
func (m *Manager) StartPipeline(ctx context.Context, reportID string, plan StagePlan, seed json.RawMessage) (Job, error) {
	if err := plan.Validate(); err != nil {
		return Job{}, err
	}
	id, err := m.ids.NewID()
	if err != nil {
		return Job{}, fmt.Errorf("start pipeline: %w", err)
	}
	p := &pipeline{
		job: Job{
			ID:       id,
			ReportID: reportID,
			Plan:     plan,
			Status:   JobRunning,
		},
		pending: make(map[string]struct{}),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pipelines[id] = p
	if err := m.submitStageLocked(ctx, p, seedItems(plan.Stages[0], seed)); err != nil {
		delete(m.pipelines, id)
		return Job{}, err
	}
	m.logger.Info("pipeline started",
		zap.String("job_id", id),
		zap.String("report_id", reportID),
		zap.String("plan", plan.Name),
		zap.Int("stage0_tasks", len(p.pending)),
	)
	if len(p.pending) == 0 {
		// An empty seed fanned out to nothing; resolve immediately.
		m.advanceLocked(ctx, p)
	}
	return p.job, nil
}

// Jobs returns snapshots of all tracked pipelines.
func (m *Manager) Jobs() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, 0, len(m.pipelines))
	for _, p := range m.pipelines {
		out = append(out, p.job)
	}
	return out
}

// TaskTerminal implements dispatch.TaskObserver. Tasks outside any tracked
// pipeline are ignored.
func (m *Manager) TaskTerminal(ctx context.Context, t fleet.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobID, ok := m.byTask[t.ID]
	if !ok {
		return
	}
	delete(m.byTask, t.ID)
	p, ok := m.pipelines[jobID]
	if !ok {
		return
	}
	delete(p.pending, t.ID)
	p.outcomes = append(p.outcomes, outcome{taskID: t.ID, status: t.Status, result: t.Result})
	if len(p.pending) > 0 {
		return
	}
	m.advanceLocked(ctx, p)
}

// advanceLocked runs once every task of the current stage is terminal: it
// either fails the job, finalizes it, or submits the next stage. A stage that
// fans out to zero tasks resolves immediately, so this loops.
func (m *Manager) advanceLocked(ctx context.Context, p *pipeline) {
	for {
		stage := p.job.Plan.Stages[p.job.StageIndex]
		failed := 0
		for _, o := range p.outcomes {
			if o.status != fleet.TaskStatusCompleted {
				failed++
			}
		}
		if stage.RequireAllSuccess && failed > 0 {
			m.finishLocked(p, JobFailed, nil,
				fmt.Sprintf("stage %s required all branches to succeed; %d failed", stage.Key, failed))
			return
		}
		aggregate := aggregateItems(p.outcomes)
		if failed > 0 {
			m.logger.Warn("pipeline stage degraded",
				zap.String("job_id", p.job.ID),
				zap.String("stage", stage.Key),
				zap.Int("failed_branches", failed),
			)
		}
		m.emitLocked(p, fleet.DetailProgress, stage.Key,
			fmt.Sprintf("stage %s complete: %d branches, %d failed", stage.Key, len(p.outcomes), failed), nil)

		if p.job.StageIndex == len(p.job.Plan.Stages)-1 {
			m.finishLocked(p, JobCompleted, marshalItems(aggregate), "")
			return
		}

		p.job.StageIndex++
		p.outcomes = nil
		next := p.job.Plan.Stages[p.job.StageIndex]
		items := fanItems(next, aggregate)
		if err := m.submitStageLocked(ctx, p, items); err != nil {
			m.finishLocked(p, JobFailed, nil, fmt.Sprintf("stage %s submission: %v", next.Key, err))
			return
		}
		if len(p.pending) > 0 {
			return
		}
		// Zero tasks fanned out; the stage is trivially terminal.
	}
}

func (m *Manager) submitStageLocked(ctx context.Context, p *pipeline, items []json.RawMessage) error {
	stage := p.job.Plan.Stages[p.job.StageIndex]
	for _, payload := range items {
		t, err := m.submitter.Submit(ctx, stage.Capability, stage.Action, payload, p.job.ReportID)
		if err != nil {
			return err
		}
		p.pending[t.ID] = struct{}{}
		m.byTask[t.ID] = p.job.ID
	}
	return nil
}

func (m *Manager) finishLocked(p *pipeline, status JobStatus, data json.RawMessage, reason string) {
	p.job.Status = status
	for id := range p.pending {
		delete(m.byTask, id)
	}
	delete(m.pipelines, p.job.ID)
	if status == JobCompleted {
		m.emitLocked(p, fleet.DetailComplete, "enrichment", "pipeline completed", data)
		m.logger.Info("pipeline completed",
			zap.String("job_id", p.job.ID),
			zap.String("report_id", p.job.ReportID),
		)
		return
	}
	m.emitLocked(p, fleet.DetailError, "enrichment", reason, nil)
	m.logger.Warn("pipeline failed",
		zap.String("job_id", p.job.ID),
		zap.String("report_id", p.job.ReportID),
		zap.String("reason", reason),
	)
}

func (m *Manager) emitLocked(p *pipeline, detail fleet.DetailType, stepKey, message string, data json.RawMessage) {
	if m.sink == nil {
		return
	}
	m.sink.Enqueue(fleet.StatusUpdate{
		ReportID:   p.job.ReportID,
		StepKey:    stepKey,
		DetailType: detail,
		Message:    message,
		Data:       data,
		Timestamp:  m.clock.Now(),
	})
}

// seedItems derives stage zero's payloads from the pipeline seed.
func seedItems(stage Stage, seed json.RawMessage) []json.RawMessage {
	if stage.FanOut == FanOutPerResult {
		return splitItems(seed)
	}
	return []json.RawMessage{seed}
}

// fanItems derives a stage's payloads from the prior stage's aggregate.
func fanItems(stage Stage, aggregate []json.RawMessage) []json.RawMessage {
	if stage.FanOut == FanOutPerResult {
		return aggregate
	}
	return []json.RawMessage{marshalItems(aggregate)}
}

// aggregateItems flattens successful branch results into one item list.
// A result that is a JSON array contributes its elements; anything else
// contributes itself. Failed branches are recorded but contribute nothing.
func aggregateItems(outcomes []outcome) []json.RawMessage {
	var items []json.RawMessage
	for _, o := range outcomes {
		if o.status != fleet.TaskStatusCompleted || len(o.result) == 0 {
			continue
		}
		items = append(items, splitItems(o.result)...)
	}
	return items
}

func splitItems(raw json.RawMessage) []json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err == nil {
		return arr
	}
	return []json.RawMessage{raw}
}

func marshalItems(items []json.RawMessage) json.RawMessage {
	if items == nil {
		items = []json.RawMessage{}
	}
	out, err := json.Marshal(items)
	if err != nil {
		return json.RawMessage("[]")
	}
	return out
}
