package agent

import (
	"context"
	"encoding/json"

	"github.com/growthscout/fleetd/internal/fleet"
)

// Assignment is one task handed to the worker.
type Assignment struct {
	TaskID   string
	Action   string
	Payload  json.RawMessage
	ReportID string
}

// StatusFunc streams a progress event for the assignment's report.
type StatusFunc func(stepKey string, detail fleet.DetailType, message string, data json.RawMessage)

// Executor runs one assignment. Scraper implementations live outside this
// repository and plug in here; the agent handles everything else.
type Executor interface {
	Execute(ctx context.Context, a Assignment, emit StatusFunc) (json.RawMessage, error)
}

// EchoExecutor reports the action as complete and returns the payload as the
// result. Useful for wiring checks and load tests without real scrapers.
type EchoExecutor struct{}

// Execute implements Executor.
func (EchoExecutor) Execute(_ context.Context, a Assignment, emit StatusFunc) (json.RawMessage, error) {
	emit(a.Action, fleet.DetailProgress, "started", nil)
	emit(a.Action, fleet.DetailComplete, "done", a.Payload)
	return a.Payload, nil
}
