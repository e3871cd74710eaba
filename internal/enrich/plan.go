// Package enrich coordinates multi-stage task pipelines: later stages are
// derived from the aggregated outputs of earlier ones.
package enrich

import (
	"fmt"

	"github.com/growthscout/fleetd/internal/fleet"
)

// FanOut describes how a stage derives its task set from the prior stage's
// aggregated outputs (for stage zero, from the pipeline seed).
type FanOut string

// Supported fan-out modes.
const (
	// FanOutSingle submits one task whose payload is the full aggregate.
	FanOutSingle FanOut = "single"
	// FanOutPerResult submits one task per item in the aggregated result
	// list.
	FanOutPerResult FanOut = "per_result"
)

// Stage describes one step of a pipeline.
type Stage struct {
	Key               string           `json:"key" mapstructure:"key"`
	Capability        fleet.Capability `json:"capability" mapstructure:"capability"`
	Action            string           `json:"action" mapstructure:"action"`
	FanOut            FanOut           `json:"fan_out" mapstructure:"fan_out"`
	RequireAllSuccess bool             `json:"require_all_success" mapstructure:"require_all_success"`
}

// StagePlan is an ordered list of stages run for one report.
type StagePlan struct {
	Name   string  `json:"name" mapstructure:"name"`
	Stages []Stage `json:"stages" mapstructure:"stages"`
}

// Validate checks the plan references only the closed capability set and
// actions those capabilities serve.
func (p StagePlan) Validate() error {
	if len(p.Stages) == 0 {
		return fmt.Errorf("plan %q: no stages", p.Name)
	}
	for i, s := range p.Stages {
		if s.Key == "" {
			return fmt.Errorf("plan %q stage %d: missing key", p.Name, i)
		}
		if !s.Capability.Valid() {
			return fmt.Errorf("plan %q stage %q: %w", p.Name, s.Key, fleet.ErrUnknownCapability)
		}
		if !s.Capability.SupportsAction(s.Action) {
			return fmt.Errorf("plan %q stage %q action %q: %w", p.Name, s.Key, s.Action, fleet.ErrUnknownAction)
		}
		if s.FanOut != FanOutSingle && s.FanOut != FanOutPerResult {
			return fmt.Errorf("plan %q stage %q: unknown fan_out %q", p.Name, s.Key, s.FanOut)
		}
	}
	return nil
}
