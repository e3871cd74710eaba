// Package fleet defines core types shared across subsystems.
package fleet

import (
	"encoding/json"
	"time"
)

// Capability identifies the data source a worker can serve. The set is
// closed: routing tables and wire validation reject anything else.
type Capability string

// Supported scraper capabilities.
const (
	CapabilityCrunchbase Capability = "crunchbase"
	CapabilityTracxn     Capability = "tracxn"
	CapabilityLinkedIn   Capability = "linkedin"
	CapabilityTwitter    Capability = "twitter"
)

// Capabilities returns the closed capability set in routing order.
func Capabilities() []Capability {
	return []Capability{
		CapabilityCrunchbase,
		CapabilityTracxn,
		CapabilityLinkedIn,
		CapabilityTwitter,
	}
}

// Valid reports whether c is part of the closed capability set.
func (c Capability) Valid() bool {
	switch c {
	case CapabilityCrunchbase, CapabilityTracxn, CapabilityLinkedIn, CapabilityTwitter:
		return true
	}
	return false
}

// WorkerStatus represents the connection lifecycle state of a worker.
type WorkerStatus string

// Worker status values held in the shared store.
const (
	WorkerStatusConnecting   WorkerStatus = "connecting"
	WorkerStatusIdle         WorkerStatus = "idle"
	WorkerStatusBusy         WorkerStatus = "busy"
	WorkerStatusDisconnected WorkerStatus = "disconnected"
)

// Worker is the registry's view of a connected scraper process. The
// connection handle itself is owned by the gateway; the registry only keeps
// the worker id to address it.
type Worker struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Capability    Capability   `json:"capability"`
	Status        WorkerStatus `json:"status"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	LastAssigned  time.Time    `json:"last_assigned"`
	CurrentTaskID string       `json:"current_task_id,omitempty"`
}

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

// Task status values. A requeued task is claimable again alongside queued
// ones; completed and dead_letter are terminal.
const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusRunning    TaskStatus = "running"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusRequeued   TaskStatus = "requeued"
	TaskStatusDeadLetter TaskStatus = "dead_letter"
)

// Terminal reports whether s is a final state for a task.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusDeadLetter
}

// Claimable reports whether a task in state s may be matched to a worker.
func (s TaskStatus) Claimable() bool {
	return s == TaskStatusQueued || s == TaskStatusRequeued
}

// Task is a unit of scraping work routed to exactly one worker at a time.
type Task struct {
	ID               string          `json:"id"`
	Capability       Capability      `json:"capability"`
	Action           string          `json:"action"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	ReportID         string          `json:"report_id"`
	Status           TaskStatus      `json:"status"`
	AssignedWorkerID string          `json:"assigned_worker_id,omitempty"`
	AttemptCount     int             `json:"attempt_count"`
	Result           json.RawMessage `json:"result,omitempty"`
	LastError        string          `json:"last_error,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// DetailType classifies a status update.
type DetailType string

// Status update detail types accepted from workers.
const (
	DetailProgress DetailType = "progress"
	DetailComplete DetailType = "complete"
	DetailError    DetailType = "error"
)

// Valid reports whether d is a known detail type.
func (d DetailType) Valid() bool {
	return d == DetailProgress || d == DetailComplete || d == DetailError
}

// StatusUpdate is a transient progress event produced by a worker and
// forwarded once to the backend. The core never persists it.
type StatusUpdate struct {
	ReportID   string          `json:"report_id"`
	StepKey    string          `json:"step_key"`
	DetailType DetailType      `json:"detail_type"`
	Message    string          `json:"message,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// QueueStats counts tasks per capability and status.
type QueueStats struct {
	Capabilities map[Capability]map[TaskStatus]int `json:"capabilities"`
}
