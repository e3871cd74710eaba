// Package protocol defines the worker connection wire format: one JSON
// envelope per line, each tagged with a kind from a closed set. Unknown kinds
// are a protocol error, never silently ignored.
package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/growthscout/fleetd/internal/fleet"
)

// Kind tags an envelope with its message type.
type Kind string

// The closed set of message kinds.
const (
	KindAuth       Kind = "auth"
	KindAuthOK     Kind = "auth_ok"
	KindAuthFailed Kind = "auth_failed"
	KindHeartbeat  Kind = "heartbeat"
	KindTaskAssign Kind = "task_assign"
	KindStatus     Kind = "status"
	KindComplete   Kind = "complete"
	KindError      Kind = "error"
)

// ErrUnknownKind indicates an envelope tagged outside the closed set.
var ErrUnknownKind = errors.New("unknown message kind")

// maxLineBytes bounds a single envelope; scraper payloads stay well under it.
const maxLineBytes = 1 << 20

// Envelope is the frame carried on the wire.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Auth opens a connection; the server replies with AuthOK or AuthFailed.
type Auth struct {
	Token      string           `json:"token"`
	Capability fleet.Capability `json:"capability"`
	WorkerName string           `json:"worker_name"`
}

// AuthOK confirms registration and assigns the worker its id.
type AuthOK struct {
	WorkerID string `json:"worker_id"`
}

// AuthFailed is sent just before the server closes a rejected connection.
type AuthFailed struct {
	Reason string `json:"reason"`
}

// Heartbeat is the periodic liveness signal; no reply is sent.
type Heartbeat struct {
	WorkerID string `json:"worker_id"`
}

// TaskAssign hands one task to the worker.
type TaskAssign struct {
	TaskID   string          `json:"task_id"`
	Action   string          `json:"action"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	ReportID string          `json:"report_id"`
}

// Status is a progress event stream element for a report.
type Status struct {
	ReportID   string           `json:"report_id"`
	StepKey    string           `json:"step_key"`
	DetailType fleet.DetailType `json:"detail_type"`
	Message    string           `json:"message,omitempty"`
	Data       json.RawMessage  `json:"data,omitempty"`
}

// Complete terminates a task successfully.
type Complete struct {
	TaskID string          `json:"task_id"`
	Result json.RawMessage `json:"result,omitempty"`
}

// TaskError terminates a task with a failure reason.
type TaskError struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
}

// NewEnvelope wraps a payload struct into a tagged envelope.
func NewEnvelope(kind Kind, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Envelope{Kind: kind, Payload: raw}, nil
}

// Write frames the envelope as one JSON line.
func Write(w io.Writer, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	raw = append(raw, '\n')
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

// NewReader returns a line scanner sized for protocol frames.
func NewReader(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return sc
}

// Decode parses one line into an envelope and rejects unknown kinds.
func Decode(line []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	switch env.Kind {
	case KindAuth, KindAuthOK, KindAuthFailed, KindHeartbeat, KindTaskAssign, KindStatus, KindComplete, KindError:
		return env, nil
	default:
		return Envelope{}, fmt.Errorf("decode envelope %q: %w", env.Kind, ErrUnknownKind)
	}
}

// DecodeAuth parses and validates an auth payload.
func (e Envelope) DecodeAuth() (Auth, error) {
	var p Auth
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return Auth{}, fmt.Errorf("decode auth: %w", err)
	}
	if p.Token == "" {
		return Auth{}, errors.New("auth: token is required")
	}
	if !p.Capability.Valid() {
		return Auth{}, fmt.Errorf("auth: %w", fleet.ErrUnknownCapability)
	}
	return p, nil
}

// DecodeAuthOK parses an auth_ok payload.
func (e Envelope) DecodeAuthOK() (AuthOK, error) {
	var p AuthOK
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return AuthOK{}, fmt.Errorf("decode auth_ok: %w", err)
	}
	return p, nil
}

// DecodeAuthFailed parses an auth_failed payload.
func (e Envelope) DecodeAuthFailed() (AuthFailed, error) {
	var p AuthFailed
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return AuthFailed{}, fmt.Errorf("decode auth_failed: %w", err)
	}
	return p, nil
}

// DecodeHeartbeat parses and validates a heartbeat payload.
func (e Envelope) DecodeHeartbeat() (Heartbeat, error) {
	var p Heartbeat
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return Heartbeat{}, fmt.Errorf("decode heartbeat: %w", err)
	}
	if p.WorkerID == "" {
		return Heartbeat{}, errors.New("heartbeat: worker_id is required")
	}
	return p, nil
}

// DecodeTaskAssign parses and validates a task_assign payload.
func (e Envelope) DecodeTaskAssign() (TaskAssign, error) {
	var p TaskAssign
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return TaskAssign{}, fmt.Errorf("decode task_assign: %w", err)
	}
	if p.TaskID == "" {
		return TaskAssign{}, errors.New("task_assign: task_id is required")
	}
	return p, nil
}

// DecodeStatus parses and validates a status payload.
func (e Envelope) DecodeStatus() (Status, error) {
	var p Status
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return Status{}, fmt.Errorf("decode status: %w", err)
	}
	if p.ReportID == "" {
		return Status{}, errors.New("status: report_id is required")
	}
	if !p.DetailType.Valid() {
		return Status{}, fmt.Errorf("status: unknown detail_type %q", p.DetailType)
	}
	return p, nil
}

// DecodeComplete parses and validates a complete payload.
func (e Envelope) DecodeComplete() (Complete, error) {
	var p Complete
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return Complete{}, fmt.Errorf("decode complete: %w", err)
	}
	if p.TaskID == "" {
		return Complete{}, errors.New("complete: task_id is required")
	}
	return p, nil
}

// DecodeError parses and validates an error payload.
func (e Envelope) DecodeError() (TaskError, error) {
	var p TaskError
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return TaskError{}, fmt.Errorf("decode error: %w", err)
	}
	if p.TaskID == "" {
		return TaskError{}, errors.New("error: task_id is required")
	}
	return p, nil
}
