// Package agent implements the worker side of the gateway protocol: connect,
// authenticate, heartbeat, execute assignments, reconnect.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/growthscout/fleetd/internal/fleet"
	"github.com/growthscout/fleetd/internal/protocol"
)

// ErrAuthRejected indicates the control plane refused the handshake; the
// agent does not reconnect after it.
var ErrAuthRejected = errors.New("auth rejected by control plane")

// Config controls agent behavior.
type Config struct {
	// Endpoint is the gateway address, host:port.
	Endpoint string
	// Token is the shared auth secret.
	Token string
	// Capability this worker advertises.
	Capability fleet.Capability
	// WorkerName is a human-readable label for operators.
	WorkerName string
	// HeartbeatInterval between liveness signals (default 10s).
	HeartbeatInterval time.Duration
	// ReconnectDelay between connection attempts (default 5s).
	ReconnectDelay time.Duration
	// MaxReconnects bounds consecutive failed attempts; 0 means unbounded.
	MaxReconnects int
}

// Agent maintains one connection to the control plane and runs assignments
// through the executor.
type Agent struct {
	cfg      Config
	executor Executor
	logger   *zap.Logger
}

// New constructs an Agent.
func New(cfg Config, executor Executor, logger *zap.Logger) *Agent {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{cfg: cfg, executor: executor, logger: logger}
}

// Run connects and serves assignments until the context finishes, the auth
// is rejected, or the reconnect budget is spent.
func (a *Agent) Run(ctx context.Context) error {
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		authed, err := a.connectOnce(ctx)
		if errors.Is(err, ErrAuthRejected) {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		if authed {
			failures = 0
		} else {
			failures++
			if a.cfg.MaxReconnects > 0 && failures >= a.cfg.MaxReconnects {
				return fmt.Errorf("giving up after %d failed connection attempts: %w", failures, err)
			}
		}
		if err != nil {
			a.logger.Warn("connection lost, will retry",
				zap.String("endpoint", a.cfg.Endpoint),
				zap.Error(err),
			)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(a.cfg.ReconnectDelay):
		}
	}
}

// connectOnce runs one full session. authed reports whether the handshake
// succeeded, which resets the reconnect budget.
func (a *Agent) connectOnce(ctx context.Context) (authed bool, err error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", a.cfg.Endpoint)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", a.cfg.Endpoint, err)
	}
	defer conn.Close()

	workerID, err := a.handshake(conn)
	if err != nil {
		return false, err
	}
	a.logger.Info("connected",
		zap.String("worker_id", workerID),
		zap.String("capability", string(a.cfg.Capability)),
	)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var writeMu sync.Mutex
	send := func(env protocol.Envelope) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return protocol.Write(conn, env)
	}

	go func() {
		<-sessionCtx.Done()
		conn.Close()
	}()
	go a.heartbeatLoop(sessionCtx, workerID, send)

	scanner := protocol.NewReader(conn)
	for scanner.Scan() {
		env, err := protocol.Decode(scanner.Bytes())
		if err != nil {
			return true, fmt.Errorf("server sent malformed message: %w", err)
		}
		if env.Kind != protocol.KindTaskAssign {
			return true, fmt.Errorf("unexpected %s from server", env.Kind)
		}
		assign, err := env.DecodeTaskAssign()
		if err != nil {
			return true, err
		}
		a.runTask(sessionCtx, assign, send)
	}
	if err := scanner.Err(); err != nil && sessionCtx.Err() == nil {
		return true, fmt.Errorf("read: %w", err)
	}
	return true, nil
}

func (a *Agent) handshake(conn net.Conn) (string, error) {
	env, err := protocol.NewEnvelope(protocol.KindAuth, protocol.Auth{
		Token:      a.cfg.Token,
		Capability: a.cfg.Capability,
		WorkerName: a.cfg.WorkerName,
	})
	if err != nil {
		return "", err
	}
	if err := protocol.Write(conn, env); err != nil {
		return "", err
	}
	_ = conn.SetReadDeadline(time.Now().Add(15 * time.Second))
	scanner := protocol.NewReader(conn)
	if !scanner.Scan() {
		return "", errors.New("connection closed during handshake")
	}
	_ = conn.SetReadDeadline(time.Time{})
	reply, err := protocol.Decode(scanner.Bytes())
	if err != nil {
		return "", err
	}
	switch reply.Kind {
	case protocol.KindAuthOK:
		ok, err := reply.DecodeAuthOK()
		if err != nil {
			return "", err
		}
		return ok.WorkerID, nil
	case protocol.KindAuthFailed:
		failed, _ := reply.DecodeAuthFailed()
		return "", fmt.Errorf("%w: %s", ErrAuthRejected, failed.Reason)
	default:
		return "", fmt.Errorf("unexpected %s during handshake", reply.Kind)
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context, workerID string, send func(protocol.Envelope) error) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			env, err := protocol.NewEnvelope(protocol.KindHeartbeat, protocol.Heartbeat{WorkerID: workerID})
			if err != nil {
				continue
			}
			if err := send(env); err != nil {
				return
			}
		}
	}
}

// runTask executes one assignment synchronously. The control plane assigns
// at most one task per worker at a time, so serial execution is the
// contract, not a limitation.
func (a *Agent) runTask(ctx context.Context, assign protocol.TaskAssign, send func(protocol.Envelope) error) {
	emit := func(stepKey string, detail fleet.DetailType, message string, data json.RawMessage) {
		env, err := protocol.NewEnvelope(protocol.KindStatus, protocol.Status{
			ReportID:   assign.ReportID,
			StepKey:    stepKey,
			DetailType: detail,
			Message:    message,
			Data:       data,
		})
		if err != nil {
			return
		}
		if err := send(env); err != nil {
			a.logger.Warn("status send failed", zap.String("task_id", assign.TaskID), zap.Error(err))
		}
	}

	result, err := a.executor.Execute(ctx, Assignment{
		TaskID:   assign.TaskID,
		Action:   assign.Action,
		Payload:  assign.Payload,
		ReportID: assign.ReportID,
	}, emit)
	if err != nil {
		a.logger.Warn("task failed",
			zap.String("task_id", assign.TaskID),
			zap.String("action", assign.Action),
			zap.Error(err),
		)
		env, encErr := protocol.NewEnvelope(protocol.KindError, protocol.TaskError{
			TaskID: assign.TaskID,
			Reason: err.Error(),
		})
		if encErr == nil {
			_ = send(env)
		}
		return
	}
	env, encErr := protocol.NewEnvelope(protocol.KindComplete, protocol.Complete{
		TaskID: assign.TaskID,
		Result: result,
	})
	if encErr == nil {
		_ = send(env)
	}
}
