// Package gateway accepts worker connections, performs the auth handshake,
// and bridges wire messages to the registry, dispatcher, and status relay.
package gateway

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
	"github.com/growthscout/fleetd/internal/metrics"
	"github.com/growthscout/fleetd/internal/protocol"
)

// Registrar is the registry surface the gateway needs.
type Registrar interface {
	Register(ctx context.Context, id, name string, capability fleet.Capability) (fleet.Worker, error)
	Heartbeat(ctx context.Context, workerID string) error
	Remove(ctx context.Context, workerID string) (fleet.Worker, error)
}

// Reporter is the dispatcher surface the gateway needs.
type Reporter interface {
	HandleReport(ctx context.Context, taskID string, status fleet.TaskStatus, detail json.RawMessage) error
	HandleWorkerLost(ctx context.Context, workerID string)
}

// UpdateSink receives worker status updates; the relay implements it.
type UpdateSink interface {
	Enqueue(update fleet.StatusUpdate)
}

// Config controls gateway behavior.
type Config struct {
	// AuthToken is the shared secret workers present on connect.
	AuthToken string
	// HandshakeTimeout bounds the wait for the auth message (default 10s).
	HandshakeTimeout time.Duration
	// WriteTimeout bounds a single envelope write (default 5s).
	WriteTimeout time.Duration
}

// Gateway owns all worker connections. Connection handles never leave this
// package; the rest of the system addresses workers by id.
type Gateway struct {
	cfg      Config
	registry Registrar
	reporter Reporter
	sink     UpdateSink
	ids      fleet.IDGenerator
	clock    fleet.Clock
	logger   *zap.Logger

	mu    sync.Mutex
	conns map[string]*workerConn
	wg    sync.WaitGroup
}

type workerConn struct {
	id      string
	netConn net.Conn

	writeMu sync.Mutex

	taskMu          sync.Mutex
	currentTaskID   string
	runningReported bool
}

// New constructs a Gateway.
func New(cfg Config, registry Registrar, reporter Reporter, sink UpdateSink, ids fleet.IDGenerator, clock fleet.Clock, logger *zap.Logger) *Gateway {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		cfg:      cfg,
		registry: registry,
		reporter: reporter,
		sink:     sink,
		ids:      ids,
		clock:    clock,
		logger:   logger,
		conns:    make(map[string]*workerConn),
	}
}

// Serve accepts worker connections on the listener until the context
// finishes, then closes every connection and waits for their handlers.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		netConn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				g.closeAll()
				g.wg.Wait()
				return nil
			}
			return fmt.Errorf("gateway accept: %w", err)
		}
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.handle(ctx, netConn)
		}()
	}
}

// SendAssignment implements fleet.AssignmentSender.
func (g *Gateway) SendAssignment(_ context.Context, workerID string, t fleet.Task) error {
	c := g.lookup(workerID)
	if c == nil {
		return fmt.Errorf("send assignment to %s: %w", workerID, fleet.ErrWorkerGone)
	}
	env, err := protocol.NewEnvelope(protocol.KindTaskAssign, protocol.TaskAssign{
		TaskID:   t.ID,
		Action:   t.Action,
		Payload:  t.Payload,
		ReportID: t.ReportID,
	})
	if err != nil {
		return err
	}
	c.taskMu.Lock()
	c.currentTaskID = t.ID
	c.runningReported = false
	c.taskMu.Unlock()
	if err := g.write(c, env); err != nil {
		return fmt.Errorf("send assignment to %s: %w", workerID, fleet.ErrWorkerGone)
	}
	return nil
}

func (g *Gateway) handle(ctx context.Context, netConn net.Conn) {
	defer netConn.Close()

	c, err := g.handshake(ctx, netConn)
	if err != nil {
		g.logger.Warn("handshake rejected",
			zap.String("remote", netConn.RemoteAddr().String()),
			zap.Error(err),
		)
		return
	}
	defer g.teardown(ctx, c)

	scanner := protocol.NewReader(netConn)
	for scanner.Scan() {
		env, err := protocol.Decode(scanner.Bytes())
		if err != nil {
			metrics.ProtocolError()
			g.logger.Warn("protocol error, closing connection",
				zap.String("worker_id", c.id),
				zap.Error(err),
			)
			return
		}
		if err := g.route(ctx, c, env); err != nil {
			metrics.ProtocolError()
			g.logger.Warn("message rejected, closing connection",
				zap.String("worker_id", c.id),
				zap.String("kind", string(env.Kind)),
				zap.Error(err),
			)
			return
		}
	}
}

// handshake requires the first frame to be a valid auth message; anything
// else closes the connection without a registry entry.
func (g *Gateway) handshake(ctx context.Context, netConn net.Conn) (*workerConn, error) {
	_ = netConn.SetReadDeadline(time.Now().Add(g.cfg.HandshakeTimeout))
	scanner := protocol.NewReader(netConn)
	if !scanner.Scan() {
		return nil, errors.New("connection closed before auth")
	}
	env, err := protocol.Decode(scanner.Bytes())
	if err != nil {
		return nil, g.rejectAuth(netConn, "malformed auth message")
	}
	if env.Kind != protocol.KindAuth {
		return nil, g.rejectAuth(netConn, "expected auth message")
	}
	auth, err := env.DecodeAuth()
	if err != nil {
		return nil, g.rejectAuth(netConn, err.Error())
	}
	if auth.Token != g.cfg.AuthToken {
		return nil, g.rejectAuth(netConn, "invalid token")
	}
	_ = netConn.SetReadDeadline(time.Time{})

	workerID, err := g.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("mint worker id: %w", err)
	}
	c := &workerConn{id: workerID, netConn: netConn}

	// Register only after the connection is addressable, so an immediate
	// assignment cannot race past the connection map.
	g.mu.Lock()
	g.conns[workerID] = c
	g.mu.Unlock()

	if _, err := g.registry.Register(ctx, workerID, auth.WorkerName, auth.Capability); err != nil {
		g.drop(workerID)
		return nil, g.rejectAuth(netConn, "registration failed")
	}

	ok, err := protocol.NewEnvelope(protocol.KindAuthOK, protocol.AuthOK{WorkerID: workerID})
	if err != nil {
		g.drop(workerID)
		return nil, err
	}
	if err := g.write(c, ok); err != nil {
		g.drop(workerID)
		if _, rmErr := g.registry.Remove(ctx, workerID); rmErr != nil {
			g.logger.Error("cleanup after failed auth_ok", zap.String("worker_id", workerID), zap.Error(rmErr))
		}
		return nil, err
	}
	return c, nil
}

func (g *Gateway) route(ctx context.Context, c *workerConn, env protocol.Envelope) error {
	switch env.Kind {
	case protocol.KindHeartbeat:
		hb, err := env.DecodeHeartbeat()
		if err != nil {
			return err
		}
		if hb.WorkerID != c.id {
			return fmt.Errorf("heartbeat for %s on connection of %s", hb.WorkerID, c.id)
		}
		return g.registry.Heartbeat(ctx, c.id)
	case protocol.KindStatus:
		st, err := env.DecodeStatus()
		if err != nil {
			return err
		}
		g.markRunning(ctx, c)
		g.sink.Enqueue(fleet.StatusUpdate{
			ReportID:   st.ReportID,
			StepKey:    st.StepKey,
			DetailType: st.DetailType,
			Message:    st.Message,
			Data:       st.Data,
			Timestamp:  g.clock.Now(),
		})
		return nil
	case protocol.KindComplete:
		done, err := env.DecodeComplete()
		if err != nil {
			return err
		}
		g.clearTask(c)
		if err := g.reporter.HandleReport(ctx, done.TaskID, fleet.TaskStatusCompleted, done.Result); err != nil {
			g.logger.Warn("complete report rejected",
				zap.String("worker_id", c.id),
				zap.String("task_id", done.TaskID),
				zap.Error(err),
			)
		}
		return nil
	case protocol.KindError:
		fail, err := env.DecodeError()
		if err != nil {
			return err
		}
		g.clearTask(c)
		reason, _ := json.Marshal(fail.Reason)
		if err := g.reporter.HandleReport(ctx, fail.TaskID, fleet.TaskStatusFailed, reason); err != nil {
			g.logger.Warn("error report rejected",
				zap.String("worker_id", c.id),
				zap.String("task_id", fail.TaskID),
				zap.Error(err),
			)
		}
		return nil
	default:
		// Server-to-worker kinds arriving inbound are a protocol violation.
		return fmt.Errorf("unexpected %s from worker", env.Kind)
	}
}

// markRunning promotes the worker's current task to running on its first
// status event after an assignment. The wire protocol has no dedicated
// task-started message; the first progress report plays that role.
func (g *Gateway) markRunning(ctx context.Context, c *workerConn) {
	c.taskMu.Lock()
	taskID := c.currentTaskID
	fresh := taskID != "" && !c.runningReported
	if fresh {
		c.runningReported = true
	}
	c.taskMu.Unlock()
	if !fresh {
		return
	}
	if err := g.reporter.HandleReport(ctx, taskID, fleet.TaskStatusRunning, nil); err != nil {
		g.logger.Debug("running report rejected", zap.String("task_id", taskID), zap.Error(err))
	}
}

func (g *Gateway) teardown(ctx context.Context, c *workerConn) {
	g.drop(c.id)
	if _, err := g.registry.Remove(ctx, c.id); err != nil && !errors.Is(err, fleet.ErrUnknownWorker) {
		g.logger.Error("worker removal on disconnect failed", zap.String("worker_id", c.id), zap.Error(err))
	}
	g.reporter.HandleWorkerLost(ctx, c.id)
	g.logger.Info("worker connection closed", zap.String("worker_id", c.id))
}

func (g *Gateway) write(c *workerConn, env protocol.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.netConn.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
	return protocol.Write(c.netConn, env)
}

func (g *Gateway) rejectAuth(netConn net.Conn, reason string) error {
	env, err := protocol.NewEnvelope(protocol.KindAuthFailed, protocol.AuthFailed{Reason: reason})
	if err == nil {
		_ = netConn.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
		_ = protocol.Write(netConn, env)
	}
	return fmt.Errorf("auth failed: %s", reason)
}

func (g *Gateway) lookup(workerID string) *workerConn {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conns[workerID]
}

func (g *Gateway) drop(workerID string) {
	g.mu.Lock()
	delete(g.conns, workerID)
	g.mu.Unlock()
}

func (g *Gateway) clearTask(c *workerConn) {
	c.taskMu.Lock()
	c.currentTaskID = ""
	c.runningReported = false
	c.taskMu.Unlock()
}

func (g *Gateway) closeAll() {
	g.mu.Lock()
	conns := make([]*workerConn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()
	for _, c := range conns {
		c.netConn.Close()
	}
}
