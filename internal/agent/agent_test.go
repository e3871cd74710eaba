package agent

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/growthscout/fleetd/internal/fleet"
	"github.com/growthscout/fleetd/internal/protocol"
)

// fakeGateway accepts one connection at a time and scripts the server side
// of the protocol.
type fakeGateway struct {
	ln net.Listener
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen error = %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return &fakeGateway{ln: ln}
}

func (g *fakeGateway) addr() string { return g.ln.Addr().String() }

func (g *fakeGateway) accept(t *testing.T) net.Conn {
	t.Helper()
	_ = g.ln.(*net.TCPListener).SetDeadline(time.Now().Add(2 * time.Second))
	conn, err := g.ln.Accept()
	if err != nil {
		t.Fatalf("accept error = %v", err)
	}
	return conn
}

func readFrame(t *testing.T, conn net.Conn, sc interface {
	Scan() bool
	Bytes() []byte
}) protocol.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if !sc.Scan() {
		t.Fatal("connection closed while expecting a frame")
	}
	env, err := protocol.Decode(sc.Bytes())
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	return env
}

func writeFrame(t *testing.T, conn net.Conn, kind protocol.Kind, payload any) {
	t.Helper()
	env, err := protocol.NewEnvelope(kind, payload)
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	if err := protocol.Write(conn, env); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
}

func TestRunStopsAfterAuthRejection(t *testing.T) {
	t.Parallel()

	gw := newFakeGateway(t)
	a := New(Config{
		Endpoint:       gw.addr(),
		Token:          "wrong",
		Capability:     fleet.CapabilityCrunchbase,
		ReconnectDelay: 10 * time.Millisecond,
	}, EchoExecutor{}, zap.NewNop())

	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(context.Background()) }()

	conn := gw.accept(t)
	defer conn.Close()
	sc := protocol.NewReader(conn)
	env := readFrame(t, conn, sc)
	if env.Kind != protocol.KindAuth {
		t.Fatalf("expected auth, got %s", env.Kind)
	}
	writeFrame(t, conn, protocol.KindAuthFailed, protocol.AuthFailed{Reason: "invalid token"})
	conn.Close()

	select {
	case err := <-runErr:
		if !errors.Is(err, ErrAuthRejected) {
			t.Fatalf("expected ErrAuthRejected, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("agent kept retrying after rejection")
	}
}

func TestRunExecutesAssignmentAndReports(t *testing.T) {
	t.Parallel()

	gw := newFakeGateway(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := New(Config{
		Endpoint:          gw.addr(),
		Token:             "secret",
		Capability:        fleet.CapabilityTracxn,
		WorkerName:        "scraper-1",
		HeartbeatInterval: time.Hour,
		ReconnectDelay:    10 * time.Millisecond,
	}, EchoExecutor{}, zap.NewNop())

	runDone := make(chan error, 1)
	go func() { runDone <- a.Run(ctx) }()

	conn := gw.accept(t)
	defer conn.Close()
	sc := protocol.NewReader(conn)

	env := readFrame(t, conn, sc)
	auth, err := env.DecodeAuth()
	if err != nil || auth.Token != "secret" || auth.Capability != fleet.CapabilityTracxn {
		t.Fatalf("unexpected auth %+v err=%v", auth, err)
	}
	writeFrame(t, conn, protocol.KindAuthOK, protocol.AuthOK{WorkerID: "w-1"})

	writeFrame(t, conn, protocol.KindTaskAssign, protocol.TaskAssign{
		TaskID:   "t-1",
		Action:   "company_lookup",
		Payload:  []byte(`{"company":"acme"}`),
		ReportID: "r-1",
	})

	for _, want := range []fleet.DetailType{fleet.DetailProgress, fleet.DetailComplete} {
		env = readFrame(t, conn, sc)
		if env.Kind != protocol.KindStatus {
			t.Fatalf("expected status before completion, got %s", env.Kind)
		}
		status, err := env.DecodeStatus()
		if err != nil || status.ReportID != "r-1" || status.DetailType != want {
			t.Fatalf("unexpected status %+v err=%v", status, err)
		}
	}

	env = readFrame(t, conn, sc)
	if env.Kind != protocol.KindComplete {
		t.Fatalf("expected complete, got %s", env.Kind)
	}
	done, err := env.DecodeComplete()
	if err != nil || done.TaskID != "t-1" {
		t.Fatalf("unexpected complete %+v err=%v", done, err)
	}
	if string(done.Result) != `{"company":"acme"}` {
		t.Fatalf("echo executor should return the payload, got %s", done.Result)
	}

	cancel()
	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run() after cancel = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not stop on cancel")
	}
}

func TestRunSendsHeartbeats(t *testing.T) {
	t.Parallel()

	gw := newFakeGateway(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := New(Config{
		Endpoint:          gw.addr(),
		Token:             "secret",
		Capability:        fleet.CapabilityTwitter,
		HeartbeatInterval: 5 * time.Millisecond,
		ReconnectDelay:    10 * time.Millisecond,
	}, EchoExecutor{}, zap.NewNop())

	go func() { _ = a.Run(ctx) }()

	conn := gw.accept(t)
	defer conn.Close()
	sc := protocol.NewReader(conn)

	if env := readFrame(t, conn, sc); env.Kind != protocol.KindAuth {
		t.Fatalf("expected auth, got %s", env.Kind)
	}
	writeFrame(t, conn, protocol.KindAuthOK, protocol.AuthOK{WorkerID: "w-7"})

	env := readFrame(t, conn, sc)
	if env.Kind != protocol.KindHeartbeat {
		t.Fatalf("expected heartbeat, got %s", env.Kind)
	}
	hb, err := env.DecodeHeartbeat()
	if err != nil || hb.WorkerID != "w-7" {
		t.Fatalf("unexpected heartbeat %+v err=%v", hb, err)
	}
}

func TestRunGivesUpAfterReconnectBudget(t *testing.T) {
	t.Parallel()

	// A closed listener gives immediate connection refusals.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen error = %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	a := New(Config{
		Endpoint:       addr,
		Token:          "secret",
		Capability:     fleet.CapabilityCrunchbase,
		ReconnectDelay: time.Millisecond,
		MaxReconnects:  3,
	}, EchoExecutor{}, zap.NewNop())

	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(context.Background()) }()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected error after exhausting reconnect budget")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not give up")
	}
}
