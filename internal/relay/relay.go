// Package relay forwards worker status updates to the backend over HTTP.
//
// Delivery is fire-and-forget: each update is POSTed once, failures are
// logged and the update discarded. The relay must never back-pressure or
// fail the task-execution path.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/growthscout/fleetd/internal/fleet"
	"github.com/growthscout/fleetd/internal/metrics"
)

// Config controls buffering and delivery for the Relay.
//   - URL: the backend's single-update ingestion endpoint.
//   - FlushInterval: background flush period (default 100ms).
//   - BufferLimit: pending updates kept before new ones are dropped (default 4096).
//   - RequestTimeout: per-POST timeout (default 5s).
//   - Client: optional HTTP client, mainly for tests.
//   - Logger: optional structured logger used for warnings.
type Config struct {
	URL            string
	FlushInterval  time.Duration
	BufferLimit    int
	RequestTimeout time.Duration
	Client         *http.Client
	Logger         *zap.Logger
}

const (
	defaultFlushInterval  = 100 * time.Millisecond
	defaultBufferLimit    = 4096
	defaultRequestTimeout = 5 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Relay buffers status updates and flushes them on a short cycle. Enqueue
// never performs network I/O; the mutex is held only while appending or
// draining, never across a POST.
type Relay struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger

	mu      sync.Mutex
	pending []fleet.StatusUpdate

	kickCh    chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	dropped     atomic.Int64
	lastDropLog atomic.Int64
}

// New initializes a Relay and starts the background flush cycle. The
// returned Relay is immediately ready to accept updates.
func New(cfg Config) *Relay {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.BufferLimit <= 0 {
		cfg.BufferLimit = defaultBufferLimit
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Relay{
		cfg:    cfg,
		client: client,
		logger: logger,
		kickCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go r.run()
	return r
}

// Enqueue buffers the update for the next flush. It never blocks; when the
// buffer is full the update is dropped and a rate-limited warning logged.
// An update landing in an empty buffer kicks an immediate flush, so a lone
// update goes out with low latency while bursts coalesce onto the ticker.
func (r *Relay) Enqueue(update fleet.StatusUpdate) {
	if r == nil || r.closed.Load() {
		return
	}
	r.mu.Lock()
	if len(r.pending) >= r.cfg.BufferLimit {
		r.mu.Unlock()
		r.noteDrop()
		return
	}
	r.pending = append(r.pending, update)
	first := len(r.pending) == 1
	r.mu.Unlock()
	if first {
		select {
		case r.kickCh <- struct{}{}:
		default:
		}
	}
}

// Stop cancels the background cycle and performs one final flush attempt of
// any remaining buffered updates before returning.
func (r *Relay) Stop(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		close(r.stopCh)
	})
	select {
	case <-r.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay stop wait: %w", ctx.Err())
	}
}

func (r *Relay) run() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.flush()
		case <-r.kickCh:
			r.flush()
		case <-r.stopCh:
			r.flush()
			return
		}
	}
}

// flush drains the buffer and delivers each update independently, in enqueue
// order. A non-2xx response or transport error drops that update only.
func (r *Relay) flush() {
	r.mu.Lock()
	if len(r.pending) == 0 {
		r.mu.Unlock()
		return
	}
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, update := range batch {
		if err := r.deliver(update); err != nil {
			metrics.RelayOutcome("dropped")
			r.logger.Warn("status update dropped",
				zap.String("report_id", update.ReportID),
				zap.String("step_key", update.StepKey),
				zap.Error(err),
			)
			continue
		}
		metrics.RelayOutcome("delivered")
	}
}

func (r *Relay) deliver(update fleet.StatusUpdate) error {
	body, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.RequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("post update: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("backend returned %d", resp.StatusCode)
	}
	return nil
}

func (r *Relay) noteDrop() {
	metrics.RelayOutcome("dropped")
	r.dropped.Add(1)
	now := time.Now().UnixNano()
	last := r.lastDropLog.Load()
	if now-last < dropLogInterval.Nanoseconds() || !r.lastDropLog.CompareAndSwap(last, now) {
		return
	}
	count := r.dropped.Swap(0)
	r.logger.Warn("status updates dropped, buffer full", zap.Int64("dropped", count))
}
