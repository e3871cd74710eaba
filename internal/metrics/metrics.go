// Package metrics exposes Prometheus collectors for the control plane.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/growthscout/fleetd/internal/fleet"
)

var (
	workersConnected *prometheus.GaugeVec
	workerEvictions  *prometheus.CounterVec
	tasksTotal       *prometheus.CounterVec
	assignmentsTotal *prometheus.CounterVec
	relayUpdates     *prometheus.CounterVec
	protocolErrors   prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus collectors. It is safe to call multiple
// times.
func Init() {
	once.Do(func() {
		workersConnected = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fleetd_workers_connected",
				Help: "Number of registered workers, labeled by capability.",
			},
			[]string{"capability"},
		)

		workerEvictions = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetd_worker_evictions_total",
				Help: "Total workers evicted for missed heartbeats, labeled by capability.",
			},
			[]string{"capability"},
		)

		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetd_tasks_total",
				Help: "Total task transitions, labeled by capability and status.",
			},
			[]string{"capability", "status"},
		)

		assignmentsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetd_assignments_total",
				Help: "Total task assignments sent to workers, labeled by capability.",
			},
			[]string{"capability"},
		)

		relayUpdates = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetd_relay_updates_total",
				Help: "Status updates handled by the relay, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		protocolErrors = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fleetd_protocol_errors_total",
				Help: "Total malformed or unknown messages received from workers.",
			},
		)
	})
}

// WorkerConnected records a new registration.
func WorkerConnected(c fleet.Capability) {
	if workersConnected != nil {
		workersConnected.WithLabelValues(string(c)).Inc()
	}
}

// WorkerDisconnected records a registration removal.
func WorkerDisconnected(c fleet.Capability) {
	if workersConnected != nil {
		workersConnected.WithLabelValues(string(c)).Dec()
	}
}

// WorkerEvicted records a stale-heartbeat eviction.
func WorkerEvicted(c fleet.Capability) {
	if workerEvictions != nil {
		workerEvictions.WithLabelValues(string(c)).Inc()
	}
	WorkerDisconnected(c)
}

// TaskTransition records a task reaching the given status.
func TaskTransition(c fleet.Capability, status fleet.TaskStatus) {
	if tasksTotal != nil {
		tasksTotal.WithLabelValues(string(c), string(status)).Inc()
	}
}

// AssignmentSent records a task assignment delivered to a worker.
func AssignmentSent(c fleet.Capability) {
	if assignmentsTotal != nil {
		assignmentsTotal.WithLabelValues(string(c)).Inc()
	}
}

// RelayOutcome records a delivered or dropped status update.
func RelayOutcome(outcome string) {
	if relayUpdates != nil {
		relayUpdates.WithLabelValues(outcome).Inc()
	}
}

// ProtocolError records a malformed or unknown worker message.
func ProtocolError() {
	if protocolErrors != nil {
		protocolErrors.Inc()
	}
}
