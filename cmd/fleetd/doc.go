// Package main hosts the fleet control-plane entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, task submission, pipeline
//     launches, worker listing, and queue statistics. Submissions are validated against the
//     capability/action table before entering the queue.
//   - Registry & dispatcher: internal/registry tracks worker liveness through the shared
//     store and sweeps stale registrations; internal/dispatch pairs queued tasks with idle
//     workers atomically, retries failures up to a ceiling, and dead-letters the rest.
//   - Gateway: internal/gateway owns the TCP listener workers dial into. It authenticates
//     connections, routes heartbeats and task reports, and delivers assignments. Connection
//     handles never leave the gateway; everything else addresses workers by id.
//   - Status relay: internal/relay buffers worker status updates and flushes them to the
//     backend on a short cycle. Delivery is fire-and-forget so a slow backend never stalls
//     task processing.
//   - Enrichment: internal/enrich drives multi-stage pipelines, fanning each stage's results
//     into follow-up tasks and reporting aggregate progress through the relay.
//   - State: internal/store/redis shares workers and queues across replicas with Lua-scripted
//     atomic transitions; internal/store/memory backs single-node and test runs.
//   - Configuration & plumbing: Viper populates config from env/files (FLEETD_ prefix); zap
//     provides structured logging; Prometheus metrics are exported via /metrics.
//
// Run locally: go run ./cmd/fleetd serve --config config.yaml (or rely solely on env
// overrides). The process reacts to SIGTERM with a graceful drain: the HTTP server stops
// accepting, the relay flushes its buffer, and worker connections close.
package main
