// Package daemon runs the long-lived docflow server process.
//
// It wires configuration, the job queue, the progress ledger, blob storage,
// the workflow manager, and optional embedded stage workers into a single
// lifecycle guarded by a flock so only one server owns a data directory. The
// HTTP surface (submission, status, health) lives in api_server.go.
//
// Keep orchestration logic in internal/workflow; the daemon only starts,
// stops, and exposes it.
package daemon
