// Package services defines shared utilities consumed by the orchestrator,
// the stage workers, and the HTTP API.
//
// Key responsibilities:
//   - Context helpers that stamp document IDs, stage names, job IDs, and
//     correlation identifiers for logging and tracing.
//   - The pipeline error taxonomy (validation, stage timeout, stage execution,
//     queue unavailable, ledger inconsistency) plus the Wrap helper that keeps
//     stage and operation context attached to the marker.
//   - Classification helpers that decide whether a failure is retried and
//     which HTTP status it surfaces as.
package services
