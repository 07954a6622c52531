// Package api defines the wire-format types served by the daemon and read by
// the CLI. It projects ledger records into transport-friendly views so HTTP
// consumers never couple to the ledger's storage model.
//
// # Key Types
//
// SubmitResponse: the 202 body returned when a document is accepted, with
// one step summary per stage.
//
// StatusResponse: the pipeline record projection with overall status and
// progress plus one StageView per stage. Stages that have no record yet are
// projected as queued with zero progress.
//
// HealthResponse: dependency readiness for the health endpoint.
//
// # Design Notes
//
// Every stage appears in every projection, in pipeline order, so clients can
// render a fixed layout. Timestamps use RFC3339 with milliseconds in UTC.
package api
