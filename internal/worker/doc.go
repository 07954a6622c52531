// Package worker hosts the runtime that executes stage handlers.
//
// A Runner serves one stage queue. It leases jobs, validates their payload,
// marks the stage in progress in the ledger, and runs the handler while a
// heartbeat keeps the lease alive. Outcomes are written to the ledger before
// the job is acknowledged, so a crash between the two redelivers the job
// instead of losing the result. Failed attempts are nacked; the ledger only
// records a failure once the queue has no attempts left.
package worker
