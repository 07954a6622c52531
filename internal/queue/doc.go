// Package queue provides the durable job queues that carry stage work from
// the orchestrator to workers.
//
// Every backend implements the same lease protocol. A worker leases the
// oldest ready job in a named queue, extends the lease while it runs, and
// finishes with Ack or Nack. Leases that expire are reclaimed by the next
// Lease call: the job runs again if attempts remain and fails otherwise.
// Failed attempts marked retryable are delayed with exponential backoff.
//
// Backends: in-memory, SQLite (modernc), Postgres (pgx), Redis (Lua
// scripts) and MongoDB.
package queue
