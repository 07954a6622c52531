// Package workflow drives submitted documents through the processing stages.
//
// The Manager accepts submissions, records each stage in the progress ledger
// before enqueuing it, and attaches one supervisor per document. Supervisors
// run on a bounded pool and derive their position in the pipeline from the
// ledger on every pass:
//
//	convert -> extract_metadata -> index_a
//	                            -> index_b
//
// A supervisor waits on ledger change notifications when the store offers
// them and on a poll ticker otherwise. While waiting it reconciles jobs the
// queue gave up on, re-enqueues jobs the queue lost, and fails stages whose
// wait budget (measured from the stage's queued time) is spent. A failed
// stage blocks only its dependents; the sibling index stage always runs to
// completion. Once no stage can make progress the record is finalized.
//
// Because all state lives in the ledger and the queue, a restarted Manager
// resumes in-flight documents by scanning the ledger for records that are
// not finalized.
package workflow
