// Package notifications publishes pipeline outcomes to ntfy.
//
// The orchestrator calls NotifyPipelineFinalized once per finalized record.
// An empty notifications.ntfy_topic yields a no-op service, and
// notifications.only_failures limits alerts to failed pipelines.
package notifications
