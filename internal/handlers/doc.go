// Package handlers provides the reference stage logic for the four pipeline
// stages. Each handler reads its inputs from blob storage using the keys in
// the job payload, writes its artifacts under deterministic keys, and returns
// those keys as outputs so reruns overwrite rather than duplicate.
//
// The handlers are intentionally lightweight; deployments replace them with
// real converters and indexers through the stage.Handler contract.
package handlers
