// Package config loads, normalizes, and validates docflow configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// DOCFLOW_QUEUE_DSN for backend credentials. The Config type centralizes every
// knob the daemon, orchestrator, and workers need so backend selection, stage
// timeouts, and retry policy are discovered in one pass.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical backend names, and clear validation errors.
package config
