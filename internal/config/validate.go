package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateAPI(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateLedger(); err != nil {
		return err
	}
	if err := c.validateBlob(); err != nil {
		return err
	}
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateWorkers(); err != nil {
		return err
	}
	if err := c.validateNotifications(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateNotifications() error {
	topic := c.Notifications.NtfyTopic
	if topic != "" && !strings.HasPrefix(topic, "http://") && !strings.HasPrefix(topic, "https://") {
		return fmt.Errorf("notifications.ntfy_topic must be an http(s) URL, got %q", topic)
	}
	if topic != "" && c.Notifications.RequestTimeout <= 0 {
		return errors.New("notifications.request_timeout must be positive")
	}
	return nil
}

func (c *Config) validateAPI() error {
	if c.API.Bind == "" {
		return errors.New("api.bind must be set")
	}
	if len(c.API.AllowedExtensions) == 0 {
		return errors.New("api.allowed_extensions must list at least one extension")
	}
	return ensurePositiveMap(map[string]int{
		"api.max_upload_mb":    c.API.MaxUploadMB,
		"api.shutdown_timeout": c.API.ShutdownTimeout,
	})
}

func (c *Config) validateQueue() error {
	switch c.Queue.Backend {
	case QueueSQLite, QueueMemory:
	case QueueRedis, QueuePostgres, QueueMongo:
		if strings.TrimSpace(c.Queue.DSN) == "" {
			return fmt.Errorf("queue.dsn must be set for the %s backend (or export DOCFLOW_QUEUE_DSN)", c.Queue.Backend)
		}
	default:
		return fmt.Errorf("queue.backend: unsupported value %q", c.Queue.Backend)
	}
	return ensurePositiveMap(map[string]int{
		"queue.max_attempts":  c.Queue.MaxAttempts,
		"queue.backoff_base":  c.Queue.BackoffBase,
		"queue.lease_seconds": c.Queue.LeaseSeconds,
	})
}

func (c *Config) validateLedger() error {
	switch c.Ledger.Backend {
	case LedgerBadger, LedgerSQLite, LedgerMemory:
	case LedgerRedis:
		if strings.TrimSpace(c.Ledger.DSN) == "" {
			return errors.New("ledger.dsn must be set for the redis backend (or export DOCFLOW_LEDGER_DSN)")
		}
	default:
		return fmt.Errorf("ledger.backend: unsupported value %q", c.Ledger.Backend)
	}
	return ensurePositiveMap(map[string]int{
		"ledger.ttl_hours":     c.Ledger.TTLHours,
		"ledger.reap_interval": c.Ledger.ReapInterval,
	})
}

func (c *Config) validateBlob() error {
	switch c.Blob.Backend {
	case BlobLocal:
		if c.Blob.Root == "" {
			return errors.New("blob.root must be set for the local backend")
		}
	case BlobGridFS:
		if strings.TrimSpace(c.Blob.Endpoint) == "" {
			return errors.New("blob.endpoint must be set for the gridfs backend (or export DOCFLOW_BLOB_ENDPOINT)")
		}
	default:
		return fmt.Errorf("blob.backend: unsupported value %q", c.Blob.Backend)
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if err := ensurePositiveMap(map[string]int{
		"pipeline.poll_interval":   c.Pipeline.PollInterval,
		"pipeline.stage_timeout":   c.Pipeline.StageTimeout,
		"pipeline.max_concurrent":  c.Pipeline.MaxConcurrent,
		"pipeline.resume_interval": c.Pipeline.ResumeInterval,
	}); err != nil {
		return err
	}
	for name, value := range c.Pipeline.StageTimeouts {
		if !knownStage(name) {
			return fmt.Errorf("pipeline.stage_timeouts: unknown stage %q", name)
		}
		if value <= 0 {
			return fmt.Errorf("pipeline.stage_timeouts.%s must be positive", name)
		}
	}
	for name, value := range c.Pipeline.StageAttempts {
		if !knownStage(name) {
			return fmt.Errorf("pipeline.stage_attempts: unknown stage %q", name)
		}
		if value <= 0 {
			return fmt.Errorf("pipeline.stage_attempts.%s must be positive", name)
		}
	}
	for _, name := range c.Pipeline.DisabledStages {
		if !knownStage(name) {
			return fmt.Errorf("pipeline.disabled_stages: unknown stage %q", name)
		}
		if name == "convert" || name == "extract_metadata" {
			return fmt.Errorf("pipeline.disabled_stages: %s produces inputs for later stages and cannot be disabled", name)
		}
	}
	return nil
}

func (c *Config) validateWorkers() error {
	for _, name := range c.Workers.Stages {
		if !knownStage(name) {
			return fmt.Errorf("workers.stages: unknown stage %q", name)
		}
	}
	if err := ensurePositiveMap(map[string]int{
		"workers.concurrency":        c.Workers.Concurrency,
		"workers.poll_interval":      c.Workers.PollInterval,
		"workers.heartbeat_interval": c.Workers.HeartbeatInterval,
		"workers.chunk_size":         c.Workers.ChunkSize,
	}); err != nil {
		return err
	}
	if c.Workers.ChunkOverlap < 0 || c.Workers.ChunkOverlap >= c.Workers.ChunkSize {
		return errors.New("workers.chunk_overlap must be between 0 and workers.chunk_size")
	}
	if c.Workers.HeartbeatInterval >= c.Queue.LeaseSeconds {
		return errors.New("workers.heartbeat_interval must be shorter than queue.lease_seconds")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}

func knownStage(name string) bool {
	return slices.Contains(PipelineStages, name)
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
