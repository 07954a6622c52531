package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeAPI()
	if err := c.normalizeQueue(); err != nil {
		return err
	}
	if err := c.normalizeLedger(); err != nil {
		return err
	}
	if err := c.normalizeBlob(); err != nil {
		return err
	}
	c.normalizePipeline()
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.NtfyTopic == "" {
		c.Notifications.NtfyTopic = strings.TrimSpace(os.Getenv("DOCFLOW_NTFY_TOPIC"))
	}
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = filepath.Join(c.Paths.DataDir, "logs")
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeAPI() {
	c.API.Bind = strings.TrimSpace(c.API.Bind)
	exts := make([]string, 0, len(c.API.AllowedExtensions))
	seen := make(map[string]struct{}, len(c.API.AllowedExtensions))
	for _, ext := range c.API.AllowedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		if _, ok := seen[ext]; ok {
			continue
		}
		seen[ext] = struct{}{}
		exts = append(exts, ext)
	}
	c.API.AllowedExtensions = exts
}

func (c *Config) normalizeQueue() error {
	c.Queue.Backend = strings.ToLower(strings.TrimSpace(c.Queue.Backend))
	if c.Queue.Backend == "" {
		c.Queue.Backend = QueueSQLite
	}
	if strings.TrimSpace(c.Queue.DSN) == "" {
		if value, ok := os.LookupEnv("DOCFLOW_QUEUE_DSN"); ok {
			c.Queue.DSN = strings.TrimSpace(value)
		}
	}
	if c.Queue.Backend == QueueSQLite {
		if strings.TrimSpace(c.Queue.DSN) == "" {
			c.Queue.DSN = filepath.Join(c.Paths.DataDir, "queue.db")
		}
		var err error
		if c.Queue.DSN, err = expandPath(c.Queue.DSN); err != nil {
			return fmt.Errorf("queue.dsn: %w", err)
		}
	}
	if strings.TrimSpace(c.Queue.Prefix) == "" {
		c.Queue.Prefix = defaultQueuePrefix
	}
	return nil
}

func (c *Config) normalizeLedger() error {
	c.Ledger.Backend = strings.ToLower(strings.TrimSpace(c.Ledger.Backend))
	if c.Ledger.Backend == "" {
		c.Ledger.Backend = LedgerBadger
	}
	if strings.TrimSpace(c.Ledger.DSN) == "" {
		if value, ok := os.LookupEnv("DOCFLOW_LEDGER_DSN"); ok {
			c.Ledger.DSN = strings.TrimSpace(value)
		}
	}
	var err error
	switch c.Ledger.Backend {
	case LedgerBadger:
		if strings.TrimSpace(c.Ledger.DSN) == "" {
			c.Ledger.DSN = filepath.Join(c.Paths.DataDir, "ledger")
		}
		if c.Ledger.DSN, err = expandPath(c.Ledger.DSN); err != nil {
			return fmt.Errorf("ledger.dsn: %w", err)
		}
	case LedgerSQLite:
		if strings.TrimSpace(c.Ledger.DSN) == "" {
			c.Ledger.DSN = filepath.Join(c.Paths.DataDir, "ledger.db")
		}
		if c.Ledger.DSN, err = expandPath(c.Ledger.DSN); err != nil {
			return fmt.Errorf("ledger.dsn: %w", err)
		}
	}
	if strings.TrimSpace(c.Ledger.Prefix) == "" {
		c.Ledger.Prefix = defaultQueuePrefix
	}
	return nil
}

func (c *Config) normalizeBlob() error {
	c.Blob.Backend = strings.ToLower(strings.TrimSpace(c.Blob.Backend))
	if c.Blob.Backend == "" {
		c.Blob.Backend = BlobLocal
	}
	if strings.TrimSpace(c.Blob.Endpoint) == "" {
		if value, ok := os.LookupEnv("DOCFLOW_BLOB_ENDPOINT"); ok {
			c.Blob.Endpoint = strings.TrimSpace(value)
		}
	}
	if strings.TrimSpace(c.Blob.Root) == "" {
		c.Blob.Root = filepath.Join(c.Paths.DataDir, "blobs")
	}
	var err error
	if c.Blob.Root, err = expandPath(c.Blob.Root); err != nil {
		return fmt.Errorf("blob.root: %w", err)
	}
	if strings.TrimSpace(c.Blob.Database) == "" {
		c.Blob.Database = defaultBlobDatabase
	}
	if strings.TrimSpace(c.Blob.Bucket) == "" {
		c.Blob.Bucket = defaultBlobBucket
	}
	return nil
}

func (c *Config) normalizePipeline() {
	c.Pipeline.DisabledStages = normalizeNames(c.Pipeline.DisabledStages)
	c.Workers.Stages = normalizeNames(c.Workers.Stages)
	if len(c.Workers.Stages) == 0 {
		c.Workers.Stages = append([]string(nil), PipelineStages...)
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func normalizeNames(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = strings.ToLower(strings.TrimSpace(value))
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}
