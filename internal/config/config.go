package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains on-disk locations used by the daemon and workers.
type Paths struct {
	DataDir string `toml:"data_dir"`
	LogDir  string `toml:"log_dir"`
}

// API contains the HTTP submission/status server settings.
type API struct {
	Bind              string   `toml:"bind"`
	MaxUploadMB       int      `toml:"max_upload_mb"`
	AllowedExtensions []string `toml:"allowed_extensions"`
	ShutdownTimeout   int      `toml:"shutdown_timeout"`
}

// Queue selects and tunes the job queue backend.
type Queue struct {
	// Backend is one of sqlite, redis, postgres, mongo, memory.
	Backend string `toml:"backend"`
	// DSN holds the endpoint and credentials. For sqlite it is a file path and
	// defaults to <data_dir>/queue.db.
	DSN          string `toml:"dsn"`
	Prefix       string `toml:"prefix"`
	MaxAttempts  int    `toml:"max_attempts"`
	BackoffBase  int    `toml:"backoff_base"`
	LeaseSeconds int    `toml:"lease_seconds"`
}

// Ledger selects and tunes the progress ledger backend.
type Ledger struct {
	// Backend is one of badger, sqlite, redis, memory.
	Backend      string `toml:"backend"`
	DSN          string `toml:"dsn"`
	Prefix       string `toml:"prefix"`
	TTLHours     int    `toml:"ttl_hours"`
	ReapInterval int    `toml:"reap_interval"`
}

// Blob selects where submitted documents and stage artifacts are stored.
type Blob struct {
	// Backend is one of local, gridfs.
	Backend  string `toml:"backend"`
	Root     string `toml:"root"`
	Endpoint string `toml:"endpoint"`
	Database string `toml:"database"`
	Bucket   string `toml:"bucket"`
}

// Pipeline contains orchestrator timing and concurrency settings.
type Pipeline struct {
	PollInterval   int            `toml:"poll_interval"`
	StageTimeout   int            `toml:"stage_timeout"`
	StageTimeouts  map[string]int `toml:"stage_timeouts"`
	StageAttempts  map[string]int `toml:"stage_attempts"`
	MaxConcurrent  int            `toml:"max_concurrent"`
	ResumeInterval int            `toml:"resume_interval"`
	DisabledStages []string       `toml:"disabled_stages"`
}

// Workers contains stage worker runtime settings.
type Workers struct {
	// Embedded runs the stage workers inside the serve process.
	Embedded          bool     `toml:"embedded"`
	Stages            []string `toml:"stages"`
	Concurrency       int      `toml:"concurrency"`
	PollInterval      int      `toml:"poll_interval"`
	HeartbeatInterval int      `toml:"heartbeat_interval"`
	ChunkSize         int      `toml:"chunk_size"`
	ChunkOverlap      int      `toml:"chunk_overlap"`
}

// Notifications configures ntfy alerts for finalized pipelines.
type Notifications struct {
	// NtfyTopic is the full topic URL. Empty disables notifications.
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	// OnlyFailures suppresses alerts for pipelines that completed.
	OnlyFailures bool `toml:"only_failures"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for docflow.
//
// Configuration sections by subsystem:
//   - Paths: data and log directories
//   - API: HTTP bind address and upload limits
//   - Queue: job queue backend, retry attempts and backoff
//   - Ledger: progress ledger backend and record retention
//   - Blob: document and artifact storage
//   - Pipeline: orchestrator polling, timeouts and supervisor pool size
//   - Workers: stage worker concurrency and heartbeat timing
//   - Notifications: ntfy alerts on pipeline completion
//   - Logging: log format and level
type Config struct {
	Paths    Paths    `toml:"paths"`
	API      API      `toml:"api"`
	Queue    Queue    `toml:"queue"`
	Ledger   Ledger   `toml:"ledger"`
	Blob     Blob     `toml:"blob"`
	Pipeline Pipeline `toml:"pipeline"`
	Workers       Workers       `toml:"workers"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("docflow.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon and worker operation.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.DataDir, c.Paths.LogDir}
	if c.Blob.Backend == BlobLocal {
		dirs = append(dirs, c.Blob.Root)
	}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// LockPath returns the single-instance lock file guarding the data directory.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "docflow.lock")
}

// MaxUploadBytes returns the submission size limit in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.API.MaxUploadMB) << 20
}

// LeaseDuration returns how long a worker holds a job before it can be reclaimed.
func (c *Config) LeaseDuration() time.Duration {
	return seconds(c.Queue.LeaseSeconds)
}

// BackoffBase returns the exponential retry base delay.
func (c *Config) BackoffBase() time.Duration {
	return seconds(c.Queue.BackoffBase)
}

// LedgerTTL returns the retention window applied to ledger records.
func (c *Config) LedgerTTL() time.Duration {
	return time.Duration(c.Ledger.TTLHours) * time.Hour
}

// ReapInterval returns how often expired ledger records are purged.
func (c *Config) ReapInterval() time.Duration {
	return seconds(c.Ledger.ReapInterval)
}

// PollInterval returns the orchestrator's stage status polling interval.
func (c *Config) PollInterval() time.Duration {
	return seconds(c.Pipeline.PollInterval)
}

// ResumeInterval returns how often the orchestrator rescans the ledger for
// in-flight pipelines without a supervisor.
func (c *Config) ResumeInterval() time.Duration {
	return seconds(c.Pipeline.ResumeInterval)
}

// ShutdownTimeout returns the HTTP server graceful shutdown budget.
func (c *Config) ShutdownTimeout() time.Duration {
	return seconds(c.API.ShutdownTimeout)
}

// StageTimeout returns the wait budget for the named stage, honouring
// per-stage overrides.
func (c *Config) StageTimeout(stage string) time.Duration {
	if override, ok := c.Pipeline.StageTimeouts[stage]; ok && override > 0 {
		return seconds(override)
	}
	return seconds(c.Pipeline.StageTimeout)
}

// StageAttempts returns the queue attempt limit for the named stage.
func (c *Config) StageAttempts(stage string) int {
	if override, ok := c.Pipeline.StageAttempts[stage]; ok && override > 0 {
		return override
	}
	return c.Queue.MaxAttempts
}

// StageDisabled reports whether the stage is recorded as skipped instead of enqueued.
func (c *Config) StageDisabled(stage string) bool {
	for _, name := range c.Pipeline.DisabledStages {
		if name == stage {
			return true
		}
	}
	return false
}

// NotificationTimeout bounds a single ntfy request.
func (c *Config) NotificationTimeout() time.Duration {
	return seconds(c.Notifications.RequestTimeout)
}

// WorkerPollInterval returns the idle delay between lease attempts.
func (c *Config) WorkerPollInterval() time.Duration {
	return seconds(c.Workers.PollInterval)
}

// HeartbeatInterval returns how often a worker extends its job lease.
func (c *Config) HeartbeatInterval() time.Duration {
	return seconds(c.Workers.HeartbeatInterval)
}

func seconds(value int) time.Duration {
	return time.Duration(value) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
