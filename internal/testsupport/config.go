package testsupport

import (
	"path/filepath"
	"testing"

	"docflow/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test
// and in-memory backends. It applies any provided options in order.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Blob.Root = filepath.Join(base, "blobs")
	cfgVal.API.Bind = "127.0.0.1:0"
	cfgVal.Queue.Backend = config.QueueMemory
	cfgVal.Queue.BackoffBase = 1
	cfgVal.Ledger.Backend = config.LedgerMemory
	cfgVal.Pipeline.PollInterval = 1
	cfgVal.Workers.PollInterval = 1

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	for _, opt := range opts {
		opt(builder)
	}
	builder.defaultDSNs()
	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// defaultDSNs mirrors the file locations Load derives from data_dir.
func (b *configBuilder) defaultDSNs() {
	cfg := b.cfg
	if cfg.Queue.Backend == config.QueueSQLite && cfg.Queue.DSN == "" {
		cfg.Queue.DSN = filepath.Join(cfg.Paths.DataDir, "queue.db")
	}
	if cfg.Ledger.DSN != "" {
		return
	}
	switch cfg.Ledger.Backend {
	case config.LedgerSQLite:
		cfg.Ledger.DSN = filepath.Join(cfg.Paths.DataDir, "ledger.db")
	case config.LedgerBadger:
		cfg.Ledger.DSN = filepath.Join(cfg.Paths.DataDir, "ledger")
	}
}

// WithBackends selects the queue and ledger backends.
func WithBackends(queueBackend, ledgerBackend string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Queue.Backend = queueBackend
		b.cfg.Ledger.Backend = ledgerBackend
	}
}

// WithEmbeddedWorkers runs every stage worker inside the server process.
func WithEmbeddedWorkers() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Workers.Embedded = true
	}
}

// WithMaxUploadMB caps the accepted upload size.
func WithMaxUploadMB(mb int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.API.MaxUploadMB = mb
	}
}

// WithStageTimeout overrides the timeout of a single stage in seconds.
func WithStageTimeout(stage string, seconds int) ConfigOption {
	return func(b *configBuilder) {
		if b.cfg.Pipeline.StageTimeouts == nil {
			b.cfg.Pipeline.StageTimeouts = map[string]int{}
		}
		b.cfg.Pipeline.StageTimeouts[stage] = seconds
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
