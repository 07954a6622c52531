// Package daemonrun assembles the docflow backends, workers, and daemon
// from configuration and runs them until the process is signalled.
package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"docflow/internal/blob"
	"docflow/internal/config"
	"docflow/internal/daemon"
	"docflow/internal/handlers"
	"docflow/internal/ledger"
	"docflow/internal/logging"
	"docflow/internal/queue"
	"docflow/internal/services"
	"docflow/internal/worker"
	"docflow/internal/workflow"
)

// Options configures process runtime behavior.
type Options struct {
	// LogName names the log file under paths.log_dir.
	LogName string
	// Logger replaces the configured logger when set.
	Logger *slog.Logger
}

// Backends bundles the opened queue, ledger, and blob store.
type Backends struct {
	Queue  queue.Queue
	Ledger ledger.Store
	Blobs  blob.Store
}

// Close releases every backend.
func (b *Backends) Close() error {
	var errs []error
	if b.Queue != nil {
		errs = append(errs, b.Queue.Close())
	}
	if b.Ledger != nil {
		errs = append(errs, b.Ledger.Close())
	}
	if b.Blobs != nil {
		errs = append(errs, b.Blobs.Close())
	}
	return errors.Join(errs...)
}

// OpenBackends opens the configured backends, closing any already opened
// when a later one fails.
func OpenBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Backends, error) {
	b := &Backends{}
	var err error
	if b.Queue, err = queue.Open(ctx, cfg); err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	if b.Ledger, err = ledger.Open(cfg, logger); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if b.Blobs, err = blob.Open(ctx, cfg); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	return b, nil
}

// Workers builds one runner per configured stage.
func Workers(cfg *config.Config, b *Backends, logger *slog.Logger) ([]*worker.Runner, error) {
	set, err := handlers.Set(cfg, b.Blobs, logger)
	if err != nil {
		return nil, err
	}
	runners := make([]*worker.Runner, 0, len(set))
	for _, handler := range set {
		runners = append(runners, worker.NewRunner(handler, b.Queue, b.Ledger, worker.Options{
			QueuePrefix:       cfg.Queue.Prefix,
			Concurrency:       cfg.Workers.Concurrency,
			PollInterval:      cfg.WorkerPollInterval(),
			LeaseTTL:          cfg.LeaseDuration(),
			HeartbeatInterval: cfg.HeartbeatInterval(),
			ExecTimeout:       cfg.StageTimeout(string(handler.Stage())),
			Logger:            logger,
		}))
	}
	return runners, nil
}

func newLogger(cfg *config.Config, opts Options) (*slog.Logger, error) {
	if opts.Logger != nil {
		return opts.Logger, nil
	}
	name := opts.LogName
	if name == "" {
		name = "docflow"
	}
	logger, err := logging.NewFromConfig(cfg, name)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return logger, nil
}

// Serve runs the HTTP server and orchestrator, plus embedded workers when
// workers.embedded is set, until ctx ends or the process is signalled.
func Serve(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	ctx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	logger, err := newLogger(cfg, opts)
	if err != nil {
		return err
	}
	pidPath := filepath.Join(cfg.Paths.DataDir, "docflow.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	backends, err := OpenBackends(ctx, cfg, logger)
	if err != nil {
		logging.ErrorWithContext(logger, "open backends failed", "backend_open_failed",
			logging.String(logging.FieldErrorHint, "run docflow config validate and check backend connectivity"),
			logging.Error(err),
		)
		return err
	}

	var runners []*worker.Runner
	if cfg.Workers.Embedded {
		if runners, err = Workers(cfg, backends, logger); err != nil {
			_ = backends.Close()
			return err
		}
	}
	manager := workflow.NewManager(cfg, backends.Queue, backends.Ledger, logger)
	d, err := daemon.New(cfg, daemon.Deps{
		Queue:    backends.Queue,
		Ledger:   backends.Ledger,
		Blobs:    backends.Blobs,
		Workflow: manager,
		Workers:  runners,
	}, logger)
	if err != nil {
		_ = backends.Close()
		return fmt.Errorf("create daemon: %w", err)
	}
	defer func() {
		if err := d.Close(); err != nil {
			logger.Warn("backend close failed", logging.Error(err))
		}
	}()

	if err := d.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	logger.Info("docflow daemon shutting down", logging.String(logging.FieldEventType, "daemon_shutdown"))
	return nil
}

// RunWorkers runs standalone stage workers against shared backends until
// ctx ends or the process is signalled.
func RunWorkers(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := checkSharedBackends(cfg); err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	logger, err := newLogger(cfg, opts)
	if err != nil {
		return err
	}
	backends, err := OpenBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backends.Close()

	runners, err := Workers(cfg, backends, logger)
	if err != nil {
		return err
	}
	for i, runner := range runners {
		if err := runner.Start(ctx); err != nil {
			for _, started := range runners[:i] {
				started.Stop()
			}
			return fmt.Errorf("start %s worker: %w", runner.Stage(), err)
		}
	}
	<-ctx.Done()
	for _, runner := range runners {
		runner.Stop()
	}
	logger.Info("docflow workers stopped", logging.String(logging.FieldEventType, "workers_shutdown"))
	return nil
}

// checkSharedBackends rejects backends that only one process can open.
func checkSharedBackends(cfg *config.Config) error {
	switch {
	case cfg.Queue.Backend == config.QueueMemory:
		return services.Wrap(services.ErrConfiguration, "", "worker", "the memory queue is process-local; set workers.embedded in serve instead", nil)
	case cfg.Ledger.Backend == config.LedgerMemory, cfg.Ledger.Backend == config.LedgerBadger:
		return services.Wrap(services.ErrConfiguration, "", "worker",
			fmt.Sprintf("the %s ledger is process-local; use sqlite or redis, or set workers.embedded in serve", cfg.Ledger.Backend), nil)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}
