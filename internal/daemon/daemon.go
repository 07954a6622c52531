package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"docflow/internal/api"
	"docflow/internal/blob"
	"docflow/internal/config"
	"docflow/internal/ledger"
	"docflow/internal/logging"
	"docflow/internal/queue"
	"docflow/internal/stage"
	"docflow/internal/worker"
	"docflow/internal/workflow"
)

// staleTempAge is how old an interrupted blob upload must be before startup
// removes it.
const staleTempAge = time.Hour

// Deps are the collaborators a Daemon coordinates. Workers may be empty when
// stage workers run as separate processes.
type Deps struct {
	Queue    queue.Queue
	Ledger   ledger.Store
	Blobs    blob.Store
	Workflow *workflow.Manager
	Workers  []*worker.Runner
}

// Daemon coordinates the background processing services and enforces
// single-instance execution.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	queue    queue.Queue
	ledger   ledger.Store
	blobs    blob.Store
	workflow *workflow.Manager
	workers  []*worker.Runner
	reaper   *ledger.Reaper
	server   *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || deps.Queue == nil || deps.Ledger == nil || deps.Blobs == nil || deps.Workflow == nil {
		return nil, errors.New("daemon requires config, queue, ledger, blob store, and workflow manager")
	}
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		queue:    deps.Queue,
		ledger:   deps.Ledger,
		blobs:    deps.Blobs,
		workflow: deps.Workflow,
		workers:  deps.Workers,
		reaper:   ledger.NewReaper(deps.Ledger, cfg.ReapInterval(), logger),
		lockPath: cfg.LockPath(),
		lock:     flock.New(cfg.LockPath()),
	}
	d.server = newAPIServer(cfg, d, logger)
	return d, nil
}

// Start acquires the daemon lock and launches the workflow manager, the
// embedded workers, the ledger reaper, and the HTTP server.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another docflow server already owns %s", d.lockPath)
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if local, ok := d.blobs.(*blob.LocalFS); ok {
		local.CleanTemp(runCtx, staleTempAge, d.logger)
	}

	if err := d.workflow.Start(runCtx); err != nil {
		d.abortStart()
		return fmt.Errorf("start workflow: %w", err)
	}
	for i, runner := range d.workers {
		if err := runner.Start(runCtx); err != nil {
			for _, started := range d.workers[:i] {
				started.Stop()
			}
			d.workflow.Stop()
			d.abortStart()
			return fmt.Errorf("start %s worker: %w", runner.Stage(), err)
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.reaper.Run(runCtx)
	}()

	if err := d.server.start(); err != nil {
		for _, runner := range d.workers {
			runner.Stop()
		}
		d.workflow.Stop()
		d.abortStart()
		d.wg.Wait()
		return err
	}

	d.running.Store(true)
	d.logger.Info("docflow daemon started",
		logging.String(logging.FieldEventType, "daemon_start"),
		logging.String("lock", d.lockPath),
		logging.String("bind", d.server.address()),
		logging.Int("embedded_workers", len(d.workers)),
	)
	return nil
}

func (d *Daemon) abortStart() {
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
}

// Stop drains the HTTP server, stops workers and supervisors, and releases
// the daemon lock. Pipelines in flight stay in the ledger for the next start.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	d.server.stop(d.cfg.ShutdownTimeout())
	for _, runner := range d.workers {
		runner.Stop()
	}
	d.workflow.Stop()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.wg.Wait()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("docflow daemon stopped", logging.String(logging.FieldEventType, "daemon_stop"))
}

// Close stops the daemon and releases the backend connections.
func (d *Daemon) Close() error {
	d.Stop()
	return errors.Join(d.queue.Close(), d.ledger.Close(), d.blobs.Close())
}

// Running reports whether Start succeeded and Stop has not been called.
func (d *Daemon) Running() bool {
	return d.running.Load()
}

// Addr returns the address the HTTP server listens on.
func (d *Daemon) Addr() string {
	return d.server.address()
}

// Handler exposes the HTTP router, mainly for tests.
func (d *Daemon) Handler() http.Handler {
	return d.server.router
}

// Health pings every shared dependency.
func (d *Daemon) Health(ctx context.Context) []stage.Health {
	return []stage.Health{
		stage.FromError("queue", d.queue.Ping(ctx)),
		stage.FromError("ledger", d.ledger.Ping(ctx)),
		stage.FromError("blob", d.blobs.Ping(ctx)),
	}
}

// Status returns the current daemon status.
func (d *Daemon) Status() api.DaemonStatus {
	stats := make([]worker.Stats, 0, len(d.workers))
	for _, runner := range d.workers {
		stats = append(stats, runner.Stats())
	}
	return api.DaemonStatus{
		PID:          os.Getpid(),
		LockFilePath: d.lockPath,
		QueueBackend: d.cfg.Queue.Backend,
		Ledger:       d.cfg.Ledger.Backend,
		Supervisors:  api.FromWorkflowStats(d.workflow.Stats()),
		Workers:      api.FromWorkerStats(stats),
	}
}
