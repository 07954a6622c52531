package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"docflow/internal/ledger"
	"docflow/internal/logging"
	"docflow/internal/queue"
	"docflow/internal/stage"
)

// Options tunes a Runner. Zero values fall back to the defaults below.
type Options struct {
	QueuePrefix       string
	WorkerID          string
	Concurrency       int
	PollInterval      time.Duration
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration
	// ExecTimeout bounds a single Execute call. Zero means no limit.
	ExecTimeout time.Duration
	Logger      *slog.Logger
}

const (
	defaultConcurrency  = 1
	defaultPollInterval = time.Second
	defaultLeaseTTL     = time.Minute
)

// Runner leases jobs for one stage and executes them with the stage handler.
type Runner struct {
	handler   stage.Handler
	queue     queue.Queue
	ledger    ledger.Store
	queueName string
	workerID  string
	opts      Options
	logger    *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	pool    *ants.Pool
	wg      sync.WaitGroup

	processed atomic.Int64
	failed    atomic.Int64
}

// Stats reports runtime counters for a Runner.
type Stats struct {
	Stage     stage.Name
	Queue     string
	Running   int
	Processed int64
	Failed    int64
}

// NewRunner constructs a runner for handler.Stage().
func NewRunner(handler stage.Handler, q queue.Queue, store ledger.Store, opts Options) *Runner {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = defaultLeaseTTL
	}
	if opts.HeartbeatInterval <= 0 || opts.HeartbeatInterval >= opts.LeaseTTL {
		opts.HeartbeatInterval = opts.LeaseTTL / 3
	}
	if opts.WorkerID == "" {
		opts.WorkerID = defaultWorkerID()
	}
	name := handler.Stage()
	logger := logging.NewComponentLogger(opts.Logger, "worker").With(
		logging.String(logging.FieldStage, string(name)),
		logging.String(logging.FieldWorkerID, opts.WorkerID),
	)
	return &Runner{
		handler:   handler,
		queue:     q,
		ledger:    store,
		queueName: stage.QueueName(opts.QueuePrefix, name),
		workerID:  opts.WorkerID,
		opts:      opts,
		logger:    logger,
	}
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Stage returns the stage this runner executes.
func (r *Runner) Stage() stage.Name { return r.handler.Stage() }

// Health delegates to the stage handler.
func (r *Runner) Health(ctx context.Context) stage.Health {
	return r.handler.HealthCheck(ctx)
}

// Stats returns a snapshot of the runner counters.
func (r *Runner) Stats() Stats {
	r.mu.Lock()
	running := 0
	if r.pool != nil {
		running = r.pool.Running()
	}
	r.mu.Unlock()
	return Stats{
		Stage:     r.handler.Stage(),
		Queue:     r.queueName,
		Running:   running,
		Processed: r.processed.Load(),
		Failed:    r.failed.Load(),
	}
}

// Start launches the lease loop. Jobs execute on a pool of
// Options.Concurrency goroutines.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return errors.New("worker already running")
	}
	pool, err := ants.NewPool(r.opts.Concurrency)
	if err != nil {
		return fmt.Errorf("create worker pool: %w", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.pool = pool
	r.cancel = cancel
	r.running = true
	r.wg.Add(1)
	go r.loop(runCtx)
	r.logger.Info("stage worker started",
		logging.String(logging.FieldEventType, "worker_start"),
		logging.String(logging.FieldQueue, r.queueName),
		logging.Int("concurrency", r.opts.Concurrency),
	)
	return nil
}

// Stop cancels the lease loop and waits for in-flight jobs to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	cancel()
	r.wg.Wait()

	r.mu.Lock()
	if r.pool != nil {
		r.pool.Release()
		r.pool = nil
	}
	r.mu.Unlock()
	r.logger.Info("stage worker stopped", logging.String(logging.FieldEventType, "worker_stop"))
}

func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		if r.pool.Free() == 0 {
			r.wait(ctx, r.opts.PollInterval)
			continue
		}
		job, owner, err := r.lease(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.WarnWithContext(r.logger, "job lease failed", "queue_lease_failed",
				logging.String(logging.FieldQueue, r.queueName),
				logging.String(logging.FieldErrorHint, "check queue backend connectivity"),
				logging.Error(err),
			)
			r.wait(ctx, r.opts.PollInterval)
			continue
		}
		if job == nil {
			r.wait(ctx, r.opts.PollInterval)
			continue
		}
		r.wg.Add(1)
		submitErr := r.pool.Submit(func() {
			defer r.wg.Done()
			r.process(ctx, job, owner)
		})
		if submitErr != nil {
			r.wg.Done()
			// The lease expires and the job is redelivered.
			logging.WarnWithContext(r.logger, "job submit failed", "worker_submit_failed",
				logging.String(logging.FieldJobID, job.ID),
				logging.Error(submitErr),
			)
		}
	}
}

func (r *Runner) wait(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// lease claims the next job under a fresh owner token, so a job this process
// leases again after its own lease expired cannot be acked by the stale
// attempt.
func (r *Runner) lease(ctx context.Context) (*queue.Job, string, error) {
	owner := r.workerID + "/" + uuid.NewString()[:8]
	job, err := r.queue.Lease(ctx, r.queueName, owner, r.opts.LeaseTTL)
	if err != nil || job == nil {
		return nil, "", err
	}
	return job, owner, nil
}

// ProcessOne leases and executes at most one job synchronously. It reports
// whether a job was processed.
func (r *Runner) ProcessOne(ctx context.Context) (bool, error) {
	job, owner, err := r.lease(ctx)
	if err != nil || job == nil {
		return false, err
	}
	r.process(ctx, job, owner)
	return true, nil
}
