package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"docflow/internal/config"
	"docflow/internal/ledger"
	"docflow/internal/logging"
	"docflow/internal/notifications"
	"docflow/internal/queue"
)

// Document describes a submitted file.
type Document = ledger.Document

// Manager coordinates pipelines across the job queue and the progress ledger.
type Manager struct {
	cfg    *config.Config
	queue  queue.Queue
	ledger ledger.Store
	logger *slog.Logger
	notify notifications.Service
	now    func() time.Time

	prefix         string
	pollInterval   time.Duration
	resumeInterval time.Duration

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	pool     *ants.Pool
	intake   chan string
	attached map[string]struct{}
	wg       sync.WaitGroup

	finalized atomic.Int64
	lastErr   atomic.Value
}

// Option configures optional Manager behavior.
type Option func(*Manager)

// WithPollInterval overrides the ledger poll interval used while waiting.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// WithResumeInterval overrides how often the ledger is scanned for
// unattached pipelines.
func WithResumeInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.resumeInterval = d
		}
	}
}

// WithNotifier replaces the service told about finalized pipelines.
func WithNotifier(svc notifications.Service) Option {
	return func(m *Manager) {
		if svc != nil {
			m.notify = svc
		}
	}
}

// WithClock replaces the time source used for stage deadlines.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager constructs a workflow manager.
func NewManager(cfg *config.Config, q queue.Queue, store ledger.Store, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		cfg:            cfg,
		queue:          q,
		ledger:         store,
		logger:         logging.NewComponentLogger(logger, "workflow"),
		notify:         notifications.NewService(cfg),
		now:            time.Now,
		prefix:         cfg.Queue.Prefix,
		pollInterval:   cfg.PollInterval(),
		resumeInterval: cfg.ResumeInterval(),
		attached:       make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.pollInterval <= 0 {
		m.pollInterval = 2 * time.Second
	}
	if m.resumeInterval <= 0 {
		m.resumeInterval = 30 * time.Second
	}
	return m
}

// Start launches the supervisor pool, attaches every unfinished pipeline,
// and keeps scanning for unattached pipelines until Stop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("workflow already running")
	}
	size := m.cfg.Pipeline.MaxConcurrent
	if size <= 0 {
		size = 1
	}
	pool, err := ants.NewPool(size)
	if err != nil {
		return fmt.Errorf("create supervisor pool: %w", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.pool = pool
	m.cancel = cancel
	m.intake = make(chan string, size*4)
	m.running = true

	m.wg.Add(2)
	go m.dispatch(runCtx, m.intake)
	go m.resumeLoop(runCtx)

	m.logger.Info("workflow started",
		logging.String(logging.FieldEventType, "workflow_start"),
		logging.Int("max_concurrent", size),
		logging.Duration("poll_interval", m.pollInterval),
	)
	return nil
}

// Stop detaches every supervisor and waits for them to return. Pipelines
// stay in the ledger and are resumed by the next Start.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()

	m.mu.Lock()
	if m.pool != nil {
		m.pool.Release()
		m.pool = nil
	}
	m.intake = nil
	m.attached = make(map[string]struct{})
	m.mu.Unlock()
	m.logger.Info("workflow stopped", logging.String(logging.FieldEventType, "workflow_stop"))
}

// Stats reports supervisor pool activity.
type Stats struct {
	Running   bool   `json:"running"`
	Attached  int    `json:"attached"`
	Active    int    `json:"active"`
	Pending   int    `json:"pending"`
	Finalized int64  `json:"finalized"`
	LastError string `json:"last_error,omitempty"`
}

// Stats returns a snapshot of supervisor activity.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	stats := Stats{Running: m.running, Attached: len(m.attached)}
	if m.pool != nil {
		stats.Active = m.pool.Running()
	}
	if m.intake != nil {
		stats.Pending = len(m.intake)
	}
	m.mu.Unlock()
	stats.Finalized = m.finalized.Load()
	if msg, ok := m.lastErr.Load().(string); ok {
		stats.LastError = msg
	}
	return stats
}

// Status returns the ledger record for a pipeline.
func (m *Manager) Status(ctx context.Context, documentID string) (*ledger.Record, error) {
	return m.ledger.Read(ctx, documentID)
}

// attach schedules a supervisor for documentID unless one is already
// attached. It never blocks: when the intake is full the document is left
// for the next resume scan.
func (m *Manager) attach(documentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return false
	}
	if _, ok := m.attached[documentID]; ok {
		return false
	}
	select {
	case m.intake <- documentID:
		m.attached[documentID] = struct{}{}
		return true
	default:
		logging.WarnWithContext(m.logger, "supervisor intake full; deferring to resume scan", "supervisor_deferred",
			logging.String(logging.FieldDocumentID, documentID),
			logging.String(logging.FieldImpact, "pipeline progress is delayed until the next resume scan"),
		)
		return false
	}
}

func (m *Manager) detach(documentID string) {
	m.mu.Lock()
	delete(m.attached, documentID)
	m.mu.Unlock()
}

// dispatch feeds attached documents into the supervisor pool. Submit blocks
// only while the pool is saturated, which holds back the intake rather
// than the callers of attach.
func (m *Manager) dispatch(ctx context.Context, intake <-chan string) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case documentID := <-intake:
			m.wg.Add(1)
			err := m.pool.Submit(func() {
				defer m.wg.Done()
				defer m.detach(documentID)
				m.supervise(ctx, documentID)
			})
			if err != nil {
				m.wg.Done()
				m.detach(documentID)
				if ctx.Err() != nil {
					return
				}
				logging.WarnWithContext(m.logger, "supervisor submit failed", "supervisor_submit_failed",
					logging.String(logging.FieldDocumentID, documentID),
					logging.String(logging.FieldErrorHint, "the resume scan retries unattached pipelines"),
					logging.Error(err),
				)
			}
		}
	}
}

func (m *Manager) recordError(err error) {
	if err != nil {
		m.lastErr.Store(err.Error())
	}
}

// sleep waits for d or until ctx ends, reporting whether ctx is still live.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
