package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"docflow/internal/ledger"
	"docflow/internal/logging"
	"docflow/internal/queue"
	"docflow/internal/services"
	"docflow/internal/stage"
)

// await blocks until one of the waiting stages reaches a terminal status,
// either through its worker or through reconciliation performed here.
func (m *Manager) await(ctx context.Context, logger *slog.Logger, documentID string, waiting []stage.Name) error {
	var changes <-chan ledger.Change
	if notifier, ok := m.ledger.(ledger.Notifier); ok {
		ch, unsubscribe := notifier.Subscribe(ctx, documentID)
		defer unsubscribe()
		changes = ch
	}
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		settled, deadline, err := m.check(ctx, logger, documentID, waiting)
		if err != nil || settled {
			return err
		}
		wait := m.pollInterval
		if !deadline.IsZero() {
			wait = min(max(deadline.Sub(m.now()), 0), m.pollInterval)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-changes:
		case <-ticker.C:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// check inspects the waiting stages once. It reports whether any of them
// settled and returns the earliest pending deadline.
func (m *Manager) check(ctx context.Context, logger *slog.Logger, documentID string, waiting []stage.Name) (bool, time.Time, error) {
	rec, err := m.read(ctx, documentID)
	if err != nil {
		return false, time.Time{}, err
	}
	if rec.Finalized() {
		return true, time.Time{}, nil
	}
	now := m.now()
	var earliest time.Time
	for _, name := range waiting {
		sr, exists := rec.Stage(name)
		if !exists || sr.Status.Terminal() {
			return true, time.Time{}, nil
		}
		stageLogger := logger.With(logging.String(logging.FieldStage, string(name)))

		timeout := m.cfg.StageTimeout(string(name))
		deadline := rec.CreatedAt.Add(timeout)
		if sr.QueuedAt != nil {
			deadline = sr.QueuedAt.Add(timeout)
		}
		if !now.Before(deadline) {
			cause := services.Wrap(services.ErrStageTimeout, string(name), "wait", fmt.Sprintf("no terminal status within %s", timeout), nil)
			if m.failStage(ctx, stageLogger, documentID, name, cause) {
				return true, time.Time{}, nil
			}
			continue
		}
		if earliest.IsZero() || deadline.Before(earliest) {
			earliest = deadline
		}

		if m.reconcile(ctx, stageLogger, rec, name, sr) {
			return true, time.Time{}, nil
		}
	}
	return false, earliest, nil
}

// reconcile compares a waiting stage with its queue job. It settles the
// stage when the queue reached a terminal state the ledger has not seen, and
// re-enqueues jobs the queue no longer knows about.
func (m *Manager) reconcile(ctx context.Context, logger *slog.Logger, rec *ledger.Record, name stage.Name, sr ledger.StageRecord) bool {
	jobID := sr.JobID
	if jobID == "" {
		jobID = stage.JobID(rec.DocumentID, name)
	}
	status, err := m.queue.Status(ctx, stage.QueueName(m.prefix, name), jobID)
	switch {
	case errors.Is(err, queue.ErrJobNotFound):
		if pushErr := m.push(ctx, rec, name); pushErr != nil {
			logging.WarnWithContext(logger, "re-enqueue of missing job failed; will retry", "stage_enqueue_failed",
				logging.String(logging.FieldJobID, jobID),
				logging.String(logging.FieldErrorHint, "check queue backend connectivity"),
				logging.Error(pushErr),
			)
			return false
		}
		logging.WarnWithContext(logger, "queue had no job for waiting stage; re-enqueued", "stage_reenqueued",
			logging.String(logging.FieldJobID, jobID),
			logging.String(logging.FieldImpact, "the stage runs again from the start"),
		)
		return false
	case err != nil:
		logging.WarnWithContext(logger, "queue status check failed; will retry until the stage deadline", "queue_status_failed",
			logging.String(logging.FieldJobID, jobID),
			logging.String(logging.FieldErrorHint, "check queue backend connectivity"),
			logging.Error(err),
		)
		return false
	}

	switch status.State {
	case queue.StateFailed:
		var cause error
		if status.Error != "" {
			cause = errors.New(status.Error)
		}
		failure := services.Wrap(services.ErrStageExecution, string(name), "queue", fmt.Sprintf("job failed after %d attempts", status.Attempts), cause)
		return m.failStage(ctx, logger, rec.DocumentID, name, failure)
	case queue.StateCompleted:
		_, err := m.ledger.UpdateStage(ctx, rec.DocumentID, name, ledger.Update{
			Status:   ledger.StatusCompleted,
			Progress: 100,
			Outputs:  map[string]string(status.Result),
		})
		if err != nil && !errors.Is(err, ledger.ErrStageFinalized) {
			logging.WarnWithContext(logger, "ledger write for completed job failed; will retry", "ledger_write_failed",
				logging.String(logging.FieldErrorHint, "check ledger backend connectivity"),
				logging.Error(err),
			)
			return false
		}
		logger.Info("stage completion reconciled from queue",
			logging.String(logging.FieldEventType, "stage_reconciled"),
		)
		return true
	}
	return false
}

// failStage records a terminal failure decided by the orchestrator. It
// reports whether the stage is now terminal, including when another writer
// got there first.
func (m *Manager) failStage(ctx context.Context, logger *slog.Logger, documentID string, name stage.Name, cause error) bool {
	_, err := m.ledger.UpdateStage(ctx, documentID, name, ledger.Update{Status: ledger.StatusFailed, Error: cause.Error()})
	switch {
	case errors.Is(err, ledger.ErrStageFinalized):
		return true
	case err != nil:
		logging.WarnWithContext(logger, "ledger failure write failed; will retry", "ledger_write_failed",
			logging.String(logging.FieldErrorHint, "check ledger backend connectivity"),
			logging.Error(err),
		)
		return false
	}
	eventType := "stage_failure"
	if errors.Is(cause, services.ErrStageTimeout) {
		eventType = "stage_timeout"
	}
	logging.ErrorWithContext(logger, "stage failed", eventType,
		logging.String("error_kind", services.Kind(cause)),
		logging.Error(cause),
	)
	return true
}
