package workflow

import (
	"context"
	"errors"
	"log/slog"

	"docflow/internal/ledger"
	"docflow/internal/logging"
	"docflow/internal/services"
	"docflow/internal/stage"
)

// plan is the next step for a pipeline, derived from its ledger record.
type plan struct {
	// ready stages have every prerequisite done and no stage record yet.
	ready []stage.Name
	// waiting stages are recorded but not terminal.
	waiting []stage.Name
	// abortedAt is the first failed stage that blocks a dependent.
	abortedAt stage.Name
}

func (p plan) finished() bool {
	return len(p.ready) == 0 && len(p.waiting) == 0
}

func planFor(rec *ledger.Record) plan {
	var p plan
	for _, name := range stage.All {
		sr, exists := rec.Stage(name)
		if exists {
			if !sr.Status.Terminal() {
				p.waiting = append(p.waiting, name)
			}
			continue
		}
		ready := true
		for _, prereq := range name.Prerequisites() {
			pr, ok := rec.Stage(prereq)
			if !ok || !pr.Status.Done() {
				ready = false
			}
			if ok && pr.Status == ledger.StatusFailed && p.abortedAt == "" {
				p.abortedAt = prereq
			}
		}
		if ready {
			p.ready = append(p.ready, name)
		}
	}
	return p
}

// supervise drives one pipeline until it is finalized, the ledger record
// disappears, or ctx ends.
func (m *Manager) supervise(ctx context.Context, documentID string) {
	ctx = services.WithDocumentID(ctx, documentID)
	logger := logging.WithContext(ctx, m.logger)
	err := m.run(ctx, logger, documentID)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		logger.Debug("supervisor detached", logging.String(logging.FieldEventType, "supervisor_detached"))
	case errors.Is(err, services.ErrLedgerInconsistency):
		m.recordError(err)
		logging.ErrorWithContext(logger, "pipeline record vanished while in flight; supervisor stopped", "ledger_inconsistency",
			logging.String(logging.FieldErrorHint, "the record expired or was deleted; resubmit the document"),
			logging.Error(err),
		)
	default:
		m.recordError(err)
		logging.ErrorWithContext(logger, "supervisor stopped", "supervisor_failed",
			logging.String(logging.FieldErrorHint, "the resume scan reattaches the pipeline"),
			logging.Error(err),
		)
	}
}

func (m *Manager) run(ctx context.Context, logger *slog.Logger, documentID string) error {
	for {
		rec, err := m.read(ctx, documentID)
		if err != nil {
			return err
		}
		if rec.Finalized() {
			return nil
		}
		next := planFor(rec)
		if next.finished() {
			return m.finalize(ctx, logger, rec, next.abortedAt)
		}

		if len(next.ready) > 0 {
			failed := false
			for _, name := range next.ready {
				if err := m.enqueue(services.WithStage(ctx, string(name)), rec, name); err != nil {
					failed = true
					logging.WarnWithContext(logger, "stage enqueue failed; will retry", "stage_enqueue_failed",
						logging.String(logging.FieldStage, string(name)),
						logging.String(logging.FieldErrorHint, "check queue and ledger backend connectivity"),
						logging.Error(err),
					)
				}
			}
			if failed && !sleep(ctx, m.pollInterval) {
				return ctx.Err()
			}
			continue
		}

		if err := m.await(ctx, logger, documentID, next.waiting); err != nil {
			return err
		}
	}
}

// read loads the record, mapping a missing record to ErrLedgerInconsistency
// and retrying transient read failures at the poll interval.
func (m *Manager) read(ctx context.Context, documentID string) (*ledger.Record, error) {
	for {
		rec, err := m.ledger.Read(ctx, documentID)
		switch {
		case err == nil:
			return rec, nil
		case errors.Is(err, ledger.ErrNotFound):
			return nil, services.Wrap(services.ErrLedgerInconsistency, "", "read", documentID, err)
		case ctx.Err() != nil:
			return nil, ctx.Err()
		}
		logging.WarnWithContext(m.logger, "ledger read failed; retrying", "ledger_read_failed",
			logging.String(logging.FieldDocumentID, documentID),
			logging.String(logging.FieldErrorHint, "check ledger backend connectivity"),
			logging.Error(err),
		)
		if !sleep(ctx, m.pollInterval) {
			return nil, ctx.Err()
		}
	}
}

func (m *Manager) finalize(ctx context.Context, logger *slog.Logger, rec *ledger.Record, abortedAt stage.Name) error {
	for {
		final, err := m.ledger.Finalize(ctx, rec.DocumentID, abortedAt, m.cfg.LedgerTTL())
		switch {
		case err == nil:
			m.finalized.Add(1)
			attrs := []logging.Attr{
				logging.String(logging.FieldEventType, "pipeline_finalized"),
				logging.String("status", string(final.Status)),
				logging.Int("overall_progress", final.OverallProgress),
			}
			if abortedAt != "" {
				attrs = append(attrs, logging.String("aborted_at", string(abortedAt)))
			}
			logger.Info("pipeline finalized", logging.Args(attrs...)...)
			if err := m.notify.NotifyPipelineFinalized(ctx, final); err != nil {
				logging.WarnWithContext(logger, "pipeline notification failed", "notification_failed",
					logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic"),
					logging.String(logging.FieldImpact, "the pipeline result is unaffected"),
					logging.Error(err),
				)
			}
			return nil
		case errors.Is(err, ledger.ErrNotFound):
			return services.Wrap(services.ErrLedgerInconsistency, "", "finalize", rec.DocumentID, err)
		case ctx.Err() != nil:
			return ctx.Err()
		}
		logging.WarnWithContext(logger, "ledger finalize failed; retrying", "ledger_write_failed",
			logging.String(logging.FieldErrorHint, "check ledger backend connectivity"),
			logging.Error(err),
		)
		if !sleep(ctx, m.pollInterval) {
			return ctx.Err()
		}
	}
}
