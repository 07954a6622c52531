package workflow

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"docflow/internal/ledger"
	"docflow/internal/logging"
	"docflow/internal/queue"
	"docflow/internal/services"
	"docflow/internal/stage"
)

// Submit records a new pipeline, enqueues its first stage, and attaches a
// supervisor. The returned pipeline id equals the document id. When the
// queue rejects the first job the pipeline is closed as failed in the ledger
// and the queue error is returned.
func (m *Manager) Submit(ctx context.Context, doc Document) (string, error) {
	doc.ID = strings.TrimSpace(doc.ID)
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if strings.TrimSpace(doc.Filename) == "" {
		return "", services.Wrap(services.ErrValidation, "", "submit", "filename is required", nil)
	}
	if strings.TrimSpace(doc.SourceKey) == "" {
		return "", services.Wrap(services.ErrValidation, "", "submit", "source key is required", nil)
	}
	if doc.SubmittedAt.IsZero() {
		doc.SubmittedAt = m.now().UTC()
	}
	ctx = services.WithDocumentID(ctx, doc.ID)
	logger := logging.WithContext(ctx, m.logger)

	rec, err := m.ledger.Create(ctx, doc, m.cfg.LedgerTTL())
	if err != nil {
		return "", services.Wrap(services.ErrTransient, "", "submit", "create ledger record", err)
	}
	if err := m.enqueue(ctx, rec, stage.Convert); err != nil {
		m.abortSubmission(ctx, logger, doc.ID, err)
		return "", err
	}
	logger.Info("document submitted",
		logging.String(logging.FieldEventType, "document_submitted"),
		logging.String("filename", doc.Filename),
		logging.Int64("size", doc.Size),
	)
	m.attach(doc.ID)
	return doc.ID, nil
}

// abortSubmission closes a pipeline whose first job could not be enqueued so
// the ledger never shows a document waiting on a job that does not exist.
func (m *Manager) abortSubmission(ctx context.Context, logger *slog.Logger, documentID string, cause error) {
	if _, err := m.ledger.UpdateStage(ctx, documentID, stage.Convert, ledger.Update{Status: ledger.StatusFailed, Error: cause.Error()}); err != nil && !errors.Is(err, ledger.ErrStageFinalized) {
		logging.ErrorWithContext(m.logger, "ledger write failed after rejected submission", "ledger_write_failed",
			logging.String(logging.FieldDocumentID, documentID),
			logging.String(logging.FieldErrorHint, "the resume scan retries the enqueue"),
			logging.Error(err),
		)
		return
	}
	if _, err := m.ledger.Finalize(ctx, documentID, stage.Convert, m.cfg.LedgerTTL()); err != nil {
		logging.ErrorWithContext(m.logger, "ledger finalize failed after rejected submission", "ledger_write_failed",
			logging.String(logging.FieldDocumentID, documentID),
			logging.String(logging.FieldErrorHint, "check ledger backend connectivity"),
			logging.Error(err),
		)
		return
	}
	logging.WarnWithContext(logger, "submission rejected by queue; pipeline closed", "submission_rejected",
		logging.String(logging.FieldErrorHint, "check queue backend connectivity"),
		logging.Error(cause),
	)
}

// enqueue records the stage as queued and then hands it to the job queue, so
// a worker never leases a job whose ledger stage is missing. Disabled stages
// are recorded skipped instead. A stage that is already terminal is left
// alone.
func (m *Manager) enqueue(ctx context.Context, rec *ledger.Record, name stage.Name) error {
	documentID := rec.DocumentID
	if m.cfg.StageDisabled(string(name)) {
		_, err := m.ledger.UpdateStage(ctx, documentID, name, ledger.Update{Status: ledger.StatusSkipped})
		if err != nil && !errors.Is(err, ledger.ErrStageFinalized) {
			return services.Wrap(services.ErrTransient, string(name), "skip", "record disabled stage", err)
		}
		logging.WithContext(ctx, m.logger).Info("stage disabled; recorded skipped",
			logging.String(logging.FieldEventType, "stage_skipped"),
			logging.String(logging.FieldStage, string(name)),
		)
		return nil
	}

	jobID := stage.JobID(documentID, name)
	_, err := m.ledger.UpdateStage(ctx, documentID, name, ledger.Update{Status: ledger.StatusQueued, JobID: jobID})
	switch {
	case errors.Is(err, ledger.ErrStageFinalized):
		return nil
	case err != nil:
		return services.Wrap(services.ErrTransient, string(name), "enqueue", "record queued stage", err)
	}
	if err := m.push(ctx, rec, name); err != nil {
		return err
	}
	logging.WithContext(ctx, m.logger).Info("stage enqueued",
		logging.String(logging.FieldEventType, "stage_enqueued"),
		logging.String(logging.FieldStage, string(name)),
		logging.String(logging.FieldJobID, jobID),
	)
	return nil
}

// push enqueues the stage job. The deterministic job id makes repeated
// pushes for the same stage return the existing job.
func (m *Manager) push(ctx context.Context, rec *ledger.Record, name stage.Name) error {
	_, err := m.queue.Enqueue(ctx, stage.QueueName(m.prefix, name), string(name), payloadFor(rec, name), queue.Options{
		JobID:       stage.JobID(rec.DocumentID, name),
		MaxAttempts: m.cfg.StageAttempts(string(name)),
		Backoff:     queue.Backoff{Type: "exponential", Delay: m.cfg.BackoffBase()},
	})
	if err != nil && !errors.Is(err, services.ErrQueueUnavailable) {
		err = services.Wrap(services.ErrQueueUnavailable, string(name), "enqueue", "", err)
	}
	return err
}

// payloadFor builds the job payload from the document and the outputs of
// every upstream stage.
func payloadFor(rec *ledger.Record, name stage.Name) queue.Payload {
	payload := queue.Payload{
		stage.KeyDocumentID: rec.DocumentID,
		stage.KeyFilename:   rec.Document.Filename,
		stage.KeySourceKey:  rec.Document.SourceKey,
	}
	if rec.Document.ContentType != "" {
		payload[stage.KeyContentType] = rec.Document.ContentType
	}
	for _, upstream := range name.Upstream() {
		sr, _ := rec.Stage(upstream)
		for key, value := range sr.Outputs {
			payload[key] = value
		}
	}
	return payload
}
