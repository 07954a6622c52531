package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"docflow/internal/ledger"
	"docflow/internal/logging"
	"docflow/internal/queue"
	"docflow/internal/services"
	"docflow/internal/stage"
)

// process runs one leased attempt end to end. Success is written to the
// ledger before the job is acked; when that write fails the job is left to
// expire and be redelivered.
func (r *Runner) process(ctx context.Context, job *queue.Job, owner string) {
	name := r.handler.Stage()
	documentID := job.Payload[stage.KeyDocumentID]
	jobCtx := services.WithDocumentID(ctx, documentID)
	jobCtx = services.WithStage(jobCtx, string(name))
	jobCtx = services.WithJobID(jobCtx, job.ID)
	logger := logging.WithContext(jobCtx, r.logger).With(logging.Int("attempt", job.Attempts))

	if err := stage.ValidatePayload(name, job.Payload); err != nil {
		r.fail(jobCtx, logger, job, owner, documentID, err)
		return
	}

	if _, err := r.ledger.UpdateStage(jobCtx, documentID, name, ledger.Update{Status: ledger.StatusInProgress, JobID: job.ID}); err != nil {
		switch {
		case errors.Is(err, ledger.ErrStageFinalized):
			// Closed by the orchestrator after a timeout or reconciliation.
			logger.Info("stage already finalized in ledger; dropping job",
				logging.String(logging.FieldEventType, "stage_already_final"),
			)
			r.ack(jobCtx, logger, job, owner, nil)
		case errors.Is(err, ledger.ErrNotFound):
			r.fail(jobCtx, logger, job, owner, documentID,
				services.Wrap(services.ErrValidation, string(name), "start", "ledger record missing", err))
		default:
			logging.ErrorWithContext(logger, "ledger start write failed; job will be redelivered", "ledger_write_failed",
				logging.String(logging.FieldErrorHint, "check ledger backend connectivity"),
				logging.Error(err),
			)
		}
		return
	}

	logger.Info("stage started",
		logging.String(logging.FieldEventType, "stage_start"),
		logging.String(logging.FieldQueue, job.Queue),
	)
	start := time.Now()

	hbCtx, hbCancel := context.WithCancel(jobCtx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go r.heartbeat(hbCtx, &hbWG, logger, job.ID, owner)

	result, execErr := r.execute(jobCtx, logger, job, owner, documentID)
	hbCancel()
	hbWG.Wait()

	if execErr != nil {
		r.fail(jobCtx, logger, job, owner, documentID, execErr)
		return
	}

	status := ledger.StatusCompleted
	if result.Skipped {
		status = ledger.StatusSkipped
	}
	_, err := r.ledger.UpdateStage(jobCtx, documentID, name, ledger.Update{
		Status:   status,
		Progress: 100,
		Outputs:  result.Outputs,
	})
	if err != nil && !errors.Is(err, ledger.ErrStageFinalized) {
		logging.ErrorWithContext(logger, "ledger result write failed; job will be redelivered", "ledger_write_failed",
			logging.String(logging.FieldErrorHint, "check ledger backend connectivity"),
			logging.Error(err),
		)
		return
	}
	if errors.Is(err, ledger.ErrStageFinalized) {
		logging.WarnWithContext(logger, "stage finished after the ledger closed it", "stage_late_result",
			logging.String(logging.FieldImpact, "result is discarded; the ledger keeps the earlier outcome"),
		)
	}
	r.ack(jobCtx, logger, job, owner, result.Outputs)
	r.processed.Add(1)
	logger.Info("stage completed",
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.String("status", string(status)),
		logging.Duration("stage_duration", time.Since(start)),
	)
}

// execute calls the handler, converting panics and contradictory outcomes
// into errors.
func (r *Runner) execute(ctx context.Context, logger *slog.Logger, job *queue.Job, owner, documentID string) (result stage.Result, err error) {
	if r.opts.ExecTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.ExecTimeout)
		defer cancel()
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = services.Wrap(services.ErrStageExecution, string(r.handler.Stage()), "execute", fmt.Sprintf("panic: %v", rec), nil)
		}
	}()
	reporter := r.reporter(logger, job, owner, documentID)
	result, err = r.handler.Execute(ctx, stage.Job{
		ID:         job.ID,
		DocumentID: documentID,
		Stage:      r.handler.Stage(),
		Payload:    job.Payload,
		Attempt:    job.Attempts,
	}, reporter)
	if err != nil {
		return stage.Result{}, err
	}
	return result, nil
}

// reporter forwards monotonic progress to the ledger and the queue.
func (r *Runner) reporter(logger *slog.Logger, job *queue.Job, owner, documentID string) stage.Reporter {
	var mu sync.Mutex
	last := 0
	sampler := logging.NewProgressSampler(25)
	return stage.ReporterFunc(func(ctx context.Context, percent int) error {
		percent = min(max(percent, 0), 100)
		mu.Lock()
		if percent <= last {
			mu.Unlock()
			return nil
		}
		last = percent
		mu.Unlock()

		if _, err := r.ledger.UpdateStage(ctx, documentID, r.handler.Stage(), ledger.Update{Status: ledger.StatusInProgress, Progress: percent}); err != nil {
			return fmt.Errorf("record progress: %w", err)
		}
		if err := r.queue.Progress(ctx, job.ID, owner, percent); err != nil {
			logger.Debug("queue progress update failed", logging.Error(err))
		}
		if sampler.ShouldLog(percent) {
			logger.Info("stage progress",
				logging.String(logging.FieldEventType, "stage_progress"),
				logging.Int("percent", percent),
			)
		}
		return nil
	})
}

func (r *Runner) heartbeat(ctx context.Context, wg *sync.WaitGroup, logger *slog.Logger, jobID, owner string) {
	defer wg.Done()
	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := r.queue.Extend(ctx, jobID, owner, r.opts.LeaseTTL)
			switch {
			case err == nil:
			case errors.Is(err, context.Canceled):
				return
			case errors.Is(err, queue.ErrLeaseLost), errors.Is(err, queue.ErrJobNotFound):
				logging.WarnWithContext(logger, "job lease lost; another worker may run this attempt", "lease_lost",
					logging.String(logging.FieldImpact, "this attempt's outcome will not be acked"),
				)
				return
			default:
				logging.WarnWithContext(logger, "lease extension failed", "lease_extend_failed",
					logging.String(logging.FieldErrorHint, "check queue backend connectivity"),
					logging.Error(err),
				)
			}
		}
	}
}

// fail nacks the attempt and, when the queue gives up on the job, records the
// failure in the ledger.
func (r *Runner) fail(ctx context.Context, logger *slog.Logger, job *queue.Job, owner, documentID string, cause error) {
	name := r.handler.Stage()
	retryable := services.IsRetryable(cause)
	message := strings.TrimSpace(cause.Error())
	state, err := r.queue.Nack(ctx, job.ID, owner, message, retryable)
	if err != nil {
		logging.WarnWithContext(logger, "job nack failed", "queue_nack_failed",
			logging.String(logging.FieldErrorHint, "check queue backend connectivity"),
			logging.Error(err),
		)
		return
	}
	if state != queue.StateFailed {
		logging.WarnWithContext(logger, "stage attempt failed; retry scheduled", "stage_retry",
			logging.String("error_kind", services.Kind(cause)),
			logging.Int("max_attempts", job.MaxAttempts),
			logging.Error(cause),
		)
		return
	}

	r.failed.Add(1)
	if documentID != "" {
		_, err = r.ledger.UpdateStage(ctx, documentID, name, ledger.Update{Status: ledger.StatusFailed, Error: message, JobID: job.ID})
		if err != nil && !errors.Is(err, ledger.ErrStageFinalized) {
			logging.ErrorWithContext(logger, "ledger failure write failed", "ledger_write_failed",
				logging.String(logging.FieldErrorHint, "the orchestrator reconciles from the queue status"),
				logging.Error(err),
			)
		}
	}
	logging.ErrorWithContext(logger, "stage failed", "stage_failure",
		logging.String("error_kind", services.Kind(cause)),
		logging.Bool("retryable", retryable),
		logging.Error(cause),
	)
}

func (r *Runner) ack(ctx context.Context, logger *slog.Logger, job *queue.Job, owner string, outputs map[string]string) {
	if err := r.queue.Ack(ctx, job.ID, owner, queue.Payload(outputs)); err != nil {
		logging.WarnWithContext(logger, "job ack failed", "queue_ack_failed",
			logging.String(logging.FieldErrorHint, "the job may be redelivered; stage logic is idempotent"),
			logging.Error(err),
		)
	}
}
