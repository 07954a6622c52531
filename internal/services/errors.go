package services

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrValidation marks bad input: a rejected submission or a malformed job
	// payload. Never retried.
	ErrValidation = errors.New("validation error")
	// ErrStageTimeout marks a stage whose wait exceeded its budget.
	ErrStageTimeout = errors.New("stage timeout")
	// ErrStageExecution marks a typed failure raised by stage logic.
	ErrStageExecution = errors.New("stage execution error")
	// ErrQueueUnavailable marks an unreachable job queue backend.
	ErrQueueUnavailable = errors.New("queue unavailable")
	// ErrLedgerInconsistency marks a pipeline the orchestrator believes is in
	// flight but whose ledger record is gone.
	ErrLedgerInconsistency = errors.New("ledger inconsistency")
	// ErrBlobUnavailable marks an unreachable blob store.
	ErrBlobUnavailable = errors.New("blob storage unavailable")
	ErrConfiguration   = errors.New("configuration error")
	ErrNotFound        = errors.New("not found")
	ErrTransient       = errors.New("transient failure")
)

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// IsRetryable reports whether the job queue should schedule another attempt
// after err. Validation and configuration failures are permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrValidation) && !errors.Is(err, ErrConfiguration)
}

// HTTPStatus maps an error onto the status code the API returns for it.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrQueueUnavailable), errors.Is(err, ErrBlobUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Kind returns a short classification label used in ledger error details and
// log fields.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrStageTimeout):
		return "timeout"
	case errors.Is(err, ErrQueueUnavailable):
		return "queue_unavailable"
	case errors.Is(err, ErrLedgerInconsistency):
		return "ledger_inconsistency"
	case errors.Is(err, ErrBlobUnavailable):
		return "blob_unavailable"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrStageExecution):
		return "execution"
	default:
		return "transient"
	}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
