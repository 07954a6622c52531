package api

import (
	"time"

	"docflow/internal/ledger"
	"docflow/internal/stage"
	"docflow/internal/worker"
	"docflow/internal/workflow"
)

// FromRecord projects a ledger record into its API representation.
func FromRecord(rec *ledger.Record) StatusResponse {
	if rec == nil {
		return StatusResponse{}
	}
	resp := StatusResponse{
		DocumentID:      rec.DocumentID,
		Filename:        rec.Document.Filename,
		OverallStatus:   string(rec.Status),
		OverallProgress: rec.OverallProgress,
		Stages:          make(map[string]StageView, len(stage.All)),
		CreatedAt:       formatTime(rec.CreatedAt),
		UpdatedAt:       formatTime(rec.UpdatedAt),
		ExpiresAt:       formatTime(rec.ExpiresAt),
		AbortedAt:       string(rec.AbortedAt),
		Finalized:       rec.Finalized(),
	}
	for _, name := range stage.All {
		sr, _ := rec.Stage(name)
		resp.Stages[string(name)] = StageView{
			Status:     string(sr.Status),
			Progress:   sr.Progress,
			Error:      sr.Error,
			JobID:      sr.JobID,
			StartedAt:  formatTimePtr(sr.StartedAt),
			FinishedAt: formatTimePtr(sr.FinishedAt),
		}
	}
	return resp
}

// SubmitResponseFromRecord builds the acknowledgement for a new submission.
func SubmitResponseFromRecord(rec *ledger.Record) SubmitResponse {
	resp := SubmitResponse{
		Status: string(ledger.StatusQueued),
		Steps:  make(map[string]StepSummary, len(stage.All)),
	}
	if rec != nil {
		resp.DocumentID = rec.DocumentID
	}
	for _, name := range stage.All {
		sr, _ := rec.Stage(name)
		resp.Steps[string(name)] = StepSummary{Status: string(sr.Status), Progress: sr.Progress}
	}
	return resp
}

// NewHealthResponse reports ok only when every dependency is ready.
func NewHealthResponse(deps []stage.Health) (HealthResponse, bool) {
	healthy := true
	for _, dep := range deps {
		if !dep.Ready {
			healthy = false
		}
	}
	resp := HealthResponse{Status: "ok", Dependencies: deps}
	if !healthy {
		resp.Status = "degraded"
	}
	if resp.Dependencies == nil {
		resp.Dependencies = []stage.Health{}
	}
	return resp, healthy
}

// FromWorkflowStats converts supervisor statistics.
func FromWorkflowStats(stats workflow.Stats) SupervisorView {
	return SupervisorView{
		Running:   stats.Running,
		Attached:  stats.Attached,
		Active:    stats.Active,
		Pending:   stats.Pending,
		Finalized: stats.Finalized,
		LastError: stats.LastError,
	}
}

// FromWorkerStats converts embedded worker statistics.
func FromWorkerStats(stats []worker.Stats) []WorkerStatus {
	out := make([]WorkerStatus, 0, len(stats))
	for _, s := range stats {
		out = append(out, WorkerStatus{
			Stage:     string(s.Stage),
			Queue:     s.Queue,
			Running:   s.Running,
			Processed: s.Processed,
			Failed:    s.Failed,
		})
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
