package api

import "docflow/internal/stage"

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// StepSummary is the compact per-stage view returned on submission.
type StepSummary struct {
	Status   string `json:"status"`
	Progress int    `json:"progress"`
}

// SubmitResponse acknowledges an accepted document.
type SubmitResponse struct {
	DocumentID string                 `json:"documentId"`
	Status     string                 `json:"status"`
	Steps      map[string]StepSummary `json:"steps"`
}

// StageView describes one stage of a pipeline.
type StageView struct {
	Status     string `json:"status"`
	Progress   int    `json:"progress"`
	Error      string `json:"error,omitempty"`
	JobID      string `json:"job_id,omitempty"`
	StartedAt  string `json:"started_at,omitempty"`
	FinishedAt string `json:"finished_at,omitempty"`
}

// StatusResponse is the projection of a pipeline record.
type StatusResponse struct {
	DocumentID      string               `json:"documentId"`
	Filename        string               `json:"filename"`
	OverallStatus   string               `json:"overall_status"`
	OverallProgress int                  `json:"overall_progress"`
	Stages          map[string]StageView `json:"stages"`
	CreatedAt       string               `json:"created_at"`
	UpdatedAt       string               `json:"updated_at"`
	ExpiresAt       string               `json:"expires_at,omitempty"`
	AbortedAt       string               `json:"aborted_at,omitempty"`
	Finalized       bool                 `json:"finalized"`
}

// HealthResponse reports dependency readiness.
type HealthResponse struct {
	Status       string         `json:"status"`
	Dependencies []stage.Health `json:"dependencies"`
}

// WorkerStatus summarizes an embedded stage worker.
type WorkerStatus struct {
	Stage     string `json:"stage"`
	Queue     string `json:"queue"`
	Running   int    `json:"running"`
	Processed int64  `json:"processed"`
	Failed    int64  `json:"failed"`
}

// DaemonStatus aggregates daemon runtime information for API consumers.
type DaemonStatus struct {
	PID          int            `json:"pid"`
	LockFilePath string         `json:"lockFilePath"`
	QueueBackend string         `json:"queueBackend"`
	Ledger       string         `json:"ledgerBackend"`
	Supervisors  SupervisorView `json:"supervisors"`
	Workers      []WorkerStatus `json:"workers,omitempty"`
}

// SupervisorView mirrors the workflow manager statistics.
type SupervisorView struct {
	Running   bool   `json:"running"`
	Attached  int    `json:"attached"`
	Active    int    `json:"active"`
	Pending   int    `json:"pending"`
	Finalized int64  `json:"finalized"`
	LastError string `json:"lastError,omitempty"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
