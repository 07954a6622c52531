package ledger

import (
	"time"

	"docflow/internal/stage"
)

// Status is the lifecycle state of a stage or of a whole pipeline.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// AllStatuses lists every status value.
var AllStatuses = []Status{StatusQueued, StatusInProgress, StatusCompleted, StatusFailed, StatusSkipped}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// Done reports whether dependents of a stage in this status may run.
func (s Status) Done() bool {
	return s == StatusCompleted || s == StatusSkipped
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusInProgress, StatusCompleted, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// Document describes a submitted file. It is immutable after submission.
type Document struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"size"`
	SourceKey   string    `json:"source_key"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// StageRecord tracks one stage of one document.
type StageRecord struct {
	Status     Status            `json:"status"`
	Progress   int               `json:"progress"`
	JobID      string            `json:"job_id,omitempty"`
	Error      string            `json:"error,omitempty"`
	QueuedAt   *time.Time        `json:"queued_at,omitempty"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Outputs    map[string]string `json:"outputs,omitempty"`
}

// Record aggregates the stage records of one document. Status and
// OverallProgress are derived and recomputed on every write.
type Record struct {
	DocumentID      string                     `json:"document_id"`
	Document        Document                   `json:"document"`
	Stages          map[stage.Name]StageRecord `json:"stages"`
	Status          Status                     `json:"status"`
	OverallProgress int                        `json:"overall_progress"`
	JobID           string                     `json:"job_id,omitempty"`
	AbortedAt       stage.Name                 `json:"aborted_at,omitempty"`
	CreatedAt       time.Time                  `json:"created_at"`
	UpdatedAt       time.Time                  `json:"updated_at"`
	FinalizedAt     *time.Time                 `json:"finalized_at,omitempty"`
	ExpiresAt       time.Time                  `json:"expires_at"`
	TTLSeconds      int64                      `json:"ttl_seconds"`
}

// Stage returns the stage record, projecting a missing entry as queued with
// zero progress. The second value reports whether the entry exists.
func (r *Record) Stage(name stage.Name) (StageRecord, bool) {
	if r == nil || r.Stages == nil {
		return StageRecord{Status: StatusQueued}, false
	}
	sr, ok := r.Stages[name]
	if !ok {
		return StageRecord{Status: StatusQueued}, false
	}
	return sr, true
}

// Finalized reports whether the orchestrator has closed the pipeline.
func (r *Record) Finalized() bool {
	return r != nil && r.FinalizedAt != nil
}

// Expired reports whether the record is past its retention window.
func (r *Record) Expired(now time.Time) bool {
	return r != nil && !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// TTL returns the retention window recorded at creation.
func (r *Record) TTL() time.Duration {
	return time.Duration(r.TTLSeconds) * time.Second
}

// Clone returns a deep copy safe to hand to callers.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Stages = make(map[stage.Name]StageRecord, len(r.Stages))
	for name, sr := range r.Stages {
		out.Stages[name] = sr.clone()
	}
	out.FinalizedAt = cloneTime(r.FinalizedAt)
	return &out
}

func (s StageRecord) clone() StageRecord {
	out := s
	out.QueuedAt = cloneTime(s.QueuedAt)
	out.StartedAt = cloneTime(s.StartedAt)
	out.FinishedAt = cloneTime(s.FinishedAt)
	if s.Outputs != nil {
		out.Outputs = make(map[string]string, len(s.Outputs))
		for k, v := range s.Outputs {
			out.Outputs[k] = v
		}
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Update is a partial stage mutation. Zero fields are left unchanged.
type Update struct {
	Status   Status
	Progress int
	Error    string
	JobID    string
	Outputs  map[string]string
}

// Change is published to subscribers after a record is written.
type Change struct {
	DocumentID string     `json:"document_id"`
	Stage      stage.Name `json:"stage,omitempty"`
	Status     Status     `json:"status,omitempty"`
	Finalized  bool       `json:"finalized,omitempty"`
}
