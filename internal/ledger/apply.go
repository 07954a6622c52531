package ledger

import (
	"fmt"
	"reflect"
	"time"

	"docflow/internal/stage"
)

// NewRecord builds the initial record for a submitted document.
func NewRecord(doc Document, now time.Time, ttl time.Duration) *Record {
	rec := &Record{
		DocumentID: doc.ID,
		Document:   doc,
		Stages:     map[stage.Name]StageRecord{},
		CreatedAt:  now,
		UpdatedAt:  now,
		TTLSeconds: int64(ttl / time.Second),
	}
	if ttl > 0 {
		rec.ExpiresAt = now.Add(ttl)
	}
	derive(rec)
	return rec
}

// DeriveStatus computes the overall status from the stage statuses, in
// stage order. Missing stages should be passed as queued.
func DeriveStatus(statuses ...Status) Status {
	allDone := true
	anyActive := false
	for _, s := range statuses {
		switch s {
		case StatusFailed:
			return StatusFailed
		case StatusCompleted, StatusSkipped:
			anyActive = true
		case StatusInProgress:
			anyActive = true
			allDone = false
		default:
			allDone = false
		}
	}
	switch {
	case allDone && len(statuses) > 0:
		return StatusCompleted
	case anyActive:
		return StatusInProgress
	default:
		return StatusQueued
	}
}

// DeriveProgress returns floor(mean) over the pipeline's stages.
func DeriveProgress(progress ...int) int {
	if len(progress) == 0 {
		return 0
	}
	sum := 0
	for _, p := range progress {
		sum += clampProgress(p)
	}
	return sum / len(progress)
}

func derive(rec *Record) {
	statuses := make([]Status, 0, len(stage.All))
	progress := make([]int, 0, len(stage.All))
	for _, name := range stage.All {
		sr, _ := rec.Stage(name)
		statuses = append(statuses, sr.Status)
		progress = append(progress, sr.Progress)
	}
	rec.Status = DeriveStatus(statuses...)
	rec.OverallProgress = DeriveProgress(progress...)
}

func rank(s Status) int {
	switch s {
	case StatusInProgress:
		return 1
	case StatusCompleted, StatusFailed, StatusSkipped:
		return 2
	default:
		return 0
	}
}

func clampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

// Apply merges an update into the record and recomputes derived fields. It
// reports whether anything changed; unchanged records keep their UpdatedAt.
//
// Status only moves forward. An update carrying a lower status than the
// stored one is absorbed (its other fields still merge). Terminal stages are
// frozen: repeating the terminal status is a no-op, a different status
// returns ErrStageFinalized.
func Apply(rec *Record, name stage.Name, u Update, now time.Time) (bool, error) {
	if rec == nil {
		return false, ErrNotFound
	}
	if !name.Valid() {
		return false, fmt.Errorf("%w: %q", ErrUnknownStage, name)
	}
	if u.Status != "" && !u.Status.Valid() {
		return false, fmt.Errorf("%w: %q", ErrInvalidStatus, u.Status)
	}

	current, exists := rec.Stage(name)
	if current.Status.Terminal() {
		if u.Status != "" && u.Status != current.Status {
			return false, fmt.Errorf("%w: %s is %s", ErrStageFinalized, name, current.Status)
		}
		return false, nil
	}

	next := current.clone()
	if !exists {
		queuedAt := now
		next.QueuedAt = &queuedAt
	}
	if u.Status != "" && rank(u.Status) > rank(next.Status) {
		next.Status = u.Status
	}
	if p := clampProgress(u.Progress); p > next.Progress {
		next.Progress = p
	}
	if next.Status.Done() {
		next.Progress = 100
	}
	if u.JobID != "" && next.JobID == "" {
		next.JobID = u.JobID
	}
	if next.Status == StatusInProgress && next.StartedAt == nil {
		startedAt := now
		next.StartedAt = &startedAt
	}
	terminalTransition := next.Status.Terminal()
	if terminalTransition {
		finishedAt := now
		next.FinishedAt = &finishedAt
		if next.Status == StatusFailed {
			next.Error = u.Error
			if next.Error == "" {
				next.Error = "stage failed"
			}
		}
	}
	if len(u.Outputs) > 0 {
		if next.Outputs == nil {
			next.Outputs = make(map[string]string, len(u.Outputs))
		}
		for k, v := range u.Outputs {
			next.Outputs[k] = v
		}
	}

	if exists && reflect.DeepEqual(current, next) {
		return false, nil
	}

	if rec.Stages == nil {
		rec.Stages = map[stage.Name]StageRecord{}
	}
	rec.Stages[name] = next
	if name == stage.Convert && rec.JobID == "" {
		rec.JobID = next.JobID
	}
	rec.UpdatedAt = now
	if terminalTransition && rec.TTLSeconds > 0 {
		rec.ExpiresAt = now.Add(rec.TTL())
	}
	derive(rec)
	return true, nil
}

// Finalize marks the pipeline closed, records the aborting stage, and
// refreshes the retention window. Finalizing twice is a no-op.
func Finalize(rec *Record, abortedAt stage.Name, now time.Time, ttl time.Duration) bool {
	if rec == nil {
		return false
	}
	changed := false
	if rec.FinalizedAt == nil {
		finalizedAt := now
		rec.FinalizedAt = &finalizedAt
		changed = true
	}
	if abortedAt != "" && rec.AbortedAt == "" {
		rec.AbortedAt = abortedAt
		changed = true
	}
	if !changed {
		return false
	}
	if ttl <= 0 {
		ttl = rec.TTL()
	}
	if ttl > 0 {
		rec.ExpiresAt = now.Add(ttl)
	}
	rec.UpdatedAt = now
	derive(rec)
	return true
}
