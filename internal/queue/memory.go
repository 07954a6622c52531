package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryQueue is an in-process queue for tests and single-process runs.
type MemoryQueue struct {
	mu   sync.Mutex
	jobs map[string]*Job
	seq  map[string]int64
	next int64
	now  func() time.Time
}

// NewMemoryQueue constructs an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		jobs: make(map[string]*Job),
		seq:  make(map[string]int64),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source. Intended for tests.
func (q *MemoryQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

func (q *MemoryQueue) Enqueue(_ context.Context, queue, name string, payload Payload, opts Options) (string, error) {
	opts = normalizeOptions(opts)
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.jobs[opts.JobID]; ok {
		return opts.JobID, nil
	}
	now := q.now()
	q.jobs[opts.JobID] = &Job{
		ID:          opts.JobID,
		Queue:       queue,
		Name:        name,
		Payload:     copyPayload(payload),
		State:       StateWaiting,
		MaxAttempts: opts.MaxAttempts,
		Backoff:     opts.Backoff,
		NotBefore:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	q.next++
	q.seq[opts.JobID] = q.next
	return opts.JobID, nil
}

func (q *MemoryQueue) Lease(_ context.Context, queue, owner string, ttl time.Duration) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()

	var candidates []*Job
	for _, job := range q.jobs {
		if job.Queue != queue {
			continue
		}
		switch job.State {
		case StateWaiting, StateDelayed:
			if !job.NotBefore.After(now) {
				candidates = append(candidates, job)
			}
		case StateActive:
			if job.LeaseExpiresAt.After(now) {
				continue
			}
			if job.Attempts >= job.MaxAttempts {
				finished := now
				job.State = StateFailed
				job.Error = reclaimExhaustedCause
				job.LeaseOwner = ""
				job.FinishedAt = &finished
				job.UpdatedAt = now
				continue
			}
			candidates = append(candidates, job)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].NotBefore.Equal(candidates[j].NotBefore) {
			return candidates[i].NotBefore.Before(candidates[j].NotBefore)
		}
		return q.seq[candidates[i].ID] < q.seq[candidates[j].ID]
	})
	job := candidates[0]
	job.State = StateActive
	job.Attempts++
	job.LeaseOwner = owner
	job.LeaseExpiresAt = now.Add(ttl)
	job.UpdatedAt = now
	return cloneJob(job), nil
}

// owned returns the job if owner holds its lease.
func (q *MemoryQueue) owned(jobID, owner string) (*Job, error) {
	job, ok := q.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	if job.State != StateActive || job.LeaseOwner != owner {
		return nil, ErrLeaseLost
	}
	return job, nil
}

func (q *MemoryQueue) Extend(_ context.Context, jobID, owner string, ttl time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, err := q.owned(jobID, owner)
	if err != nil {
		return err
	}
	now := q.now()
	job.LeaseExpiresAt = now.Add(ttl)
	job.UpdatedAt = now
	return nil
}

func (q *MemoryQueue) Progress(_ context.Context, jobID, owner string, percent int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, err := q.owned(jobID, owner)
	if err != nil {
		return err
	}
	if p := clampPercent(percent); p > job.Progress {
		job.Progress = p
		job.UpdatedAt = q.now()
	}
	return nil
}

func (q *MemoryQueue) Ack(_ context.Context, jobID, owner string, result Payload) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, err := q.owned(jobID, owner)
	if err != nil {
		return err
	}
	now := q.now()
	job.State = StateCompleted
	job.Progress = 100
	job.Result = copyPayload(result)
	job.LeaseOwner = ""
	job.FinishedAt = &now
	job.UpdatedAt = now
	return nil
}

func (q *MemoryQueue) Nack(_ context.Context, jobID, owner, cause string, retryable bool) (State, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, err := q.owned(jobID, owner)
	if err != nil {
		return "", err
	}
	now := q.now()
	job.Error = cause
	job.LeaseOwner = ""
	job.UpdatedAt = now
	if retryable && job.Attempts < job.MaxAttempts {
		job.State = StateDelayed
		job.NotBefore = now.Add(RetryDelay(job.Backoff.Delay, job.Attempts))
		return job.State, nil
	}
	job.State = StateFailed
	job.FinishedAt = &now
	return job.State, nil
}

func (q *MemoryQueue) Status(_ context.Context, queue, jobID string) (Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok || job.Queue != queue {
		return Status{}, ErrJobNotFound
	}
	return cloneJob(job).Status(), nil
}

func (q *MemoryQueue) Retry(_ context.Context, queue, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok || job.Queue != queue {
		return false, ErrJobNotFound
	}
	if job.State != StateFailed {
		return false, nil
	}
	now := q.now()
	job.State = StateWaiting
	job.Attempts = 0
	job.Error = ""
	job.Progress = 0
	job.FinishedAt = nil
	job.NotBefore = now
	job.UpdatedAt = now
	return true, nil
}

func (q *MemoryQueue) Ping(context.Context) error { return nil }

func (q *MemoryQueue) Close() error { return nil }

func cloneJob(job *Job) *Job {
	out := *job
	out.Payload = copyPayload(job.Payload)
	out.Result = copyPayload(job.Result)
	if job.FinishedAt != nil {
		finished := *job.FinishedAt
		out.FinishedAt = &finished
	}
	return &out
}

var _ Queue = (*MemoryQueue)(nil)
