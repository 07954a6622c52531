package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"docflow/internal/services"
)

// State is the lifecycle state of a queued job.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether the job will not run again without a manual retry.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Payload is the flat string map carried by a job.
type Payload map[string]string

// Backoff configures retry delays. Only exponential backoff is supported:
// attempt n waits Delay * 2^(n-1).
type Backoff struct {
	Type  string
	Delay time.Duration
}

// Options tunes a single enqueue call.
type Options struct {
	// JobID makes the enqueue idempotent: an existing job with the same id
	// is returned instead of creating a new one.
	JobID       string
	MaxAttempts int
	Backoff     Backoff
}

const (
	DefaultMaxAttempts  = 3
	DefaultBackoffDelay = 2 * time.Second
	backoffExponential  = "exponential"

	reclaimExhaustedCause = "lease expired after final attempt"
)

// Job is a unit of work held by the queue.
type Job struct {
	ID             string
	Queue          string
	Name           string
	Payload        Payload
	State          State
	Attempts       int
	MaxAttempts    int
	Backoff        Backoff
	Progress       int
	Error          string
	Result         Payload
	LeaseOwner     string
	LeaseExpiresAt time.Time
	NotBefore      time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	FinishedAt     *time.Time
}

// Status is the externally visible view of a job.
type Status struct {
	ID          string     `json:"id"`
	Queue       string     `json:"queue"`
	Name        string     `json:"name"`
	State       State      `json:"state"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	Progress    int        `json:"progress"`
	Error       string     `json:"error,omitempty"`
	Result      Payload    `json:"result,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Status projects the job into its externally visible view.
func (j *Job) Status() Status {
	return Status{
		ID:          j.ID,
		Queue:       j.Queue,
		Name:        j.Name,
		State:       j.State,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		Progress:    j.Progress,
		Error:       j.Error,
		Result:      j.Result,
		UpdatedAt:   j.UpdatedAt,
		FinishedAt:  j.FinishedAt,
	}
}

// Queue is the contract shared by every backend. Lease returns nil, nil
// when no job is ready.
type Queue interface {
	Enqueue(ctx context.Context, queue, name string, payload Payload, opts Options) (string, error)
	Lease(ctx context.Context, queue, owner string, ttl time.Duration) (*Job, error)
	Extend(ctx context.Context, jobID, owner string, ttl time.Duration) error
	Progress(ctx context.Context, jobID, owner string, percent int) error
	Ack(ctx context.Context, jobID, owner string, result Payload) error
	// Nack records a failed attempt and returns the state the job moved to:
	// delayed when another attempt is scheduled, failed otherwise.
	Nack(ctx context.Context, jobID, owner, cause string, retryable bool) (State, error)
	Status(ctx context.Context, queue, jobID string) (Status, error)
	// Retry resets a failed job to waiting with its attempt counter cleared.
	// It reports false when the job is not failed.
	Retry(ctx context.Context, queue, jobID string) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

var (
	// ErrJobNotFound is returned when a job id is unknown to the queue.
	ErrJobNotFound = errors.New("job not found")
	// ErrLeaseLost is returned when the caller no longer owns the job lease.
	ErrLeaseLost = errors.New("job lease lost")
)

// normalizeOptions fills defaults and assigns a job id.
func normalizeOptions(opts Options) Options {
	if opts.JobID == "" {
		opts.JobID = uuid.NewString()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Backoff.Delay <= 0 {
		opts.Backoff.Delay = DefaultBackoffDelay
	}
	opts.Backoff.Type = backoffExponential
	return opts
}

// RetryDelay returns the exponential delay before the next attempt after
// attempts attempts have been made.
func RetryDelay(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 30 {
		attempts = 30
	}
	return base * time.Duration(1<<(attempts-1))
}

func clampPercent(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

// unavailable tags backend failures so callers can map them to 503.
func unavailable(operation string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrJobNotFound) || errors.Is(err, ErrLeaseLost) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return services.Wrap(services.ErrQueueUnavailable, "queue", operation, "", err)
}

func copyPayload(p Payload) Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
