package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"docflow/internal/services"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type clocked interface {
	Queue
	SetClock(func() time.Time)
}

// exerciseQueue runs the lease protocol every backend must share.
func exerciseQueue(t *testing.T, q clocked) {
	t.Helper()
	ctx := context.Background()
	clock := newFakeClock()
	q.SetClock(clock.Now)
	opts := func(id string, attempts int) Options {
		return Options{JobID: id, MaxAttempts: attempts, Backoff: Backoff{Delay: time.Second}}
	}

	t.Run("fifo and idempotent enqueue", func(t *testing.T) {
		if _, err := q.Enqueue(ctx, "fifo", "convert", Payload{"document_id": "a"}, opts("fifo-a", 3)); err != nil {
			t.Fatalf("enqueue a: %v", err)
		}
		clock.Advance(time.Millisecond)
		if _, err := q.Enqueue(ctx, "fifo", "convert", Payload{"document_id": "b"}, opts("fifo-b", 3)); err != nil {
			t.Fatalf("enqueue b: %v", err)
		}
		id, err := q.Enqueue(ctx, "fifo", "convert", Payload{"document_id": "changed"}, opts("fifo-a", 3))
		if err != nil || id != "fifo-a" {
			t.Fatalf("re-enqueue returned %q, %v", id, err)
		}

		first, err := q.Lease(ctx, "fifo", "w1", time.Minute)
		if err != nil || first == nil {
			t.Fatalf("lease first: %v %v", first, err)
		}
		if first.ID != "fifo-a" || first.Payload["document_id"] != "a" || first.Attempts != 1 || first.State != StateActive {
			t.Fatalf("unexpected first job %+v", first)
		}
		second, err := q.Lease(ctx, "fifo", "w2", time.Minute)
		if err != nil || second == nil || second.ID != "fifo-b" {
			t.Fatalf("lease second: %+v %v", second, err)
		}
		none, err := q.Lease(ctx, "fifo", "w3", time.Minute)
		if err != nil || none != nil {
			t.Fatalf("expected empty queue, got %+v %v", none, err)
		}
	})

	t.Run("progress and ack", func(t *testing.T) {
		if _, err := q.Enqueue(ctx, "ack", "convert", nil, opts("ack-1", 3)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		job, err := q.Lease(ctx, "ack", "w1", time.Minute)
		if err != nil || job == nil {
			t.Fatalf("lease: %v %v", job, err)
		}
		if err := q.Progress(ctx, job.ID, "w1", 40); err != nil {
			t.Fatalf("progress: %v", err)
		}
		if err := q.Progress(ctx, job.ID, "w1", 20); err != nil {
			t.Fatalf("progress regress: %v", err)
		}
		if err := q.Progress(ctx, job.ID, "intruder", 90); !errors.Is(err, ErrLeaseLost) {
			t.Fatalf("expected ErrLeaseLost for foreign owner, got %v", err)
		}
		if err := q.Progress(ctx, "missing", "w1", 10); !errors.Is(err, ErrJobNotFound) {
			t.Fatalf("expected ErrJobNotFound, got %v", err)
		}
		status, err := q.Status(ctx, "ack", job.ID)
		if err != nil || status.Progress != 40 || status.State != StateActive {
			t.Fatalf("unexpected status %+v %v", status, err)
		}

		if err := q.Ack(ctx, job.ID, "w1", Payload{"text_key": "text/ack-1.txt"}); err != nil {
			t.Fatalf("ack: %v", err)
		}
		status, err = q.Status(ctx, "ack", job.ID)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if status.State != StateCompleted || status.Progress != 100 || status.Result["text_key"] != "text/ack-1.txt" || status.FinishedAt == nil {
			t.Fatalf("unexpected completed status %+v", status)
		}
		if err := q.Ack(ctx, job.ID, "w1", nil); !errors.Is(err, ErrLeaseLost) {
			t.Fatalf("expected ErrLeaseLost acking twice, got %v", err)
		}
		if _, err := q.Status(ctx, "other", job.ID); !errors.Is(err, ErrJobNotFound) {
			t.Fatalf("expected ErrJobNotFound for wrong queue, got %v", err)
		}
	})

	t.Run("nack backoff then fail and retry", func(t *testing.T) {
		if _, err := q.Enqueue(ctx, "nack", "extract_metadata", nil, opts("nack-1", 3)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		job, err := q.Lease(ctx, "nack", "w1", time.Minute)
		if err != nil || job == nil {
			t.Fatalf("lease: %v %v", job, err)
		}
		state, err := q.Nack(ctx, job.ID, "w1", "temporary glitch", true)
		if err != nil || state != StateDelayed {
			t.Fatalf("expected delayed, got %q %v", state, err)
		}
		if again, err := q.Lease(ctx, "nack", "w1", time.Minute); err != nil || again != nil {
			t.Fatalf("delayed job must not be leased before backoff: %+v %v", again, err)
		}
		clock.Advance(time.Second)
		job, err = q.Lease(ctx, "nack", "w2", time.Minute)
		if err != nil || job == nil || job.Attempts != 2 {
			t.Fatalf("expected second attempt, got %+v %v", job, err)
		}
		if _, err := q.Nack(ctx, job.ID, "w1", "stale", true); !errors.Is(err, ErrLeaseLost) {
			t.Fatalf("expected ErrLeaseLost from previous owner, got %v", err)
		}
		state, err = q.Nack(ctx, job.ID, "w2", "corrupt input", false)
		if err != nil || state != StateFailed {
			t.Fatalf("expected failed, got %q %v", state, err)
		}
		status, err := q.Status(ctx, "nack", job.ID)
		if err != nil || status.State != StateFailed || status.Error != "corrupt input" {
			t.Fatalf("unexpected failed status %+v %v", status, err)
		}

		ok, err := q.Retry(ctx, "nack", job.ID)
		if err != nil || !ok {
			t.Fatalf("retry failed job: %v %v", ok, err)
		}
		status, err = q.Status(ctx, "nack", job.ID)
		if err != nil || status.State != StateWaiting || status.Attempts != 0 || status.Error != "" {
			t.Fatalf("unexpected retried status %+v %v", status, err)
		}
		if ok, err := q.Retry(ctx, "nack", job.ID); err != nil || ok {
			t.Fatalf("retry of waiting job must report false, got %v %v", ok, err)
		}
		if _, err := q.Retry(ctx, "nack", "missing"); !errors.Is(err, ErrJobNotFound) {
			t.Fatalf("expected ErrJobNotFound, got %v", err)
		}
	})

	t.Run("retryable nack on final attempt fails", func(t *testing.T) {
		if _, err := q.Enqueue(ctx, "final", "index_a", nil, opts("final-1", 1)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		job, err := q.Lease(ctx, "final", "w1", time.Minute)
		if err != nil || job == nil {
			t.Fatalf("lease: %v %v", job, err)
		}
		state, err := q.Nack(ctx, job.ID, "w1", "still broken", true)
		if err != nil || state != StateFailed {
			t.Fatalf("expected failed after last attempt, got %q %v", state, err)
		}
	})

	t.Run("expired lease is reclaimed then exhausted", func(t *testing.T) {
		if _, err := q.Enqueue(ctx, "reclaim", "index_b", nil, opts("reclaim-1", 2)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		job, err := q.Lease(ctx, "reclaim", "w1", 10*time.Second)
		if err != nil || job == nil {
			t.Fatalf("lease: %v %v", job, err)
		}
		clock.Advance(11 * time.Second)
		job, err = q.Lease(ctx, "reclaim", "w2", 10*time.Second)
		if err != nil || job == nil || job.ID != "reclaim-1" || job.Attempts != 2 {
			t.Fatalf("expected reclaimed job on attempt 2, got %+v %v", job, err)
		}
		if err := q.Ack(ctx, job.ID, "w1", nil); !errors.Is(err, ErrLeaseLost) {
			t.Fatalf("expected ErrLeaseLost for expired owner, got %v", err)
		}
		clock.Advance(11 * time.Second)
		if again, err := q.Lease(ctx, "reclaim", "w3", 10*time.Second); err != nil || again != nil {
			t.Fatalf("exhausted job must not be leased, got %+v %v", again, err)
		}
		status, err := q.Status(ctx, "reclaim", "reclaim-1")
		if err != nil || status.State != StateFailed || status.Error != reclaimExhaustedCause {
			t.Fatalf("unexpected exhausted status %+v %v", status, err)
		}
	})

	t.Run("extend keeps the lease", func(t *testing.T) {
		if _, err := q.Enqueue(ctx, "extend", "convert", nil, opts("extend-1", 3)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		job, err := q.Lease(ctx, "extend", "w1", 10*time.Second)
		if err != nil || job == nil {
			t.Fatalf("lease: %v %v", job, err)
		}
		clock.Advance(8 * time.Second)
		if err := q.Extend(ctx, job.ID, "w1", 10*time.Second); err != nil {
			t.Fatalf("extend: %v", err)
		}
		clock.Advance(8 * time.Second)
		if stolen, err := q.Lease(ctx, "extend", "w2", 10*time.Second); err != nil || stolen != nil {
			t.Fatalf("extended lease must hold, got %+v %v", stolen, err)
		}
		if err := q.Extend(ctx, job.ID, "w2", time.Second); !errors.Is(err, ErrLeaseLost) {
			t.Fatalf("expected ErrLeaseLost extending foreign lease, got %v", err)
		}
		if err := q.Ack(ctx, job.ID, "w1", nil); err != nil {
			t.Fatalf("ack after extend: %v", err)
		}
	})

	if err := q.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestMemoryQueue(t *testing.T) {
	exerciseQueue(t, NewMemoryQueue())
}

func TestSQLiteQueue(t *testing.T) {
	q, err := OpenSQLite(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("open sqlite queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	exerciseQueue(t, q)
}

func TestSQLiteQueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, "docflow.convert", "convert", Payload{"document_id": "doc-1"}, Options{JobID: "doc-1:convert"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	q, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	job, err := q.Lease(ctx, "docflow.convert", "w1", time.Minute)
	if err != nil || job == nil {
		t.Fatalf("lease after reopen: %v %v", job, err)
	}
	if job.ID != "doc-1:convert" || job.MaxAttempts != DefaultMaxAttempts || job.Backoff.Delay != DefaultBackoffDelay {
		t.Fatalf("unexpected job after reopen %+v", job)
	}
}

func TestRetryDelayDoubles(t *testing.T) {
	base := 2 * time.Second
	cases := map[int]time.Duration{0: 2 * time.Second, 1: 2 * time.Second, 2: 4 * time.Second, 3: 8 * time.Second, 5: 32 * time.Second}
	for attempts, want := range cases {
		if got := RetryDelay(base, attempts); got != want {
			t.Fatalf("RetryDelay(%v, %d) = %v, want %v", base, attempts, got, want)
		}
	}
}

func TestNormalizeOptionsDefaults(t *testing.T) {
	opts := normalizeOptions(Options{})
	if opts.JobID == "" || opts.MaxAttempts != DefaultMaxAttempts || opts.Backoff.Delay != DefaultBackoffDelay || opts.Backoff.Type != backoffExponential {
		t.Fatalf("unexpected defaults %+v", opts)
	}
	kept := normalizeOptions(Options{JobID: "x", MaxAttempts: 5, Backoff: Backoff{Delay: time.Second}})
	if kept.JobID != "x" || kept.MaxAttempts != 5 || kept.Backoff.Delay != time.Second {
		t.Fatalf("explicit options overwritten: %+v", kept)
	}
}

func TestUnavailableWrapsBackendErrors(t *testing.T) {
	err := unavailable("lease", errors.New("connection refused"))
	if !errors.Is(err, services.ErrQueueUnavailable) {
		t.Fatalf("expected ErrQueueUnavailable, got %v", err)
	}
	if err := unavailable("ack", ErrLeaseLost); !errors.Is(err, ErrLeaseLost) || errors.Is(err, services.ErrQueueUnavailable) {
		t.Fatalf("lease loss must pass through unchanged, got %v", err)
	}
	if unavailable("ping", nil) != nil {
		t.Fatal("nil error must stay nil")
	}
}

func TestPostgresRebind(t *testing.T) {
	got := postgresDialect.rebind("UPDATE t SET a = ? WHERE id = ? AND b = ?")
	if got != "UPDATE t SET a = $1 WHERE id = $2 AND b = $3" {
		t.Fatalf("unexpected rebind %q", got)
	}
	if sqliteDialect.rebind("a = ?") != "a = ?" {
		t.Fatal("sqlite placeholders must be left alone")
	}
}
