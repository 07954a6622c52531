package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"docflow/internal/logging"
	"docflow/internal/stage"
)

func testDocument(id string) Document {
	return Document{
		ID:          id,
		Filename:    "report.txt",
		ContentType: "text/plain",
		Size:        42,
		SourceKey:   "documents/" + id + "/report.txt",
		SubmittedAt: time.Now().UTC(),
	}
}

// exerciseStore runs the behaviour every backend must share.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := store.Read(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing record, got %v", err)
	}
	if _, err := store.UpdateStage(ctx, "missing", stage.Convert, Update{Status: StatusInProgress}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound updating missing record, got %v", err)
	}

	rec, err := store.Create(ctx, testDocument("doc-a"), time.Hour)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Status != StatusQueued || rec.Document.Filename != "report.txt" {
		t.Fatalf("unexpected created record %+v", rec)
	}
	again, err := store.Create(ctx, testDocument("doc-a"), time.Hour)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if !again.CreatedAt.Equal(rec.CreatedAt) {
		t.Fatal("create must be idempotent on document id")
	}

	if _, err := store.UpdateStage(ctx, "doc-a", stage.Convert, Update{Status: StatusQueued, JobID: "doc-a:convert"}); err != nil {
		t.Fatalf("queue convert: %v", err)
	}
	if _, err := store.UpdateStage(ctx, "doc-a", stage.Convert, Update{Status: StatusInProgress, Progress: 10}); err != nil {
		t.Fatalf("start convert: %v", err)
	}
	rec, err = store.UpdateStage(ctx, "doc-a", stage.Convert, Update{Status: StatusCompleted, Outputs: map[string]string{stage.KeyTextKey: "text/doc-a.txt"}})
	if err != nil {
		t.Fatalf("complete convert: %v", err)
	}
	if rec.OverallProgress != 25 || rec.Status != StatusInProgress {
		t.Fatalf("unexpected derived state %s %d", rec.Status, rec.OverallProgress)
	}

	read, err := store.Read(ctx, "doc-a")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	sr, ok := read.Stage(stage.Convert)
	if !ok || sr.Status != StatusCompleted || sr.Outputs[stage.KeyTextKey] != "text/doc-a.txt" || sr.JobID != "doc-a:convert" {
		t.Fatalf("unexpected convert stage after read: %+v", sr)
	}
	if read.JobID != "doc-a:convert" {
		t.Fatalf("expected record job id, got %q", read.JobID)
	}
	if _, ok := read.Stage(stage.IndexA); ok {
		t.Fatal("index_a must not exist yet")
	}

	if _, err := store.UpdateStage(ctx, "doc-a", stage.Convert, Update{Status: StatusFailed}); !errors.Is(err, ErrStageFinalized) {
		t.Fatalf("expected ErrStageFinalized, got %v", err)
	}

	active, err := store.ListActive(ctx)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 || active[0] != "doc-a" {
		t.Fatalf("unexpected active list %v", active)
	}

	fin, err := store.Finalize(ctx, "doc-a", stage.ExtractMetadata, 2*time.Hour)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if fin.FinalizedAt == nil || fin.AbortedAt != stage.ExtractMetadata {
		t.Fatalf("unexpected finalized record %+v", fin)
	}
	active, err = store.ListActive(ctx)
	if err != nil {
		t.Fatalf("list active after finalize: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("finalized record must not be active: %v", active)
	}

	if err := store.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func exerciseNotifier(t *testing.T, store Store) {
	t.Helper()
	notifier, ok := store.(Notifier)
	if !ok {
		t.Fatal("store does not implement Notifier")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := store.Create(ctx, testDocument("doc-n"), time.Hour); err != nil {
		t.Fatalf("create: %v", err)
	}
	changes, unsubscribe := notifier.Subscribe(ctx, "doc-n")
	defer unsubscribe()

	// Redis subscriptions are established asynchronously; retry the write
	// until a notification arrives.
	progress := 0
	for {
		progress += 5
		if _, err := store.UpdateStage(ctx, "doc-n", stage.Convert, Update{Status: StatusInProgress, Progress: progress}); err != nil {
			t.Fatalf("update: %v", err)
		}
		select {
		case change := <-changes:
			if change.DocumentID != "doc-n" || change.Stage != stage.Convert || change.Status != StatusInProgress {
				t.Fatalf("unexpected change %+v", change)
			}
			return
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			t.Fatal("timed out waiting for change notification")
		}
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreNotifies(t *testing.T) {
	exerciseNotifier(t, NewMemoryStore())
}

func TestMemoryStoreExpiryAndReap(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })
	ctx := context.Background()

	if _, err := store.Create(ctx, testDocument("doc-x"), time.Hour); err != nil {
		t.Fatalf("create: %v", err)
	}
	now = now.Add(2 * time.Hour)
	if _, err := store.Read(ctx, "doc-x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired record should read as not found, got %v", err)
	}
	removed, err := store.Reap(ctx, now)
	if err != nil || removed != 1 {
		t.Fatalf("reap returned %d, %v", removed, err)
	}
}

func TestBadgerStore(t *testing.T) {
	store, err := OpenBadgerStore("", logging.NewNop())
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	exerciseStore(t, store)
	exerciseNotifier(t, store)
}

func TestBadgerStorePersistsAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ledger")
	store, err := OpenBadgerStore(dir, logging.NewNop())
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	ctx := context.Background()
	if _, err := store.Create(ctx, testDocument("doc-p"), time.Hour); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.UpdateStage(ctx, "doc-p", stage.Convert, Update{Status: StatusInProgress, Progress: 60}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenBadgerStore(dir, logging.NewNop())
	if err != nil {
		t.Fatalf("reopen badger: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })
	rec, err := reopened.Read(ctx, "doc-p")
	if err != nil {
		t.Fatalf("read after reopen: %v", err)
	}
	if sr, _ := rec.Stage(stage.Convert); sr.Progress != 60 {
		t.Fatalf("expected progress 60 after reopen, got %d", sr.Progress)
	}
	if ids, _ := reopened.ListActive(ctx); len(ids) != 1 {
		t.Fatalf("expected one active record after reopen, got %v", ids)
	}
}

func TestSQLiteStore(t *testing.T) {
	store, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	exerciseStore(t, store)
	exerciseNotifier(t, store)

	ctx := context.Background()
	if _, err := store.Create(ctx, testDocument("doc-old"), time.Millisecond); err != nil {
		t.Fatalf("create: %v", err)
	}
	removed, err := store.Reap(ctx, time.Now().UTC().Add(time.Second))
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected one reaped record, got %d", removed)
	}
}

func TestReaperLogsAndRemoves(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if _, err := store.Create(ctx, testDocument("doc-r"), time.Millisecond); err != nil {
		t.Fatalf("create: %v", err)
	}
	reaper := NewReaper(store, time.Minute, logging.NewNop())
	reaper.now = func() time.Time { return time.Now().UTC().Add(time.Second) }
	if removed := reaper.ReapOnce(ctx); removed != 1 {
		t.Fatalf("expected one removal, got %d", removed)
	}
}

func TestHubDropsWhenSubscriberIsSlow(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	ch, unsubscribe := hub.Subscribe(ctx, "doc")
	defer unsubscribe()
	for i := 0; i < 100; i++ {
		hub.Publish(Change{DocumentID: "doc"})
	}
	if len(ch) != cap(ch) {
		t.Fatalf("expected buffered channel to be full, got %d", len(ch))
	}
	cancel()
	deadline := time.Now().Add(time.Second)
	for hub.Subscribers("doc") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription not removed after context cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
