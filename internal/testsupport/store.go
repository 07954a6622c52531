package testsupport

import (
	"context"
	"testing"

	"docflow/internal/blob"
	"docflow/internal/config"
	"docflow/internal/ledger"
	"docflow/internal/queue"
)

// MustOpenQueue opens the configured job queue and registers cleanup.
func MustOpenQueue(t testing.TB, cfg *config.Config) queue.Queue {
	t.Helper()

	q, err := queue.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = q.Close()
	})
	return q
}

// MustOpenLedger opens the configured progress ledger and registers cleanup.
func MustOpenLedger(t testing.TB, cfg *config.Config) ledger.Store {
	t.Helper()

	store, err := ledger.Open(cfg, nil)
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

// MustOpenBlobs opens the configured blob store and registers cleanup.
func MustOpenBlobs(t testing.TB, cfg *config.Config) blob.Store {
	t.Helper()

	store, err := blob.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("blob.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}
