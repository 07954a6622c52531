package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"docflow/internal/blob"
	"docflow/internal/logging"
)

type undeletableBlobs struct {
	blob.Store
}

func (undeletableBlobs) Delete(context.Context, string) error {
	return errors.New("permission denied")
}

func TestDiscardUploadLogsCleanupFailure(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Format: "json", Level: "info", Writer: &buf})
	if err != nil {
		t.Fatalf("logging.New: %v", err)
	}
	s := &apiServer{logger: logger, daemon: &Daemon{blobs: undeletableBlobs{}}}

	s.discardUpload(context.Background(), "uploads/doc-1/report.txt")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode json log: %v (%q)", err, buf.String())
	}
	if entry[logging.FieldEventType] != "upload_cleanup_failed" {
		t.Fatalf("expected upload_cleanup_failed event, got %v", entry)
	}
	if entry["level"] != "warn" {
		t.Fatalf("expected warn level, got %v", entry["level"])
	}
	if entry["blob_key"] != "uploads/doc-1/report.txt" {
		t.Fatalf("expected blob key in entry, got %v", entry)
	}
	if entry["error"] != "permission denied" {
		t.Fatalf("expected delete error in entry, got %v", entry["error"])
	}
}
