package notifications_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"docflow/internal/config"
	"docflow/internal/ledger"
	"docflow/internal/notifications"
	"docflow/internal/stage"
)

func TestNewServiceReturnsNoopWhenTopicMissing(t *testing.T) {
	cfg := config.Default()
	cfg.Notifications.NtfyTopic = ""
	svc := notifications.NewService(&cfg)
	if err := svc.NotifyPipelineFinalized(context.Background(), finalRecord(ledger.StatusFailed)); err != nil {
		t.Fatalf("expected noop notifier to return nil, got %v", err)
	}
	if err := svc.TestNotification(context.Background()); err != nil {
		t.Fatalf("expected noop test notification to return nil, got %v", err)
	}
}

func TestNtfyServiceFormatsPayloads(t *testing.T) {
	tests := []struct {
		name           string
		status         ledger.Status
		expectTitle    string
		expectMessage  string
		expectTags     string
		expectPriority string
	}{
		{
			name:          "completed",
			status:        ledger.StatusCompleted,
			expectTitle:   "docflow - Indexed",
			expectMessage: "Indexed report.pdf (doc-1)",
			expectTags:    "docflow,pipeline,completed",
		},
		{
			name:           "failed",
			status:         ledger.StatusFailed,
			expectTitle:    "docflow - Pipeline Failed",
			expectMessage:  "Pipeline failed: report.pdf (doc-1)\nAborted at: convert\nconvert: converter crashed",
			expectTags:     "docflow,pipeline,error",
			expectPriority: "high",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var captured struct {
				title    string
				tags     string
				priority string
				body     string
			}

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Errorf("unexpected method: %s", r.Method)
				}
				captured.title = r.Header.Get("Title")
				captured.tags = r.Header.Get("Tags")
				captured.priority = r.Header.Get("Priority")
				body, err := io.ReadAll(r.Body)
				if err != nil {
					t.Errorf("read body: %v", err)
				}
				captured.body = string(body)
				w.WriteHeader(http.StatusOK)
			}))
			defer server.Close()

			cfg := config.Default()
			cfg.Notifications.NtfyTopic = server.URL
			cfg.Notifications.RequestTimeout = 5

			svc := notifications.NewService(&cfg)
			if err := svc.NotifyPipelineFinalized(context.Background(), finalRecord(tc.status)); err != nil {
				t.Fatalf("notification returned error: %v", err)
			}

			if captured.title != tc.expectTitle {
				t.Fatalf("expected title %q, got %q", tc.expectTitle, captured.title)
			}
			if captured.body != tc.expectMessage {
				t.Fatalf("expected message %q, got %q", tc.expectMessage, captured.body)
			}
			if captured.tags != tc.expectTags {
				t.Fatalf("expected tags %q, got %q", tc.expectTags, captured.tags)
			}
			if captured.priority != tc.expectPriority {
				t.Fatalf("expected priority %q, got %q", tc.expectPriority, captured.priority)
			}
		})
	}
}

func TestNtfyServiceOnlyFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	cfg.Notifications.OnlyFailures = true

	svc := notifications.NewService(&cfg)
	if err := svc.NotifyPipelineFinalized(context.Background(), finalRecord(ledger.StatusCompleted)); err != nil {
		t.Fatalf("completed notification: %v", err)
	}
	if got := calls.Load(); got != 0 {
		t.Fatalf("expected completed pipeline to be suppressed, got %d calls", got)
	}
	if err := svc.NotifyPipelineFinalized(context.Background(), finalRecord(ledger.StatusFailed)); err != nil {
		t.Fatalf("failed notification: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected one call for failed pipeline, got %d", got)
	}
}

func TestNtfyServiceReportsServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "topic locked", http.StatusForbidden)
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL

	err := notifications.NewService(&cfg).TestNotification(context.Background())
	if err == nil {
		t.Fatal("expected error for 403 response")
	}
	if got := err.Error(); got != "ntfy returned 403: topic locked" {
		t.Fatalf("unexpected error: %q", got)
	}
}

func finalRecord(status ledger.Status) *ledger.Record {
	rec := &ledger.Record{
		DocumentID: "doc-1",
		Document:   ledger.Document{Filename: "report.pdf"},
		Status:     status,
		Stages:     map[stage.Name]ledger.StageRecord{},
	}
	if status == ledger.StatusFailed {
		rec.AbortedAt = stage.Convert
		rec.Stages[stage.Convert] = ledger.StageRecord{Status: ledger.StatusFailed, Error: "converter crashed"}
		return rec
	}
	for _, name := range stage.All {
		rec.Stages[name] = ledger.StageRecord{Status: ledger.StatusCompleted, Progress: 100}
	}
	return rec
}
