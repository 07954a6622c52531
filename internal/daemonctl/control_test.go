package daemonctl

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"docflow/internal/api"
	"docflow/internal/services"
)

func newServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(strings.TrimPrefix(srv.URL, "http://"), srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func TestSubmitStreamsMultipartUpload(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/documents" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			return
		}
		data, _ := io.ReadAll(file)
		if header.Filename != "notes.txt" || string(data) != "hello" {
			t.Errorf("unexpected upload %q %q", header.Filename, data)
		}
		writeJSON(w, http.StatusAccepted, api.SubmitResponse{DocumentID: "doc-1", Status: "queued"})
	})

	resp, err := client.Submit(context.Background(), "notes.txt", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if resp.DocumentID != "doc-1" || resp.Status != "queued" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestDocumentStatusNotFound(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, api.ErrorResponse{Error: "document missing not found"})
	})

	_, err := client.DocumentStatus(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound || !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found api error, got %v", err)
	}
	if !strings.Contains(err.Error(), "document missing not found") {
		t.Fatalf("expected server message in %q", err.Error())
	}
}

func TestHealthReturnsDegradedReport(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, api.HealthResponse{Status: "degraded"})
	})

	resp, err := client.Health(context.Background())
	if err == nil || resp == nil || resp.Status != "degraded" {
		t.Fatalf("expected degraded report with error, got %+v, %v", resp, err)
	}
}

func TestUnreachableServer(t *testing.T) {
	client, err := NewClient("127.0.0.1:1", nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.DaemonStatus(context.Background()); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}

func TestNewClientRequiresAddress(t *testing.T) {
	if _, err := NewClient("  ", nil); err == nil {
		t.Fatal("expected error for empty address")
	}
}
