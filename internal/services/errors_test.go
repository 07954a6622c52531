package services_test

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"docflow/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrStageExecution, "convert", "decode", "failed", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrStageExecution) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"convert", "decode", "failed", "boom"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestWrapDefaultsToTransient(t *testing.T) {
	err := services.Wrap(nil, "", "", "", nil)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient marker, got %v", err)
	}
	if !strings.Contains(err.Error(), "service failure") {
		t.Fatalf("expected placeholder detail, got %q", err.Error())
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{services.Wrap(services.ErrValidation, "convert", "payload", "missing source_key", nil), false},
		{fmt.Errorf("load: %w", services.ErrConfiguration), false},
		{services.Wrap(services.ErrStageExecution, "index_a", "write", "disk full", nil), true},
		{errors.New("plain"), true},
	}
	for _, tc := range cases {
		if got := services.IsRetryable(tc.err); got != tc.want {
			t.Fatalf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{services.Wrap(services.ErrValidation, "api", "upload", "bad extension", nil), http.StatusBadRequest},
		{fmt.Errorf("read: %w", services.ErrNotFound), http.StatusNotFound},
		{services.Wrap(services.ErrQueueUnavailable, "convert", "enqueue", "", errors.New("dial")), http.StatusServiceUnavailable},
		{services.ErrBlobUnavailable, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := services.HTTPStatus(tc.err); got != tc.want {
			t.Fatalf("HTTPStatus(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestKind(t *testing.T) {
	if got := services.Kind(services.Wrap(services.ErrStageTimeout, "convert", "wait", "", nil)); got != "timeout" {
		t.Fatalf("expected timeout kind, got %q", got)
	}
	if got := services.Kind(services.ErrLedgerInconsistency); got != "ledger_inconsistency" {
		t.Fatalf("expected ledger_inconsistency kind, got %q", got)
	}
	if got := services.Kind(errors.New("x")); got != "transient" {
		t.Fatalf("expected transient kind, got %q", got)
	}
	if got := services.Kind(nil); got != "" {
		t.Fatalf("expected empty kind for nil, got %q", got)
	}
}
