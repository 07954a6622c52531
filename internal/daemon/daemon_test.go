package daemon_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"docflow/internal/api"
	"docflow/internal/blob"
	"docflow/internal/config"
	"docflow/internal/daemon"
	"docflow/internal/daemonrun"
	"docflow/internal/ledger"
	"docflow/internal/queue"
	"docflow/internal/services"
	"docflow/internal/stage"
	"docflow/internal/testsupport"
	"docflow/internal/workflow"
)

type fixture struct {
	cfg    *config.Config
	queue  queue.Queue
	ledger ledger.Store
	blobs  blob.Store
	daemon *daemon.Daemon
}

func newFixture(t *testing.T, q queue.Queue, opts ...testsupport.ConfigOption) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	if q == nil {
		q = testsupport.MustOpenQueue(t, cfg)
	}
	f := &fixture{
		cfg:    cfg,
		queue:  q,
		ledger: testsupport.MustOpenLedger(t, cfg),
		blobs:  testsupport.MustOpenBlobs(t, cfg),
	}
	d, err := daemon.New(cfg, daemon.Deps{
		Queue:    f.queue,
		Ledger:   f.ledger,
		Blobs:    f.blobs,
		Workflow: workflow.NewManager(cfg, f.queue, f.ledger, nil),
	}, nil)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	f.daemon = d
	return f
}

func (f *fixture) submit(t *testing.T, field, filename string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := testsupport.MultipartBody(t, field, filename, data)
	req := httptest.NewRequest(http.MethodPost, "/documents", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	f.daemon.Handler().ServeHTTP(w, req)
	return w
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	f.daemon.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func TestSubmitAcceptsDocument(t *testing.T) {
	f := newFixture(t, nil)

	w := f.submit(t, "file", "notes.txt", []byte("hello docflow"))
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[api.SubmitResponse](t, w)
	if resp.DocumentID == "" || resp.Status != "queued" {
		t.Fatalf("unexpected response %+v", resp)
	}
	for _, name := range stage.All {
		step, ok := resp.Steps[string(name)]
		if !ok || step.Status != "queued" || step.Progress != 0 {
			t.Fatalf("unexpected step %s: %+v (present=%v)", name, step, ok)
		}
	}

	data, err := blob.ReadAll(context.Background(), f.blobs, blob.DocumentKey(resp.DocumentID, "notes.txt"))
	if err != nil || string(data) != "hello docflow" {
		t.Fatalf("stored upload = %q, %v", data, err)
	}
	status, err := f.queue.Status(context.Background(), stage.QueueName(f.cfg.Queue.Prefix, stage.Convert), stage.JobID(resp.DocumentID, stage.Convert))
	if err != nil || status.State != queue.StateWaiting {
		t.Fatalf("convert job = %+v, %v", status, err)
	}
}

func TestSubmitRejectsMissingFileField(t *testing.T) {
	f := newFixture(t, nil)
	w := f.submit(t, "upload", "notes.txt", []byte("x"))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if resp := decode[api.ErrorResponse](t, w); !strings.Contains(resp.Error, "file") {
		t.Fatalf("unexpected error body %+v", resp)
	}
}

func TestSubmitRejectsUnsupportedExtension(t *testing.T) {
	f := newFixture(t, nil)
	w := f.submit(t, "file", "setup.exe", []byte("MZ"))
	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", w.Code)
	}
}

func TestSubmitRejectsOversizedUpload(t *testing.T) {
	f := newFixture(t, nil, testsupport.WithMaxUploadMB(1))
	w := f.submit(t, "file", "big.txt", bytes.Repeat([]byte("a"), 2<<20))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
}

func TestUploadLimitAppliesToFilePart(t *testing.T) {
	f := newFixture(t, nil, testsupport.WithMaxUploadMB(1))
	if w := f.submit(t, "file", "exact.txt", bytes.Repeat([]byte("a"), 1<<20)); w.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for a file at the limit, got %d: %s", w.Code, w.Body.String())
	}
	if w := f.submit(t, "file", "over.txt", bytes.Repeat([]byte("a"), 1<<20+1)); w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 for a file one byte over, got %d", w.Code)
	}
}

type unavailableQueue struct {
	queue.Queue
}

func (unavailableQueue) Enqueue(context.Context, string, string, queue.Payload, queue.Options) (string, error) {
	return "", services.Wrap(services.ErrQueueUnavailable, "", "enqueue", "broker down", nil)
}

func (unavailableQueue) Ping(context.Context) error {
	return errors.New("broker down")
}

func TestSubmitReturns503WhenQueueUnavailable(t *testing.T) {
	f := newFixture(t, unavailableQueue{Queue: queue.NewMemoryQueue()})
	w := f.submit(t, "file", "notes.txt", []byte("hello"))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", w.Code, w.Body.String())
	}

	ids, err := f.ledger.ListActive(context.Background())
	if err != nil || len(ids) != 0 {
		t.Fatalf("rejected submission must not leave an active pipeline: %v, %v", ids, err)
	}
}

func TestDocumentStatus(t *testing.T) {
	f := newFixture(t, nil)

	if w := f.get(t, "/documents/missing/status"); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}

	submitted := decode[api.SubmitResponse](t, f.submit(t, "file", "report.md", []byte("# title")))
	w := f.get(t, "/documents/"+submitted.DocumentID+"/status")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decode[api.StatusResponse](t, w)
	if resp.DocumentID != submitted.DocumentID || resp.Filename != "report.md" || resp.OverallStatus != "queued" {
		t.Fatalf("unexpected status %+v", resp)
	}
	if resp.Stages["convert"].JobID != stage.JobID(submitted.DocumentID, stage.Convert) {
		t.Fatalf("convert job id missing: %+v", resp.Stages["convert"])
	}
	if resp.CreatedAt == "" || resp.ExpiresAt == "" || resp.Finalized {
		t.Fatalf("unexpected timestamps %+v", resp)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	w := f.get(t, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if resp := decode[api.HealthResponse](t, w); resp.Status != "ok" || len(resp.Dependencies) != 3 {
		t.Fatalf("unexpected health %+v", resp)
	}

	degraded := newFixture(t, unavailableQueue{Queue: queue.NewMemoryQueue()})
	w = degraded.get(t, "/health")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	resp := decode[api.HealthResponse](t, w)
	if resp.Status != "degraded" || resp.Dependencies[0].Name != "queue" || resp.Dependencies[0].Ready {
		t.Fatalf("unexpected degraded health %+v", resp)
	}
}

func TestUnknownRouteReturnsJSON404(t *testing.T) {
	f := newFixture(t, nil)
	w := f.get(t, "/nope")
	if w.Code != http.StatusNotFound || !strings.Contains(w.Header().Get("Content-Type"), "application/json") {
		t.Fatalf("unexpected response %d %q", w.Code, w.Header().Get("Content-Type"))
	}
}

func TestDaemonRunsPipelineEndToEnd(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithEmbeddedWorkers())
	backends, err := daemonrun.OpenBackends(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("open backends: %v", err)
	}
	runners, err := daemonrun.Workers(cfg, backends, nil)
	if err != nil {
		t.Fatalf("workers: %v", err)
	}
	d, err := daemon.New(cfg, daemon.Deps{
		Queue:    backends.Queue,
		Ledger:   backends.Ledger,
		Blobs:    backends.Blobs,
		Workflow: workflow.NewManager(cfg, backends.Queue, backends.Ledger, nil),
		Workers:  runners,
	}, nil)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !d.Running() {
		t.Fatal("expected daemon to report running")
	}

	second, err := daemon.New(cfg, daemon.Deps{
		Queue:    backends.Queue,
		Ledger:   backends.Ledger,
		Blobs:    backends.Blobs,
		Workflow: workflow.NewManager(cfg, backends.Queue, backends.Ledger, nil),
	}, nil)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := second.Start(ctx); err == nil {
		second.Stop()
		t.Fatal("expected second daemon to fail on the instance lock")
	}

	base := "http://" + d.Addr()
	body, contentType := testsupport.MultipartBody(t, "file", "story.txt",
		[]byte(strings.Repeat("Pipelines move documents through stages. ", 50)))
	res, err := http.Post(base+"/documents", contentType, body)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	var submitted api.SubmitResponse
	err = json.NewDecoder(res.Body).Decode(&submitted)
	res.Body.Close()
	if err != nil || res.StatusCode != http.StatusAccepted {
		t.Fatalf("submit = %d, %v", res.StatusCode, err)
	}

	var final api.StatusResponse
	deadline := time.Now().Add(30 * time.Second)
	for {
		res, err := http.Get(fmt.Sprintf("%s/documents/%s/status", base, submitted.DocumentID))
		if err != nil {
			t.Fatalf("get status: %v", err)
		}
		final = api.StatusResponse{}
		err = json.NewDecoder(res.Body).Decode(&final)
		res.Body.Close()
		if err != nil {
			t.Fatalf("decode status: %v", err)
		}
		if final.Finalized {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pipeline did not finish: %+v", final)
		}
		time.Sleep(50 * time.Millisecond)
	}
	if final.OverallStatus != "completed" || final.OverallProgress != 100 {
		t.Fatalf("unexpected final status %+v", final)
	}
	for name, view := range final.Stages {
		if view.Status != "completed" || view.FinishedAt == "" {
			t.Fatalf("stage %s not completed: %+v", name, view)
		}
	}

	status := d.Status()
	for status.Supervisors.Finalized < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		status = d.Status()
	}
	if len(status.Workers) != len(stage.All) || status.Supervisors.Finalized < 1 {
		t.Fatalf("unexpected daemon status %+v", status)
	}
	d.Stop()
	if d.Running() {
		t.Fatal("expected daemon to stop")
	}
}
