package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"docflow/internal/config"
	"docflow/internal/daemon"
	"docflow/internal/daemonrun"
	"docflow/internal/ledger"
	"docflow/internal/queue"
	"docflow/internal/stage"
	"docflow/internal/testsupport"
	"docflow/internal/workflow"
)

type cliTestEnv struct {
	cfg        *config.Config
	configPath string
	apiAddr    string
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	content := fmt.Sprintf(
		"[paths]\ndata_dir = %q\nlog_dir = %q\n\n[api]\nbind = %q\n\n[queue]\nbackend = %q\n\n[ledger]\nbackend = %q\n\n[blob]\nroot = %q\n",
		cfg.Paths.DataDir,
		cfg.Paths.LogDir,
		cfg.API.Bind,
		cfg.Queue.Backend,
		cfg.Ledger.Backend,
		cfg.Blob.Root,
	)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

// setupCLITestEnv starts a server with embedded workers on memory backends
// and writes a config file pointing at it.
func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()
	t.Setenv("HOME", filepath.Join(t.TempDir(), "home"))

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
	ctx, cancel := context.WithCancel(context.Background())
	if err := d.Start(ctx); err != nil {
		cancel()
		t.Fatalf("daemon start: %v", err)
	}
	t.Cleanup(func() {
		_ = d.Close()
		cancel()
	})

	configPath := filepath.Join(testsupport.BaseDir(cfg), "docflow.toml")
	writeTestConfig(t, configPath, cfg)
	return &cliTestEnv{cfg: cfg, configPath: configPath, apiAddr: d.Addr()}
}

func runCLI(t *testing.T, args []string, apiAddr, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if apiAddr != "" {
		flags = append(flags, "--api", apiAddr)
	}
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}

func TestSubmitWaitAndStatus(t *testing.T) {
	env := setupCLITestEnv(t)
	doc := filepath.Join(t.TempDir(), "essay.txt")
	testsupport.WriteFile(t, doc, 4096)

	out, _, err := runCLI(t, []string{"submit", "--wait", "--timeout", "30s", doc}, env.apiAddr, env.configPath)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	requireContains(t, out, "completed (finalized) 100%")
	requireContains(t, out, "Extract Metadata")
	requireContains(t, out, "Index B")

	documentID := ""
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "Document:") {
			fields := strings.Fields(line)
			documentID = fields[len(fields)-1]
		}
	}
	if documentID == "" {
		t.Fatalf("document id missing from %q", out)
	}

	out, _, err = runCLI(t, []string{"status", "--json", documentID}, env.apiAddr, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, `"overall_status": "completed"`)

	out, _, err = runCLI(t, []string{"status"}, env.apiAddr, env.configPath)
	if err != nil {
		t.Fatalf("daemon status: %v", err)
	}
	requireContains(t, out, "queue=memory ledger=memory")
	requireContains(t, out, "Total")
}

func TestStatusUnknownDocument(t *testing.T) {
	env := setupCLITestEnv(t)
	_, _, err := runCLI(t, []string{"status", "does-not-exist"}, env.apiAddr, env.configPath)
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestHealthCommand(t *testing.T) {
	env := setupCLITestEnv(t)
	out, _, err := runCLI(t, []string{"health"}, env.apiAddr, env.configPath)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	requireContains(t, out, "Queue:")
	requireContains(t, out, "[OK]")
}

func TestCommandsReportUnreachableServer(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	configPath := filepath.Join(testsupport.BaseDir(cfg), "docflow.toml")
	writeTestConfig(t, configPath, cfg)
	_, _, err := runCLI(t, []string{"health"}, "127.0.0.1:1", configPath)
	if err == nil || !strings.Contains(err.Error(), "docflow serve") {
		t.Fatalf("expected unreachable hint, got %v", err)
	}
}

func TestQueueStatusAndRetry(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithBackends(config.QueueSQLite, config.LedgerSQLite))
	configPath := filepath.Join(testsupport.BaseDir(cfg), "docflow.toml")
	writeTestConfig(t, configPath, cfg)

	ctx := context.Background()
	q := testsupport.MustOpenQueue(t, cfg)
	store := testsupport.MustOpenLedger(t, cfg)
	queueName := stage.QueueName(cfg.Queue.Prefix, stage.Convert)

	// failJob leaves the convert job of documentID exhausted in the queue and
	// records ledgerStatus for the stage when it is not empty.
	failJob := func(documentID string, ledgerStatus ledger.Status) string {
		t.Helper()
		jobID := stage.JobID(documentID, stage.Convert)
		if ledgerStatus != "" {
			if _, err := store.Create(ctx, ledger.Document{ID: documentID, Filename: "a.txt", SourceKey: "documents/" + documentID + "/a.txt"}, time.Hour); err != nil {
				t.Fatalf("create ledger record: %v", err)
			}
			if _, err := store.UpdateStage(ctx, documentID, stage.Convert, ledger.Update{Status: ledger.StatusQueued, JobID: jobID}); err != nil {
				t.Fatalf("record queued: %v", err)
			}
			if ledgerStatus != ledger.StatusQueued {
				if _, err := store.UpdateStage(ctx, documentID, stage.Convert, ledger.Update{Status: ledgerStatus, Error: "converter crashed"}); err != nil {
					t.Fatalf("record %s: %v", ledgerStatus, err)
				}
			}
		}
		if _, err := q.Enqueue(ctx, queueName, string(stage.Convert), queue.Payload{stage.KeyDocumentID: documentID}, queue.Options{JobID: jobID, MaxAttempts: 1}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if _, err := q.Lease(ctx, queueName, "test", time.Minute); err != nil {
			t.Fatalf("lease: %v", err)
		}
		if state, err := q.Nack(ctx, jobID, "test", "converter crashed", true); err != nil || state != queue.StateFailed {
			t.Fatalf("nack = %s, %v", state, err)
		}
		return jobID
	}
	queueState := func(jobID string) queue.State {
		t.Helper()
		status, err := q.Status(ctx, queueName, jobID)
		if err != nil {
			t.Fatalf("queue status: %v", err)
		}
		return status.State
	}

	open := failJob("doc-open", ledger.StatusQueued)
	out, _, err := runCLI(t, []string{"queue", "status", "doc-open"}, "", configPath)
	if err != nil {
		t.Fatalf("queue status: %v", err)
	}
	requireContains(t, out, "failed")
	requireContains(t, out, "1/1")
	requireContains(t, out, "converter crashed")

	out, _, err = runCLI(t, []string{"queue", "retry", "doc-open", "convert"}, "", configPath)
	if err != nil {
		t.Fatalf("queue retry: %v", err)
	}
	requireContains(t, out, "reset to waiting")
	if state := queueState(open); state != queue.StateWaiting {
		t.Fatalf("expected retried job to wait, got %s", state)
	}
	out, _, err = runCLI(t, []string{"queue", "retry", "doc-open", "convert"}, "", configPath)
	if err != nil {
		t.Fatalf("second queue retry: %v", err)
	}
	requireContains(t, out, "nothing to retry")

	closed := failJob("doc-closed", ledger.StatusFailed)
	out, _, err = runCLI(t, []string{"queue", "retry", "doc-closed", "convert"}, "", configPath)
	if err != nil {
		t.Fatalf("queue retry of closed stage: %v", err)
	}
	requireContains(t, out, "not retried")
	requireContains(t, out, "convert as failed")
	if state := queueState(closed); state != queue.StateFailed {
		t.Fatalf("job of a closed stage must stay failed, got %s", state)
	}

	orphan := failJob("doc-orphan", "")
	out, _, err = runCLI(t, []string{"queue", "retry", "doc-orphan", "convert"}, "", configPath)
	if err != nil {
		t.Fatalf("queue retry without ledger record: %v", err)
	}
	requireContains(t, out, "no ledger record")
	if state := queueState(orphan); state != queue.StateFailed {
		t.Fatalf("orphaned job must stay failed, got %s", state)
	}

	if _, _, err := runCLI(t, []string{"queue", "retry", "doc-open", "bogus"}, "", configPath); err == nil {
		t.Fatal("expected unknown stage to fail")
	}
}

func TestConfigInitAndValidate(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	configPath := filepath.Join(testsupport.BaseDir(cfg), "docflow.toml")
	writeTestConfig(t, configPath, cfg)

	out, _, err := runCLI(t, []string{"config", "validate"}, "", configPath)
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, out, "Configuration valid")
	requireContains(t, out, configPath)

	target := filepath.Join(t.TempDir(), "config.toml")
	out, _, err = runCLI(t, []string{"config", "init", "--path", target}, "", "")
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config file at %s: %v", target, err)
	}
	if _, _, err := runCLI(t, []string{"config", "init", "--path", target}, "", ""); err == nil {
		t.Fatal("expected init to refuse overwriting without --overwrite")
	}
}

func TestStageLabel(t *testing.T) {
	cases := map[string]string{
		"convert":          "Convert",
		"extract_metadata": "Extract Metadata",
		"index_a":          "Index A",
	}
	for in, want := range cases {
		if got := stageLabel(in); got != want {
			t.Fatalf("stageLabel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestConfigNotifyTest(t *testing.T) {
	t.Setenv("DOCFLOW_NTFY_TOPIC", "")
	cfg := testsupport.NewConfig(t)
	configPath := filepath.Join(testsupport.BaseDir(cfg), "docflow.toml")
	writeTestConfig(t, configPath, cfg)

	out, _, err := runCLI(t, []string{"config", "notify-test"}, "", configPath)
	if err != nil {
		t.Fatalf("notify-test without topic: %v", err)
	}
	requireContains(t, out, "Notifications disabled")

	titles := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		titles <- r.Header.Get("Title")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f, err := os.OpenFile(configPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open config: %v", err)
	}
	if _, err := fmt.Fprintf(f, "\n[notifications]\nntfy_topic = %q\n", server.URL); err != nil {
		t.Fatalf("append notifications: %v", err)
	}
	_ = f.Close()

	out, _, err = runCLI(t, []string{"config", "notify-test"}, "", configPath)
	if err != nil {
		t.Fatalf("notify-test: %v", err)
	}
	requireContains(t, out, "Test notification sent")
	if got := <-titles; got != "docflow - Test" {
		t.Fatalf("unexpected notification title %q", got)
	}
}
