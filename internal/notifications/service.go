package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"docflow/internal/config"
	"docflow/internal/ledger"
	"docflow/internal/stage"
)

const userAgent = "docflow/0.1.0"

// Service defines the notification surface exposed to the orchestrator.
type Service interface {
	NotifyPipelineFinalized(ctx context.Context, rec *ledger.Record) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	if cfg == nil {
		return noopService{}
	}
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}
	return &ntfyService{
		endpoint:     topic,
		client:       &http.Client{Timeout: cfg.NotificationTimeout()},
		onlyFailures: cfg.Notifications.OnlyFailures,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint     string
	client       *http.Client
	onlyFailures bool
}

func (n *ntfyService) NotifyPipelineFinalized(ctx context.Context, rec *ledger.Record) error {
	if rec == nil {
		return nil
	}
	failed := rec.Status == ledger.StatusFailed
	if n.onlyFailures && !failed {
		return nil
	}
	name := strings.TrimSpace(rec.Document.Filename)
	if name == "" {
		name = rec.DocumentID
	}
	if !failed {
		return n.send(ctx, payload{
			title:   "docflow - Indexed",
			message: fmt.Sprintf("Indexed %s (%s)", name, rec.DocumentID),
			tags:    []string{"docflow", "pipeline", "completed"},
		})
	}

	var builder strings.Builder
	fmt.Fprintf(&builder, "Pipeline failed: %s (%s)", name, rec.DocumentID)
	if rec.AbortedAt != "" {
		fmt.Fprintf(&builder, "\nAborted at: %s", rec.AbortedAt)
	}
	for _, s := range stage.All {
		sr, ok := rec.Stage(s)
		if ok && sr.Status == ledger.StatusFailed && sr.Error != "" {
			fmt.Fprintf(&builder, "\n%s: %s", s, sr.Error)
		}
	}
	return n.send(ctx, payload{
		title:    "docflow - Pipeline Failed",
		message:  builder.String(),
		tags:     []string{"docflow", "pipeline", "error"},
		priority: "high",
	})
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	return n.send(ctx, payload{
		title:    "docflow - Test",
		message:  "Notification system test",
		tags:     []string{"docflow", "test"},
		priority: "low",
	})
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifyPipelineFinalized(context.Context, *ledger.Record) error { return nil }
func (noopService) TestNotification(context.Context) error                      { return nil }
