package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"docflow/internal/config"
	"docflow/internal/ledger"
	"docflow/internal/queue"
	"docflow/internal/services"
	"docflow/internal/stage"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and retry stage jobs in the job queue",
	}
	queueCmd.AddCommand(newQueueStatusCommand(ctx))
	queueCmd.AddCommand(newQueueRetryCommand(ctx))
	return queueCmd
}

func (c *commandContext) withQueue(cmd *cobra.Command, fn func(*config.Config, queue.Queue) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	if cfg.Queue.Backend == config.QueueMemory {
		return errors.New("the memory queue lives inside the server process; use `docflow status` instead")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	q, err := queue.Open(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	defer q.Close()
	return fn(cfg, q)
}

func newQueueStatusCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status <document-id>",
		Short: "Show the queue job of every stage of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			documentID := strings.TrimSpace(args[0])
			return ctx.withQueue(cmd, func(cfg *config.Config, q queue.Queue) error {
				statuses := make([]queue.Status, 0, len(stage.All))
				for _, name := range stage.All {
					status, err := q.Status(cmd.Context(), stage.QueueName(cfg.Queue.Prefix, name), stage.JobID(documentID, name))
					if errors.Is(err, queue.ErrJobNotFound) {
						continue
					}
					if err != nil {
						return err
					}
					statuses = append(statuses, status)
				}
				if jsonOut {
					return writeJSON(cmd, statuses)
				}
				if len(statuses) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "No queue jobs for %s\n", documentID)
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), buildQueueTable(statuses).render())
				return nil
			})
		},
	}
	addJSONFlag(cmd, &jsonOut, "the job statuses")
	return cmd
}

func buildQueueTable(statuses []queue.Status) tableSpec {
	spec := tableSpec{
		headers: []string{"Stage", "Job", "State", "Attempts", "Progress", "Updated", "Error"},
		aligns:  []columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft},
	}
	for _, s := range statuses {
		updated := ""
		if !s.UpdatedAt.IsZero() {
			updated = s.UpdatedAt.UTC().Format(time.RFC3339)
		}
		spec.rows = append(spec.rows, []string{
			stageLabel(s.Name),
			s.ID,
			string(s.State),
			fmt.Sprintf("%d/%d", s.Attempts, s.MaxAttempts),
			fmt.Sprintf("%d%%", s.Progress),
			updated,
			truncate(s.Error, 50),
		})
	}
	return spec
}

func newQueueRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <document-id> <stage>",
		Short: "Reset a failed stage job so workers pick it up again",
		Long: "Reset a failed stage job so workers pick it up again.\n\n" +
			"Only jobs whose ledger stage is still open can be retried. Once the ledger\n" +
			"records a terminal status the outcome is final and the document must be\n" +
			"resubmitted.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			documentID := strings.TrimSpace(args[0])
			name, err := stage.Parse(args[1])
			if err != nil {
				return err
			}
			return ctx.withQueue(cmd, func(cfg *config.Config, q queue.Queue) error {
				out := cmd.OutOrStdout()
				jobID := stage.JobID(documentID, name)
				reason, err := ctx.retryBlocker(cmd, cfg, documentID, name)
				if err != nil {
					return err
				}
				if reason != "" {
					fmt.Fprintf(out, "Job %s not retried: %s\n", jobID, reason)
					return nil
				}
				ok, err := q.Retry(cmd.Context(), stage.QueueName(cfg.Queue.Prefix, name), jobID)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintf(out, "Job %s is not failed; nothing to retry\n", jobID)
					return nil
				}
				fmt.Fprintf(out, "Job %s reset to waiting\n", jobID)
				return nil
			})
		},
	}
}

// retryBlocker explains why the stage job must not be retried, or returns
// "" when the ledger stage is still open. Workers drop jobs whose ledger
// stage is terminal, so resetting such a job would only flip the queue to
// completed without running the handler.
func (c *commandContext) retryBlocker(cmd *cobra.Command, cfg *config.Config, documentID string, name stage.Name) (string, error) {
	status, found, err := c.ledgerStageStatus(cmd, cfg, documentID, name)
	if err != nil {
		return "", err
	}
	if !found {
		return "document has no ledger record (expired or never submitted); resubmit it", nil
	}
	if status.Terminal() {
		return fmt.Sprintf("ledger already recorded %s as %s; resubmit the document to run it again", name, status), nil
	}
	return "", nil
}

// ledgerStageStatus reads the stage status directly from shared ledger
// backends and through the server API for process-local ones.
func (c *commandContext) ledgerStageStatus(cmd *cobra.Command, cfg *config.Config, documentID string, name stage.Name) (ledger.Status, bool, error) {
	switch cfg.Ledger.Backend {
	case config.LedgerMemory, config.LedgerBadger:
		client, err := c.client()
		if err != nil {
			return "", false, err
		}
		resp, err := client.DocumentStatus(cmd.Context(), documentID)
		switch {
		case errors.Is(err, services.ErrNotFound):
			return "", false, nil
		case err != nil:
			return "", false, fmt.Errorf("read ledger through server: %w", wrapClientError(err))
		}
		view, ok := resp.Stages[string(name)]
		if !ok {
			return ledger.StatusQueued, true, nil
		}
		return ledger.Status(view.Status), true, nil
	}

	store, err := ledger.Open(cfg, nil)
	if err != nil {
		return "", false, fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()
	rec, err := store.Read(cmd.Context(), documentID)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("read ledger: %w", err)
	}
	sr, _ := rec.Stage(name)
	return sr.Status, true, nil
}
