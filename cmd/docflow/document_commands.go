package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"docflow/internal/api"
	"docflow/internal/daemonctl"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var wait bool
	var waitTimeout time.Duration
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "submit <file>",
		Short: "Upload a document for processing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *daemonctl.Client) error {
				resp, err := client.SubmitFile(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !wait {
					if jsonOut {
						return writeJSON(cmd, resp)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Submitted %s as %s\n", args[0], resp.DocumentID)
					return nil
				}
				final, err := waitForPipeline(cmd.Context(), client, resp.DocumentID, waitTimeout)
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, final)
				}
				fmt.Fprint(cmd.OutOrStdout(), renderDocumentStatus(final, shouldColorize(cmd.OutOrStdout())))
				if final.OverallStatus == "failed" {
					return fmt.Errorf("pipeline %s failed", resp.DocumentID)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait until the pipeline is finalized")
	cmd.Flags().DurationVar(&waitTimeout, "timeout", 10*time.Minute, "Maximum time to wait with --wait")
	addJSONFlag(cmd, &jsonOut, "the response")
	return cmd
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status [document-id]",
		Short: "Show a pipeline, or the server summary when no id is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *daemonctl.Client) error {
				if len(args) == 0 {
					return printDaemonStatus(cmd, client, jsonOut)
				}
				resp, err := client.DocumentStatus(cmd.Context(), strings.TrimSpace(args[0]))
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, resp)
				}
				fmt.Fprint(cmd.OutOrStdout(), renderDocumentStatus(resp, shouldColorize(cmd.OutOrStdout())))
				return nil
			})
		},
	}
	addJSONFlag(cmd, &jsonOut, "the response")
	return cmd
}

func printDaemonStatus(cmd *cobra.Command, client *daemonctl.Client, jsonOut bool) error {
	status, err := client.DaemonStatus(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOut {
		return writeJSON(cmd, status)
	}
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)
	sup := status.Supervisors
	supKind := statusOK
	if !sup.Running {
		supKind = statusError
	}
	fmt.Fprintln(out, renderStatusLine("Server", statusOK, fmt.Sprintf("pid %d", status.PID), colorize))
	fmt.Fprintln(out, renderStatusLine("Backends", statusInfo, fmt.Sprintf("queue=%s ledger=%s", status.QueueBackend, status.Ledger), colorize))
	fmt.Fprintln(out, renderStatusLine("Supervisors", supKind,
		fmt.Sprintf("%d active, %d pending, %d finalized", sup.Active, sup.Pending, sup.Finalized), colorize))
	if sup.LastError != "" {
		fmt.Fprintln(out, renderStatusLine("Last Error", statusWarn, sup.LastError, colorize))
	}
	if len(status.Workers) == 0 {
		fmt.Fprintln(out, renderStatusLine("Workers", statusInfo, "none embedded", colorize))
		return nil
	}
	spec := tableSpec{
		headers: []string{"Stage", "Queue", "Running", "Processed", "Failed"},
		aligns:  []columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight},
	}
	var processed, failed int64
	for _, w := range status.Workers {
		processed += w.Processed
		failed += w.Failed
		spec.rows = append(spec.rows, []string{
			stageLabel(w.Stage), w.Queue, fmt.Sprint(w.Running), fmt.Sprint(w.Processed), fmt.Sprint(w.Failed),
		})
	}
	spec.footer = []string{"Total", "", "", fmt.Sprint(processed), fmt.Sprint(failed)}
	fmt.Fprint(out, spec.render())
	return nil
}

// waitForPipeline polls the status endpoint until the pipeline is finalized.
func waitForPipeline(ctx context.Context, client *daemonctl.Client, documentID string, timeout time.Duration) (*api.StatusResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		resp, err := client.DocumentStatus(ctx, documentID)
		if err != nil {
			return nil, err
		}
		if resp.Finalized {
			return resp, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for %s: %w", documentID, ctx.Err())
		case <-ticker.C:
		}
	}
}
