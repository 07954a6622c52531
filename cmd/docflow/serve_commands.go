package main

import (
	"github.com/spf13/cobra"

	"docflow/internal/daemonrun"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var embedded bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and pipeline orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("embedded-workers") {
				cfg.Workers.Embedded = embedded
			}
			return daemonrun.Serve(cmd.Context(), cfg, daemonrun.Options{LogName: "docflow"})
		},
	}
	cmd.Flags().BoolVar(&embedded, "embedded-workers", false, "Run stage workers in this process (overrides workers.embedded)")
	return cmd
}

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	var stages []string
	var concurrency int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run standalone stage workers",
		Long: "Run stage workers against the shared queue and ledger. " +
			"Requires backends that several processes can open (sqlite, redis, postgres, mongo).",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if len(stages) > 0 {
				cfg.Workers.Stages = stages
			}
			if concurrency > 0 {
				cfg.Workers.Concurrency = concurrency
			}
			return daemonrun.RunWorkers(cmd.Context(), cfg, daemonrun.Options{LogName: "docflow-worker"})
		},
	}
	cmd.Flags().StringSliceVar(&stages, "stage", nil, "Stage to serve (repeatable; defaults to workers.stages)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Jobs per stage executed in parallel")
	return cmd
}
