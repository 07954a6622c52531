package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"docflow/internal/daemonctl"
)

func newHealthCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check server dependency health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *daemonctl.Client) error {
				resp, err := client.Health(cmd.Context())
				if resp == nil {
					return err
				}
				if jsonOut {
					if writeErr := writeJSON(cmd, resp); writeErr != nil {
						return writeErr
					}
				} else {
					out := cmd.OutOrStdout()
					colorize := shouldColorize(out)
					for _, dep := range resp.Dependencies {
						kind := statusOK
						if !dep.Ready {
							kind = statusError
						}
						fmt.Fprintln(out, renderStatusLine(stageLabel(dep.Name), kind, dep.Detail, colorize))
					}
				}
				if err != nil {
					return errors.New("one or more dependencies are unhealthy")
				}
				return nil
			})
		},
	}
	addJSONFlag(cmd, &jsonOut, "the response")
	return cmd
}
