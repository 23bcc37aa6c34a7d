package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent agent spawns and cleanups",
		Long:  `Read the activity journal directly. Works whether or not the server is running.`,
		Args:  cobra.NoArgs,
		RunE: localCmd(true, func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			if a.journal == nil {
				return errors.New("the journal is disabled in the configuration")
			}
			events, err := a.journal.History(ctx, limit)
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(cmd.OutOrStdout(), events)
			}
			renderHistory(cmd.OutOrStdout(), events)
			return nil
		}),
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show")
	return cmd
}
