package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/BrowserMover/internal/domain/backup"
)

func newBackupsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "backups",
		Short: "List pre-migration backup archives, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			archives, err := a.stack.Engine.ListBackups(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if a.jsonOutput {
				if archives == nil {
					archives = []backup.Archive{}
				}
				return printJSON(out, archives)
			}
			if len(archives) == 0 {
				fmt.Fprintln(out, "No backups found.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TARGET\tCREATED\tPATH")
			for _, ar := range archives {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", ar.TargetID, ar.CreatedAt.Local().Format(time.DateTime), ar.Path)
			}
			return tw.Flush()
		},
	}
}

func newRollbackCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <archive>",
		Short: "Restore a target application from a backup archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			var lines []string
			ok := a.stack.Engine.Rollback(cmd.Context(), args[0], func(line string) {
				if a.jsonOutput {
					lines = append(lines, line)
					return
				}
				fmt.Fprintln(out, line)
			})
			if a.jsonOutput {
				if lines == nil {
					lines = []string{}
				}
				if err := printJSON(out, map[string]any{"archive": args[0], "succeeded": ok, "lines": lines}); err != nil {
					return err
				}
			} else if ok {
				fmt.Fprintln(out, "Rollback complete.")
			} else {
				fmt.Fprintln(out, "Rollback failed.")
			}
			if !ok {
				return errSilent
			}
			return nil
		},
	}
}
