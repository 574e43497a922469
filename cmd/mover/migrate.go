package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/BrowserMover/internal/domain/migration"
)

func newMigrateCmd(a *app) *cobra.Command {
	var noBackup bool
	cmd := &cobra.Command{
		Use:   "migrate <source-id> <target-id>",
		Short: "Copy browser data from one application to another",
		Example: `  mover migrate org.mozilla.firefox org.mozilla.fenix
  mover migrate com.android.chrome com.brave.browser --no-backup`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			backupWanted := a.stack.Config.Migration.BackupByDefault && !noBackup
			req := migration.Request{SourceID: args[0], TargetID: args[1], Backup: backupWanted}

			out := cmd.OutOrStdout()
			var onProgress migration.ProgressFunc
			if !a.jsonOutput {
				last := -1
				onProgress = func(p migration.Progress) {
					if p.Phase != last {
						fmt.Fprintf(out, "[%3d%%] %s\n", p.Percent, p.PhaseName)
						last = p.Phase
					}
					if a.verbose && p.Detail != "started" && p.Detail != "done" {
						fmt.Fprintf(out, "       %s\n", p.Detail)
					}
				}
			}

			res := a.stack.Engine.Migrate(cmd.Context(), req, onProgress)
			if a.jsonOutput {
				if err := printJSON(out, res); err != nil {
					return err
				}
			} else {
				printResult(cmd, res)
			}
			if !res.Succeeded() {
				return errSilent
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noBackup, "no-backup", false, "skip the pre-migration backup of the target")
	return cmd
}

func printResult(cmd *cobra.Command, res *migration.Result) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, res.Summary)
	for _, w := range res.Warnings {
		fmt.Fprintf(out, "  warning: %s\n", w)
	}
	if len(res.Detail) > 0 {
		fmt.Fprintln(out, "Last log lines:")
		for _, line := range res.Detail {
			fmt.Fprintf(out, "  %s\n", line)
		}
	}
	if res.BackupPath != "" {
		fmt.Fprintf(out, "Backup: %s\n", res.BackupPath)
	}
	if res.LogPath != "" {
		fmt.Fprintf(out, "Log: %s\n", res.LogPath)
	}
}
