package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/BrowserMover/internal/domain/locate"
	"github.com/GriffinCanCode/BrowserMover/internal/shared/types"
	"github.com/GriffinCanCode/BrowserMover/internal/shared/utils"
)

type classification struct {
	ID       string       `json:"id"`
	Name     string       `json:"name,omitempty"`
	Family   types.Family `json:"family"`
	Strategy string       `json:"strategy,omitempty"`
}

func newClassifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "classify <id>...",
		Short: "Report the data-layout family of applications",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			results := make([]classification, 0, len(args))
			for _, appID := range args {
				if err := utils.ValidateApplicationID(appID, "application"); err != nil {
					return err
				}
				v := a.stack.Classifier.ClassifyDetailed(cmd.Context(), appID)
				results = append(results, classification{
					ID:       appID,
					Name:     a.stack.Catalog.DisplayName(appID),
					Family:   v.Family,
					Strategy: v.Strategy,
				})
			}

			out := cmd.OutOrStdout()
			if a.jsonOutput {
				return printJSON(out, results)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tFAMILY\tSTRATEGY")
			for _, r := range results {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", r.ID, r.Family, r.Strategy)
			}
			return tw.Flush()
		},
	}
}

func newLocateCmd(a *app) *cobra.Command {
	var family string
	cmd := &cobra.Command{
		Use:   "locate <id>",
		Short: "Find an application's data root and live profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appID := args[0]
			if err := utils.ValidateApplicationID(appID, "application"); err != nil {
				return err
			}
			var fam types.Family
			if family != "" {
				parsed, err := types.ParseFamily(family)
				if err != nil {
					return err
				}
				fam = parsed
			} else {
				fam = a.stack.Classifier.Classify(cmd.Context(), appID)
			}
			if !fam.Known() {
				return fmt.Errorf("%s is not a recognised browser; pass --family to force one", appID)
			}

			loc, err := a.stack.Locator.Locate(cmd.Context(), appID, fam)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if a.jsonOutput {
				return printJSON(out, loc)
			}
			printLocation(cmd, loc)
			return nil
		},
	}
	cmd.Flags().StringVar(&family, "family", "", "skip classification and assume gecko or chromium")
	return cmd
}

func printLocation(cmd *cobra.Command, loc *locate.Location) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Family:  %s\n", loc.Family)
	fmt.Fprintf(out, "Root:    %s\n", loc.Root)
	fmt.Fprintf(out, "Content: %s\n", loc.ContentDir)
	fmt.Fprintf(out, "Profile: %s\n", loc.ProfileName)
}
