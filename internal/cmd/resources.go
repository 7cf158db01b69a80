package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var resourcesCmd = &cobra.Command{
	Use:   "resources",
	Short: "List configured resources and their free capacity",
	Long: `List every configured resource with its limits and live counters.

With --refresh the counters are recomputed from each resource's accounting
records first, which contacts the host of every enabled resource.

Examples:
  gobatch resources
  gobatch resources --refresh --json`,
	Args: cobra.NoArgs,
	RunE: runResources,
}

func init() {
	rootCmd.AddCommand(resourcesCmd)
	resourcesCmd.Flags().Bool("refresh", false, "Recompute live counters before listing")
	resourcesCmd.Flags().Bool("json", false, "Output as JSON")
}

func runResources(cmd *cobra.Command, _ []string) error {
	refresh, _ := cmd.Flags().GetBool("refresh")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	e, _, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer closeEngine(e)

	views := e.Resources(cmd.Context(), refresh)
	if jsonOutput {
		return printJSON(views)
	}
	if len(views) == 0 {
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "No resources configured")
		return nil
	}

	w := newTable("NAME", "TYPE", "ENABLED", "FRONTEND", "ARCH", "CORES", "FREE", "MEMORY FREE", "RUNNING", "QUEUED", "UPDATED")
	for _, v := range views {
		updated := "-"
		if v.Status.Updated {
			updated = ago(v.Status.UpdatedAt)
		}
		if v.Error != "" {
			updated = "error: " + v.Error
		}
		row(w, v.Name, v.Type, v.Enabled, orDash(v.Frontend), orDash(strings.Join(v.Architectures, ",")),
			v.MaxCores, v.Status.FreeSlots, v.Status.AvailableMemory, v.Status.UserRun, v.Status.UserQueued, updated)
	}
	return w.Flush()
}
