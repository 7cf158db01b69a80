package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gobatch/internal/engine"
	"github.com/3leaps/gobatch/pkg/job"
	"github.com/3leaps/gobatch/pkg/persistence"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored tasks",
	Long: `List the tasks in the session, oldest first.

Examples:
  gobatch list
  gobatch list --state running,submitted --json`,
	Args: cobra.NoArgs,
	RunE: runList,
}

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show the stored state of a task",
	Long: `Show what the session knows about a task without contacting its resource.
Use 'gobatch progress' to poll the resource first.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statusCmd)
	listCmd.Flags().String("state", "", "Comma-separated states to show")
	listCmd.Flags().Bool("json", false, "Output as JSON")
	statusCmd.Flags().Bool("json", false, "Output as JSON")
}

func parseStates(raw string) (map[job.State]bool, error) {
	if raw == "" {
		return nil, nil
	}
	want := make(map[job.State]bool)
	for _, name := range strings.Split(raw, ",") {
		s, err := job.ParseState(name)
		if err != nil {
			return nil, err
		}
		want[s] = true
	}
	return want, nil
}

func runList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	stateFilter, _ := cmd.Flags().GetString("state")
	want, err := parseStates(stateFilter)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --state value", err)
	}

	e, _, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer closeEngine(e)

	records, err := e.List(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read session", err)
	}
	if want != nil {
		filtered := make([]persistence.Record, 0, len(records))
		for _, r := range records {
			if want[r.State] {
				filtered = append(filtered, r)
			}
		}
		records = filtered
	}

	if jsonOutput {
		return printJSON(records)
	}
	if len(records) == 0 {
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "No tasks found")
		return nil
	}
	w := newTable("ID", "NAME", "STATE", "RESOURCE", "CREATED", "UPDATED")
	for _, r := range records {
		row(w, r.ID, r.Name, r.State, orDash(r.Resource), ago(r.CreatedAt), ago(r.UpdatedAt))
	}
	return w.Flush()
}

func runStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	e, _, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer closeEngine(e)

	v, err := e.View(cmd.Context(), args[0])
	if err != nil {
		return taskError(err)
	}
	if jsonOutput {
		return printJSON(v)
	}
	printTaskView(v)
	return nil
}

// taskError maps a failed task lookup to an exit code.
func taskError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, persistence.ErrNotFound) {
		return exitError(foundry.ExitFileNotFound, "No such task", err)
	}
	return exitError(exitCode(err), "Task operation failed", err)
}

func printTaskView(v engine.TaskView) {
	w := newTable("FIELD", "VALUE")
	row(w, "id", v.ID)
	row(w, "name", v.Name)
	row(w, "state", v.State)
	row(w, "info", orDash(v.Info))
	row(w, "resource", orDash(v.Resource))
	row(w, "job id", orDash(v.JobID))
	row(w, "exec dir", orDash(v.ExecDir))
	row(w, "output dir", orDash(v.OutputDir))
	row(w, "command", strings.Join(v.Arguments, " "))
	row(w, "cores", v.Cores)
	if v.Memory > 0 {
		row(w, "memory", v.Memory)
	}
	if v.Walltime > 0 {
		row(w, "walltime", v.Walltime)
	}
	row(w, "created", v.Created.Format(time.RFC3339))
	if v.Exit != nil {
		row(w, "returncode", v.Exit.ReturnCode)
		row(w, "exitcode", v.Exit.ExitCode)
		if v.Exit.Signal != 0 {
			row(w, "signal", fmt.Sprintf("%d (%s)", v.Exit.Signal, v.Exit.Description))
		}
	}
	if d := v.Usage.Duration; d != nil {
		row(w, "duration", *d)
	}
	if c := v.Usage.UsedCPUTime; c != nil {
		row(w, "cpu time", *c)
	}
	if m := v.Usage.MaxUsedMemory; m != nil {
		row(w, "max memory", *m)
	}
	_ = w.Flush()

	if len(v.History) > 0 {
		_, _ = fmt.Fprintln(stdout, "\nHistory:")
		for _, h := range v.History {
			_, _ = fmt.Fprintf(stdout, "  %s  %s\n", h.Time.Format(time.RFC3339), h.Message)
		}
	}
}
