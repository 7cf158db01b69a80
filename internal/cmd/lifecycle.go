package cmd

import (
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gobatch/internal/observability"
	"github.com/3leaps/gobatch/pkg/job"
)

var progressCmd = &cobra.Command{
	Use:   "progress [task-id...]",
	Short: "Advance tasks by one step",
	Long: `Poll each task once: submit it if new, update its state if live, and
fetch its output once it has finished. Without arguments every unfinished
task in the session is advanced.

Examples:
  gobatch progress
  gobatch progress 0190f3c2-...`,
	RunE: runProgress,
}

var killCmd = &cobra.Command{
	Use:   "kill <task-id>...",
	Short: "Cancel tasks",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runKill,
}

var fetchCmd = &cobra.Command{
	Use:   "fetch <task-id>",
	Short: "Retrieve the output of a task",
	Long: `Copy the declared outputs of a finished or running task into its output
directory (or --dir). An existing directory is moved aside to DIR.~N~ unless
--overwrite is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runFetch,
}

var freeCmd = &cobra.Command{
	Use:   "free <task-id>...",
	Short: "Release the execution directories of finished tasks",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runFree,
}

var peekCmd = &cobra.Command{
	Use:   "peek <task-id>",
	Short: "Print part of a task's stdout or stderr",
	Long: `Print part of a running task's standard output or error. A negative
--offset counts from the end of the file.

Examples:
  gobatch peek 0190f3c2-... --offset -2048
  gobatch peek 0190f3c2-... --stderr --size 512`,
	Args: cobra.ExactArgs(1),
	RunE: runPeek,
}

func init() {
	rootCmd.AddCommand(progressCmd, killCmd, fetchCmd, freeCmd, peekCmd)

	fetchCmd.Flags().String("dir", "", "Download directory (default: the task's output directory)")
	fetchCmd.Flags().Bool("overwrite", false, "Overwrite files in an existing directory")
	fetchCmd.Flags().Bool("changed-only", false, "With --overwrite, skip files that did not change")

	freeCmd.Flags().Bool("forget", false, "Also remove the tasks from the session")

	peekCmd.Flags().Bool("stderr", false, "Read stderr instead of stdout")
	peekCmd.Flags().Int64("offset", 0, "Byte offset; negative counts from the end")
	peekCmd.Flags().Int64("size", 1024, "Bytes to read; 0 reads to the end")
}

func runProgress(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, _, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer closeEngine(e)

	if len(args) == 0 {
		sum, err := e.ProgressAll(ctx)
		if err != nil {
			return exitError(exitCode(err), "Progress failed", err)
		}
		w := newTable("STATE", "TASKS")
		for _, s := range job.States() {
			if n := sum.States[s]; n > 0 {
				row(w, s, n)
			}
		}
		_ = w.Flush()
		if sum.Errors > 0 {
			return exitError(foundry.ExitExternalServiceUnavailable, "progress completed with errors", fmt.Errorf("errors=%d", sum.Errors))
		}
		return nil
	}

	failures := 0
	for _, id := range args {
		t, _, err := e.Progress(ctx, id)
		if err != nil {
			failures++
			observability.CLILogger.Error("Progress failed", zap.String("task", id), zap.Error(err))
			continue
		}
		_, _ = fmt.Fprintf(stdout, "%s\t%s\t%s\n", t.ID, t.State(), t.Execution.Info())
	}
	if failures > 0 {
		return exitError(foundry.ExitExternalServiceUnavailable, "progress completed with errors", fmt.Errorf("errors=%d", failures))
	}
	return nil
}

func runKill(cmd *cobra.Command, args []string) error {
	e, _, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer closeEngine(e)

	var last error
	for _, id := range args {
		t, err := e.Kill(cmd.Context(), id)
		if err != nil {
			observability.CLILogger.Error("Kill failed", zap.String("task", id), zap.Error(err))
			last = err
			continue
		}
		_, _ = fmt.Fprintf(stdout, "%s\t%s\n", t.ID, t.State())
	}
	return taskError(last)
}

func runFetch(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("dir")
	overwrite, _ := cmd.Flags().GetBool("overwrite")
	changedOnly, _ := cmd.Flags().GetBool("changed-only")

	e, _, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer closeEngine(e)

	t, err := e.Fetch(cmd.Context(), args[0], dir, overwrite, changedOnly)
	if err != nil {
		if job.IsDataStaging(err) {
			return exitError(foundry.ExitFileWriteError, "Output retrieval failed", err)
		}
		return taskError(err)
	}
	if dir == "" {
		dir = t.App.OutputDir
	}
	_, _ = fmt.Fprintf(stdout, "%s\t%s\t%s\n", t.ID, t.State(), dir)
	return nil
}

func runFree(cmd *cobra.Command, args []string) error {
	forget, _ := cmd.Flags().GetBool("forget")
	e, _, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer closeEngine(e)

	var last error
	for _, id := range args {
		if err := e.Free(cmd.Context(), id, forget); err != nil {
			observability.CLILogger.Error("Free failed", zap.String("task", id), zap.Error(err))
			last = err
		}
	}
	return taskError(last)
}

func runPeek(cmd *cobra.Command, args []string) error {
	useStderr, _ := cmd.Flags().GetBool("stderr")
	offset, _ := cmd.Flags().GetInt64("offset")
	size, _ := cmd.Flags().GetInt64("size")
	stream := job.StreamStdout
	if useStderr {
		stream = job.StreamStderr
	}

	e, _, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer closeEngine(e)

	data, err := e.Peek(cmd.Context(), args[0], stream, offset, size)
	if err != nil {
		if os.IsNotExist(err) {
			return exitError(foundry.ExitFileNotFound, "Output file not found", err)
		}
		return taskError(err)
	}
	_, _ = stdout.Write(data)
	return nil
}
