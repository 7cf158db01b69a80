package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gobatch/internal/engine"
	"github.com/3leaps/gobatch/internal/observability"
	"github.com/3leaps/gobatch/pkg/job"
	"github.com/3leaps/gobatch/pkg/manifest"
)

var submitCmd = &cobra.Command{
	Use:   "submit <manifest>",
	Short: "Submit the application described by a manifest",
	Long: `Submit an application to the best matching resource and print the task id.

The manifest is YAML or JSON; relative local paths in it are resolved against
the manifest's directory. Use 'gobatch progress' or 'gobatch status' to follow
the task afterwards.

Examples:
  gobatch submit job.yaml
  gobatch submit job.yaml --output-dir ./results --json`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

var runCmd = &cobra.Command{
	Use:   "run <manifest>",
	Short: "Submit an application and wait for it to finish",
	Long: `Submit an application, poll it until it terminates, fetch its output and
exit with the job's exit code. Outputs go to --output-dir, the manifest's
output_dir, or NAME.out next to the manifest.

Examples:
  gobatch run job.yaml
  gobatch run job.yaml --interval 5s`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(runCmd)
	for _, c := range []*cobra.Command{submitCmd, runCmd} {
		c.Flags().String("output-dir", "", "Local directory for outputs (overrides the manifest)")
		c.Flags().Bool("json", false, "Output as JSON")
	}
	runCmd.Flags().Duration("interval", 0, "Poll interval (default poll.interval from config)")
}

func loadApplication(cmd *cobra.Command, path string) (job.Application, error) {
	m, err := manifest.Load(path)
	if err != nil {
		return job.Application{}, exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return job.Application{}, exitError(foundry.ExitFileReadError, "Failed to resolve manifest path", err)
	}
	app, err := m.Application(filepath.Dir(abs))
	if err != nil {
		return job.Application{}, exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}
	if dir, _ := cmd.Flags().GetString("output-dir"); dir != "" {
		if app.OutputDir, err = filepath.Abs(dir); err != nil {
			return job.Application{}, exitError(foundry.ExitInvalidArgument, "Invalid --output-dir value", err)
		}
	}
	// Without a destination, outputs land next to the manifest.
	if app.OutputDir == "" {
		app.OutputDir = filepath.Join(filepath.Dir(abs), app.Name+".out")
	}
	observability.CLILogger.Debug("Loaded manifest",
		zap.String("path", path),
		zap.String("name", app.Name),
		zap.Int("cores", app.Cores()))
	return app, nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	app, err := loadApplication(cmd, args[0])
	if err != nil {
		return err
	}

	e, _, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer closeEngine(e)

	t, err := e.Submit(cmd.Context(), app)
	if err != nil {
		return exitError(exitCode(err), "Submission failed", err)
	}
	if jsonOutput {
		return printJSON(engine.NewTaskView(t))
	}
	_, _ = fmt.Fprintf(stdout, "%s\t%s\t%s\n", t.ID, t.Execution.ResourceName, t.State())
	return nil
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")
	interval, _ := cmd.Flags().GetDuration("interval")

	app, err := loadApplication(cmd, args[0])
	if err != nil {
		return err
	}
	e, cfg, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer closeEngine(e)
	if interval <= 0 {
		interval = cfg.Poll.Interval
	}

	t, err := e.Submit(ctx, app)
	if err != nil {
		return exitError(exitCode(err), "Submission failed", err)
	}
	observability.CLILogger.Info("Task submitted", zap.String("task", t.ID), zap.String("resource", t.Execution.ResourceName))

	id := t.ID
	t, _, err = e.Wait(ctx, id, interval)
	if err != nil {
		if ctx.Err() != nil {
			return exitError(foundry.ExitSignalInt, "Interrupted; the task keeps running, resume with 'gobatch progress "+id+"'", ctx.Err())
		}
		return exitError(exitCode(err), "Task failed", err)
	}

	if jsonOutput {
		if err := printJSON(engine.NewTaskView(t)); err != nil {
			return err
		}
	} else {
		_, _ = fmt.Fprintf(stdout, "%s\t%s\t%s\n", t.ID, t.State(), t.Execution.Info())
	}
	if !t.Execution.Succeeded() {
		code := t.Execution.ExitCode()
		if code <= 0 {
			code = 1
		}
		return exitError(code, "", nil)
	}
	return nil
}
