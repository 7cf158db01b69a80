// Package cmd implements the gobatch command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gobatch/internal/config"
	"github.com/3leaps/gobatch/internal/engine"
	"github.com/3leaps/gobatch/internal/observability"
	"github.com/3leaps/gobatch/pkg/job"
)

const serviceName = "gobatch"

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{Version: "dev", Commit: "unknown", BuildDate: "unknown"}

// SetVersionInfo records build metadata from main.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	cfgFile    string
	verbose    bool
	logLevel   string
	sessionDir string
	storeKind  string
)

var rootCmd = &cobra.Command{
	Use:   "gobatch",
	Short: "Run and track batch jobs on local and SSH resources",
	Long: `gobatch submits applications to execution resources, tracks them
without continuous supervision and collects their output.

Resources are defined in the config file ($XDG_CONFIG_HOME/gobatch/config.yaml
or --config). Tasks are remembered in the session directory, so every command
can pick up where an earlier invocation left off.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		observability.InitCLILogger(serviceName, logLevel, verbose)
		config.SetConfigFile(cfgFile)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default $XDG_CONFIG_HOME/gobatch/config.yaml)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	pf.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.StringVar(&sessionDir, "session", "", "session directory holding the task store")
	pf.StringVar(&storeKind, "store", "", "task store kind (sqlite or file)")
}

// exitCodeError carries the process exit code for Execute.
type exitCodeError struct {
	code    int
	message string
	err     error
}

func (e *exitCodeError) Error() string {
	if e.err == nil {
		return e.message
	}
	return fmt.Sprintf("%s: %v", e.message, e.err)
}

func (e *exitCodeError) Unwrap() error { return e.err }

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &exitCodeError{code: code, message: message, err: err}
}

// exitCode picks the process exit code for err.
func exitCode(err error) int {
	var ec *exitCodeError
	if errors.As(err, &ec) {
		return ec.code
	}
	switch {
	case errors.Is(err, context.Canceled):
		return foundry.ExitSignalInt
	case job.IsConfiguration(err):
		return foundry.ExitInvalidArgument
	case errors.Is(err, job.ErrTransport), errors.Is(err, job.ErrNoResources), job.IsAdmission(err):
		return foundry.ExitExternalServiceUnavailable
	}
	return 1
}

// Execute runs the root command and exits the process on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}
	var ec *exitCodeError
	if !errors.As(err, &ec) || ec.message != "" {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(exitCode(err))
}

// loadConfig loads the configuration with the session flags applied.
func loadConfig(ctx context.Context) (*config.Config, error) {
	session := map[string]any{}
	if sessionDir != "" {
		session["dir"] = sessionDir
	}
	if storeKind != "" {
		session["store"] = storeKind
	}
	overrides := map[string]any{}
	if len(session) > 0 {
		overrides["session"] = session
	}
	if logLevel != "" {
		overrides["logging"] = map[string]any{"level": logLevel}
	}
	cfg, err := config.Load(ctx, overrides)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	if logLevel == "" {
		observability.InitCLILogger(serviceName, cfg.Logging.Level, verbose)
	}
	return cfg, nil
}

// openEngine loads the configuration and opens the engine. The caller closes
// the engine.
func openEngine(cmd *cobra.Command) (*engine.Engine, *config.Config, error) {
	ctx := cmd.Context()
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, nil, err
	}
	e, err := engine.Open(ctx, cfg, observability.CLILogger)
	if err != nil {
		if job.IsConfiguration(err) {
			return nil, nil, exitError(foundry.ExitInvalidArgument, "Invalid resource definition", err)
		}
		return nil, nil, exitError(foundry.ExitFileWriteError, "Failed to open session", err)
	}
	return e, cfg, nil
}

func closeEngine(e *engine.Engine) {
	if err := e.Close(); err != nil {
		observability.CLILogger.Warn("Failed to close session", zap.Error(err))
	}
}
