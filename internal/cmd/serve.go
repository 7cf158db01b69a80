package cmd

import (
	"context"
	"errors"
	"net/http"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gobatch/internal/engine"
	"github.com/3leaps/gobatch/internal/observability"
	"github.com/3leaps/gobatch/internal/server"
	"github.com/3leaps/gobatch/internal/server/handlers"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Progress tasks in the background and serve their status over HTTP",
	Long: `Start a long-running process that advances every task in the session at
the configured poll interval and exposes a read-only JSON API:

  GET /health            readiness, including the task store
  GET /health/live       liveness
  GET /version           build information
  GET /v1/resources      configured resources (?refresh=true to query them)
  GET /v1/tasks          stored tasks (?state=running,submitted)
  GET /v1/tasks/{id}     one task with its history

Use --no-loop to serve status only, for example when another process is
already progressing the session.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "Listen host (default from config)")
	serveCmd.Flags().Int("port", 0, "Listen port (default from config)")
	serveCmd.Flags().Bool("no-loop", false, "Do not progress tasks")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	if h, _ := cmd.Flags().GetString("host"); h != "" {
		cfg.Server.Host = h
	}
	if p, _ := cmd.Flags().GetInt("port"); p != 0 {
		cfg.Server.Port = p
	}
	noLoop, _ := cmd.Flags().GetBool("no-loop")

	logger := observability.NewServerLogger(serviceName, cfg.Logging.Level)
	defer func() { _ = logger.Sync() }()

	e, err := engine.Open(ctx, cfg, logger)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to open session", err)
	}
	defer closeEngine(e)

	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithSource(e),
		server.WithLogger(logger),
		server.WithTimeouts(server.Timeouts{
			Read:     cfg.Server.ReadTimeout,
			Write:    cfg.Server.WriteTimeout,
			Idle:     cfg.Server.IdleTimeout,
			Shutdown: cfg.Server.ShutdownTimeout,
		}),
		server.WithVersion(handlers.VersionInfo{
			Version:   versionInfo.Version,
			Commit:    versionInfo.Commit,
			BuildDate: versionInfo.BuildDate,
		}),
	)
	srv.Health().RegisterChecker("store", handlers.CheckerFunc(func(ctx context.Context) error {
		_, err := e.List(ctx)
		return err
	}))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	loopDone := make(chan struct{})
	if noLoop {
		close(loopDone)
	} else {
		go func() {
			defer close(loopDone)
			if err := e.Loop(ctx, cfg.Poll.Interval); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Progress loop stopped", zap.Error(err))
			}
		}()
	}

	logger.Info("Starting server",
		zap.String("addr", srv.Addr()),
		zap.Duration("poll_interval", cfg.Poll.Interval),
		zap.Bool("loop", !noLoop))

	err = srv.ListenAndServe(ctx)
	cancel()
	<-loopDone
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
	}
	logger.Info("Server stopped")
	return nil
}
