package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	internalhttp "github.com/streamdub/streamdub/internal/http"
	"github.com/streamdub/streamdub/internal/scheduler"
	"github.com/streamdub/streamdub/internal/version"
	"github.com/streamdub/streamdub/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the streamdub server",
	Long: `Start the streamdub HTTP server.

The server accepts dubbing tasks on POST /api/start_tts, answers status
queries, exposes a health endpoint, and serves OpenAPI documentation
at /docs.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	tasks := worker.NewManager(logger)

	cleaner := scheduler.New(cfg.Scheduler, cfg.Scratch.BaseDir,
		cfg.Journal.Retention, a.journal, logger)
	if err := cleaner.Start(); err != nil {
		return err
	}
	tasks.OnStop("cleanup-scheduler", cleaner.Stop)

	server := internalhttp.NewServer(cfg.Server, logger, version.Short())

	taskHandler := internalhttp.NewTaskHandler(a.pipeline, tasks, a.gateway.KV,
		a.journal, cfg.Store.Object.PublicBaseURL, logger)
	taskHandler.Register(server.API(), version.Short())

	healthHandler := internalhttp.NewHealthHandler(version.Short(),
		a.gateway.KV, a.gateway.Object, cfg.FFmpeg.BinaryPath)
	healthHandler.Register(server.API())

	tasks.OnStop("http-server", server.Shutdown)

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	tasks.Shutdown(shutdownCtx)
	return nil
}
