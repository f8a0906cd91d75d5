package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/localbiz-harvester/internal/api"
	"github.com/JakeFAU/localbiz-harvester/internal/metrics"
	"github.com/JakeFAU/localbiz-harvester/internal/progress/sinks"
)

// newServeCmd creates the 'serve' subcommand, which runs the HTTP API.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the harvesting HTTP API",
		Long: `Starts the HTTP server. Sessions are started with POST /v1/sessions and
their events are streamed from GET /v1/sessions/{id}/events.`,
		RunE: runServeCommand,
	}
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	cfg := appInstance.Config()
	logger := appInstance.Logger()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()
	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("init prometheus sink: %w", err)
	}
	stream := sinks.NewStreamSink(sinks.StreamConfig{
		ReplayLimit:  cfg.Progress.ReplayLimit,
		FinishedKept: cfg.Progress.FinishedKept,
	})
	hub := appInstance.NewHub(context.Background(),
		sinks.NewLogSink(logger.Named("events")),
		promSink,
		stream,
	)

	// Sessions outlive the requests that start them; baseCancel is the last resort.
	base, baseCancel := context.WithCancel(context.Background())
	defer baseCancel()
	registry := appInstance.NewRegistry(base, hub)

	apiServer := api.NewServer(registry, stream, appInstance.Records(), cfg, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()
	if n := registry.StopAll(); n > 0 {
		logger.Info("stopping sessions", zap.Int("running", n))
	}
	if err := registry.Shutdown(shutdownCtx); err != nil {
		logger.Warn("sessions did not drain in time", zap.Error(err))
	}
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Warn("progress hub close failed", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete", zap.Int64("dropped_events", hub.Dropped()))
	return runErr
}
