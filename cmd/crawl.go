package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/localbiz-harvester/internal/crawler"
	"github.com/JakeFAU/localbiz-harvester/internal/progress/sinks"
	"github.com/JakeFAU/localbiz-harvester/internal/session"
)

type crawlOptions struct {
	location   string
	keyword    string
	maxResults int
	timeout    float64
	enrich     bool
}

// newCrawlCmd creates the 'crawl' subcommand. It runs a single session in
// process and prints each record as a JSON line.
func newCrawlCmd() *cobra.Command {
	opts := &crawlOptions{}
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs one harvesting session and prints records as JSON lines",
		Long: `Searches Google Maps for --keyword in --location and writes every record to
stdout as it is found. Logs go to stderr. Press Ctrl+C once to stop after the
in-flight detail pages finish, twice to abort.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var enrichment *bool
			if cmd.Flags().Changed("enrich") {
				enrichment = &opts.enrich
			}
			return runCrawlCommand(cmd.Context(), opts, enrichment, cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.location, "location", "", "search location, e.g. Istanbul")
	f.StringVar(&opts.keyword, "keyword", "", "search keyword, e.g. Software")
	f.IntVar(&opts.maxResults, "max-results", 0, "maximum records to collect (default from config)")
	f.Float64Var(&opts.timeout, "timeout", 0, "per-site enrichment timeout in seconds (default from config)")
	f.BoolVar(&opts.enrich, "enrich", true, "fetch each business website for email, LinkedIn and description")
	_ = cmd.MarkFlagRequired("location")
	_ = cmd.MarkFlagRequired("keyword")
	return cmd
}

func runCrawlCommand(ctx context.Context, opts *crawlOptions, enrichment *bool, out io.Writer) error {
	appInstance, err := resolveApp(ctx)
	if err != nil {
		return err
	}
	cfg := appInstance.Config()
	logger := appInstance.Logger()

	lines := sinks.NewJSONLinesSink(out)
	hub := appInstance.NewHub(context.Background(), sinks.NewLogSink(logger.Named("events")), lines)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
		defer cancel()
		if err := hub.Close(closeCtx); err != nil {
			logger.Warn("progress hub close failed", zap.Error(err))
		}
	}()

	base, abort := context.WithCancel(ctx)
	defer abort()
	registry := appInstance.NewRegistry(base, hub)

	req := cfg.Request(opts.location, opts.keyword, opts.maxResults, opts.timeout, enrichment)
	info, err := registry.Start(req)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go watchInterrupts(done, registry, abort, logger)

	final, err := registry.Wait(context.Background(), info.ID)
	if err != nil {
		return fmt.Errorf("wait for session: %w", err)
	}
	logger.Info("crawl finished",
		zap.String("session_id", final.ID),
		zap.String("state", string(final.State)),
		zap.Int("records", final.Records),
		zap.Int("scheduled", final.Scheduled),
		zap.Duration("elapsed", finishedAt(final).Sub(final.StartedAt)),
	)
	if final.State == crawler.StateFailed {
		return fmt.Errorf("session failed: %s", final.Error)
	}
	return nil
}

// watchInterrupts turns the first interrupt into a cooperative stop and the
// second into an abort of the session context.
func watchInterrupts(done <-chan struct{}, registry *session.Registry, abort context.CancelFunc, logger *zap.Logger) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	stopped := false
	for {
		select {
		case <-done:
			return
		case <-sigCh:
			if !stopped {
				stopped = true
				registry.StopAll()
				logger.Info("stop requested; waiting for in-flight details, interrupt again to abort")
				continue
			}
			logger.Warn("aborting")
			abort()
			return
		}
	}
}

func finishedAt(info session.Info) time.Time {
	if info.FinishedAt != nil {
		return *info.FinishedAt
	}
	return time.Now()
}
