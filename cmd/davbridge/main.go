package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexjbarnes/davbridge/internal/checksum"
	"github.com/alexjbarnes/davbridge/internal/config"
	"github.com/alexjbarnes/davbridge/internal/conflict"
	"github.com/alexjbarnes/davbridge/internal/integrity"
	"github.com/alexjbarnes/davbridge/internal/logging"
	"github.com/alexjbarnes/davbridge/internal/metrics"
	"github.com/alexjbarnes/davbridge/internal/monitor"
	"github.com/alexjbarnes/davbridge/internal/pipeline"
	"github.com/alexjbarnes/davbridge/internal/retry"
	"github.com/alexjbarnes/davbridge/internal/server"
	"github.com/alexjbarnes/davbridge/internal/state"
	"github.com/alexjbarnes/davbridge/internal/verify"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "davbridge",
	Short: "Replicate finished files from a local directory to a WebDAV server",
	Long: `davbridge watches a local directory, waits until new files stop growing,
and uploads them to a WebDAV collection. Every upload is verified with the
cheapest check that is conclusive: a server ETag, a stored checksum, or a
download for small files.

Configuration is read from the environment and an optional .env file.`,
	SilenceUsage: true,
	RunE:         runDaemon,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Watch WATCH_DIR and upload files as they become ready (default)",
	Args:  cobra.NoArgs,
	RunE:  runDaemon,
}

func init() {
	rootCmd.Version = Version

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(recordsCmd)
	rootCmd.AddCommand(importLegacyCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, logFile := logging.NewFileLogger(cfg.Environment, cfg.LogFile)
	defer logFile.Close()

	runID := uuid.NewString()
	logger = logger.With(slog.String("run_id", runID))

	logger.Info("davbridge starting",
		slog.String("version", Version),
		slog.String("watch_dir", cfg.WatchDir),
		slog.String("remote_dir", cfg.RemoteDir),
		slog.String("conflict_policy", cfg.ConflictPolicy),
	)

	ctx := cmd.Context()

	appState, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	client, err := connect(ctx, cfg, appState, logger)
	if err != nil {
		return err
	}

	cache := checksum.NewCache(cfg.ChecksumCacheMax)
	if err := cache.Load(appState); err != nil {
		logger.Warn("starting with an empty checksum cache", slog.String("error", err.Error()))
	}

	metrics.RegisterCacheStats(func() metrics.CacheStats {
		s := cache.Stats()
		return metrics.CacheStats{Hits: s.Hits, Misses: s.Misses}
	})

	var (
		policy  conflict.Resolution
		decider conflict.Decider
	)

	if cfg.ConflictPolicy == config.PolicyAsk {
		decider = conflict.NewPromptDecider(os.Stdin, os.Stderr)
	} else {
		policy = conflict.Resolution(cfg.ConflictPolicy)
	}

	p := pipeline.New(pipeline.Config{
		LocalRoot:         cfg.WatchDir,
		RemoteRoot:        cfg.RemoteDir,
		PreserveStructure: cfg.PreserveStructure,
		Verify:            cfg.VerifyUploads,
		StoreChecksums:    cfg.StoreChecksums,
		Policy:            policy,
		Decider:           decider,
		Retry: retry.Config{
			InitialWait: cfg.LockedRetryInitial,
			Interval:    cfg.LockedRetryInterval,
			MaxAttempts: cfg.LockedRetryMax,
		},
		Listener: pipeline.NewLogListener(logger, 0),
		Logger:   logger,
	}, client, appState, cache)

	mon := monitor.New(monitor.Config{
		Root:            cfg.WatchDir,
		Extensions:      cfg.Extensions,
		Recursive:       cfg.Recursive,
		ScanExisting:    cfg.ScanExisting,
		StabilityWindow: cfg.StabilityWindow,
		Recheck:         cfg.StabilityRecheck,
		PollInterval:    cfg.PollInterval,
		Logger:          logger,
	}, p)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return mon.Run(gctx)
	})

	g.Go(func() error {
		return p.Run(gctx)
	})

	if cfg.CheckOnStart {
		checker := integrity.New(integrity.Config{
			Store:    appState,
			Remote:   client,
			Verifier: verify.New(client, logger),
			Digest:   cache.Get,
			Repair:   true,
			Requeue:  p.Enqueue,
			Logger:   logger.With(slog.String("component", "integrity")),
		})

		g.Go(func() error {
			if _, err := checker.Run(gctx); err != nil && gctx.Err() == nil {
				// A failed check leaves the records as they were; uploads go on.
				logger.Warn("startup integrity check failed", slog.String("error", err.Error()))
			}

			return nil
		})
	}

	if cfg.MetricsAddr != "" {
		mux := server.NewMux(server.MuxConfig{
			Status: func() server.Status {
				cs := cache.Stats()

				return server.Status{
					RunID:          runID,
					Version:        Version,
					RemoteURL:      client.BaseURL(),
					WatchDir:       cfg.WatchDir,
					InFlight:       p.Len(),
					LockedWaiting:  p.LockedWaiting(),
					CacheEntries:   cs.Entries,
					CacheHits:      cs.Hits,
					CacheMisses:    cs.Misses,
					TransfersTotal: appState.TransferCount(),
				}
			},
			Logger: logger,
		})

		g.Go(func() error {
			return server.Serve(gctx, cfg.MetricsAddr, mux, logger.With(slog.String("service", "status")))
		})
	}

	err = g.Wait()

	if saveErr := cache.Save(appState); saveErr != nil {
		logger.Warn("saving checksum cache", slog.String("error", saveErr.Error()))
	}

	if errors.Is(err, context.Canceled) {
		logger.Info("davbridge stopped", slog.Int("unfinished", p.Len()))
		return nil
	}

	return err
}
