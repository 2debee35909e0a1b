package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jensholdgaard/streamjournal/internal/clock"
	"github.com/jensholdgaard/streamjournal/internal/codec"
	"github.com/jensholdgaard/streamjournal/internal/config"
	"github.com/jensholdgaard/streamjournal/internal/health"
	"github.com/jensholdgaard/streamjournal/internal/journal"
	"github.com/jensholdgaard/streamjournal/internal/kv"
	"github.com/jensholdgaard/streamjournal/internal/leader"
	"github.com/jensholdgaard/streamjournal/internal/pruner"
	"github.com/jensholdgaard/streamjournal/internal/snapshot"
	"github.com/jensholdgaard/streamjournal/internal/telemetry"

	// Register kv drivers and snapshot backends so they are available via
	// kv.Open and snapshot.Open.
	_ "github.com/jensholdgaard/streamjournal/internal/kv/memory"
	_ "github.com/jensholdgaard/streamjournal/internal/kv/postgres"
	_ "github.com/jensholdgaard/streamjournal/internal/snapshot/filestore"
	_ "github.com/jensholdgaard/streamjournal/internal/snapshot/sortedstore"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		slog.Error("fatal error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Load configuration.
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup telemetry.
	tp, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without OTEL export", slog.Any("error", err))
		tp = telemetry.NewNopProvider()
	}
	defer func() {
		if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
			slog.Error("telemetry shutdown error", slog.Any("error", shutdownErr))
		}
	}()

	logger := tp.Logger
	clk := clock.Real{}

	// Open the journal table using the configured driver. The write path,
	// replay and deletion all share the one client; it is closed when the
	// last holder releases it.
	journalClient, err := kv.Open(ctx, cfg.Store, cfg.Store.JournalTable)
	if err != nil {
		return fmt.Errorf("opening journal table (driver=%s): %w", cfg.Store.Driver, err)
	}
	shared := kv.NewShared(journalClient)
	defer shared.Release()

	logger.InfoContext(ctx, "connected to store",
		slog.String("driver", cfg.Store.Driver),
		slog.String("journal_table", cfg.Store.JournalTable),
	)

	jnl := journal.New(shared.Acquire(), cfg.Journal, logger, tp.TracerProvider)
	defer jnl.Close()

	deleter := journal.NewDeleter(shared, cfg.Journal.ScanBatchSize, logger, tp.TracerProvider)
	deleter.AddListener(func(d journal.Deletion) {
		logger.Info("stream range deleted",
			slog.String("stream_id", d.StreamID),
			slog.Uint64("to_sequence_nr", d.ToSequenceNr),
			slog.Bool("permanent", d.Permanent),
		)
	})

	// The sorted-store snapshot backend needs its own client bound to the
	// snapshot table; the filesystem backend ignores it.
	var snapClient kv.Client
	if cfg.Snapshot.Backend == "sorted-store" {
		snapClient, err = kv.Open(ctx, cfg.Store, cfg.Store.SnapshotTable)
		if err != nil {
			return fmt.Errorf("opening snapshot table: %w", err)
		}
	}
	snaps, err := snapshot.Open(ctx, cfg.Snapshot, snapshot.Deps{
		Client: snapClient,
		Codec:  codec.JSON{},
		Clock:  clk,
		Logger: logger,
		Tracer: tp.TracerProvider,
	})
	if err != nil {
		return fmt.Errorf("opening snapshot store (backend=%s): %w", cfg.Snapshot.Backend, err)
	}
	defer snaps.Close()

	// Setup health checks.
	healthHandler := health.NewHandler(clk,
		health.Checker{
			Name:  "store",
			Check: shared.Ping,
		},
	)

	// Start HTTP server for health checks (runs on all replicas).
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler.LivenessHandler())
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler())

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.InfoContext(ctx, "starting health server", slog.Int("port", cfg.Server.Port))
		if listenErr := httpServer.ListenAndServe(); listenErr != nil && listenErr != http.ErrServerClosed {
			logger.ErrorContext(ctx, "health server error", slog.Any("error", listenErr))
		}
	}()

	healthHandler.SetReady(true)
	logger.InfoContext(ctx, "journald is running", slog.String("version", version))

	// startRetention is the work only the leader should run: the retention
	// pruner deletes from the shared store, so two replicas running it at
	// once would race each other.
	startRetention := func(ctx context.Context) {
		p := pruner.New(snaps, deleter, cfg.Retention, logger, tp.TracerProvider)
		scheduler, schedErr := pruner.Schedule(p, cfg.Retention.Interval, logger)
		if schedErr != nil {
			logger.ErrorContext(ctx, "starting retention failed", slog.Any("error", schedErr))
			return
		}
		logger.InfoContext(ctx, "retention running",
			slog.Duration("interval", cfg.Retention.Interval),
			slog.Int("keep_snapshots", cfg.Retention.KeepSnapshots),
		)

		// Block until leadership is lost or the process is shutting down.
		<-ctx.Done()

		if stopErr := scheduler.Shutdown(); stopErr != nil {
			logger.Error("retention shutdown error", slog.Any("error", stopErr))
		}
	}

	switch {
	case !cfg.Retention.Enabled:
		// Nothing leader-exclusive to do; serve until shutdown.
		<-ctx.Done()
	case cfg.LeaderElection.Enabled:
		logger.InfoContext(ctx, "leader election enabled, waiting for leadership...")

		if leaderErr := leader.Run(ctx, cfg.LeaderElection, logger, startRetention, func() {
			logger.Info("lost leadership, shutting down...")
			cancel()
		}); leaderErr != nil {
			return fmt.Errorf("leader election: %w", leaderErr)
		}
	default:
		// Single replica, run retention directly.
		startRetention(ctx)
	}

	logger.Info("shutting down...")
	healthHandler.SetReady(false)

	// Push out anything still buffered before the deferred close.
	flushCtx, flushCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	if flushErr := jnl.Flush(flushCtx); flushErr != nil {
		logger.Error("journal flush error", slog.Any("error", flushErr))
	}
	flushCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", slog.Any("error", err))
	}

	logger.Info("shutdown complete")
	return nil
}
