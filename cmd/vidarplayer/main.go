package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/friendsincode/vidar_player/internal/afk"
	"github.com/friendsincode/vidar_player/internal/audio"
	"github.com/friendsincode/vidar_player/internal/backlog"
	"github.com/friendsincode/vidar_player/internal/config"
	"github.com/friendsincode/vidar_player/internal/db"
	"github.com/friendsincode/vidar_player/internal/events"
	"github.com/friendsincode/vidar_player/internal/logbuffer"
	"github.com/friendsincode/vidar_player/internal/logging"
	"github.com/friendsincode/vidar_player/internal/orchestrator"
	"github.com/friendsincode/vidar_player/internal/player"
	"github.com/friendsincode/vidar_player/internal/playlist"
	"github.com/friendsincode/vidar_player/internal/progress"
	"github.com/friendsincode/vidar_player/internal/queue"
	"github.com/friendsincode/vidar_player/internal/server"
	"github.com/friendsincode/vidar_player/internal/silence"
	"github.com/friendsincode/vidar_player/internal/telemetry"
	"github.com/friendsincode/vidar_player/internal/version"
)

var (
	logger zerolog.Logger
	cfg    *config.Config
	logBuf *logbuffer.Buffer
)

var rootCmd = &cobra.Command{
	Use:   "vidarplayer",
	Short: "Vidar Player - Silence-driven playback orchestrator",
	Long:  "Vidar Player watches desktop audio for sustained silence and walks a backlog of videos and local media through mpv or an embedded browser.",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Vidar Player daemon",
	Long:  "Start the orchestrator, silence monitor, AFK gate, and the HTTP control API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration (called by commands that need it)
func loadConfig() error {
	var err error
	cfg, err = config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logBuf = logbuffer.New(2000)
	logger = logging.SetupWithWriter(cfg.Environment, logbuffer.NewWriter(logBuf))
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	logger.Info().Str("version", version.Version).Msg("Vidar Player starting")

	tracerProvider, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{
		ServiceName:    "vidar-player",
		ServiceVersion: version.Version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TracingEnabled,
		SampleRate:     cfg.TracingSampleRate,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}
	defer func() {
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			logger.Error().Err(err).Msg("failed to shutdown tracer provider")
		}
	}()

	database, err := initDatabase()
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if err := db.Close(database); err != nil {
			logger.Error().Err(err).Msg("closing database")
		}
	}()
	if err := db.Migrate(database); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	bus := events.NewBus()

	gate := afk.NewGate(cfg, &afk.CommandSampler{Bin: cfg.AFKIdleCommand}, bus, logger)
	monitor := silence.NewMonitor(logger, bus, silence.Options{
		NoiseFloor: cfg.NoiseFloor,
		SoundFloor: cfg.SoundFloor,
		Gain:       cfg.AudioGain,
		Duration:   cfg.SilenceDuration,
		Debounce:   cfg.DebounceWindow,
		AFKActive:  gate.Active,
	})

	// One shared headless browser serves playlist expansion and title
	// resolution; the playback backends own their own instances.
	session := playlist.NewSession(cfg, logger)
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn().Err(err).Msg("closing scraper session")
		}
	}()
	expander := playlist.NewExpander(session)
	resolver := playlist.NewResolver(session)

	backlogSvc := backlog.NewService(database, resolver, bus, logger)
	progressStore := progress.NewStore(database, logger)

	watched := func(canonicalRef string) bool {
		status, err := progressStore.LookupStatus(context.Background(), canonicalRef)
		return err == nil && status.Finished()
	}
	scheduler := queue.New(logger, expander.Expand, watched)

	backends := player.NewManager(cfg, logger)

	orch := orchestrator.New(orchestrator.Deps{
		Config:    cfg,
		Scheduler: scheduler,
		Backends:  backends,
		Progress:  progressStore,
		Monitor:   monitor,
		Gate:      gate,
		Source:    backlogSvc,
		Bus:       bus,
		Logger:    logger,
	})

	updates := version.NewChecker(logger)

	srv := server.New(cfg, server.Deps{
		Orchestrator: orch,
		Backlog:      backlogSvc,
		Scheduler:    scheduler,
		Progress:     progressStore,
		Monitor:      monitor,
		Gate:         gate,
		Bus:          bus,
		LogBuffer:    logBuf,
		Updates:      updates,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates.Start(ctx)
	defer updates.Stop()

	go orch.Run(ctx)
	go gate.Run(ctx)
	if capture := audio.NewCapture(cfg, monitor.Ingest, logger); capture != nil {
		go capture.Run(ctx)
	} else {
		logger.Warn().Msg("audio capture disabled, silence triggers will never fire")
	}

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				db.UpdateConnectionMetrics(database)
			}
		}
	}()

	httpServer := srv.HTTPServer()
	go func() {
		logger.Info().Str("addr", httpServer.Addr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down gracefully...")

	timeoutCtx, timeoutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer timeoutCancel()

	if err := httpServer.Shutdown(timeoutCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	// Stops the tick loop and releases any running backend.
	orch.Stop(cancel)

	logger.Info().Msg("Vidar Player stopped")
	return nil
}

// initDatabase initializes the database connection (used by subcommands)
func initDatabase() (*gorm.DB, error) {
	return db.Connect(cfg)
}
