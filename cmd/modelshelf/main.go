package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/modelshelf/internal/cleanup"
	"github.com/italolelis/modelshelf/internal/config"
	"github.com/italolelis/modelshelf/internal/downloader"
	"github.com/italolelis/modelshelf/internal/http/rest"
	"github.com/italolelis/modelshelf/internal/logctx"
	"github.com/italolelis/modelshelf/internal/notifier"
	"github.com/italolelis/modelshelf/internal/settings"
	"github.com/italolelis/modelshelf/internal/storage"
	"github.com/italolelis/modelshelf/internal/storage/sqlite"
	"github.com/italolelis/modelshelf/internal/telemetry"
	"github.com/italolelis/modelshelf/internal/transfer"
	slogmulti "github.com/samber/slog-multi"
	"golang.org/x/sync/errgroup"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("modelshelf starting...", "version", version, "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Load Settings
	store, err := settings.Open(cfg.SettingsFile, settings.Settings{
		DownloadFolder:         cfg.DownloadDir,
		MaxConcurrentDownloads: cfg.MaxConcurrent,
	})
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	prefs := store.Get()

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		DiskPath:       prefs.DownloadFolder,
	})
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}

	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := tel.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	if h := tel.LogHandler(); h != nil {
		logger = slog.New(slogmulti.Fanout(logger.Handler(), logctx.NewTraceHandler(h)))
		slog.SetDefault(logger)
		ctx = logctx.WithLogger(ctx, logger)
	}

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	history := sqlite.NewInstrumentedHistoryRepository(database, tel)

	// =========================================================================
	// Start Download Manager
	manager := downloader.NewManager(ctx, downloader.Options{
		DownloadDir:       prefs.DownloadFolder,
		MaxConcurrent:     prefs.MaxConcurrentDownloads,
		SampleInterval:    cfg.SampleInterval,
		MaxBytesPerSecond: cfg.BandwidthLimit,
		HTTPClient:        downloader.NewHTTPClient(cfg.HTTPTimeout),
		Telemetry:         tel,
	}, storage.NewHistoryRecorder(ctx, history))
	defer manager.Close()

	// =========================================================================
	// Start Notification
	setupNotificationForManager(ctx, manager, cfg)

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, cfg, manager, history, store, tel)

	logger.Info("waiting for downloads...",
		"download_dir", prefs.DownloadFolder,
		"max_concurrent", prefs.MaxConcurrentDownloads,
		"retention", cfg.KeepHistoryFor.String(),
		"bandwidth_limit", cfg.MaxBandwidth,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	// =========================================================================
	// Start Cleanup
	g.Go(func() error {
		return cleanup.Run(gctx, history, cfg.CleanupInterval, cfg.KeepHistoryFor)
	})

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	})

	return g.Wait()
}

func setupNotificationForManager(ctx context.Context, manager *downloader.Manager, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	manager.AddSink(downloader.SinkFuncs{
		StateChange: func(item transfer.Item) {
			logger.Debug("download state changed", "download_id", item.ID, "state", item.State)
		},
	})

	if cfg.DiscordWebhookURL == "" {
		return
	}

	manager.AddSink(notifier.NewDownloadAnnouncer(ctx, notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)))
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	cfg *config.Config,
	manager *downloader.Manager,
	history storage.HistoryReadRepository,
	store *settings.Store,
	tel *telemetry.Telemetry,
) *http.Server {
	handler := rest.NewDownloadsHandler(manager, history, store, cfg.Web.Username, cfg.Web.Password)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":         "ok",
			"instance_id":    manager.InstanceID(),
			"max_concurrent": manager.MaxConcurrent(),
		})
	})
	r.Handle("/metrics", tel.Handler())
	r.Mount("/", handler.Routes())

	return &http.Server{
		Addr:              cfg.Web.BindAddress,
		ReadTimeout:       cfg.Web.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Web.WriteTimeout,
		IdleTimeout:       cfg.Web.IdleTimeout,
		Handler:           r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
