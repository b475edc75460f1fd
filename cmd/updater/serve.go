package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/italolelis/firmware_updater/internal/cleanup"
	"github.com/italolelis/firmware_updater/internal/config"
	"github.com/italolelis/firmware_updater/internal/controller"
	"github.com/italolelis/firmware_updater/internal/feed"
	"github.com/italolelis/firmware_updater/internal/http/rest"
	"github.com/italolelis/firmware_updater/internal/install"
	"github.com/italolelis/firmware_updater/internal/logctx"
	"github.com/italolelis/firmware_updater/internal/notifier"
	"github.com/italolelis/firmware_updater/internal/platform"
	"github.com/italolelis/firmware_updater/internal/storage/sqlite"
	"github.com/italolelis/firmware_updater/internal/telemetry"
	"github.com/italolelis/firmware_updater/internal/update"
	"github.com/italolelis/firmware_updater/internal/workerpool"
)

func serve(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("firmware updater starting...",
		"log_level", cfg.LogLevel,
		"build_version", cfg.Build.Version,
		"build_timestamp", cfg.Build.Timestamp,
		"streaming", cfg.StreamingDevice,
	)

	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		return fmt.Errorf("failed to create download dir: %w", err)
	}

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Build.Version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		DiskPath:       cfg.DownloadDir,
	})
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	store := sqlite.NewInstrumentedUpdateRepository(database, tel)

	state, err := install.NewStateStore(sqlite.NewInstrumentedPreferenceRepository(database, tel))
	if err != nil {
		return fmt.Errorf("failed to load install state: %w", err)
	}

	// =========================================================================
	// Start Notification
	var notif notifier.Notifier
	if cfg.DiscordWebhookURL != "" {
		notif = &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL}
	}

	// =========================================================================
	// Check the last install and tidy the downloads directory
	checkBoot(ctx, cfg, state, notif)

	rows, err := store.GetUpdates()
	if err != nil {
		return fmt.Errorf("failed to read updates: %w", err)
	}

	if err := cleanup.DownloadsDir(ctx, cfg.DownloadDir, state, rows, cleanup.Options{
		BuildTimestamp: cfg.Build.Timestamp,
		AutoDelete:     cfg.AutoDeleteUpdates,
	}); err != nil {
		logger.Error("failed to clean the downloads directory", "err", err)
	}

	// =========================================================================
	// Start Controller
	transfers := workerpool.New(ctx, "transfers", cfg.MaxParallelDownloads, 16, workerpool.WithErrorRecorder(tel))
	background := workerpool.New(ctx, "background", cfg.BackgroundWorkers, 64, workerpool.WithErrorRecorder(tel))

	var engine install.Engine
	if cfg.StreamingDevice {
		if err := os.MkdirAll(cfg.EngineStateDir, 0o755); err != nil {
			return fmt.Errorf("failed to create engine state dir: %w", err)
		}

		engine = platform.NewCommandEngine(ctx, cfg.ApplyCommand, cfg.EngineStateDir)
	}

	ctrl, err := controller.New(ctx, controller.Options{
		DownloadDir: cfg.DownloadDir,
		Store:       store,
		State:       state,
		Verifier:    platform.ArchiveVerifier{},
		WakeLock: platform.SysfsWakeLock{
			Name:       "firmware-updater",
			LockPath:   cfg.WakeLockPath,
			UnlockPath: cfg.WakeUnlockPath,
		},
		Flasher:           platform.CommandFlasher{Command: cfg.FlashCommand},
		Engine:            engine,
		Transfers:         transfers,
		Background:        background,
		UseDuplicateLinks: true,
		BuildTimestamp:    cfg.Build.Timestamp,
		EncryptedStorage:  cfg.EncryptedStorage,
		AutoDelete:        cfg.AutoDeleteUpdates,
		Telemetry:         tel,
	})
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}

	if err := ctrl.Load(ctx); err != nil {
		return err
	}

	if cfg.PerformanceMode {
		ctrl.SetPerformanceMode(ctx, true)
	}

	if ctrl.Reconnect(ctx) {
		logger.Info("reconnected to the running installation")
	}

	// =========================================================================
	// Start Update Feed
	var checker *feed.Checker

	if cfg.FeedURL != "" {
		client := feed.NewClient(feed.ClientOptions{
			URL:       feed.ServerURL(cfg.FeedURL, cfg.Build),
			Token:     cfg.FeedToken,
			CacheDir:  cfg.CacheDir,
			Build:     cfg.Build,
			Telemetry: tel,
		})

		checker = feed.NewChecker(client, ctrl, cfg.CheckInterval)
		checker.OnNewUpdates = func(ctx context.Context, updates []update.Info) {
			if notif == nil {
				return
			}

			if err := notif.Notify(ctx, fmt.Sprintf("🆕 %d update(s) available", len(updates))); err != nil {
				logger.Error("failed to send notification", "err", err)
			}
		}

		if err := checker.LoadCached(ctx); err != nil {
			logger.Warn("failed to load cached update feed", "err", err)
		}
	} else {
		logger.Warn("FEED_URL is not set, updates can only be added through the stored records")
	}

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, cfg, ctrl, checker, tel)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	if checker != nil {
		g.Go(func() error {
			return checker.Run(gctx)
		})
	}

	if notif != nil {
		g.Go(func() error {
			return notifier.Watch(gctx, ctrl, notif)
		})
	}

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		ctrl.Shutdown(shutdownCtx)
		transfers.Shutdown(shutdownCtx)
		background.Shutdown(shutdownCtx)

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}

		return nil
	})

	return g.Wait()
}

// checkBoot clears reboot markers on the first start of a boot and reports a
// legacy install that did not take.
func checkBoot(ctx context.Context, cfg *config.Config, state *install.StateStore, notif notifier.Notifier) {
	logger := logctx.LoggerFromContext(ctx)

	bootID, err := platform.ReadBootID(cfg.BootIDPath)
	if err != nil {
		logger.Warn("failed to read boot id", "err", err)
	}

	outcome, err := install.CheckBootOutcome(ctx, state, cfg.Build.Timestamp, bootID)
	if err != nil {
		logger.Error("failed to check the last install", "err", err)

		return
	}

	if !outcome.UpdateFailed || notif == nil {
		return
	}

	if err := notif.Notify(ctx, notifier.BootFailureMessage(outcome)); err != nil {
		logger.Error("failed to send notification", "err", err)
	}
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, cfg *config.Config, ctrl *controller.Controller, checker *feed.Checker, tel *telemetry.Telemetry) *http.Server {
	var fc rest.FeedChecker
	if checker != nil {
		fc = checker
	}

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Handle("/metrics", tel.Handler())
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Mount("/api", rest.NewUpdatesHandler(ctrl, fc, cfg.Build).Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
