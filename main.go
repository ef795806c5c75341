// entry point of the application
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"songzip/internal/config"
	"songzip/internal/consts"
	"songzip/internal/depmanager"
	"songzip/internal/downloader"
	httprouter "songzip/internal/infrastructure/delivery/http"
	"songzip/internal/observability"
	"songzip/internal/progress"
	"songzip/internal/proxymgr"
	"songzip/internal/service"
	"songzip/internal/storage"
	httpserver "songzip/pkg/http/server"
	"songzip/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.New()
	if err != nil {
		slog.Error("config new", slog.Any("error", err))
		stop()
		os.Exit(1)
	}

	log, err := logger.New(&logger.Options{
		AddSource: true,
		Level:     cfg.App.LogLevel,
	})
	if err != nil {
		slog.WarnContext(ctx, "logger level invalid; defaulting to info", slog.Any("error", err))
	}

	metrics := observability.New(nil)

	var depMgr *depmanager.Manager

	if cfg.App.Downloader != consts.DownloaderMock {
		depMgr = depmanager.New(log, cfg)

		log.InfoContext(ctx, "resolving yt-dlp, ffmpeg and deno. it may take some time...")

		if err := depMgr.Start(ctx); err != nil {
			log.ErrorContext(ctx, "depmanager start", slog.Any("error", err))
			stop()
			os.Exit(1)
		}
	}

	proxyMgr := proxymgr.New(log, cfg, metrics)
	proxyMgr.StartHealthChecker(ctx)

	dl, err := downloader.New(log, cfg, depMgr, proxyMgr, metrics)
	if err != nil {
		log.ErrorContext(ctx, "downloader new", slog.Any("error", err))
		stop()
		os.Exit(1)
	}

	storer, err := storage.New(log, cfg, metrics)
	if err != nil {
		log.ErrorContext(ctx, "storage new", slog.Any("error", err))
		stop()
		os.Exit(1)
	}

	go storer.CleanupExpiredJobs(ctx, cfg.Storage.CleanupInterval)

	svc := service.New(cfg, log, dl, storer, metrics)
	svc.Start(ctx)

	notifier := progress.New(log, storer, metrics, cfg.Job.ProgressInterval)
	router := httprouter.New(log, cfg, svc, notifier, metrics)

	httpSrv := httpserver.New(router, httpserver.Options{
		Addr:            cfg.HTTP.Port,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
	})

	log.InfoContext(ctx, "songzip started",
		slog.String("port", cfg.HTTP.Port),
		slog.String("downloader", cfg.App.Downloader),
		slog.String("storage", cfg.Storage.Backend))

	select {
	case <-ctx.Done():
	case err := <-httpSrv.Notify():
		if err != nil {
			log.ErrorContext(ctx, "http server", slog.Any("error", err))
		}

		stop()
	}

	if err := httpSrv.Shutdown(); err != nil {
		log.Error("http server shutdown", slog.Any("error", err))
	}

	// ctx is done here, so every running job is being cancelled
	svc.Wait()

	log.Info("songzip shut down gracefully")
}
