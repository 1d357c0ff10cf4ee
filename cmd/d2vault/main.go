// Package main provides the d2vault document view entrypoint.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/euforicio/d2vault/internal/assets"
	"github.com/euforicio/d2vault/internal/buildinfo"
	"github.com/euforicio/d2vault/internal/config"
	"github.com/euforicio/d2vault/internal/exporter"
	"github.com/euforicio/d2vault/internal/plugin"
	"github.com/euforicio/d2vault/internal/renderer"
	"github.com/euforicio/d2vault/internal/server"
	"github.com/euforicio/d2vault/internal/vault"
)

func main() {
	cfg := config.Default()
	config.ApplyEnvOverrides(&cfg)

	flags := pflag.NewFlagSet("d2vault", pflag.ExitOnError)
	config.RegisterFlags(flags, &cfg)
	versionFlag := flags.Bool("version", false, "Print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		slog.Error("parse flags", slog.Any("err", err))
		os.Exit(1)
	}
	if *versionFlag {
		println(buildinfo.Summary())
		os.Exit(0)
	}
	if err := config.Finalize(&cfg); err != nil {
		slog.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}

	logLevel := slog.LevelWarn
	if cfg.Verbose {
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	logger = logger.With("app", "d2vault")
	slog.SetDefault(logger)
	logger.Log(context.Background(), slog.LevelInfo-1, "starting d2vault", slog.String("version", buildinfo.Summary()))

	ctx := context.Background()
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	adapter, err := vault.NewAdapter(cfg.VaultDir)
	if err != nil {
		cancel()
		logger.Error("open vault failed", slog.Any("err", err))
		//nolint:gocritic // exitAfterDefer: cancel() explicitly called before os.Exit
		os.Exit(1)
	}

	rendererSvc := renderer.NewService(logger)
	defer rendererSvc.Close()

	vaultSvc, err := vault.NewService(ctx, adapter, rendererSvc, logger)
	if err != nil {
		cancel()
		logger.Error("vault service init failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := vaultSvc.Close(); err != nil {
			logger.Error("close vault service", slog.Any("err", err))
		}
	}()

	d2 := plugin.New(plugin.Options{
		PluginDir: cfg.PluginDir(),
		Provisioner: assets.NewProvisioner(adapter,
			assets.WithNotifier(vaultSvc),
			assets.WithLogger(logger),
		),
		ResourceURL: adapter.ResourcePath,
		Timeout:     cfg.RenderTimeout,
		Logger:      logger,
	})
	d2.Load(rendererSvc)
	defer d2.Unload()

	exp, err := exporter.New(adapter, rendererSvc, d2.Dispatcher(), logger)
	if err != nil {
		cancel()
		logger.Error("exporter init failed", slog.Any("err", err))
		os.Exit(1)
	}

	srv, err := server.New(cfg, logger, vaultSvc, d2, exp)
	if err != nil {
		cancel()
		logger.Error("server init failed", slog.Any("err", err))
		os.Exit(1)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", slog.Any("err", err))
		}
	}()

	if err := srv.Start(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("shutdown complete")
			return
		}
		logger.Error("server error", slog.Any("err", err))
		os.Exit(1)
	}
}
