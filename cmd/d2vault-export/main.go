// Package main provides the d2vault single note export CLI.
package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/euforicio/d2vault/internal/assets"
	"github.com/euforicio/d2vault/internal/buildinfo"
	"github.com/euforicio/d2vault/internal/config"
	"github.com/euforicio/d2vault/internal/exporter"
	"github.com/euforicio/d2vault/internal/host"
	"github.com/euforicio/d2vault/internal/plugin"
	"github.com/euforicio/d2vault/internal/renderer"
	"github.com/euforicio/d2vault/internal/vault"
)

func main() {
	cfg := config.Default()
	config.ApplyEnvOverrides(&cfg)

	flags := pflag.NewFlagSet("d2vault-export", pflag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: d2vault-export [flags] <note>\n\n")
		flags.PrintDefaults()
	}
	flags.StringVarP(&cfg.VaultDir, "vault", "r", cfg.VaultDir, "vault directory containing markdown notes")
	flags.StringVarP(&cfg.ExportOutput, "out", "o", cfg.ExportOutput, "output file, or - for stdout")
	flags.StringVar(&cfg.PluginID, "plugin-id", cfg.PluginID, "plugin id; runtime files live under <vault>/<config-dir>/plugins/<id>")
	flags.DurationVar(&cfg.RenderTimeout, "render-timeout", cfg.RenderTimeout, "maximum time spent compiling and rendering one diagram")
	flags.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "log progress to stderr")
	format := flags.StringP("format", "f", string(exporter.FormatHTML), "export format: html, markdown, txt or pdf")
	versionFlag := flags.Bool("version", false, "Print version information and exit")

	if err := flags.Parse(os.Args[1:]); err != nil {
		slog.Error("flag parsing failed", slog.Any("err", err))
		os.Exit(1)
	}
	if *versionFlag {
		println(buildinfo.Summary())
		os.Exit(0)
	}
	if flags.NArg() != 1 {
		flags.Usage()
		os.Exit(2)
	}
	if err := config.Finalize(&cfg); err != nil {
		slog.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}

	// Stdout may carry the export itself, so logs go to stderr.
	logLevel := slog.LevelWarn
	if cfg.Verbose {
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	logger = logger.With("app", "d2vault-export")
	slog.SetDefault(logger)
	logger.Info("starting d2vault-export", slog.String("version", buildinfo.Summary()))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger, flags.Arg(0), *format); err != nil {
		cancel()
		logger.Error("export failed", slog.Any("err", err))
		//nolint:gocritic // exitAfterDefer: cancel() explicitly called before os.Exit
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, note, rawFormat string) error {
	format, err := exporter.ParseFormat(rawFormat)
	if err != nil {
		return err
	}

	adapter, err := vault.NewAdapter(cfg.VaultDir)
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}

	rendererSvc := renderer.NewService(logger)
	defer rendererSvc.Close()

	d2 := plugin.New(plugin.Options{
		PluginDir: cfg.PluginDir(),
		Provisioner: assets.NewProvisioner(adapter,
			assets.WithNotifier(host.NotifierFunc(func(_ context.Context, msg string) {
				fmt.Fprintln(os.Stderr, msg)
			})),
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
		return fmt.Errorf("init exporter: %w", err)
	}

	var buf bytes.Buffer
	if err := exp.ExportPage(ctx, exporter.ExportPageOptions{
		Path:   note,
		Format: format,
		Writer: &buf,
	}); err != nil {
		return err
	}

	if cfg.ExportOutput == "" || cfg.ExportOutput == "-" {
		_, err = buf.WriteTo(os.Stdout)
		return err
	}
	if err := os.WriteFile(cfg.ExportOutput, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", cfg.ExportOutput, err)
	}
	logger.Info("export succeeded", slog.String("output", cfg.ExportOutput), slog.String("format", string(format)))
	return nil
}
