package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mailnorm/cmd"
	"github.com/dhcgn/mailnorm/config"
	"github.com/dhcgn/mailnorm/decompose"
	"github.com/dhcgn/mailnorm/dedup"
	"github.com/dhcgn/mailnorm/filter"
	"github.com/dhcgn/mailnorm/imap"
	"github.com/dhcgn/mailnorm/mbox"
	"github.com/dhcgn/mailnorm/metrics"
	"github.com/dhcgn/mailnorm/processor"
	"github.com/dhcgn/mailnorm/progress"
	"github.com/dhcgn/mailnorm/raster"
	"github.com/dhcgn/mailnorm/record"
	"github.com/dhcgn/mailnorm/runner"
	"github.com/dhcgn/mailnorm/spool"
	"github.com/dhcgn/mailnorm/stats"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "mailnorm",
		Short:         "Normalize emails into JSON records with deduplicated page images",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)
			logger.Info("starting mailnorm", "source", cfg.Source(), "output", cfg.OutputDir, "dedupScope", cfg.DedupScope, "dryRun", cfg.DryRun)

			return run(cmd.Context(), cfg, logger)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
	rootCmd.AddCommand(cmd.NewReportCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode is 2 for invalid configuration and 1 for any other failure.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case config.IsConfigError(err):
		return 2
	default:
		return 1
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	pdftoppm, err := exec.LookPath(cfg.Pdftoppm)
	if err != nil {
		return &config.ConfigError{Err: fmt.Errorf("pdftoppm not found: %w", err)}
	}

	r, err := runner.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}

	if err := wire(cfg, r, pdftoppm, logger); err != nil {
		_ = r.Close()
		return err
	}

	if cfg.MetricsAddr != "" {
		exporter := metrics.NewExporter()
		r.SubscribeStats("metrics", exporter.Subscriber)
		server := metrics.NewServer(cfg.MetricsAddr, metrics.NewRouter(exporter.Registry()), logger)
		server.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics shutdown failed", "err", err)
			}
		}()
	}

	err = r.Start()
	if errors.Is(err, context.Canceled) {
		logger.Warn("interrupted; unprocessed messages will be picked up by the next run")
	}
	return err
}

// wire registers the source, the reporters and the worker stages on r.
func wire(cfg config.Config, r *runner.Runner, pdftoppm string, logger *slog.Logger) error {
	filterOpts := filter.Options{
		IncludeHeader: cfg.IncludeHeader,
		IncludeBody:   cfg.IncludeBody,
		ExcludeHeader: cfg.ExcludeHeader,
		ExcludeBody:   cfg.ExcludeBody,
	}

	total, err := addSource(cfg, filterOpts, r, logger)
	if err != nil {
		return err
	}

	bar := progress.New(total, cfg.Progress, cfg.LogLevel)
	if bar.Enabled() {
		progress.NewProgressReporter(r, bar, logger)
	} else {
		stats.NewReporter(r, logger)
	}

	rasterizer, err := raster.NewPoppler(raster.Options{
		Binary:   pdftoppm,
		Format:   cfg.ImageFormat,
		Quality:  cfg.JPEGQuality,
		DPI:      cfg.DPI,
		MaxPages: cfg.MaxPages,
		Timeout:  cfg.RasterTimeout,
	}, logger)
	if err != nil {
		return &config.ConfigError{Err: err}
	}

	scope, err := dedup.ParseScope(cfg.DedupScope)
	if err != nil {
		return &config.ConfigError{Err: err}
	}
	dd, err := dedup.New(scope, r.Index())
	if err != nil {
		return fmt.Errorf("dedup.New: %w", err)
	}

	store, err := record.NewStore(cfg.OutputDir)
	if err != nil {
		return fmt.Errorf("record.NewStore: %w", err)
	}

	p := processor.New(processor.Options{
		DryRun:       cfg.DryRun,
		SanitizeHTML: cfg.SanitizeHTML,
	}, decompose.New(logger), rasterizer, dd, store, logger)
	processor.NewWorkers(p, r, cfg.Workers)
	return nil
}

// addSource registers the configured source and returns how many messages it
// is expected to yield, or 0 when that is unknown up front.
func addSource(cfg config.Config, filterOpts filter.Options, r *runner.Runner, logger *slog.Logger) (int, error) {
	switch cfg.Source() {
	case config.SourceSpool:
		reader, err := spool.NewProducer(spool.Options{Dir: cfg.SpoolDir, Filter: filterOpts}, r, logger)
		if err != nil {
			return 0, fmt.Errorf("spool.NewProducer: %w", err)
		}
		total, err := reader.Count()
		if err != nil {
			logger.Warn("failed to count spool messages", "err", err)
			return 0, nil
		}
		return total, nil

	case config.SourceMbox:
		if _, err := mbox.NewProducer(mbox.Options{Path: cfg.MboxPath, Filter: filterOpts}, r, logger); err != nil {
			return 0, fmt.Errorf("mbox.NewProducer: %w", err)
		}
		total, err := mbox.CountMessages(cfg.MboxPath)
		if err != nil {
			logger.Warn("failed to count mbox messages", "err", err)
			return 0, nil
		}
		return total, nil

	case config.SourceIMAP:
		_, err := imap.NewProducer(imap.Options{
			Host:               cfg.IMAPHost,
			Port:               cfg.IMAPPort,
			Username:           cfg.IMAPUser,
			Password:           cfg.IMAPPass,
			UseTLS:             cfg.UseTLS,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			Folder:             cfg.IMAPFolder,
			MarkSeen:           cfg.MarkSeen && !cfg.DryRun,
			SkipPersonal:       cfg.SkipPersonal,
			Filter:             filterOpts,
		}, r, logger)
		if err != nil {
			return 0, fmt.Errorf("imap.NewProducer: %w", err)
		}
		return 0, nil

	default:
		return 0, &config.ConfigError{Err: errors.New("no message source configured")}
	}
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }
	runID := uuid.NewString()

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("mailnorm-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler).With("run", runID), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler).With("run", runID), cleanup, nil
}
