package app

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nuetzliches/toolhorn/internal/content"
	"github.com/nuetzliches/toolhorn/internal/mcp"
	"github.com/nuetzliches/toolhorn/internal/progress"
	"github.com/nuetzliches/toolhorn/internal/telemetry"
	"github.com/nuetzliches/toolhorn/internal/track"
)

func serve(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	configPath := fs.String("config", "", "optional key=value config file (same keys as the environment)")
	dotenvPath := fs.String("dotenv", "", "optional .env file loaded before reading config")
	logLevel := fs.String("log-level", "info", "diagnostic log level (debug, info, warn, error)")
	pidFile := fs.String("pid-file", "", "write process PID to file (for runtime control)")
	watch := fs.Bool("watch", false, "reload hot-reloadable config keys when --config changes")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "serve: %v\n", err)
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "serve: unexpected positional arguments")
		return 2
	}

	baseLogger, err := newLogger(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "serve: %v\n", err)
		return 2
	}

	if *dotenvPath != "" {
		if err := loadDotenv(*dotenvPath); err != nil {
			baseLogger.Error("dotenv_failed", slog.Any("err", err))
			return 1
		}
	}
	if *configPath != "" {
		if err := applyConfigFile(*configPath); err != nil {
			baseLogger.Error("config_file_failed", slog.Any("err", err))
			return 1
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		baseLogger.Error("config_invalid", slog.Any("err", err))
		return 1
	}

	releasePIDFile, err := claimPIDFile(strings.TrimSpace(*pidFile))
	if err != nil {
		baseLogger.Error("pid_file_failed", slog.Any("err", err))
		return 1
	}
	defer releasePIDFile()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := initTracing(ctx, cfg, func(err error) {
		baseLogger.Warn("tracing_error", slog.Any("err", err))
	})
	if err != nil {
		baseLogger.Error("tracing_init_failed", slog.Any("err", err))
		return 1
	}
	if shutdownTracing != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(shutdownCtx); err != nil {
				baseLogger.Warn("tracing_shutdown_failed", slog.Any("err", err))
			}
		}()
	}

	var shipperOpts []telemetry.ShipperOption
	if client := tracingHTTPClient(cfg.TracingEnabled); client != nil {
		shipperOpts = append(shipperOpts, telemetry.WithHTTPClient(client))
	}
	shipper, err := telemetry.NewShipper(cfg.Telemetry, baseLogger, shipperOpts...)
	if err != nil {
		baseLogger.Error("telemetry_invalid", slog.Any("err", err))
		return 1
	}
	batcher := telemetry.NewBatcher(shipper, baseLogger, 0, 0)
	telemLogger := telemetry.NewLogger(baseLogger, batcher, cfg.Identity, cfg.MinLevel, cfg.Telemetry.Enabled)

	tracker := track.NewTracker(baseLogger)
	server := &mcp.Server{
		In:         os.Stdin,
		Out:        os.Stdout,
		Tracker:    tracker,
		Logger:     telemLogger,
		Shipper:    shipper,
		ServerName: cfg.Identity.ServerName,
		Version:    version,
	}
	reporter := progress.NewReporter(tracker, server, baseLogger)
	server.Reporter = reporter

	if cfg.ContentBaseURL != "" {
		server.Content = content.NewClient(cfg.ContentBaseURL, cfg.ContentToken, tracingHTTPClient(cfg.TracingEnabled), telemLogger)
	}

	if *watch && *configPath != "" {
		go watchConfig(ctx, *configPath, baseLogger, func() {
			applyHotReload(*configPath, telemLogger, baseLogger)
		})
	}
	go runMaintenance(ctx, cfg.SweepInterval, cfg.StaleMaxAge, tracker, reporter, baseLogger)

	baseLogger.Info("serving",
		slog.String("server_name", cfg.Identity.ServerName),
		slog.String("session_id", cfg.Identity.SessionID),
		slog.Bool("telemetry_enabled", cfg.Telemetry.Enabled))

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(ctx) }()

	exit := 0
	select {
	case <-ctx.Done():
		baseLogger.Info("shutdown_signal")
	case err := <-serveErr:
		if err != nil {
			baseLogger.Error("serve_failed", slog.Any("err", err))
			exit = 1
		}
	}
	stop()

	tracker.ShutdownAll()

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	telemLogger.Shutdown(flushCtx)
	shipper.Shutdown(flushCtx)

	return exit
}

// applyConfigFile copies file keys into the environment so loadConfig sees
// them. Existing environment values win, matching dotenv semantics.
func applyConfigFile(path string) error {
	vars, err := parseKVFile(path)
	if err != nil {
		return err
	}
	for k, v := range vars {
		if strings.TrimSpace(os.Getenv(k)) != "" {
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			return err
		}
	}
	return nil
}

// applyHotReload re-reads the config file and applies the keys that are safe
// to change at runtime. Everything else requires a restart.
func applyHotReload(path string, telemLogger *telemetry.Logger, logger *slog.Logger) {
	vars, err := parseKVFile(path)
	if err != nil {
		logger.Warn("config_reload_failed", slog.Any("err", err))
		return
	}

	if raw, ok := vars[envTelemetryMinLevel]; ok {
		level, err := telemetry.ParseLevel(raw)
		if err != nil {
			logger.Warn("config_reload_invalid", slog.String("key", envTelemetryMinLevel), slog.Any("err", err))
		} else {
			telemLogger.SetMinLevel(level)
			logger.Info("config_reloaded", slog.String("key", envTelemetryMinLevel), slog.String("value", raw))
		}
	}

	if raw, ok := vars[envTelemetryEnabled]; ok {
		enabled, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			logger.Warn("config_reload_invalid", slog.String("key", envTelemetryEnabled), slog.Any("err", err))
		} else {
			telemLogger.SetShippingEnabled(enabled)
			logger.Info("config_reloaded", slog.String("key", envTelemetryEnabled), slog.Bool("value", enabled))
		}
	}
}
