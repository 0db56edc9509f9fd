// Command polyvox serves the multi-backend speech synthesis engine over HTTP
// and MCP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/polyvox/internal/config"
	"github.com/MrWong99/polyvox/internal/engine"
	"github.com/MrWong99/polyvox/internal/health"
	"github.com/MrWong99/polyvox/internal/mcptool"
	"github.com/MrWong99/polyvox/internal/observe"
	"github.com/MrWong99/polyvox/internal/server"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "polyvox: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "polyvox: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("polyvox starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"version", version,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.NewProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics := telemetry.Metrics()

	// ── Engine ────────────────────────────────────────────────────────────────
	eng, err := engine.New(cfg, engine.WithMetrics(metrics))
	if err != nil {
		slog.Error("failed to initialise engine", "err", err)
		return 1
	}

	if cfg.Backends.Hosted != nil && len(cfg.Backends.Hosted.Credentials) > 0 {
		creds, err := eng.ValidateProvisioned(ctx)
		if err != nil {
			slog.Warn("credential validation failed", "err", err)
		}
		for _, c := range creds {
			slog.Info("hosted credential", "label", c.Label, "present", c.Present, "valid", c.Valid)
		}
	}

	// ── HTTP surface ──────────────────────────────────────────────────────────
	api := server.New(eng, server.WithMetrics(metrics))
	mux := http.NewServeMux()
	api.Register(mux)
	health.New(readinessChecks(eng)...).Register(mux)
	mux.Handle("GET /metrics", telemetry.Handler())
	if cfg.MCP.Enabled {
		tools := mcptool.New(eng, mcptool.WithMetrics(metrics), mcptool.WithVersion(version))
		mux.Handle(cfg.MCP.Path, mcptool.Handler(tools))
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch {
		w, err := config.Watch(ctx, *configPath, func(old, next *config.Config) {
			diff := config.Diff(old, next)
			if diff.LogLevelChanged {
				level.Set(slogLevel(diff.NewLogLevel))
				slog.Info("log level changed", "level", diff.NewLogLevel)
			}
			if err := eng.Apply(next, diff); err != nil {
				slog.Error("failed to apply configuration", "err", err)
			}
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Close()
		}
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg, eng)

	serveErr := make(chan error, 1)
	go func() {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	slog.Info("server ready, press Ctrl+C to shut down")

	exit := 0
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping")
	case err := <-serveErr:
		if err != nil {
			slog.Error("server error", "err", err)
			exit = 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "err", err)
		exit = 1
	}
	if err := api.Close(shutdownCtx); err != nil {
		slog.Warn("jobs still running at shutdown", "err", err)
	}
	if err := eng.Close(); err != nil {
		slog.Warn("engine close error", "err", err)
	}
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return exit
}

// readinessChecks probes the external tools and model servers the enabled
// backends depend on.
func readinessChecks(eng *engine.Engine) []health.Checker {
	cfg := eng.Config()
	var checks []health.Checker
	if cfg.Output.FFmpeg != "none" {
		checks = append(checks, health.Available("ffmpeg", eng.Normalizer().Transcoder()).AsOptional())
	}
	if lw, err := eng.Lightweight(); err == nil {
		if p, ok := lw.Runner().(health.Prober); ok {
			checks = append(checks, health.Available("piper", p))
		}
	}
	if c := cfg.Backends.Cloning; c != nil && c.ServerURL != "" {
		checks = append(checks, health.Reachable("cloning", c.ServerURL, nil))
	}
	if g := cfg.Backends.Generative; g != nil {
		checks = append(checks, health.Reachable("generative", g.ServerURL, nil))
	}
	return checks
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, eng *engine.Engine) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         polyvox startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	for _, d := range eng.Catalog() {
		value := d.Locator
		if value == "" {
			value = "enabled"
		}
		printRow(d.Key, value)
	}
	if len(eng.Backends()) == 0 {
		printRow("Backends", "(none enabled)")
	}
	printRow("Output dir", cfg.Output.Dir)
	printRow("Cache capacity", fmt.Sprint(cfg.Cache.Capacity))
	if cfg.MCP.Enabled {
		printRow("MCP", cfg.MCP.Path)
	} else {
		printRow("MCP", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
