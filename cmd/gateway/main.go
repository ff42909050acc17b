// Entry point for the summary gateway daemon.
//
// Startup order: env + flags, logging, config, upstream transport
// (Bedrock signing when configured), audit store, telemetry, HTTP
// server. Shutdown drains the HTTP server before closing the stores.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/docsift/summary-gateway/external"
	"github.com/docsift/summary-gateway/internal/audit"
	"github.com/docsift/summary-gateway/internal/config"
	"github.com/docsift/summary-gateway/internal/gateway"
	"github.com/docsift/summary-gateway/internal/monitoring"
	"github.com/docsift/summary-gateway/internal/server"
	"github.com/docsift/summary-gateway/internal/webhook"
)

func setupLogging(debug bool) {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	// Pretty output on a terminal, JSON when piped or under a supervisor.
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log.Logger = log.Output(os.Stderr)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	return config.Default(), nil
}

func run() error {
	configPath := flag.String("config", "", "path to YAML config file (defaults + env when omitted)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	// Missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	setupLogging(*debug)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	var opts []gateway.Option
	if cfg.Upstream.Provider == "bedrock" {
		transport, err := external.NewBedrockSigningTransport(context.Background(), cfg.Upstream.Region, nil)
		if err != nil {
			return fmt.Errorf("initializing bedrock signing: %w", err)
		}
		opts = append(opts, gateway.WithHTTPClient(&http.Client{Transport: transport}))
	}
	gw := gateway.New(cfg, opts...)

	var store *audit.Store
	if cfg.Audit.Path != "" {
		store, err = audit.Open(cfg.Audit.Path)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
	}

	hub := monitoring.NewHub()
	tracker, err := monitoring.NewTracker(monitoring.TelemetryConfig{
		Enabled:     cfg.Monitoring.Enabled,
		LogPath:     cfg.Monitoring.LogPath,
		LogToStdout: cfg.Monitoring.LogToStdout,
	}, hub)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() { _ = tracker.Close() }()

	forwarder := webhook.New(cfg.Webhook.URL, cfg.WebhookTimeout())

	srv := server.New(cfg, gw, tracker, hub, store, forwarder)
	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.ServerTimeout(),
		WriteTimeout: cfg.ServerTimeout(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Int("port", cfg.Server.Port).
			Str("model", cfg.Upstream.Model).
			Int("concurrency", cfg.Queue.Concurrency).
			Msg("gateway: listening")
		errCh <- httpSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("gateway: shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutting down: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func main() {
	if err := run(); err != nil {
		log.Error().Err(err).Msg("gateway: fatal")
		os.Exit(1)
	}
}
