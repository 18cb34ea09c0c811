// Package main implements the entry point for lenslinkd, the session and
// message-relay core for the wearable-glasses cloud: one long-lived device
// WebSocket per user, multiplexed App connections, subscription routing,
// and media stream keep-alive tracking.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/c360/lenslink/audio"
	"github.com/c360/lenslink/config"
	"github.com/c360/lenslink/gateway"
	"github.com/c360/lenslink/metric"
	"github.com/c360/lenslink/pkg/token"
	"github.com/c360/lenslink/profile"
	"github.com/c360/lenslink/session"
	"github.com/c360/lenslink/stream"
	"github.com/c360/lenslink/webhook"
)

const (
	Version = "0.1.0"
	appName = "lenslinkd"

	shutdownTimeout = 10 * time.Second
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("relay failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	flags := parseFlags()
	if flags.showVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	logger := setupLogger(flags.logLevel, flags.logFormat)
	slog.SetDefault(logger)

	cfg, err := config.LoadOrDefault(flags.configPath)
	if err != nil {
		return err
	}
	if flags.validate {
		logger.Info("configuration is valid")
		return nil
	}

	logger.Info("starting relay", "version", Version, "listen", cfg.Server.ListenAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := metric.NewRegistry()
	m := reg.Metrics

	signer, err := token.NewSigner([]byte(cfg.Auth.TokenSecret))
	if err != nil {
		return err
	}

	pipeline, store, nc, err := setupBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if nc != nil {
		defer nc.Close()
	}

	registry := session.NewRegistry(sessionConfig(cfg), pipeline,
		session.WithLogger(logger), session.WithMetrics(m))
	webhooks := webhook.NewDispatcher(logger, webhook.WithMetrics(m))
	router := gateway.NewRouter(gatewayConfig(cfg), signer, registry, store, webhooks,
		gateway.WithLogger(logger), gateway.WithMetrics(m))

	gwServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle(cfg.Metrics.Path, reg.Handler())
	metricsServer := &http.Server{
		Addr:              cfg.Metrics.ListenAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gateway listening", "addr", gwServer.Addr)
		if err := gwServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("metrics listening", "addr", metricsServer.Addr, "path", cfg.Metrics.Path)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = gwServer.Shutdown(shutdownCtx)
		_ = metricsServer.Shutdown(shutdownCtx)

		registry.DisposeAll("shutdown")
		if nc != nil {
			_ = nc.Drain()
		}
		return nil
	})

	return g.Wait()
}

// setupBackends connects the audio pipeline and profile store. An empty
// NATS URL selects the in-memory implementations (development only).
func setupBackends(ctx context.Context, cfg config.Config,
	logger *slog.Logger) (audio.Pipeline, profile.Store, *nats.Conn, error) {
	if cfg.NATS.URL == "" {
		logger.Warn("nats.url not set, using in-memory audio pipeline and profile store")
		return audio.NewFake(), profile.NewMemoryStore(), nil, nil
	}

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name(appName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, nil, nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, nil, err
	}
	apps, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: cfg.NATS.ManifestBucket,
	})
	if err != nil {
		nc.Close()
		return nil, nil, nil, err
	}
	users, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: cfg.NATS.UserBucket,
	})
	if err != nil {
		nc.Close()
		return nil, nil, nil, err
	}

	store, err := profile.NewKVStore(apps, users)
	if err != nil {
		nc.Close()
		return nil, nil, nil, err
	}
	pipeline, err := audio.NewNATSPipeline(nc, cfg.NATS.AudioSubject, logger)
	if err != nil {
		nc.Close()
		return nil, nil, nil, err
	}
	return pipeline, store, nc, nil
}

func sessionConfig(cfg config.Config) session.Config {
	return session.Config{
		GracePeriod:     cfg.Session.GracePeriod.Std(),
		DebounceWindow:  cfg.Session.DebounceWindow.Std(),
		CleanupEnabled:  cfg.CleanupEnabled(),
		DefaultLanguage: cfg.Session.DefaultLanguage,
		Stream: stream.Config{
			HeartbeatInterval: cfg.Stream.HeartbeatInterval.Std(),
			AckTimeout:        cfg.Stream.AckTimeout.Std(),
			MaxMissed:         cfg.Stream.MaxMissedHeartbeats,
			InactivityCeiling: cfg.Stream.InactivityCeiling.Std(),
		},
	}
}

func gatewayConfig(cfg config.Config) gateway.Config {
	return gateway.Config{
		DevicePath:         cfg.Server.DevicePath,
		AppPath:            cfg.Server.AppPath,
		ReadBufferSize:     cfg.Server.ReadBufferSize,
		WriteBufferSize:    cfg.Server.WriteBufferSize,
		WriteQueueSize:     cfg.Server.WriteQueueSize,
		MalformedPerMinute: cfg.Limits.MalformedPerMinute,
		MalformedBurst:     cfg.Limits.MalformedBurst,
	}
}
