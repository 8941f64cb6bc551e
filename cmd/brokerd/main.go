// SPDX-License-Identifier: MIT

// Command brokerd runs the fleet connection broker daemon.
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

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/robofleet/broker/internal/api"
	"github.com/robofleet/broker/internal/auth"
	"github.com/robofleet/broker/internal/broker"
	"github.com/robofleet/broker/internal/config"
	"github.com/robofleet/broker/internal/directory"
	brokerlog "github.com/robofleet/broker/internal/log"
	"github.com/robofleet/broker/internal/registrar"
	"github.com/robofleet/broker/internal/registry"
	"github.com/robofleet/broker/internal/status"
	"github.com/robofleet/broker/internal/supervisor"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("brokerd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Safe defaults until config is loaded.
	brokerlog.Configure(brokerlog.Config{Level: "info", Service: "brokerd", Version: version})
	logger := brokerlog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.NewLoader(*configPath, version).Load()
	if err != nil {
		logger.Fatal().Err(err).Str("config_path", *configPath).Msg("failed to load configuration")
	}

	brokerlog.Configure(brokerlog.Config{
		Level:   cfg.LogLevel,
		Service: cfg.LogService,
		Version: cfg.Version,
	})
	logger = brokerlog.WithComponent("daemon")
	logger.Info().
		Str("listen", cfg.Listen).
		Str("hostname", cfg.Hostname).
		Int("app_port_start", cfg.AppPortStart).
		Int("app_port_end", cfg.AppPortEnd).
		Msg("configuration loaded")

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("broker daemon failed")
	}
	logger.Info().Msg("broker daemon stopped")
}

func run(ctx context.Context, cfg config.AppConfig, logger zerolog.Logger) error {
	reg, err := registry.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = reg.Close() }()

	dir, err := directory.NewSqliteDirectory(reg.DB)
	if err != nil {
		return err
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer func() { _ = redisClient.Close() }()

	statusStore := status.NewRedisStore(redisClient, cfg.StatusMaxAge)

	sup := supervisor.New(cfg.BridgeBinary, cfg.StartupTimeout, brokerlog.WithComponent("bridge-audit"))
	reggy := registrar.New(redisClient)

	b := broker.New(broker.Options{
		Hostname:     cfg.Hostname,
		AppPortStart: cfg.AppPortStart,
		AppPortEnd:   cfg.AppPortEnd,
		IdleTimeout:  cfg.IdleTimeout,
		ProbePorts:   cfg.ProbeAppPorts,
	}, reg, dir, statusStore, sup, reggy, brokerlog.WithComponent("broker"))

	// Repair records left active by a previous broker instance.
	if err := b.ReconcileStale(ctx); err != nil {
		logger.Warn().Err(err).Msg("startup reconciliation failed")
	}

	verifier := auth.NewStaticVerifier()
	for _, tok := range cfg.APITokens {
		verifier.Add(tok.Token, tok.UserID, tok.Roles...)
	}

	checks := []api.ReadyCheck{
		{Name: "sqlite", Check: func(ctx context.Context) error { return reg.DB.PingContext(ctx) }},
		{Name: "redis", Check: statusStore.Ping},
	}

	server := api.New(api.Config{
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	}, b, verifier, checks)

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.Listen).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
