// SPDX-License-Identifier: MIT

// reaperd polls the registrar for seat availability on tracked course
// sections, notifies tracking users when a section opens, and serves the
// tracking API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/R0M-GH/reapergt-app/internal/api"
	"github.com/R0M-GH/reapergt-app/internal/config"
	"github.com/R0M-GH/reapergt-app/internal/health"
	"github.com/R0M-GH/reapergt-app/internal/log"
	"github.com/R0M-GH/reapergt-app/internal/notify"
	"github.com/R0M-GH/reapergt-app/internal/oscar"
	"github.com/R0M-GH/reapergt-app/internal/resilience"
	"github.com/R0M-GH/reapergt-app/internal/scheduler"
	"github.com/R0M-GH/reapergt-app/internal/secrets"
	"github.com/R0M-GH/reapergt-app/internal/store"
	"github.com/R0M-GH/reapergt-app/internal/telemetry"
	"github.com/R0M-GH/reapergt-app/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("reaperd %s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		os.Exit(0)
	}

	log.Configure(log.Config{Level: "info", Service: "reaper", Version: version.Version})
	if err := run(*configPath); err != nil {
		logger := log.WithComponent("daemon")
		logger.Fatal().Err(err).Str("event", "daemon.fatal").Msg("daemon exited with error")
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.Configure(log.Config{Level: cfg.LogLevel, Service: cfg.LogService, Version: version.Version})
	logger := log.WithComponent("daemon")
	logger.Info().
		Str("event", "daemon.start").
		Str("version", version.Version).
		Str("term", cfg.Term).
		Str("store_backend", cfg.StoreBackend).
		Msg("starting reaperd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sec, err := secrets.Open(cfg.SecretsFile)
	if err != nil {
		return fmt.Errorf("open secret store: %w", err)
	}
	if err := health.PerformStartupChecks(ctx, cfg, sec); err != nil {
		return err
	}
	smsKey, err := sec.Get(secrets.KeySMSAPIKey)
	if err != nil {
		return fmt.Errorf("read sms api key: %w", err)
	}

	tele, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.OTELEnabled,
		ServiceName:    cfg.LogService,
		ServiceVersion: version.Version,
		Environment:    cfg.Environment,
		ExporterType:   cfg.OTELExporter,
		Endpoint:       cfg.OTELEndpoint,
		SamplingRate:   cfg.OTELSampleRate,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := tele.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Str("event", "daemon.telemetry_shutdown_failed").Msg("telemetry shutdown failed")
		}
	}()

	st, err := store.Open(ctx, store.Options{
		Backend: cfg.StoreBackend,
		DataDir: cfg.DataDir,
		Redis: store.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		},
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn().Err(err).Str("event", "daemon.store_close_failed").Msg("store close failed")
		}
	}()

	breaker := resilience.NewCircuitBreaker("registrar", 5, 30*time.Second)
	registrar := oscar.New(cfg.OscarBaseURL, oscar.Options{
		Term:      cfg.Term,
		Timeout:   cfg.FetchTimeout,
		RateLimit: cfg.FetchRateLimit,
		RateBurst: cfg.FetchRateBurst,
		Transport: telemetry.Transport(nil),
		Breaker:   breaker,
	})

	sms := notify.NewHTTPSMSGateway(cfg.SMSGatewayURL, smsKey, cfg.SMSTimeout)
	var push notify.PushGateway
	if cfg.PushGatewayURL != "" {
		if _, err := sec.Get(secrets.KeyVAPIDPrivateKey); err == nil {
			push = notify.NewHTTPPushGateway(cfg.PushGatewayURL, cfg.SMSTimeout)
		}
	}
	dispatcher := notify.NewDispatcher(st, sms, push)

	var leaseTTL time.Duration
	if cfg.LeaseEnabled {
		leaseTTL = cfg.LeaseTTL
	}
	sched := scheduler.New(scheduler.Options{
		Store:      st,
		Fetcher:    registrar,
		Dispatcher: dispatcher,
		Intervals: scheduler.Intervals{
			Base:                     cfg.BaseInterval,
			Fast:                     cfg.FastInterval,
			Slow:                     cfg.SlowInterval,
			Open:                     cfg.OpenCourseInterval,
			RecentlyChangedThreshold: cfg.RecentlyChangedThreshold,
			HighDemandMinUsers:       cfg.HighDemandMinUsers,
			ColdClosedChecks:         cfg.ColdClosedChecks,
		},
		MaxRuntime:       cfg.MaxRuntime,
		ErrorSleep:       cfg.ErrorSleep,
		FetchConcurrency: cfg.FetchConcurrency,
		LeaseTTL:         leaseTTL,
	})

	healthMgr := health.NewManager(version.Version)
	healthMgr.RegisterChecker(health.NewStoreChecker(st))
	healthMgr.RegisterChecker(health.NewBreakerChecker("registrar_breaker", breaker.State))

	apiServer := api.NewServer(cfg, st, registrar, healthMgr, nil)
	httpServer := &http.Server{
		Addr:              cfg.APIListenAddr,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		logger.Info().Str("event", "daemon.api_listen").Str("addr", cfg.APIListenAddr).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	summary, err := sched.Run(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	writeSummary(logger, cfg.DataDir, summary)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Str("event", "daemon.api_shutdown_failed").Msg("api shutdown failed")
	}
	select {
	case err := <-httpErr:
		return fmt.Errorf("api server: %w", err)
	default:
	}

	logger.Info().
		Str("event", "daemon.done").
		Int("ticks_completed", summary.TicksCompleted).
		Float64("runtime_seconds", summary.RuntimeSeconds).
		Msg("reaperd finished")
	return nil
}

// writeSummary atomically publishes the run summary next to the data files
// so orchestration can inspect the previous run.
func writeSummary(logger zerolog.Logger, dataDir string, summary scheduler.Summary) {
	payload, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		logger.Warn().Err(err).Str("event", "daemon.summary_encode_failed").Msg("cannot encode run summary")
		return
	}
	path := filepath.Join(dataDir, "last_run.json")
	if err := renameio.WriteFile(path, payload, 0o644); err != nil {
		logger.Warn().Err(err).Str("event", "daemon.summary_write_failed").Str("path", path).Msg("cannot write run summary")
		return
	}
	logger.Info().Str("event", "daemon.summary_written").Str("path", path).Msg("run summary written")
}
