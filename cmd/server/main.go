package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"aindrocode/internal/api"
	"aindrocode/internal/cache"
	"aindrocode/internal/config"
	"aindrocode/internal/fixloop"
	"aindrocode/internal/monitor"
	"aindrocode/internal/oracle"
	"aindrocode/internal/runtime"
	"aindrocode/internal/sandbox"
	"aindrocode/internal/storage"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	if lvl, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	if _, statErr := os.Stat(configPath); statErr == nil {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
		if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
			log.Fatal().Err(err).Msg("invalid environment")
		}
		if err := cfg.Validate(); err != nil {
			log.Fatal().Err(err).Msg("invalid config")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()
	var tracer *monitor.Tracer
	if cfg.Tracing.Enabled {
		tracer = monitor.NewTracer()
	}

	runtimes := runtime.NewRegistry()

	// Startup continues without a platform so /health can report it.
	platform, err := sandbox.NewPlatform(ctx, cfg)
	if err != nil {
		log.Warn().Err(err).Msg("no sandbox platform available, executions will fail")
		platform = sandbox.Unavailable(err)
	}
	opts := sandbox.OptionsFromConfig(cfg.Sandbox)
	opts.Metrics = metrics
	opts.Tracer = tracer
	client := sandbox.NewClient(platform, runtimes, opts)

	deps := api.Deps{
		Executor: client,
		Runtimes: runtimes,
		Metrics:  metrics,
		Scanner:  monitor.NewScanner(),
	}
	probes := api.Probes{Sandbox: client}

	completer, err := oracle.New(cfg.Oracle, metrics, tracer)
	switch {
	case errors.Is(err, oracle.ErrDisabled):
		log.Info().Msg("code repair oracle disabled")
	case err != nil:
		log.Fatal().Err(err).Msg("failed to configure oracle")
	default:
		if cfg.OracleAPIKey() == "" {
			log.Warn().Str("provider", completer.Provider()).Msg("no oracle API key configured, requests must supply apiKey")
		}
		settings := oracle.SettingsFromConfig(cfg.Oracle)
		loopOpts := fixloop.OptionsFromConfig(cfg.FixLoop)
		loopOpts.Metrics = metrics
		loopOpts.Tracer = tracer
		deps.Fixer = fixloop.NewController(client, oracle.NewRepairer(completer, settings), runtimes, loopOpts)
		deps.Assistant = oracle.NewAssistant(completer, settings)
	}

	var db *storage.DB
	var auditWriter *storage.AuditWriter
	if cfg.Database.DSN != "" {
		db, err = storage.New(ctx, cfg.Database)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, audit logging disabled")
		} else {
			defer db.Close()
			auditWriter = storage.NewAuditWriter(db, 10000)
			auditWriter.Start()
			deps.Audit = auditWriter
			deps.Store = db
			probes.Database = db
		}
	}

	if cfg.Cache.Enabled {
		rc, err := cache.New(cfg.Cache, metrics)
		if err != nil {
			log.Warn().Err(err).Str("addr", cfg.Cache.Addr).Msg("result cache unavailable, continuing without it")
		} else {
			defer rc.Close()
			deps.Cache = rc
			probes.Cache = rc
		}
	}

	server := api.NewServer(cfg, deps, probes)

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Str("platform", client.Platform()).
		Bool("db_enabled", db != nil).
		Bool("cache_enabled", deps.Cache != nil).
		Bool("oracle_enabled", deps.Fixer != nil).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}
	<-drained

	// Shutdown has waited for in-flight requests; flush what they queued.
	if auditWriter != nil {
		auditWriter.Flush(10 * time.Second)
	}
	if err := client.Close(); err != nil {
		log.Error().Err(err).Msg("sandbox platform close error")
	}

	log.Info().Msg("server stopped")
}
