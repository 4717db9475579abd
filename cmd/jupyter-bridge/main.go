package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/bdemchak/jupyter-bridge/internal/bridge"
	"github.com/bdemchak/jupyter-bridge/internal/config"
	"github.com/bdemchak/jupyter-bridge/internal/httpapi"
	"github.com/bdemchak/jupyter-bridge/internal/logging"
	"github.com/bdemchak/jupyter-bridge/internal/monitoring"
	"github.com/bdemchak/jupyter-bridge/internal/store"
	"github.com/bdemchak/jupyter-bridge/internal/version"
)

func main() {
	var (
		debug     = flag.Bool("debug", false, "enable debug logging (overrides JUPYTER_BRIDGE_LOG_LEVEL)")
		storeKind = flag.String("store", "redis", "slot store backend: redis or memory")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})

	logger.Info().Str("version", version.String).Msg("starting jupyter-bridge")
	cfg.LogConfig(logger)

	var st store.Store
	switch *storeKind {
	case "redis":
		st = store.NewRedis(store.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	case "memory":
		// Single-process only; slots die with the process.
		st = store.NewMemory()
		logger.Warn().Msg("using in-memory store, state will not survive restarts")
	default:
		logger.Fatal().Str("store", *storeKind).Msg("unknown store backend")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = st.Ping(pingCtx)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("store unreachable")
	}

	recorder := bridge.NewRecorder(st)
	engine := bridge.NewEngine(st, recorder, logger, bridge.Config{
		DequeueTimeout: cfg.DequeueTimeout(),
		FastPoll:       cfg.FastPoll(),
		SlowPoll:       cfg.SlowPoll(),
		MaxFastPolls:   cfg.AllowedFastPolls,
		SlotTTLSecs:    cfg.ExpireSecs,
	})

	// A prior instance may have died mid-operation, leaving busy flags and
	// undelivered messages behind.
	scrubbed, err := engine.ScrubSlots(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup scrub failed")
	}
	logger.Info().Int("slots", scrubbed).Msg("startup scrub complete")

	sampler := monitoring.NewSystemSampler(logger)
	go sampler.Run(ctx, cfg.MetricsInterval)

	server := httpapi.NewServer(cfg, logger, engine, recorder, st, sampler)
	if err := server.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start server")
	}

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	// In-flight long polls get their natural timeout plus margin to drain.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DequeueTimeout()+5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}

	if err := st.Close(); err != nil {
		logger.Error().Err(err).Msg("store close error")
	}
	logger.Info().Msg("jupyter-bridge stopped")
}
