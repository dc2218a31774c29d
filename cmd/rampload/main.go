package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/AlexKimmel/rampload/internal/admin"
	"github.com/AlexKimmel/rampload/internal/config"
	"github.com/AlexKimmel/rampload/internal/loadclient"
	"github.com/AlexKimmel/rampload/internal/monitor"
	"github.com/AlexKimmel/rampload/internal/obs"
	"github.com/AlexKimmel/rampload/internal/ratelimit"
	"github.com/AlexKimmel/rampload/internal/stats"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// set with -ldflags "-X main.version=..."
var version = "v0.1.0"

func main() {
	cfgPath := flag.String("config", "", "path to config file (default $CONFIG_PATH or ./config.yaml)")
	flag.Parse()

	cfg, err := config.Load(config.ResolvePath(*cfgPath))
	if err != nil {
		boot := obs.SetupLogger("info")
		boot.Fatal().Err(err).Msg("load config")
	}

	logger := obs.SetupLogger(cfg.Observability.LogLevel)
	runID := uuid.NewString()
	logger = logger.With().Str("run_id", runID).Logger()
	logger.Info().Str("version", version).Msg("Setup logger")

	if err := run(cfg, runID, logger); err != nil {
		logger.Fatal().Err(err).Msg("run failed")
	}
	logger.Info().Msg("bye")
}

func run(cfg *config.Root, runID string, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := obs.NewMetrics(reg)

	sinks, closeSinks, err := buildSinks(cfg.Stats)
	if err != nil {
		return err
	}
	defer closeSinks()
	recorder := stats.NewRecorder(runID, sinks,
		stats.WithBufferSize(cfg.Stats.BufferSize),
		stats.WithWriteTimeout(cfg.Stats.WriteTimeout()),
		stats.WithLogger(logger),
	)

	mon := monitor.Start(
		monitor.WithInterval(cfg.Monitor.Interval()),
		monitor.WithQueueSize(cfg.Monitor.QueueSize),
		monitor.WithLogger(logger.With().Str("component", "monitor").Logger()),
		monitor.WithOnPublish(metrics.ObserveStatus),
		monitor.WithOnPublish(recorder.Publish),
		monitor.WithOnDrop(metrics.ObserveDrop),
	)

	gen, err := ratelimit.Start(ctx, cfg.Ramp.Ramp(),
		ratelimit.WithQueueCapacity(cfg.Ramp.QueueCapacity),
		ratelimit.WithLogger(logger.With().Str("component", "generator").Logger()),
		ratelimit.WithOnTick(metrics.ObserveTick),
	)
	if err != nil {
		_ = mon.Close()
		_ = recorder.Close()
		return err
	}

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: admin.New(admin.Options{
			Version:        version,
			RunID:          runID,
			Monitor:        mon,
			Generator:      gen,
			Gatherer:       reg,
			PrometheusPath: cfg.Observability.PrometheusPath,
			Metrics:        metrics,
			Logger:         &logger,
		}),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
		ReadTimeout:       cfg.Server.ReadTimeout(),
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("admin listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("admin server error")
		}
	}()

	call := loadclient.Simulated(cfg.Scenario.MinLatency(), cfg.Scenario.MaxLatency(), cfg.Scenario.FailureRatio)
	if cfg.Scenario.URL != "" {
		call = loadclient.HTTPGet(&http.Client{Transport: loadclient.NewHTTPTransport()}, cfg.Scenario.URL)
	}
	client := &loadclient.Client{
		Limiter:  gen,
		Recorder: mon,
		Call:     call,
		Timeout:  cfg.Scenario.Timeout(),
		OnEvent:  metrics.ObserveEvent,
		Log:      logger,
	}

	runCtx := ctx
	if d := cfg.Scenario.Duration(); d > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	logger.Info().
		Int("parallel", cfg.Scenario.Parallel).
		Dur("duration", cfg.Scenario.Duration()).
		Str("url", cfg.Scenario.URL).
		Msg("scenario started")
	runErr := loadclient.Runner{Parallel: cfg.Scenario.Parallel}.Run(runCtx, client)

	_ = gen.Close()
	_ = mon.Close()

	final := mon.Status()
	logger.Info().
		Int("rps", final.RPS).
		Int64("total", final.Total).
		Int64("failed", final.Failed).
		Dur("clock", final.Clock).
		Int64("dropped", mon.Dropped()).
		Uint64("issued", gen.Issued()).
		Msg("final status")

	if err := recorder.Close(); err != nil {
		logger.Error().Err(err).Msg("closing stats sinks")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	return runErr
}

// buildSinks opens the configured stats sinks. Without any, snapshots are
// kept in memory for the lifetime of the run. The returned func releases the
// Redis client; the sinks themselves are closed by the recorder.
func buildSinks(cfg config.Stats) ([]stats.Sink, func(), error) {
	var sinks []stats.Sink
	closeFn := func() {}

	if cfg.SQLitePath != "" {
		s, err := stats.NewSQLiteSink(cfg.SQLitePath)
		if err != nil {
			return nil, closeFn, err
		}
		sinks = append(sinks, s)
	}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		closeFn = func() { _ = rdb.Close() }
		sinks = append(sinks, stats.NewRedisSink(rdb,
			stats.WithRedisPrefix(cfg.Redis.Prefix),
			stats.WithRedisTTL(cfg.Redis.TTL()),
		))
	}
	if len(sinks) == 0 {
		sinks = append(sinks, stats.NewMemorySink())
	}
	return sinks, closeFn, nil
}
