// Command gpsgateway wires the Processor, BatchAccumulator, JobQueue,
// Store, EventBus and Coordinator together and serves the HTTP ingestion
// adapter. Wiring style (viper config, chi router, pgxpool construction)
// follows the teacher's cmd/gpstracker/gpstracker.go.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"

	"nuha.dev/gpsgateway/cmd/gpsgateway/webstream"
	"nuha.dev/gpsgateway/internal/accumulator"
	"nuha.dev/gpsgateway/internal/adapter"
	"nuha.dev/gpsgateway/internal/config"
	"nuha.dev/gpsgateway/internal/coordinator"
	"nuha.dev/gpsgateway/internal/eventbus"
	"nuha.dev/gpsgateway/internal/processor"
	"nuha.dev/gpsgateway/internal/queue"
	"nuha.dev/gpsgateway/internal/queue/deadletter"
	"nuha.dev/gpsgateway/internal/queue/natstransport"
	"nuha.dev/gpsgateway/internal/store"
	"nuha.dev/gpsgateway/internal/store/redisstore"
)

func main() {
	l := log.DefaultLogger
	l.Context = log.NewContext(nil).Str("module", "main").Value()

	cfg, err := config.Load(os.Getenv("GPSGW_CONFIG_FILE"))
	if err != nil {
		l.Fatal().Err(err).Msg("failed to load configuration")
	}

	bus, err := eventbus.New()
	if err != nil {
		l.Fatal().Err(err).Msg("failed to build event bus")
	}

	storeCfg := store.Config{
		MaxHistoryEntries:   cfg.MaxHistoryEntries,
		CleanupEnabled:      cfg.CleanupEnabled,
		MaxDeviceInactivity: time.Duration(cfg.MaxDeviceInactivityMS) * time.Millisecond,
		LatestKeyTTL:        time.Duration(cfg.LatestKeyTTLSeconds) * time.Second,
		HistogramSampleSize: cfg.HistogramSampleSize,
	}
	st, err := redisstore.New(cfg.RedisAddr, storeCfg)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to connect to store")
	}

	transport, err := natstransport.New(cfg.NATSURL, cfg.NATSStream)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to connect durable queue transport")
	}

	var deadSink queue.DeadLetterSink
	if cfg.PostgresURL != "" {
		pool, err := pgxpool.Connect(context.Background(), cfg.PostgresURL)
		if err != nil {
			l.Fatal().Err(err).Msg("failed to connect to postgres for dead-letter archival")
		}
		var uploader *deadletter.S3Uploader
		if cfg.DeadLetterS3Bucket != "" {
			uploader, err = deadletter.NewS3Uploader(context.Background(), cfg.DeadLetterS3Bucket)
			if err != nil {
				l.Fatal().Err(err).Msg("failed to build s3 dead-letter uploader")
			}
		}
		archive := deadletter.New(pool, cfg.DeadLetterTable, uploader)
		if err := archive.EnsureSchema(context.Background()); err != nil {
			l.Fatal().Err(err).Msg("failed to ensure dead-letter schema")
		}
		deadSink = archive
	}

	historyHandler := func(ctx context.Context, job queue.Job) error {
		if err := st.WriteHistoryBatch(ctx, job.BatchID, job.Positions); err != nil {
			return err
		}
		if len(job.CompressedBlob) > 0 {
			_ = st.WriteBatchBlob(ctx, job.BatchID, job.CompressedBlob)
		}
		bus.Publish(ctx, eventbus.TopicStoreWritten, job)
		return nil
	}
	latestHandler := func(ctx context.Context, job queue.Job) error {
		if err := st.WriteLatest(ctx, job.Positions); err != nil {
			return err
		}
		bus.Publish(ctx, eventbus.TopicStoreWritten, job)
		return nil
	}

	qcfg := queue.DefaultConfig()
	qcfg.HistoryWorkers = cfg.HistoryQueueConcurrency
	qcfg.LatestWorkers = cfg.LatestQueueConcurrency
	qcfg.MaxAttempts = cfg.JobMaxAttempts
	jq := queue.New(transport, qcfg, historyHandler, latestHandler, bus, deadSink)

	acfg := accumulator.Config{
		BatchInterval:      time.Duration(cfg.BatchIntervalMS) * time.Millisecond,
		MaxBatchSize:       cfg.BatchMaxSize,
		CompressionEnabled: cfg.CompressionEnabled,
	}
	acc := accumulator.New(acfg, jq, bus)

	pcfg := processor.Config{
		MaxAge:                 cfg.MaxAge,
		MaxFuture:              cfg.MaxFuture,
		DuplicateEnabled:       cfg.DuplicateEnabled,
		DuplicateTimeThreshold: time.Duration(cfg.DuplicateTimeThresholdMS) * time.Millisecond,
		CoordThreshold:         cfg.DuplicateCoordinateThreshold,
		MaxCacheSize:           cfg.DuplicateCacheSize,
	}
	proc := processor.New(pcfg)

	coord := coordinator.New(proc, acc, jq, st, bus)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := coord.Start(ctx); err != nil {
		l.Fatal().Err(err).Msg("failed to start coordinator")
	}

	app := adapter.New(coord)
	srv := &http.Server{
		Addr:           cfg.HTTPAddr,
		Handler:        app.Router(),
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		l.Info().Str("addr", cfg.HTTPAddr).Msg("starting http adapter")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Error().Err(err).Msg("http server stopped unexpectedly")
		}
	}()

	if cfg.WebstreamEnabled {
		ws := webstream.New(cfg.WebstreamAddr, bus)
		go func() {
			if err := ws.Run(); err != nil && err != http.ErrServerClosed {
				l.Error().Err(err).Msg("webstream server stopped unexpectedly")
			}
		}()
	}

	<-ctx.Done()
	l.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	if err := coord.Shutdown(context.Background(), 30*time.Second); err != nil {
		l.Error().Err(err).Msg("coordinator shutdown reported an error")
		os.Exit(1)
	}
}
