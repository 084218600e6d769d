/*
Package main runs the listing event collector.

The collector maintains a persistent WebSocket connection to the
backpack.tf event stream, aggregates listing-update and listing-delete
events into per-item hourly statistics in PostgreSQL, rolls finished days
up into daily statistics, sweeps aged-out rows, and serves the aggregated
data to the dashboard over a small HTTP API with a Redis-cached trending
snapshot.

Usage:

	go run ./cmd/collector

All configuration comes from the environment (see internal/config); a .env
file is honored for local development. The process exits non-zero if the
database is unreachable at startup, and shuts down cleanly on SIGINT or
SIGTERM.
*/
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Mohcka/bptf-analyzer/internal/config"
	"github.com/Mohcka/bptf-analyzer/internal/ingest"
	"github.com/Mohcka/bptf-analyzer/internal/retention"
	"github.com/Mohcka/bptf-analyzer/internal/rollup"
	"github.com/Mohcka/bptf-analyzer/internal/storage/postgres"
	"github.com/Mohcka/bptf-analyzer/internal/stream"
	"github.com/Mohcka/bptf-analyzer/internal/trending"
	"github.com/Mohcka/bptf-analyzer/internal/web"
)

func main() {
	// Initialize structured logger with timestamp and info level
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// An unreachable database at startup is fatal; there is no point
	// ingesting events we cannot persist.
	gateway, err := postgres.New(postgres.Config{
		Host:     cfg.PostgresHost,
		Port:     cfg.PostgresPort,
		User:     cfg.PostgresUser,
		Password: cfg.PostgresPassword,
		Database: cfg.PostgresDB,
		SSLMode:  cfg.PostgresSSLMode,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer gateway.Close()

	if err := gateway.InitSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to bootstrap schema")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	// Periodic jobs run on their own timers, independent of ingestion.
	cleaner := retention.New(gateway, retention.Config{
		HourlyRetention: cfg.HourlyRetention,
		DailyRetention:  cfg.DailyRetention,
	})
	go cleaner.Run(ctx)

	compactor := rollup.New(gateway)
	go compactor.Run(ctx)

	collector := trending.New(gateway, redisClient, trending.Config{
		Interval:    cfg.TrendingInterval,
		ItemCount:   cfg.TrendingItemCount,
		HoursWindow: cfg.TrendingHoursShown,
	})
	go collector.Run(ctx)

	// Ingestion pipeline behind the single-slot backpressure gate.
	pipeline := ingest.New(gateway, ingest.Config{PacingDelay: cfg.PacingDelay})

	manager := stream.NewManager(stream.Config{
		Endpoint:          cfg.WSEndpoint,
		ReconnectDelay:    cfg.ReconnectDelay,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Handler: func(data []byte) {
			pipeline.HandleMessage(ctx, data)
		},
	})
	go manager.Run(ctx)

	server := web.NewServer(cfg.HTTPAddr, gateway, collector)
	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("read API server failed")
			cancel()
		}
	}()

	log.Info().
		Str("endpoint", cfg.WSEndpoint).
		Str("httpAddr", cfg.HTTPAddr).
		Msg("collector started")

	// Graceful shutdown on SIGINT/SIGTERM: stop accepting new batches and
	// drain the read API.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sig:
		log.Info().Msg("initiating graceful shutdown")
	case <-ctx.Done():
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("read API shutdown timed out")
	}

	log.Info().Msg("shutdown complete")
}
