package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-timesync/internal/config"
	"github.com/stemsi/exstem-timesync/internal/coordinator"
	"github.com/stemsi/exstem-timesync/internal/database"
	"github.com/stemsi/exstem-timesync/internal/handler"
	"github.com/stemsi/exstem-timesync/internal/logger"
	"github.com/stemsi/exstem-timesync/internal/router"
	"github.com/stemsi/exstem-timesync/internal/service"
	"github.com/stemsi/exstem-timesync/internal/syncbus"
	"github.com/stemsi/exstem-timesync/internal/timer"
	"github.com/stemsi/exstem-timesync/internal/validator"
	"github.com/stemsi/exstem-timesync/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Bool("coordinator", cfg.CoordinatorEnabled).
		Msg("Starting ExStem TimeSync")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Initialize Timer Infrastructure ───────────────────────────────
	// The Redis-backed sync channel links tabs across server instances.
	// The coordinator is optional; facades stay correct without it.
	bus := syncbus.NewRedisChannel(rdb, log)

	var authority timer.Authority
	var coord *coordinator.Coordinator
	if cfg.CoordinatorEnabled {
		coord = coordinator.New(clockwork.NewRealClock(), cfg.TickInterval, log)
		authority = coord
	}

	// ─── Initialize Services & Handlers ────────────────────────────────
	tokenService := service.NewTokenService(cfg, rdb)

	handlers := &router.Handlers{
		Attempt: handler.NewAttemptHandler(tokenService, coord, log),
		TimerWS: handler.NewTimerWSHandler(rdb, bus, authority, cfg, log),
	}

	// ─── Start Background Workers ──────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())

	completionWorker := worker.NewCompletionWorker(pool, rdb, log)
	go completionWorker.Start(workerCtx)

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(tokenService, handlers, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop the worker and let the completion queue drain.
	workerCancel()
	time.Sleep(2 * time.Second)

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
