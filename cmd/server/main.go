package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-seb/internal/config"
	"github.com/stemsi/exstem-seb/internal/database"
	"github.com/stemsi/exstem-seb/internal/handler"
	"github.com/stemsi/exstem-seb/internal/logger"
	"github.com/stemsi/exstem-seb/internal/middleware"
	"github.com/stemsi/exstem-seb/internal/repository"
	"github.com/stemsi/exstem-seb/internal/router"
	"github.com/stemsi/exstem-seb/internal/service"
	"github.com/stemsi/exstem-seb/internal/validator"
	"github.com/stemsi/exstem-seb/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Msg("Starting ExStem SEB entry server")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Migrate Schema ────────────────────────────────────────────────
	if cfg.AutoMigrate {
		if err := database.MigrateUp(cfg.DatabaseURL, log); err != nil {
			log.Fatal().Err(err).Msg("Failed to migrate schema")
		}
	}

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

	// ─── Initialize Repositories ───────────────────────────────────────
	studentRepo := repository.NewStudentRepository(pool)
	teacherRepo := repository.NewTeacherRepository(pool)
	examRepo := repository.NewExamRepository(pool)
	tokenRepo := repository.NewEntryTokenRepository(pool)
	submissionRepo := repository.NewSubmissionRepository(pool)
	monitorRepo := repository.NewMonitorRepository(pool)
	handoffRepo := repository.NewHandoffRepository(rdb, cfg.HandoffStateTTL)
	answerBuffer := repository.NewAnswerBuffer(rdb)
	paperCache := repository.NewPaperCache(rdb)
	queue := repository.NewRedisQueue(rdb)
	publisher := repository.NewPublisher(rdb)

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg, rdb)
	accountService := service.NewAccountService(studentRepo, teacherRepo, cfg.BcryptCost)
	sessionService := service.NewExamSessionService(examRepo, examRepo, submissionRepo, paperCache, cfg.PaperCacheTTL, log)
	monitorService := service.NewMonitorService(monitorRepo)
	tokenService := service.NewEntryTokenService(tokenRepo, cfg.EntryTokenTTL, log)
	recorder := service.NewSubmissionRecorder(submissionRepo, answerBuffer, queue, examRepo, log)
	checker := service.NewAttestationChecker(service.AttestationPolicy{
		ConfigKeys:      cfg.SEBConfigKeys,
		BrowserExamKeys: cfg.SEBBrowserExamKeys,
		BlockOffline:    cfg.AttestBlockOffline,
		MaxProbeRTT:     cfg.AttestMaxProbeRTT,
		MaxClockSkew:    cfg.PreflightMaxClockSkew,
	})
	handoff := service.NewHandoffController(
		handoffRepo, examRepo, submissionRepo, tokenService, checker, recorder, publisher,
		service.HandoffConfig{
			EntryBaseURL:   cfg.EntryBaseURL,
			QuitURL:        cfg.SEBQuitURL,
			TerminateDelay: cfg.TerminateDelay,
		},
		log,
	)
	defer handoff.Stop()

	// ─── Initialize Handlers ──────────────────────────────────────────
	now := handler.Clock(time.Now)
	handlers := &router.Handlers{
		Auth:          handler.NewAuthHandler(authService, accountService),
		StudentPortal: handler.NewStudentPortalHandler(sessionService, accountService, handoff, now),
		Entry:         handler.NewEntryHandler(authService, sessionService, handoff, recorder, now),
		WS:            handler.NewWSHandler(handoff, recorder, publisher, now, log, cfg.AllowedOrigins),
		Monitor:       handler.NewMonitorHandler(publisher, sessionService, monitorService, now, log),
		System:        handler.NewSystemHandler(pool, rdb, log),
	}
	claimLimiter := middleware.NewRateLimiter(middleware.NewRedisCounter(rdb), cfg.ClaimRateLimit, cfg.ClaimRateWindow, log)

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	for _, w := range []interface{ Start(context.Context) }{
		worker.NewAutosaveWorker(submissionRepo, rdb, log),
		worker.NewIntegrityEventWorker(submissionRepo, rdb, log),
		worker.NewExpiryWorker(submissionRepo, handoff, tokenService, cfg.ExpirySweepInterval, log),
	} {
		workers.Add(1)
		go func() {
			defer workers.Done()
			w.Start(workerCtx)
		}()
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, claimLimiter, handlers, cfg, log)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
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

	// 2. Stop countdowns; the expiry sweep picks them up after restart.
	handoff.Stop()

	// 3. Stop background workers and wait for queues to drain.
	workerCancel()
	workers.Wait()

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
