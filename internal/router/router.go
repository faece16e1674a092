package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-seb/internal/config"
	"github.com/stemsi/exstem-seb/internal/handler"
	"github.com/stemsi/exstem-seb/internal/logger"
	"github.com/stemsi/exstem-seb/internal/middleware"
	"github.com/stemsi/exstem-seb/internal/response"
	"github.com/stemsi/exstem-seb/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Auth          *handler.AuthHandler
	StudentPortal *handler.StudentPortalHandler
	Entry         *handler.EntryHandler
	WS            *handler.WSHandler
	Monitor       *handler.MonitorHandler
	System        *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	authService *service.AuthService,
	claimLimiter *middleware.RateLimiter,
	handlers *Handlers,
	cfg *config.Config,
	log zerolog.Logger,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{
		"Origin", "Content-Type", "Authorization", "X-Request-ID",
		service.HeaderSEBConfigKeyHash, service.HeaderSEBRequestHash,
	}
	corsConfig.ExposeHeaders = []string{"X-Request-ID", "Retry-After"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Request ID first so the access log carries it.
	router.Use(response.RequestIDMiddleware())
	router.Use(logger.AccessLog(logger.Component(log, "http"), response.ContextKeyRequestID))

	router.GET("/health", handlers.System.Health)

	// ─── 1. Auth Group (Public) ────────────────────────────────────────
	auth := router.Group("/api/v1/auth")
	{
		auth.POST("/student/login", handlers.Auth.StudentLogin)
		auth.POST("/teacher/login", handlers.Auth.TeacherLogin)

		auth.POST("/student/logout", middleware.RequireStudentJWT(authService), handlers.Auth.StudentLogout)
		auth.GET("/student/me", middleware.RequireStudentJWT(authService), handlers.Auth.GetStudentProfile)
	}

	// ─── 2. Student Dashboard (JWT + Single Device) ────────────────────
	studentAPI := router.Group("/api/v1/student")
	studentAPI.Use(
		middleware.RequireStudentJWT(authService),
		middleware.CheckSingleDeviceSession(authService),
		middleware.NoStore(),
	)
	{
		studentAPI.GET("/exams", handlers.StudentPortal.GetLobby)
		studentAPI.POST("/exams/:exam_id/start", handlers.StudentPortal.StartExam)
		studentAPI.GET("/exams/:exam_id/handoff", handlers.StudentPortal.GetHandoffState)
		studentAPI.POST("/exams/:exam_id/handoff/blocked", handlers.StudentPortal.ReportBlocked)
		studentAPI.POST("/exams/:exam_id/handoff/retry", handlers.StudentPortal.RetryHandoff)
	}

	// ─── 3. Locked-down Browser ────────────────────────────────────────
	entry := router.Group("/api/v1/entry")
	entry.Use(middleware.NoStore())
	{
		entry.GET("/ping", handlers.Entry.Ping)
		entry.POST("/claim", claimLimiter.Middleware(), handlers.Entry.Claim)

		live := entry.Group("")
		live.Use(middleware.RequireEntryJWT(authService))
		{
			live.POST("/attest", handlers.Entry.Attest)
			live.POST("/begin", handlers.Entry.Begin)
			live.GET("/paper", middleware.Brotli(), handlers.Entry.GetPaper)
			live.GET("/state", handlers.Entry.GetState)
			live.POST("/answers", handlers.Entry.RecordAnswer)
			live.POST("/events", handlers.Entry.RecordEvent)
			live.POST("/submit", handlers.Entry.Submit)
		}
	}

	// ─── 4. WebSocket (entry token in ?token=) ─────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireEntryJWT(authService))
	{
		ws.GET("/entry/stream", handlers.WS.EntryStream)
	}

	// ─── 5. Teacher ────────────────────────────────────────────────────
	teacherAPI := router.Group("/api/v1/teacher")
	teacherAPI.Use(middleware.RequireTeacherJWT(authService))
	{
		teacherAPI.GET("/exams/:exam_id/status", handlers.Monitor.GetExamStatus)
		teacherAPI.GET("/exams/:exam_id/monitor", handlers.Monitor.MonitorExamSSE)
	}

	return router
}
