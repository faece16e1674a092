package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-seb/internal/config"
)

const healthTimeout = 2 * time.Second

// SystemHandler reports liveness of the server and its stores.
type SystemHandler struct {
	pool      *pgxpool.Pool
	rdb       *redis.Client
	startTime time.Time
	log       zerolog.Logger
}

func NewSystemHandler(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *SystemHandler {
	return &SystemHandler{
		pool:      pool,
		rdb:       rdb,
		startTime: time.Now(),
		log:       log.With().Str("component", "system_handler").Logger(),
	}
}

type healthReport struct {
	Status   string `json:"status"`
	Uptime   string `json:"uptime"`
	Postgres string `json:"postgres"`
	Redis    string `json:"redis"`

	// Worker queues
	QueueAnswers int64 `json:"queue_answers"`
	QueueEvents  int64 `json:"queue_events"`
}

// Health godoc
// GET /health
// 200 when Postgres and Redis answer, 503 otherwise.
func (h *SystemHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	rep := healthReport{
		Status:   "ok",
		Uptime:   time.Since(h.startTime).Truncate(time.Second).String(),
		Postgres: "ok",
		Redis:    "ok",
	}

	if err := h.pool.Ping(ctx); err != nil {
		h.log.Warn().Err(err).Msg("Postgres health check failed")
		rep.Postgres, rep.Status = "down", "degraded"
	}

	pipe := h.rdb.Pipeline()
	answers := pipe.LLen(ctx, config.WorkerKey.PersistAnswersQueue)
	events := pipe.LLen(ctx, config.WorkerKey.PersistEventsQueue)
	if _, err := pipe.Exec(ctx); err != nil {
		h.log.Warn().Err(err).Msg("Redis health check failed")
		rep.Redis, rep.Status = "down", "degraded"
	} else {
		rep.QueueAnswers = answers.Val()
		rep.QueueEvents = events.Val()
	}

	code := http.StatusOK
	if rep.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, rep)
}
