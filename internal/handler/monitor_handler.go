package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-seb/internal/config"
	"github.com/stemsi/exstem-seb/internal/middleware"
	"github.com/stemsi/exstem-seb/internal/response"
	"github.com/stemsi/exstem-seb/internal/service"
)

const (
	refreshInterval   = 15 * time.Second
	keepAliveInterval = 30 * time.Second
	refreshTimeout    = 5 * time.Second // prevent slow queries from blocking the SSE loop
)

// MonitorHandler serves the teacher's exam status and live handoff monitor.
type MonitorHandler struct {
	subs           Subscriber
	sessionService *service.ExamSessionService
	monitorService *service.MonitorService
	now            Clock
	log            zerolog.Logger
}

func NewMonitorHandler(
	subs Subscriber,
	sessionService *service.ExamSessionService,
	monitorService *service.MonitorService,
	now Clock,
	log zerolog.Logger,
) *MonitorHandler {
	return &MonitorHandler{
		subs:           subs,
		sessionService: sessionService,
		monitorService: monitorService,
		now:            now,
		log:            log.With().Str("component", "monitor_handler").Logger(),
	}
}

// GetExamStatus godoc
// GET /api/v1/teacher/exams/:exam_id/status
// Returns the stored and effective status of an exam at server time.
func (h *MonitorHandler) GetExamStatus(c *gin.Context) {
	status, ok := h.authorExam(c)
	if !ok {
		return
	}
	response.Success(c, http.StatusOK, status)
}

// MonitorExamSSE godoc
// GET /api/v1/teacher/exams/:exam_id/monitor
// Sends a progress snapshot, then every handoff transition as it happens.
func (h *MonitorHandler) MonitorExamSSE(c *gin.Context) {
	status, ok := h.authorExam(c)
	if !ok {
		return
	}
	examID := status.ExamID
	reqCtx := c.Request.Context()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.SSEvent("status", status)
	h.sendSnapshot(c, reqCtx, examID)

	pubsub := h.subs.Subscribe(reqCtx, config.CacheKey.ExamMonitorChannel(examID.String()))
	defer pubsub.Close()
	ch := pubsub.Channel()

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()
	refreshTicker := time.NewTicker(refreshInterval)
	defer refreshTicker.Stop()

	// Skip refreshes until some student did something.
	active := false

	h.log.Info().Str("exam_id", examID.String()).Int("teacher_id", middleware.GetClaims(c).UserID).Msg("Teacher attached to live monitor")

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Str("exam_id", examID.String()).Msg("Teacher detached from live monitor")
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			// Transitions are already JSON; forward as-is.
			_, _ = c.Writer.Write([]byte("event: transition\ndata: "))
			_, _ = c.Writer.Write([]byte(msg.Payload))
			_, _ = c.Writer.Write([]byte("\n\n"))
			c.Writer.Flush()
			active = true

		case <-refreshTicker.C:
			if !active {
				continue
			}
			h.sendSnapshot(c, reqCtx, examID)

		case <-keepAliveTicker.C:
			_, _ = c.Writer.Write([]byte(": ping\n\n"))
			c.Writer.Flush()
		}
	}
}

func (h *MonitorHandler) sendSnapshot(c *gin.Context, parent context.Context, examID uuid.UUID) {
	ctx, cancel := context.WithTimeout(parent, refreshTimeout)
	defer cancel()

	snap, err := h.monitorService.Snapshot(ctx, examID)
	if err != nil {
		h.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Failed to fetch monitor snapshot")
		return
	}
	c.SSEvent("snapshot", snap)
	c.Writer.Flush()
}

// authorExam resolves the exam in the path and checks the caller wrote it.
func (h *MonitorHandler) authorExam(c *gin.Context) (*service.ExamStatus, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return nil, false
	}
	examID, ok := parseExamID(c)
	if !ok {
		return nil, false
	}

	status, err := h.sessionService.GetStatus(c.Request.Context(), examID, h.now())
	if err != nil {
		failService(c, err)
		return nil, false
	}
	if status.AuthorID != claims.UserID {
		response.Fail(c, http.StatusForbidden, response.ErrNotExamAuthor)
		return nil, false
	}
	return status, true
}
