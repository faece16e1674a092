package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-seb/internal/config"
	"github.com/stemsi/exstem-seb/internal/model"
	"github.com/stemsi/exstem-seb/internal/service"
	ws "github.com/stemsi/exstem-seb/internal/websocket"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// Subscriber opens a Redis Pub/Sub subscription.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) *redis.PubSub
}

// WSHandler streams the live exam to the locked-down browser.
type WSHandler struct {
	handoff  *service.HandoffController
	recorder *service.SubmissionRecorder
	subs     Subscriber
	now      Clock
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(handoff *service.HandoffController, recorder *service.SubmissionRecorder, subs Subscriber, now Clock, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		handoff:  handoff,
		recorder: recorder,
		subs:     subs,
		now:      now,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// EntryStream godoc
// WS /ws/v1/entry/stream?token=...
// Autosave, integrity flags and submit from the client; time_up and
// terminate pushed by the server.
func (h *WSHandler) EntryStream(c *gin.Context) {
	examID, studentID, ok := entryIdentity(c)
	if !ok {
		return
	}

	attempt, err := h.handoff.State(c.Request.Context(), examID, studentID)
	if err != nil {
		failService(c, err)
		return
	}
	if attempt.State != model.HandoffLiveActive || attempt.SubmissionID == nil {
		failService(c, service.ErrInvalidTransition)
		return
	}
	submissionID := *attempt.SubmissionID

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	conn := ws.Wrap(raw)
	defer conn.Close()

	wsLog := h.log.With().
		Int("student_id", studentID).
		Str("exam_id", examID.String()).
		Str("submission_id", submissionID.String()).
		Logger()
	wsLog.Info().Msg("Student connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pubsub := h.subs.Subscribe(ctx, config.CacheKey.AttemptLiveChannel(examID.String(), studentID))
	defer pubsub.Close()
	go h.forwardSignals(ctx, cancel, conn, pubsub, wsLog)

	for {
		var msg ws.RequestPayload
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && ctx.Err() == nil {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		switch msg.Action {
		case ws.ActionAutosave:
			h.handleAutosave(ctx, conn, wsLog, submissionID, &msg)
		case ws.ActionFlag:
			h.handleFlag(ctx, conn, wsLog, submissionID, &msg)
		case ws.ActionSubmit:
			h.handleSubmit(ctx, conn, wsLog, examID, studentID, &msg)
		case ws.ActionPing:
			_ = conn.WriteTyped(ws.AckResponse{Event: ws.EventPong})
		default:
			wsLog.Warn().Str("action", string(msg.Action)).Msg("Unknown action")
			_ = conn.WriteError("", "unknown action: "+string(msg.Action))
		}
	}
}

// forwardSignals relays time_up and terminate from the controller. A
// terminate (or time_up) ends the stream after it was delivered.
func (h *WSHandler) forwardSignals(ctx context.Context, cancel context.CancelFunc, conn *ws.Conn, pubsub *redis.PubSub, wsLog zerolog.Logger) {
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			var sig model.LiveSignal
			if err := json.Unmarshal([]byte(m.Payload), &sig); err != nil {
				wsLog.Warn().Err(err).Msg("Malformed live signal")
				continue
			}

			event := ws.EventTerminate
			if sig.Type == model.LiveSignalTimeUp {
				event = ws.EventTimeUp
			}
			if err := conn.WriteTyped(ws.SignalResponse{Event: event, Termination: sig.Termination, Message: sig.Message}); err != nil {
				wsLog.Debug().Err(err).Msg("Signal delivery failed")
			}
			wsLog.Info().Str("signal", sig.Type).Msg("Live signal delivered")
			_ = conn.CloseNormal(sig.Type)
			cancel()
			// Unblocks the reader loop.
			_ = conn.Close()
			return
		}
	}
}

func (h *WSHandler) handleAutosave(ctx context.Context, conn *ws.Conn, wsLog zerolog.Logger, submissionID uuid.UUID, msg *ws.RequestPayload) {
	if msg.QID == "" || msg.Answer == "" {
		_ = conn.WriteError("VALIDATION_ERROR", "q_id and ans are required")
		return
	}
	if _, err := uuid.Parse(msg.QID); err != nil {
		_ = conn.WriteError("VALIDATION_ERROR", "invalid q_id format")
		return
	}

	err := h.recorder.RecordAnswer(ctx, submissionID, msg.QID, msg.Answer, h.now())
	if err != nil {
		code := recorderCode(err)
		if code == "" {
			wsLog.Error().Err(err).Msg("Autosave failed")
			code = "STORAGE_FAILURE"
		}
		_ = conn.WriteError(code, err.Error())
		return
	}
	_ = conn.WriteTyped(ws.SavedResponse{Event: ws.EventSaved, QID: msg.QID})
}

func (h *WSHandler) handleFlag(ctx context.Context, conn *ws.Conn, wsLog zerolog.Logger, submissionID uuid.UUID, msg *ws.RequestPayload) {
	if msg.Event == nil || msg.Event.Type == "" {
		_ = conn.WriteError("VALIDATION_ERROR", "event is required")
		return
	}
	if msg.Event.OccurredAt.IsZero() {
		msg.Event.OccurredAt = h.now()
	}

	if err := h.recorder.RecordEvent(ctx, submissionID, *msg.Event, h.now()); err != nil {
		code := recorderCode(err)
		if code == "" {
			wsLog.Error().Err(err).Msg("Flag failed")
			code = "STORAGE_FAILURE"
		}
		_ = conn.WriteError(code, err.Error())
		return
	}
	_ = conn.WriteTyped(ws.AckResponse{Event: ws.EventFlagged})
}

// handleSubmit finalizes the attempt. The terminate signal published by the
// controller then closes the stream from forwardSignals.
func (h *WSHandler) handleSubmit(ctx context.Context, conn *ws.Conn, wsLog zerolog.Logger, examID uuid.UUID, studentID int, msg *ws.RequestPayload) {
	outcome, err := h.handoff.Submit(ctx, examID, studentID, msg.Answers, nil, h.now())
	if err != nil {
		var herr *service.HandoffError
		if errors.As(err, &herr) {
			wsLog.Error().Err(err).Msg("Submit failed")
			_ = conn.WriteError(string(herr.Reason), "submit failed, please retry")
			return
		}
		_ = conn.WriteError("INVALID_TRANSITION", err.Error())
		return
	}

	wsLog.Info().Bool("already_finalized", outcome.AlreadyFinalized).Msg("Exam submitted")
	resp := ws.SubmittedResponse{
		Event:            ws.EventSubmitted,
		AlreadyFinalized: outcome.AlreadyFinalized,
		Termination:      outcome.Termination,
	}
	if outcome.Submission != nil {
		resp.Score = outcome.Submission.Score
	}
	_ = conn.WriteTyped(resp)
}

// recorderCode maps known recorder errors to wire codes; empty for unknown ones.
func recorderCode(err error) string {
	switch {
	case errors.Is(err, service.ErrSubmissionClosed):
		return "SUBMISSION_CLOSED"
	case errors.Is(err, service.ErrUnknownQuestion):
		return "UNKNOWN_QUESTION"
	case errors.Is(err, service.ErrBacktrackingNotAllowed):
		return "BACKTRACKING_NOT_ALLOWED"
	case errors.Is(err, service.ErrSubmissionNotFound):
		return "NOT_FOUND"
	}
	return ""
}
