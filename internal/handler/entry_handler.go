package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stemsi/exstem-seb/internal/middleware"
	"github.com/stemsi/exstem-seb/internal/model"
	"github.com/stemsi/exstem-seb/internal/response"
	"github.com/stemsi/exstem-seb/internal/service"
	"github.com/stemsi/exstem-seb/internal/validator"
)

// EntryHandler serves the locked-down browser: token claim, attestation and the live exam.
type EntryHandler struct {
	authService    *service.AuthService
	sessionService *service.ExamSessionService
	handoff        *service.HandoffController
	recorder       *service.SubmissionRecorder
	now            Clock
}

// NewEntryHandler creates a new EntryHandler.
func NewEntryHandler(
	authService *service.AuthService,
	sessionService *service.ExamSessionService,
	handoff *service.HandoffController,
	recorder *service.SubmissionRecorder,
	now Clock,
) *EntryHandler {
	return &EntryHandler{
		authService:    authService,
		sessionService: sessionService,
		handoff:        handoff,
		recorder:       recorder,
		now:            now,
	}
}

// Ping godoc
// GET /api/v1/entry/ping
// Connectivity probe; the client times the round trip for attestation.
func (h *EntryHandler) Ping(c *gin.Context) {
	response.Success(c, http.StatusOK, gin.H{"server_time": h.now().UTC()})
}

// Claim godoc
// POST /api/v1/entry/claim
// Claims the one-time entry token and returns the session token of the
// locked-down browser. The token can be claimed exactly once.
func (h *EntryHandler) Claim(c *gin.Context) {
	var req model.ClaimTokenRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	attempt, err := h.handoff.Enter(c.Request.Context(), req.Token, entryEnvironment(c), h.now())
	if err != nil {
		failService(c, err)
		return
	}

	access, err := h.authService.GenerateEntryToken(attempt.StudentID, attempt.ExamID)
	if err != nil {
		requestLog(c).Error().Err(err).Int("student_id", attempt.StudentID).Msg("Failed to sign entry session")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, model.EntrySession{
		AccessToken: access,
		ExamID:      attempt.ExamID,
		StudentID:   attempt.StudentID,
		State:       attempt.State,
	})
}

// Attest godoc
// POST /api/v1/entry/attest
// Runs the environment checks on the locked-down browser.
func (h *EntryHandler) Attest(c *gin.Context) {
	examID, studentID, ok := entryIdentity(c)
	if !ok {
		return
	}

	var req model.AttestRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	env := entryEnvironment(c)
	env.Online = req.Online
	env.ProbeRTT = time.Duration(req.ProbeRTTMs) * time.Millisecond
	env.WebDriver = req.WebDriver
	env.DevToolsOpen = req.DevToolsOpen
	env.VMSuspected = req.VMSuspected

	result, err := h.handoff.Attest(c.Request.Context(), examID, studentID, env, h.now())
	if err != nil {
		failService(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{
		"result":     result,
		"advisories": result.Advisories(),
	})
}

// Begin godoc
// POST /api/v1/entry/begin
// Starts (or resumes) the live exam and its countdown.
func (h *EntryHandler) Begin(c *gin.Context) {
	examID, studentID, ok := entryIdentity(c)
	if !ok {
		return
	}

	live, err := h.handoff.Begin(c.Request.Context(), examID, studentID, h.now())
	if err != nil {
		failService(c, err)
		return
	}
	response.Success(c, http.StatusOK, live)
}

// GetPaper godoc
// GET /api/v1/entry/paper
// Returns the questions without the answer key once Begin has started the
// countdown.
func (h *EntryHandler) GetPaper(c *gin.Context) {
	examID, studentID, ok := entryIdentity(c)
	if !ok {
		return
	}

	attempt, err := h.handoff.State(c.Request.Context(), examID, studentID)
	if err != nil {
		failService(c, err)
		return
	}
	if attempt.State != model.HandoffLiveActive {
		response.Fail(c, http.StatusForbidden, response.ErrForbidden)
		return
	}

	paper, err := h.sessionService.GetPaper(c.Request.Context(), examID)
	if err != nil {
		failService(c, err)
		return
	}
	response.Success(c, http.StatusOK, paper)
}

// GetState godoc
// GET /api/v1/entry/state
// Returns the handoff state plus remaining time and autosaved answers, for reloads.
func (h *EntryHandler) GetState(c *gin.Context) {
	examID, studentID, ok := entryIdentity(c)
	if !ok {
		return
	}

	attempt, err := h.handoff.State(c.Request.Context(), examID, studentID)
	if err != nil {
		failService(c, err)
		return
	}

	out := gin.H{"handoff": attempt}
	if attempt.SubmissionID != nil {
		state, err := h.recorder.State(c.Request.Context(), *attempt.SubmissionID, h.now())
		if err != nil {
			failService(c, err)
			return
		}
		out["submission"] = state
	}
	response.Success(c, http.StatusOK, out)
}

// RecordAnswer godoc
// POST /api/v1/entry/answers
// REST fallback for the websocket autosave.
func (h *EntryHandler) RecordAnswer(c *gin.Context) {
	submissionID, ok := h.liveSubmission(c)
	if !ok {
		return
	}

	var req model.RecordAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.recorder.RecordAnswer(c.Request.Context(), submissionID, req.QuestionID, req.OptionID, h.now()); err != nil {
		failService(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"q_id": req.QuestionID, "status": "saved"})
}

// RecordEvent godoc
// POST /api/v1/entry/events
// REST fallback for websocket integrity flags.
func (h *EntryHandler) RecordEvent(c *gin.Context) {
	submissionID, ok := h.liveSubmission(c)
	if !ok {
		return
	}

	var req model.FlaggedEvent
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.recorder.RecordEvent(c.Request.Context(), submissionID, req, h.now()); err != nil {
		failService(c, err)
		return
	}
	response.Success(c, http.StatusAccepted, gin.H{"status": "flagged"})
}

// Submit godoc
// POST /api/v1/entry/submit
// Finalizes the attempt. Safe to retry; a repeat reports already_finalized.
func (h *EntryHandler) Submit(c *gin.Context) {
	examID, studentID, ok := entryIdentity(c)
	if !ok {
		return
	}

	var req model.SubmitRequest
	if c.Request.ContentLength != 0 {
		if fields := validator.Bind(c, &req); fields != nil {
			response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
			return
		}
	}

	outcome, err := h.handoff.Submit(c.Request.Context(), examID, studentID, req.Answers, req.Events, h.now())
	if err != nil {
		failService(c, err)
		return
	}
	response.Success(c, http.StatusOK, outcome)
}

// liveSubmission resolves the submission of a LIVE_ACTIVE attempt.
func (h *EntryHandler) liveSubmission(c *gin.Context) (uuid.UUID, bool) {
	examID, studentID, ok := entryIdentity(c)
	if !ok {
		return uuid.Nil, false
	}

	attempt, err := h.handoff.State(c.Request.Context(), examID, studentID)
	if err != nil {
		failService(c, err)
		return uuid.Nil, false
	}
	if attempt.SubmissionID == nil {
		response.Fail(c, http.StatusConflict, response.ErrInvalidTransition)
		return uuid.Nil, false
	}
	if attempt.State != model.HandoffLiveActive {
		response.Fail(c, http.StatusConflict, response.ErrSubmissionClosed)
		return uuid.Nil, false
	}
	return *attempt.SubmissionID, true
}

// entryIdentity reads the exam and student bound to the entry session token.
func entryIdentity(c *gin.Context) (uuid.UUID, int, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return uuid.Nil, 0, false
	}
	examID, err := uuid.Parse(claims.ExamID)
	if err != nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenInvalid)
		return uuid.Nil, 0, false
	}
	return examID, claims.UserID, true
}
