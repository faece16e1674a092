package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-seb/internal/middleware"
	"github.com/stemsi/exstem-seb/internal/model"
	"github.com/stemsi/exstem-seb/internal/repository"
	"github.com/stemsi/exstem-seb/internal/response"
	"github.com/stemsi/exstem-seb/internal/service"
	"github.com/stemsi/exstem-seb/internal/validator"
)

// StudentPortalHandler serves the dashboard side: lobby and handoff start.
type StudentPortalHandler struct {
	sessionService *service.ExamSessionService
	accountService *service.AccountService
	handoff        *service.HandoffController
	now            Clock
}

// NewStudentPortalHandler creates a new StudentPortalHandler.
func NewStudentPortalHandler(
	sessionService *service.ExamSessionService,
	accountService *service.AccountService,
	handoff *service.HandoffController,
	now Clock,
) *StudentPortalHandler {
	return &StudentPortalHandler{
		sessionService: sessionService,
		accountService: accountService,
		handoff:        handoff,
		now:            now,
	}
}

// GetLobby godoc
// GET /api/v1/student/exams
// Lists visible exams with their effective status and the student's submission.
func (h *StudentPortalHandler) GetLobby(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	lobby, err := h.sessionService.GetLobby(c.Request.Context(), claims.UserID, h.now())
	if err != nil {
		requestLog(c).Error().Err(err).Msg("Failed to build lobby")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"exams": lobby})
}

// StartExam godoc
// POST /api/v1/student/exams/:exam_id/start
// Runs the preflight checks and issues the one-time entry token. The client
// opens the locked-down browser with entry_url only after this returns.
func (h *StudentPortalHandler) StartExam(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	examID, ok := parseExamID(c)
	if !ok {
		return
	}

	var req model.StartHandoffRequest
	if c.Request.ContentLength != 0 {
		if fields := validator.Bind(c, &req); fields != nil {
			response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
			return
		}
	}

	// A nil student is reported as a failed precondition by the controller.
	student, err := h.accountService.GetStudent(c.Request.Context(), claims.UserID)
	if err != nil && !repository.IsNotFound(err) {
		requestLog(c).Error().Err(err).Int("student_id", claims.UserID).Msg("Failed to load student")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	ticket, err := h.handoff.Start(c.Request.Context(), examID, student, req.Preflight, h.now())
	if err != nil {
		failService(c, err)
		return
	}
	response.Success(c, http.StatusCreated, ticket)
}

// ReportBlocked godoc
// POST /api/v1/student/exams/:exam_id/handoff/blocked
// Called when the browser refused to open the locked-down window.
func (h *StudentPortalHandler) ReportBlocked(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	examID, ok := parseExamID(c)
	if !ok {
		return
	}

	attempt, err := h.handoff.ReportHandoffBlocked(c.Request.Context(), examID, claims.UserID, h.now())
	if err != nil {
		failService(c, err)
		return
	}
	response.Success(c, http.StatusOK, attempt)
}

// RetryHandoff godoc
// POST /api/v1/student/exams/:exam_id/handoff/retry
func (h *StudentPortalHandler) RetryHandoff(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	examID, ok := parseExamID(c)
	if !ok {
		return
	}

	ticket, err := h.handoff.RetryHandoff(c.Request.Context(), examID, claims.UserID, h.now())
	if err != nil {
		failService(c, err)
		return
	}
	response.Success(c, http.StatusCreated, ticket)
}

// GetHandoffState godoc
// GET /api/v1/student/exams/:exam_id/handoff
func (h *StudentPortalHandler) GetHandoffState(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	examID, ok := parseExamID(c)
	if !ok {
		return
	}

	attempt, err := h.handoff.State(c.Request.Context(), examID, claims.UserID)
	if err != nil {
		failService(c, err)
		return
	}
	response.Success(c, http.StatusOK, attempt)
}
