package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-seb/internal/logger"
	"github.com/stemsi/exstem-seb/internal/model"
	"github.com/stemsi/exstem-seb/internal/response"
	"github.com/stemsi/exstem-seb/internal/service"
)

// Clock returns the current instant. Handlers take it so tests can pin time.
type Clock func() time.Time

func requestLog(c *gin.Context) *zerolog.Logger {
	return logger.FromContext(c.Request.Context())
}

func parseExamID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return uuid.Nil, false
	}
	return id, true
}

// entryEnvironment collects what the server observes about the calling
// browsing context. SEB hashes are computed over the absolute request URL.
func entryEnvironment(c *gin.Context) *model.EntryEnvironment {
	return &model.EntryEnvironment{
		UserAgent:     c.Request.UserAgent(),
		RequestURL:    absoluteURL(c.Request),
		RequestHash:   c.GetHeader(service.HeaderSEBRequestHash),
		ConfigKeyHash: c.GetHeader(service.HeaderSEBConfigKeyHash),
	}
}

func absoluteURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

var handoffCodes = map[model.FailureReason]struct {
	status int
	code   response.ErrCode
}{
	model.ReasonPreconditionNotMet:    {http.StatusConflict, response.ErrPreconditionNotMet},
	model.ReasonSystemCheckFailed:     {http.StatusUnprocessableEntity, response.ErrSystemCheckFailed},
	model.ReasonHandoffBlocked:        {http.StatusConflict, response.ErrHandoffBlocked},
	model.ReasonInvalidSession:        {http.StatusUnauthorized, response.ErrInvalidSession},
	model.ReasonNotInLockedBrowser:    {http.StatusForbidden, response.ErrNotInLockedBrowser},
	model.ReasonAttestationFailed:     {http.StatusForbidden, response.ErrAttestationFailed},
	model.ReasonExamNoLongerAvailable: {http.StatusGone, response.ErrExamNoLongerAvailable},
	model.ReasonStorageFailure:        {http.StatusServiceUnavailable, response.ErrStorageFailure},
}

// failService renders an error returned by the entry services.
func failService(c *gin.Context, err error) {
	var herr *service.HandoffError
	if errors.As(err, &herr) {
		m, ok := handoffCodes[herr.Reason]
		if !ok {
			m.status, m.code = http.StatusInternalServerError, response.ErrInternal
		}
		code := m.code
		switch {
		case errors.Is(err, service.ErrTokenNotFound):
			code = response.ErrEntryTokenNotFound
		case errors.Is(err, service.ErrTokenAlreadyClaimed):
			code = response.ErrEntryTokenClaimed
		case errors.Is(err, service.ErrTokenExpired):
			code = response.ErrEntryTokenExpired
		}
		response.FailHandoff(c, m.status, code, herr.Reasons, herr.Recoverable, herr.Termination)
		return
	}

	switch {
	case errors.Is(err, service.ErrInvalidTransition):
		response.Fail(c, http.StatusConflict, response.ErrInvalidTransition)
	case errors.Is(err, service.ErrConcurrentUpdate):
		response.Fail(c, http.StatusConflict, response.ErrConflict)
	case errors.Is(err, service.ErrExamNotFound), errors.Is(err, service.ErrSubmissionNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
	case errors.Is(err, service.ErrAlreadySubmitted):
		response.Fail(c, http.StatusConflict, response.ErrAlreadySubmitted)
	case errors.Is(err, service.ErrSubmissionClosed):
		response.Fail(c, http.StatusConflict, response.ErrSubmissionClosed)
	case errors.Is(err, service.ErrUnknownQuestion):
		response.Fail(c, http.StatusBadRequest, response.ErrUnknownQuestion)
	case errors.Is(err, service.ErrBacktrackingNotAllowed):
		response.Fail(c, http.StatusConflict, response.ErrBacktrackingNotAllowed)
	default:
		requestLog(c).Error().Err(err).Msg("Unhandled service error")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}
