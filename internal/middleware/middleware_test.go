package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-seb/internal/response"
	"github.com/stemsi/exstem-seb/internal/service"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) response.ErrCode {
	t.Helper()
	var body response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotNil(t, body.Error)
	return body.Error.Code
}

// ─── JWT ───────────────────────────────────────────────────────────────────

type fakeValidator map[string]*service.Claims

func (f fakeValidator) ValidateToken(tokenStr string) (*service.Claims, error) {
	if c, ok := f[tokenStr]; ok {
		return c, nil
	}
	return nil, errors.New("bad signature")
}

func entryRouter(v TokenValidator) *gin.Engine {
	r := gin.New()
	r.GET("/entry", RequireEntryJWT(v), func(c *gin.Context) {
		c.String(http.StatusOK, GetClaims(c).ExamID)
	})
	return r
}

func TestRequireEntryJWT(t *testing.T) {
	v := fakeValidator{
		"entry":   {TokenType: service.TokenTypeEntry, UserID: 4, ExamID: "exam-1"},
		"student": {TokenType: service.TokenTypeStudent, UserID: 4},
	}
	r := entryRouter(v)

	tests := []struct {
		name   string
		target string
		header string
		status int
		code   response.ErrCode
	}{
		{"missing token", "/entry", "", http.StatusUnauthorized, response.ErrTokenRequired},
		{"invalid token", "/entry", "Bearer forged", http.StatusUnauthorized, response.ErrTokenInvalid},
		{"wrong token type", "/entry", "Bearer student", http.StatusForbidden, response.ErrEntryAccessOnly},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, tc.target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			r.ServeHTTP(w, req)
			require.Equal(t, tc.status, w.Code)
			require.Equal(t, tc.code, errorCode(t, w))
		})
	}

	t.Run("bearer header", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/entry", nil)
		req.Header.Set("Authorization", "bearer entry")
		r.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
		require.Equal(t, "exam-1", w.Body.String())
	})

	t.Run("query token for streams", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/entry?token=entry", nil))
		require.Equal(t, http.StatusOK, w.Code)
	})
}

// ─── Rate limit ────────────────────────────────────────────────────────────

type fakeCounter struct {
	mu     sync.Mutex
	counts map[string]int64
	err    error
}

func (f *fakeCounter) Incr(_ context.Context, key string, _ time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.counts[key]++
	return f.counts[key], nil
}

func limitedRouter(rl *RateLimiter) *gin.Engine {
	r := gin.New()
	r.POST("/claim", rl.Middleware(), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return r
}

func claim(r *gin.Engine, ip string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/claim", nil)
	req.RemoteAddr = ip + ":5000"
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimiter(t *testing.T) {
	counter := &fakeCounter{counts: map[string]int64{}}
	rl := NewRateLimiter(counter, 2, time.Minute, zerolog.Nop())
	now := time.Date(2026, 3, 2, 9, 0, 10, 0, time.UTC)
	rl.now = func() time.Time { return now }
	r := limitedRouter(rl)

	require.Equal(t, http.StatusNoContent, claim(r, "10.0.0.1").Code)
	w := claim(r, "10.0.0.1")
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	w = claim(r, "10.0.0.1")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, response.ErrRateLimitExceeded, errorCode(t, w))
	require.Equal(t, "51", w.Header().Get("Retry-After"))

	// Other clients have their own budget.
	require.Equal(t, http.StatusNoContent, claim(r, "10.0.0.2").Code)

	// A new window resets the count.
	now = now.Add(time.Minute)
	require.Equal(t, http.StatusNoContent, claim(r, "10.0.0.1").Code)
}

func TestRateLimiterFailsOpen(t *testing.T) {
	counter := &fakeCounter{counts: map[string]int64{}, err: errors.New("redis down")}
	r := limitedRouter(NewRateLimiter(counter, 1, time.Minute, zerolog.Nop()))

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusNoContent, claim(r, "10.0.0.1").Code)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	counter := &fakeCounter{counts: map[string]int64{}}
	r := limitedRouter(NewRateLimiter(counter, 0, time.Minute, zerolog.Nop()))

	require.Equal(t, http.StatusNoContent, claim(r, "10.0.0.1").Code)
	require.Empty(t, counter.counts)
}
