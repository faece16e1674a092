package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-seb/internal/response"
	"github.com/stemsi/exstem-seb/internal/service"
)

const (
	// ContextKeyClaims is the Gin context key for JWT claims.
	ContextKeyClaims = "claims"
)

var errNoToken = errors.New("authorization header or token query required")

// TokenValidator parses and verifies a signed token.
type TokenValidator interface {
	ValidateToken(tokenStr string) (*service.Claims, error)
}

// RequireStudentJWT accepts dashboard student tokens.
func RequireStudentJWT(v TokenValidator) gin.HandlerFunc {
	return requireTokenType(v, service.TokenTypeStudent, response.ErrStudentAccessOnly)
}

// RequireTeacherJWT accepts teacher tokens.
func RequireTeacherJWT(v TokenValidator) gin.HandlerFunc {
	return requireTokenType(v, service.TokenTypeTeacher, response.ErrTeacherAccessOnly)
}

// RequireEntryJWT accepts the session token minted for the locked-down
// browser on a successful token claim. It is bound to one exam.
func RequireEntryJWT(v TokenValidator) gin.HandlerFunc {
	return requireTokenType(v, service.TokenTypeEntry, response.ErrEntryAccessOnly)
}

func requireTokenType(v TokenValidator, want service.TokenType, wrongType response.ErrCode) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := extractAndValidateClaims(c, v)
		if errors.Is(err, errNoToken) {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}
		if err != nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenInvalid)
			return
		}
		if claims.TokenType != want {
			response.AbortFail(c, http.StatusForbidden, wrongType)
			return
		}

		c.Set(ContextKeyClaims, claims)
		c.Next()
	}
}

// GetClaims retrieves the JWT claims from the Gin context.
func GetClaims(c *gin.Context) *service.Claims {
	val, exists := c.Get(ContextKeyClaims)
	if !exists {
		return nil
	}
	claims, ok := val.(*service.Claims)
	if !ok {
		return nil
	}
	return claims
}

func extractAndValidateClaims(c *gin.Context, v TokenValidator) (*service.Claims, error) {
	tokenStr := ""
	if scheme, token, ok := strings.Cut(c.GetHeader("Authorization"), " "); ok && strings.EqualFold(scheme, "bearer") {
		tokenStr = strings.TrimSpace(token)
	}

	// EventSource and websocket upgrades cannot send headers.
	if tokenStr == "" {
		tokenStr = c.Query("token")
	}
	if tokenStr == "" {
		return nil, errNoToken
	}
	return v.ValidateToken(tokenStr)
}
