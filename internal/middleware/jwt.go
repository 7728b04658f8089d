package middleware

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-timesync/internal/response"
	"github.com/stemsi/exstem-timesync/internal/service"
)

const (
	// ContextKeyClaims is the Gin context key for attempt token claims.
	ContextKeyClaims = "claims"
)

// RequireAttemptToken validates an attempt JWT from the Authorization header
// and checks it belongs to the attempt in the route path.
func RequireAttemptToken(tokenService *service.TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := extractAndValidateClaims(c, tokenService)
		if err != nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenInvalid)
			return
		}

		if attemptID := c.Param("attempt_id"); attemptID != "" && attemptID != claims.AttemptID {
			response.AbortFail(c, http.StatusForbidden, response.ErrAttemptMismatch)
			return
		}

		c.Set(ContextKeyClaims, claims)
		c.Next()
	}
}

// RequireAttemptWSAuth validates an attempt JWT from the query param
// ?token=... Used for WebSocket upgrade requests, which cannot send headers.
func RequireAttemptWSAuth(tokenService *service.TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := c.Query("token")
		if tokenStr == "" {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}

		claims, err := tokenService.ValidateToken(tokenStr)
		if err != nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenInvalid)
			return
		}

		if attemptID := c.Param("attempt_id"); attemptID != "" && attemptID != claims.AttemptID {
			response.AbortFail(c, http.StatusForbidden, response.ErrAttemptMismatch)
			return
		}

		c.Set(ContextKeyClaims, claims)
		c.Next()
	}
}

// RequireAPIKey guards platform-only endpoints with the shared API key.
func RequireAPIKey(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		provided := c.GetHeader("X-API-Key")
		if apiKey == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrAPIKeyInvalid)
			return
		}
		c.Next()
	}
}

// GetClaims retrieves the attempt token claims from the Gin context.
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

func extractAndValidateClaims(c *gin.Context, tokenService *service.TokenService) (*service.Claims, error) {
	tokenStr := ""

	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			tokenStr = parts[1]
		}
	}

	if tokenStr == "" {
		tokenStr = c.Query("token")
	}

	if tokenStr == "" {
		return nil, fmt.Errorf("authorization header or token query required")
	}

	return tokenService.ValidateToken(tokenStr)
}
