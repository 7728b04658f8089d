package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-timesync/internal/config"
	"github.com/stemsi/exstem-timesync/internal/handler"
	"github.com/stemsi/exstem-timesync/internal/middleware"
	"github.com/stemsi/exstem-timesync/internal/response"
	"github.com/stemsi/exstem-timesync/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Attempt *handler.AttemptHandler
	TimerWS *handler.TimerWSHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	tokenService *service.TokenService,
	handlers *Handlers,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID", "X-API-Key"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	// ─── 1. Platform Group (API Key) ───────────────────────────────────
	platformAPI := router.Group("/api/v1/attempts")
	platformAPI.Use(middleware.RequireAPIKey(cfg.APIKey))
	{
		platformAPI.POST("/token", handlers.Attempt.MintToken)
		platformAPI.DELETE("/:attempt_id/token", handlers.Attempt.ReleaseAttempt)
	}

	// ─── 2. Attempt Group (Attempt JWT) ────────────────────────────────
	attemptAPI := router.Group("/api/v1/attempts")
	attemptAPI.Use(middleware.RequireAttemptToken(tokenService))
	{
		attemptAPI.GET("/:attempt_id/timer", handlers.Attempt.GetTimerState)
	}

	// ─── 3. WebSocket Group (Attempt WS Auth) ──────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireAttemptWSAuth(tokenService))
	{
		ws.GET("/attempts/:attempt_id/timer", handlers.TimerWS.TimerStream)
	}

	return router
}
