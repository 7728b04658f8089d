package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-timesync/internal/coordinator"
	"github.com/stemsi/exstem-timesync/internal/response"
	"github.com/stemsi/exstem-timesync/internal/service"
	"github.com/stemsi/exstem-timesync/internal/validator"
)

// AttemptHandler serves the platform-facing attempt endpoints.
type AttemptHandler struct {
	tokenService *service.TokenService
	coord        *coordinator.Coordinator
	log          zerolog.Logger
}

// NewAttemptHandler creates a new AttemptHandler. coord is nil when the
// coordinator is disabled.
func NewAttemptHandler(tokenService *service.TokenService, coord *coordinator.Coordinator, log zerolog.Logger) *AttemptHandler {
	return &AttemptHandler{
		tokenService: tokenService,
		coord:        coord,
		log:          log.With().Str("component", "attempt_handler").Logger(),
	}
}

type mintTokenRequest struct {
	AttemptID string `json:"attempt_id" binding:"required"`
	ModuleID  string `json:"module_id" binding:"required"`
}

// MintToken godoc
// POST /api/v1/attempts/token
// Mints an attempt JWT for the host platform. Rejects duplicate mints for a
// live attempt.
func (h *AttemptHandler) MintToken(c *gin.Context) {
	var req mintTokenRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	token, err := h.tokenService.GenerateAttemptToken(c.Request.Context(), req.AttemptID, req.ModuleID)
	if err != nil {
		if errors.Is(err, service.ErrAttemptAlreadyActive) {
			response.Fail(c, http.StatusConflict, response.ErrAttemptActive)
			return
		}
		h.log.Error().Err(err).Str("attempt_id", req.AttemptID).Msg("Token mint failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{"token": token})
}

// ReleaseAttempt godoc
// DELETE /api/v1/attempts/:attempt_id/token
// Releases the attempt's token registration so a fresh token can be minted.
func (h *AttemptHandler) ReleaseAttempt(c *gin.Context) {
	attemptID := c.Param("attempt_id")
	if err := h.tokenService.ReleaseAttempt(c.Request.Context(), attemptID); err != nil {
		h.log.Error().Err(err).Str("attempt_id", attemptID).Msg("Release failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"released": true})
}

// GetTimerState godoc
// GET /api/v1/attempts/:attempt_id/timer
// Reads the coordinator's authoritative snapshot for an attempt.
func (h *AttemptHandler) GetTimerState(c *gin.Context) {
	if h.coord == nil {
		response.Fail(c, http.StatusNotFound, response.ErrCoordinatorDisabled)
		return
	}

	snap, ok := h.coord.Snapshot(c.Param("attempt_id"))
	if !ok {
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"elapsed_ms":   snap.ElapsedMs,
		"remaining_ms": snap.RemainingMs,
		"paused":       snap.Paused,
		"mode":         snap.Mode,
	})
}
