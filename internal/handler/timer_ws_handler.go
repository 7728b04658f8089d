package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-timesync/internal/config"
	"github.com/stemsi/exstem-timesync/internal/middleware"
	"github.com/stemsi/exstem-timesync/internal/syncbus"
	"github.com/stemsi/exstem-timesync/internal/timer"
	ws "github.com/stemsi/exstem-timesync/internal/websocket"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// An empty allowedOrigins slice permits all origins (development mode).
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

// TimerWSHandler serves the per-tab timer stream. One WebSocket connection
// is one tab: it gets its own facade, and the sync channel keeps all
// connections of the same attempt converged, across server instances when
// the Redis-backed channel is in use.
type TimerWSHandler struct {
	rdb       *redis.Client
	bus       syncbus.Channel
	authority timer.Authority
	cfg       *config.Config
	log       zerolog.Logger
	upgrader  websocket.Upgrader
}

// NewTimerWSHandler creates a new TimerWSHandler. authority may be nil when
// the coordinator is disabled; facades then run fallback-plus-broadcast.
func NewTimerWSHandler(rdb *redis.Client, bus syncbus.Channel, authority timer.Authority, cfg *config.Config, log zerolog.Logger) *TimerWSHandler {
	return &TimerWSHandler{
		rdb:       rdb,
		bus:       bus,
		authority: authority,
		cfg:       cfg,
		log:       log.With().Str("component", "timer_ws_handler").Logger(),
		upgrader:  buildUpgrader(cfg.AllowedOrigins),
	}
}

// completionPayload is queued when a session times out, for the completion
// worker to persist. Duplicate enqueues from multiple tabs collapse at
// insert time.
type completionPayload struct {
	AttemptID          string `json:"attempt_id"`
	ModuleID           string `json:"module_id"`
	Mode               string `json:"mode"`
	ExpectedDurationMs int64  `json:"expected_duration_ms"`
	CompletedAt        int64  `json:"completed_at"`
}

// TimerStream godoc
// WS /ws/v1/attempts/:attempt_id/timer
// Upgrades to WebSocket and streams reconciled timer state for one tab.
func (h *TimerWSHandler) TimerStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	rawConn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	conn := ws.NewConn(rawConn)
	defer conn.Close()

	opts := timer.Options{
		AttemptID:          claims.AttemptID,
		ModuleID:           claims.ModuleID,
		Mode:               timer.Mode(c.DefaultQuery("mode", string(timer.ModePerModule))),
		ExpectedDurationMs: queryInt64(c, "expected_duration_ms"),
		InitialElapsedMs:   queryInt64(c, "initial_elapsed_ms"),
		AutoStart:          c.Query("auto_start") == "true",
		Paused:             c.Query("paused") == "true",
		TickInterval:       h.cfg.TickInterval,
		TickToleranceMs:    h.cfg.TickToleranceMs,
		DriftThresholdMs:   h.cfg.DriftThresholdMs,
		Bus:                h.bus,
		Authority:          h.authority,
		Logger:             h.log,
	}

	wsLog := h.log.With().
		Str("attempt_id", claims.AttemptID).
		Str("module_id", claims.ModuleID).
		Logger()

	// The time-up callback reads the facade's current mode and budget, which
	// restart commands may have changed since the connection opened.
	var facade *timer.Facade
	facade, err = timer.New(opts, timer.Callbacks{
		OnTick: func(s timer.State) {
			conn.WriteTyped(ws.TickResponse{
				Event:       ws.EventTick,
				ElapsedMs:   s.ElapsedMs,
				RemainingMs: s.RemainingMs,
				Paused:      s.Paused,
				Mode:        string(s.Mode),
			})
		},
		OnTimeUp: func() {
			if facade != nil {
				h.enqueueCompletion(claims.AttemptID, claims.ModuleID, facade, wsLog)
			}
			conn.WriteTyped(ws.TimeUpResponse{Event: ws.EventTimeUp})
		},
		OnClockDrift: func(driftMs int64) {
			wsLog.Warn().Int64("drift_ms", driftMs).Msg("Clock drift detected")
			conn.WriteTyped(ws.ClockDriftResponse{Event: ws.EventClockDrift, DriftMs: driftMs})
		},
	})
	if err != nil {
		// Invalid configuration is the only error surfaced to the caller.
		conn.WriteError("invalid timer configuration: " + err.Error())
		return
	}
	defer facade.Close()

	wsLog.Info().Str("tab_id", facade.TabID()).Msg("Tab connected")

	for {
		var msg ws.CommandPayload
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Tab disconnected")
			}
			return
		}

		switch msg.Action {
		case ws.ActionStart:
			err := facade.Start(&timer.StartOverride{
				ExpectedDurationMs: msg.ExpectedDurationMs,
				InitialElapsedMs:   msg.InitialElapsedMs,
			})
			h.reply(conn, facade, err)
		case ws.ActionPause:
			facade.Pause()
			h.reply(conn, facade, nil)
		case ws.ActionResume:
			facade.Resume()
			h.reply(conn, facade, nil)
		case ws.ActionRestart:
			err := facade.Restart(timer.RestartOptions{
				ExpectedDurationMs: msg.ExpectedDurationMs,
				InitialElapsedMs:   msg.InitialElapsedMs,
				Mode:               timer.Mode(msg.Mode),
			})
			h.reply(conn, facade, err)
		case ws.ActionStop:
			facade.Stop()
			h.reply(conn, facade, nil)
		case ws.ActionPing:
			conn.WriteTyped(ws.PongResponse{Event: ws.EventPong})
		default:
			wsLog.Warn().Str("action", string(msg.Action)).Msg("Unknown action")
			conn.WriteError("unknown action: " + string(msg.Action))
		}
	}
}

// reply answers a command with either an error or the current state.
func (h *TimerWSHandler) reply(conn *ws.Conn, facade *timer.Facade, err error) {
	if err != nil {
		conn.WriteError(err.Error())
		return
	}
	s := facade.State()
	conn.WriteTyped(ws.StateResponse{
		Event:       ws.EventState,
		ElapsedMs:   s.ElapsedMs,
		RemainingMs: s.RemainingMs,
		IsRunning:   s.IsRunning,
		IsPaused:    s.IsPaused,
	})
}

// enqueueCompletion pushes the attempt completion onto the persistence
// queue. The timer core persists nothing itself; this is the caller-side
// path the worker consumes.
func (h *TimerWSHandler) enqueueCompletion(attemptID, moduleID string, facade *timer.Facade, wsLog zerolog.Logger) {
	if h.rdb == nil {
		return
	}
	payload, _ := json.Marshal(completionPayload{
		AttemptID:          attemptID,
		ModuleID:           moduleID,
		Mode:               string(facade.Mode()),
		ExpectedDurationMs: facade.DurationMs(),
		CompletedAt:        time.Now().Unix(),
	})
	if err := h.rdb.RPush(context.Background(), config.WorkerKey.PersistCompletionsQueue, payload).Err(); err != nil {
		wsLog.Error().Err(err).Msg("Completion enqueue failed")
	}
}

func queryInt64(c *gin.Context, key string) int64 {
	v := c.Query(key)
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
