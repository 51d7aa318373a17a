package http

import (
	"context"
	"net/http"

	"github.com/dkeye/peercall/internal/adapters/signal"
	"github.com/dkeye/peercall/internal/app/orch"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const sessionUserKey = "user_id"

type handlers struct {
	ctx    context.Context
	orch   *orch.Orchestrator
	signal *signal.SignalWSController
}

type OnlineResponse struct {
	Users []core.OnlineDTO `json:"users"`
}

// signalSocket identifies the caller by ?userId=, falling back to the identity
// remembered in the session cookie, then hands the socket to the relay.
func (h *handlers) signalSocket(c *gin.Context) {
	sess := sessions.Default(c)
	raw := c.Query("userId")
	if raw == "" {
		if v, ok := sess.Get(sessionUserKey).(string); ok {
			raw = v
		}
	}
	id, err := domain.ParseUserID(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid userId"})
		return
	}
	sess.Set(sessionUserKey, string(id))
	if err := sess.Save(); err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Msg("session save")
	}

	// the cookie token is shared by tabs, so every socket gets its own suffix
	connID := core.ConnID(c.GetString("client_token") + "/" + uuid.NewString()[:8])
	log.Info().Str("module", "adapters.http").Str("user", string(id)).Str("conn", string(connID)).Msg("ws signal endpoint hit")
	h.signal.HandleSignal(h.ctx, c.Writer, c.Request, id, connID)
}

func (h *handlers) online(c *gin.Context) {
	c.JSON(http.StatusOK, OnlineResponse{Users: h.orch.Online()})
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "online": len(h.orch.Online())})
}
