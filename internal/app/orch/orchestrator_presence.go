package orch

import (
	"context"
	"encoding/json"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/rs/zerolog/log"
)

// Connect registers a connection and announces the identity as online.
func (o *Orchestrator) Connect(id domain.UserID, connID core.ConnID, conn core.SignalConnection, cancel context.CancelFunc) {
	replaced := o.Registry.Bind(id, connID, conn, cancel)
	o.resetMisses(id)
	if replaced {
		// peers already saw this identity online
		return
	}
	o.announce(id, true)
}

// Disconnect unregisters the connection unless a newer one took its place.
// It reports whether the identity went offline.
func (o *Orchestrator) Disconnect(id domain.UserID, connID core.ConnID) bool {
	if !o.Registry.Unbind(id, connID) {
		return false
	}
	o.resetMisses(id)
	o.announce(id, false)
	return true
}

func (o *Orchestrator) announce(id domain.UserID, online bool) {
	data, err := json.Marshal(domain.NewPresence(id, online))
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("presence marshal")
		return
	}
	res := o.Registry.Broadcast(id, data)
	log.Info().Str("module", "orch").Str("user", string(id)).Bool("online", online).Int("sent_to", res.SendTo).Msg("presence")
	for _, slow := range res.Dropped {
		_ = o.onBackPressure(slow, core.ErrBackpressure)
	}
}

func (o *Orchestrator) Online() []core.OnlineDTO {
	return o.Registry.Online()
}
