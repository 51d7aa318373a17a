package app

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/rs/zerolog/log"
)

type connEntry struct {
	ConnID core.ConnID
	Conn   core.SignalConnection
	Cancel context.CancelFunc
	Since  time.Time
}

// Registry maps each online identity to its single live connection.
// It never closes adapter-owned resources except when a newer connection
// replaces an older one.
type Registry struct {
	mu    sync.RWMutex
	conns map[domain.UserID]*connEntry
	clock clock.Clock
}

// NewRegistry stamps connections with clk, or the wall clock when nil.
func NewRegistry(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		conns: make(map[domain.UserID]*connEntry),
		clock: clk,
	}
}

// Bind registers conn for id. A previous connection of the same identity is
// canceled and closed; replaced reports whether that happened.
func (r *Registry) Bind(id domain.UserID, connID core.ConnID, conn core.SignalConnection, cancel context.CancelFunc) (replaced bool) {
	r.mu.Lock()
	old, ok := r.conns[id]
	r.conns[id] = &connEntry{ConnID: connID, Conn: conn, Cancel: cancel, Since: r.clock.Now()}
	r.mu.Unlock()

	if ok {
		if old.Cancel != nil {
			old.Cancel()
		}
		old.Conn.Close()
		log.Info().Str("module", "app.registry").Str("user", string(id)).Str("old_conn", string(old.ConnID)).Str("conn", string(connID)).Msg("replaced connection")
		return true
	}
	log.Info().Str("module", "app.registry").Str("user", string(id)).Str("conn", string(connID)).Msg("bound connection")
	return false
}

// Unbind removes id only while connID is still the registered connection,
// so a replaced connection shutting down cannot evict its successor.
func (r *Registry) Unbind(id domain.UserID, connID core.ConnID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok || e.ConnID != connID {
		return false
	}
	delete(r.conns, id)
	log.Info().Str("module", "app.registry").Str("user", string(id)).Str("conn", string(connID)).Msg("unbind connection")
	return true
}

func (r *Registry) Lookup(id domain.UserID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.conns[id]; ok {
		return e.Conn, true
	}
	return nil, false
}

// Online returns the connected identities sorted by id.
func (r *Registry) Online() []core.OnlineDTO {
	r.mu.RLock()
	out := make([]core.OnlineDTO, 0, len(r.conns))
	for id, e := range r.conns {
		out = append(out, core.OnlineDTO{ID: id, Since: e.Since})
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b core.OnlineDTO) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Broadcast sends data to every identity except from.
func (r *Registry) Broadcast(from domain.UserID, data core.Frame) core.PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := core.PublishResult{}
	for id, e := range r.conns {
		if id == from {
			continue
		}
		if err := e.Conn.TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, id)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "app.registry").Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

// Cancel stops the pumps of id's connection.
func (r *Registry) Cancel(id domain.UserID) bool {
	r.mu.RLock()
	e, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("user", string(id)).Msg("canceled connection")
	return true
}
