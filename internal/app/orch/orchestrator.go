// Package orch routes frames between connected identities.
package orch

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/peercall/internal/app"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoSender        = errors.New("frame has no senderId")
	ErrNoReceiver      = errors.New("frame has no receiverId")
	ErrReceiverOffline = errors.New("receiver is not connected")
	ErrSpoofedSender   = errors.New("senderId does not match connection identity")
	ErrDropped         = errors.New("frame dropped by backpressure policy")
)

type Orchestrator struct {
	Registry *app.Registry
	Policy   app.Policy

	mu     sync.Mutex
	misses map[domain.UserID]int
}

func New(reg *app.Registry, policy app.Policy) *Orchestrator {
	return &Orchestrator{Registry: reg, Policy: policy, misses: make(map[domain.UserID]int)}
}

// Route forwards data verbatim to the identity named in its receiverId.
// The senderId must be the identity of the connection it arrived on.
func (o *Orchestrator) Route(from domain.UserID, data core.Frame) error {
	h, err := domain.ParseHeader(data)
	if err != nil {
		return err
	}
	if h.SenderID == "" {
		return ErrNoSender
	}
	if h.SenderID != from {
		return fmt.Errorf("%w: %q from %q", ErrSpoofedSender, h.SenderID, from)
	}
	if h.ReceiverID == "" {
		return ErrNoReceiver
	}
	dst, ok := o.Registry.Lookup(h.ReceiverID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrReceiverOffline, h.ReceiverID)
	}
	if err := dst.TrySend(data); err != nil {
		return o.onBackPressure(h.ReceiverID, err)
	}
	o.resetMisses(h.ReceiverID)
	log.Debug().Str("module", "orch").Str("from", string(from)).Str("to", string(h.ReceiverID)).Str("type", string(h.Type)).Msg("routed")
	return nil
}

func (o *Orchestrator) onBackPressure(id domain.UserID, cause error) error {
	o.mu.Lock()
	o.misses[id]++
	n := o.misses[id]
	o.mu.Unlock()

	action := app.KickMember
	if o.Policy != nil {
		action = o.Policy.OnBackPressure(id, n)
	}
	switch action {
	case app.KickMember:
		log.Warn().Str("module", "orch").Str("user", string(id)).Int("missed", n).Msg("kicking slow receiver")
		o.Kick(id)
	case app.DropFrame, app.NoAction:
	}
	return fmt.Errorf("%w: %s: %w", ErrDropped, id, cause)
}

func (o *Orchestrator) resetMisses(id domain.UserID) {
	o.mu.Lock()
	delete(o.misses, id)
	o.mu.Unlock()
}

// Kick cancels the connection of id; its read pump performs the disconnect.
func (o *Orchestrator) Kick(id domain.UserID) {
	o.resetMisses(id)
	o.Registry.Cancel(id)
}
