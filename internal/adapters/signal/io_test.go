package signal

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/peercall/internal/app"
	"github.com/dkeye/peercall/internal/app/orch"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// idleWS is a socket that never delivers anything.
type idleWS struct{}

func (idleWS) ReadMessage() (int, []byte, error)         { return 0, nil, nil }
func (idleWS) WriteMessage(int, []byte) error            { return nil }
func (idleWS) WriteControl(int, []byte, time.Time) error { return nil }
func (idleWS) SetReadLimit(int64)                        {}
func (idleWS) SetReadDeadline(time.Time) error           { return nil }
func (idleWS) SetWriteDeadline(time.Time) error          { return nil }
func (idleWS) SetPongHandler(func(string) error)         {}
func (idleWS) Close() error                              { return nil }

func bind(o *orch.Orchestrator, id domain.UserID, connID core.ConnID) *WsSignalConn {
	c := &WsSignalConn{id: id, connID: connID, conn: idleWS{}, send: make(chan core.Frame, 1)}
	o.Connect(id, connID, c, func() {})
	return c
}

func TestReleaseOfReplacedConnectionKeepsRateLimit(t *testing.T) {
	o := orch.New(app.NewRegistry(nil), app.SimplePolicy{})
	limiter := NewRateLimiter(1, time.Minute, clock.NewMock())
	ctl := NewSignalWSController(o, limiter, Options{})

	old := bind(o, "alice", "c1")
	current := bind(o, "alice", "c2")
	require.True(t, limiter.Allow("alice"))

	ctl.release(func() {}, old)
	assert.False(t, limiter.Allow("alice"), "history of the live connection must survive")
	require.Len(t, o.Online(), 1)

	ctl.release(func() {}, current)
	assert.Empty(t, o.Online())
	assert.True(t, limiter.Allow("alice"))
}
