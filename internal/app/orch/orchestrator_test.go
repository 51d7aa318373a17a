package orch

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/dkeye/peercall/internal/app"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
	full   bool
	closed bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrChannelClosed
	}
	if c.full {
		return core.ErrBackpressure
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) received() []core.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]core.Frame(nil), c.frames...)
}

type connected struct {
	conn     *fakeConn
	canceled bool
}

func connect(o *Orchestrator, id domain.UserID, connID core.ConnID) *connected {
	c := &connected{conn: &fakeConn{}}
	o.Connect(id, connID, c.conn, func() { c.canceled = true })
	return c
}

func presenceOf(t *testing.T, f core.Frame) domain.Presence {
	t.Helper()
	var p domain.Presence
	require.NoError(t, json.Unmarshal(f, &p))
	require.Equal(t, domain.KindPresence, p.Type)
	return p
}

func TestRouteForwardsVerbatim(t *testing.T) {
	o := New(app.NewRegistry(nil), app.SimplePolicy{})
	alice := connect(o, "alice", "c1")
	bob := connect(o, "bob", "c2")

	frame := core.Frame(`{"type":"message","senderId":"alice","receiverId":"bob","content":"hi","id":"m1"}`)
	require.NoError(t, o.Route("alice", frame))

	got := bob.conn.received()
	// bob connected after alice, so only the routed frame reaches him
	require.Len(t, got, 1)
	assert.Equal(t, frame, got[0])

	aliceGot := alice.conn.received()
	require.Len(t, aliceGot, 1)
	assert.Equal(t, domain.Presence{Type: domain.KindPresence, UserID: "bob", Online: true}, presenceOf(t, aliceGot[0]))
}

func TestRouteErrors(t *testing.T) {
	o := New(app.NewRegistry(nil), app.SimplePolicy{})
	connect(o, "alice", "c1")

	tests := []struct {
		name  string
		frame string
		want  error
	}{
		{"malformed", `nope`, domain.ErrMalformedEnvelope},
		{"no sender", `{"type":"offer","receiverId":"alice","offer":{"type":"offer","sdp":"x"}}`, ErrNoSender},
		{"no receiver", `{"type":"typing","senderId":"alice"}`, ErrNoReceiver},
		{"offline", `{"type":"offer","senderId":"alice","receiverId":"carol"}`, ErrReceiverOffline},
		{"spoofed", `{"type":"offer","senderId":"mallory","receiverId":"alice"}`, ErrSpoofedSender},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, o.Route("alice", core.Frame(tt.frame)), tt.want)
		})
	}
}

func TestSlowReceiverKicked(t *testing.T) {
	o := New(app.NewRegistry(nil), app.SimplePolicy{})
	connect(o, "alice", "c1")
	bob := connect(o, "bob", "c2")
	bob.conn.full = true

	err := o.Route("alice", core.Frame(`{"type":"hangup","senderId":"alice","receiverId":"bob"}`))
	require.ErrorIs(t, err, ErrDropped)
	assert.True(t, bob.canceled)
}

func TestTolerantPolicyDropsBeforeKicking(t *testing.T) {
	o := New(app.NewRegistry(nil), app.TolerantPolicy{Limit: 3})
	connect(o, "alice", "c1")
	bob := connect(o, "bob", "c2")
	bob.conn.full = true
	frame := core.Frame(`{"type":"typing","senderId":"alice","receiverId":"bob"}`)

	require.ErrorIs(t, o.Route("alice", frame), ErrDropped)
	require.ErrorIs(t, o.Route("alice", frame), ErrDropped)
	assert.False(t, bob.canceled)
	require.ErrorIs(t, o.Route("alice", frame), ErrDropped)
	assert.True(t, bob.canceled)
}

func TestReconnectReplacesOldConnection(t *testing.T) {
	o := New(app.NewRegistry(nil), app.SimplePolicy{})
	watcher := connect(o, "carol", "c0")
	first := connect(o, "alice", "c1")
	second := connect(o, "alice", "c2")

	assert.True(t, first.canceled)
	assert.True(t, first.conn.closed)
	assert.False(t, second.canceled)

	// the stale connection's shutdown must not evict the new one
	assert.False(t, o.Disconnect("alice", "c1"))
	conn, ok := o.Registry.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, second.conn, conn)

	// carol saw alice come online once and never go offline
	got := watcher.conn.received()
	require.Len(t, got, 1)
	assert.True(t, presenceOf(t, got[0]).Online)

	assert.True(t, o.Disconnect("alice", "c2"))
	got = watcher.conn.received()
	require.Len(t, got, 2)
	assert.Equal(t, domain.Presence{Type: domain.KindPresence, UserID: "alice", Online: false}, presenceOf(t, got[1]))
	assert.Len(t, o.Online(), 1)
}

func TestOnlineSorted(t *testing.T) {
	o := New(app.NewRegistry(nil), nil)
	connect(o, "zed", "1")
	connect(o, "amy", "2")
	connect(o, "kim", "3")

	var ids []domain.UserID
	for _, u := range o.Online() {
		ids = append(ids, u.ID)
	}
	assert.Equal(t, []domain.UserID{"amy", "kim", "zed"}, ids)
}
