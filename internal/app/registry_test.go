package app

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/peercall/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopConn struct{ closed bool }

func (c *nopConn) TrySend(core.Frame) error { return nil }
func (c *nopConn) Close()                   { c.closed = true }

func TestRegistryStampsConnectionsWithClock(t *testing.T) {
	clk := clock.NewMock()
	reg := NewRegistry(clk)

	reg.Bind("bob", "c1", &nopConn{}, nil)
	clk.Add(time.Minute)
	reg.Bind("alice", "c2", &nopConn{}, nil)

	online := reg.Online()
	require.Len(t, online, 2)
	assert.Equal(t, core.OnlineDTO{ID: "alice", Since: clk.Now()}, online[0])
	assert.Equal(t, clk.Now().Add(-time.Minute), online[1].Since)
}

func TestRegistryUnbindIgnoresReplacedConnection(t *testing.T) {
	reg := NewRegistry(clock.NewMock())
	old := &nopConn{}
	assert.False(t, reg.Bind("alice", "c1", old, nil))
	assert.True(t, reg.Bind("alice", "c2", &nopConn{}, nil))
	assert.True(t, old.closed)

	assert.False(t, reg.Unbind("alice", "c1"))
	assert.True(t, reg.Unbind("alice", "c2"))
	assert.Empty(t, reg.Online())
}
