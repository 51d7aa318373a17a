package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/peercall/internal/app"
	"github.com/dkeye/peercall/internal/app/orch"
	"github.com/dkeye/peercall/internal/config"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRelay(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := &config.Config{
		Mode:       "test",
		Secret:     "test-secret",
		ReadLimit:  32768,
		PingPeriod: time.Minute,
		Relay:      config.RelayConfig{SendQueue: 16, RateLimit: 100, RateInterval: time.Second},
	}
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(SetupRouter(ctx, cfg, orch.New(app.NewRegistry(nil), app.SimplePolicy{})))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return srv
}

func dial(t *testing.T, srv *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?userId=" + user
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readJSON(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func onlineIDs(t *testing.T, srv *httptest.Server) []string {
	t.Helper()
	resp, err := http.Get(srv.URL + "/api/online")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body OnlineResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	var ids []string
	for _, u := range body.Users {
		ids = append(ids, string(u.ID))
	}
	return ids
}

// waitOnline polls until the relay lists exactly want.
func waitOnline(t *testing.T, srv *httptest.Server, want ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, onlineIDs(t, srv))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRelayForwardsByReceiver(t *testing.T) {
	srv := newRelay(t)
	alice := dial(t, srv, "alice")
	waitOnline(t, srv, "alice")
	bob := dial(t, srv, "bob")

	presence := readJSON(t, alice)
	assert.Equal(t, map[string]any{"type": "presence", "userId": "bob", "online": true}, presence)

	offer, err := domain.EncodeEnvelope(domain.Hangup{From: "alice", To: "bob"})
	require.NoError(t, err)
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, offer))

	got := readJSON(t, bob)
	assert.Equal(t, "hangup", got["type"])
	assert.Equal(t, "alice", got["senderId"])

	// chat kinds travel the same way
	require.NoError(t, bob.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"typing","senderId":"bob","receiverId":"alice","isTyping":true}`)))
	got = readJSON(t, alice)
	assert.Equal(t, "typing", got["type"])
	assert.Equal(t, true, got["isTyping"])
}

func TestRelayReportsOfflineReceiver(t *testing.T) {
	srv := newRelay(t)
	alice := dial(t, srv, "alice")

	require.NoError(t, alice.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"offer","senderId":"alice","receiverId":"ghost","offer":{"type":"offer","sdp":"x"}}`)))
	got := readJSON(t, alice)
	assert.Equal(t, map[string]any{"type": "error", "error": "peer_offline", "peerId": "ghost"}, got)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	assert.Equal(t, "pong", readJSON(t, alice)["type"])
}

func TestRelayReplacesDuplicateIdentity(t *testing.T) {
	srv := newRelay(t)
	first := dial(t, srv, "alice")
	waitOnline(t, srv, "alice")
	second := dial(t, srv, "alice")

	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}
	waitOnline(t, srv, "alice")

	require.NoError(t, second.WriteMessage(websocket.TextMessage, []byte(`{"type":"whoami"}`)))
	got := readJSON(t, second)
	assert.Equal(t, "whoami", got["type"])
	assert.Equal(t, "alice", got["userId"])
}

func TestRelayPresenceOffline(t *testing.T) {
	srv := newRelay(t)
	alice := dial(t, srv, "alice")
	waitOnline(t, srv, "alice")
	bob := dial(t, srv, "bob")
	assert.Equal(t, true, readJSON(t, alice)["online"])

	require.NoError(t, bob.Close())
	got := readJSON(t, alice)
	assert.Equal(t, map[string]any{"type": "presence", "userId": "bob", "online": false}, got)
	waitOnline(t, srv, "alice")
}

func TestRelayRejectsMissingIdentity(t *testing.T) {
	srv := newRelay(t)
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "userId")
}

func TestHealth(t *testing.T) {
	srv := newRelay(t)
	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRelayRejectsFramesWithoutSender(t *testing.T) {
	srv := newRelay(t)
	alice := dial(t, srv, "alice")
	waitOnline(t, srv, "alice")
	bob := dial(t, srv, "bob")
	assert.Equal(t, true, readJSON(t, alice)["online"])

	require.NoError(t, alice.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"offer","receiverId":"bob","offer":{"type":"offer","sdp":"x"}}`)))
	got := readJSON(t, alice)
	assert.Equal(t, map[string]any{"type": "error", "error": "rejected", "peerId": "bob"}, got)

	require.NoError(t, bob.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := bob.ReadMessage()
	assert.Error(t, err, "bob must not receive the frame")
}
