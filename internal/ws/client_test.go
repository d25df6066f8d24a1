package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crisis-intervention/backend/internal/models"
)

func newTestServer(t *testing.T, f *fixture) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) { ServeWs(f.hub, c) })
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func readEvent(t *testing.T, conn *websocket.Conn) received {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var r received
	require.NoError(t, conn.ReadJSON(&r))
	return r
}

func TestServeWs_RoundTrip(t *testing.T) {
	f := newFixture(t)
	url := newTestServer(t, f)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "handshake", "sessionId": "s1", "userId": "u1"}))
	ack := readEvent(t, conn)
	require.Equal(t, OutHandshakeAck, ack.Type)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "message", "sessionId": "s1", "content": "I feel hopeless"}))
	msg := readEvent(t, conn)
	require.Equal(t, OutMessage, msg.Type)
	var chat models.ChatMessage
	msg.decode(t, &chat)
	assert.Equal(t, "I feel hopeless", chat.Content)
	assert.Equal(t, "u1", chat.SenderID)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "bogus", "sessionId": "s1"}))
	bad := readEvent(t, conn)
	require.Equal(t, OutError, bad.Type)
	assert.Equal(t, CodeUnknownEvent, bad.Error.Code)

	// the connection survives an invalid event
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "heartbeat"}))
	assert.Equal(t, OutHeartbeatAck, readEvent(t, conn).Type)
}

func TestServeWs_DisconnectMarksParticipantOffline(t *testing.T) {
	f := newFixture(t)
	url := newTestServer(t, f)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "handshake", "sessionId": "s1", "userId": "u1"}))
	readEvent(t, conn)
	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool {
		s, err := f.store.Get(context.Background(), "s1")
		if err != nil {
			return false
		}
		p, ok := s.Participant("u1")
		return ok && !p.IsOnline && f.hub.ClientCount() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServeWs_RejectsForeignOrigin(t *testing.T) {
	f := newFixture(t, func(c *Config, _ *Deps) { c.AllowedOrigins = []string{"https://app.example"} })
	url := newTestServer(t, f)

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
