package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f Frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func TestHub_PumpsRedisMessages(t *testing.T) {
	hub := NewHub(discard)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	all := dial(t, srv, "")
	one := dial(t, srv, "?deviceId=nrf-2")
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, time.Second, 10*time.Millisecond)

	msgs := make(chan *redis.Message, 3)
	msgs <- &redis.Message{Channel: "device:nrf-1:state", Payload: `{"deviceId":"nrf-1","inSafeZone":true}`}
	msgs <- &redis.Message{Channel: "bogus", Payload: `{}`}
	msgs <- &redis.Message{Channel: "device:nrf-2:alerts", Payload: `{"title":"Left safe zone"}`}
	close(msgs)
	hub.Pump(context.Background(), msgs)

	f := readFrame(t, all)
	assert.Equal(t, "state", f.Kind)
	assert.Equal(t, "nrf-1", f.DeviceID)
	assert.JSONEq(t, `{"deviceId":"nrf-1","inSafeZone":true}`, string(f.Payload))

	f = readFrame(t, all)
	assert.Equal(t, "alerts", f.Kind)

	f = readFrame(t, one)
	assert.Equal(t, "nrf-2", f.DeviceID, "filtered client only sees its device")
}

func TestHub_RemovesClosedClients(t *testing.T) {
	hub := NewHub(discard)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv, "")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestParseChannel(t *testing.T) {
	id, kind, ok := parseChannel("device:nrf-1:state")
	assert.True(t, ok)
	assert.Equal(t, "nrf-1", id)
	assert.Equal(t, "state", kind)

	for _, ch := range []string{"device::state", "devices:nrf-1:state", "device:nrf-1"} {
		_, _, ok := parseChannel(ch)
		assert.False(t, ok, ch)
	}
}
