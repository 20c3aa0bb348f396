package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/huddle/internal/adapters/memengine"
	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/app/orch"
	"github.com/dkeye/huddle/internal/config"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/media"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	rooms := app.NewRoomManager(memengine.New(), media.DefaultCodecs(), app.SimplePolicy{})
	o := &orch.Orchestrator{
		Registry:  app.NewRegistry(rooms),
		Transport: media.TransportOptions{ListenIP: "127.0.0.1", EnableUDP: true},
	}
	cfg := &config.Config{Mode: "test", StaticPath: t.TempDir(), Secret: "test-secret"}
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(SetupRouter(ctx, cfg, o, o.Registry))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return srv
}

func readMessage(t *testing.T, ws *websocket.Conn) protocol.Message {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m protocol.Message
	require.NoError(t, ws.ReadJSON(&m))
	return m
}

func TestHealthz(t *testing.T) {
	srv := newServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Cookies(), "client token session cookie is issued")
}

func TestSignalJoinShowsUpInRoomList(t *testing.T) {
	srv := newServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/signal"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	hello := readMessage(t, ws)
	assert.Equal(t, string(protocol.EventConnectionSuccess), hello.Type)

	require.NoError(t, ws.WriteJSON(protocol.Request{
		Type:      protocol.JoinRoom,
		RequestID: "r1",
		Data:      json.RawMessage(`{"roomId":"lobby"}`),
	}))
	// existing-producers push, then the response
	assert.Equal(t, string(protocol.EventExistingProducers), readMessage(t, ws).Type)
	resp := readMessage(t, ws)
	assert.Equal(t, "r1", resp.RequestID)
	assert.Empty(t, resp.Error)

	r, err := http.Get(srv.URL + "/api/rooms")
	require.NoError(t, err)
	defer r.Body.Close()
	var body struct {
		Rooms []core.RoomInfo `json:"rooms"`
	}
	require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	require.Len(t, body.Rooms, 1)
	assert.Equal(t, "lobby", string(body.Rooms[0].ID))
	assert.Equal(t, 1, body.Rooms[0].PeerCount)
}
