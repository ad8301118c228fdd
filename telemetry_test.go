package keel

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelemetryPublish(t *testing.T) {
	server := NewTelemetryServer("", NewNopLogger())
	httpServer := httptest.NewServer(http.HandlerFunc(server.handleWebSocket))
	defer httpServer.Close()
	defer server.Close()

	url := "ws://" + strings.TrimPrefix(httpServer.URL, "http://")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// the attach is asynchronous from the client's perspective
	deadline := time.Now().Add(time.Second)
	for server.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, server.ClientCount())

	sent := SleepStats{Tick: 7, ActiveBodies: 42, IslandsAccepted: 2, SetIDsAllocated: []int{3, 4}}
	server.Publish(sent)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var received SleepStats
	require.NoError(t, conn.ReadJSON(&received))
	assert.Equal(t, sent, received)
}

func TestTelemetryDropsDeadClients(t *testing.T) {
	server := NewTelemetryServer("", NewNopLogger())
	httpServer := httptest.NewServer(http.HandlerFunc(server.handleWebSocket))
	defer httpServer.Close()
	defer server.Close()

	url := "ws://" + strings.TrimPrefix(httpServer.URL, "http://")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	deadline := time.Now().Add(time.Second)
	for server.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, server.ClientCount())

	conn.Close()
	deadline = time.Now().Add(time.Second)
	for server.ClientCount() > 0 && time.Now().Before(deadline) {
		server.Publish(SleepStats{Tick: 1})
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 0, server.ClientCount())
}
