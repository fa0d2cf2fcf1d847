package events

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vzahanych/home-hub/internal/logger"
)

func TestHub_BroadcastsEvents(t *testing.T) {
	hub := NewHub(logger.NewNopLogger())
	server := httptest.NewServer(hub)
	t.Cleanup(server.Close)
	t.Cleanup(hub.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	event := NewEvent(KindDeviceOffline, SeverityWarning, time.Now(), "Ceiling fan went offline")
	event.DeviceID = "fan-1"
	require.NoError(t, hub.Append(context.Background(), event))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got Event
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, event.ID, got.ID)
	assert.Equal(t, KindDeviceOffline, got.Kind)
	assert.Equal(t, "fan-1", got.DeviceID)
}

func TestHub_ClientDisconnect(t *testing.T) {
	hub := NewHub(logger.NewNopLogger())
	server := httptest.NewServer(hub)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)

	// broadcasting with no clients is a no-op
	assert.NoError(t, hub.Append(context.Background(), Event{ID: "e"}))
}
