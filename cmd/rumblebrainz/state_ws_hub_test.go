package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Hub tests use Clients with a nil websocket.Conn; the hub never writes to
// conn itself and guards Close against nil.

func runTestHub(t *testing.T, cfg HubConfig) *Hub {
	t.Helper()
	hub := NewHub(discardLogger(), cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Error("hub did not stop")
		}
	})
	return hub
}

func registerTestClient(t *testing.T, hub *Hub, name string, sendBuf int) *Client {
	t.Helper()
	c := &Client{id: name, hub: hub, send: make(chan []byte, sendBuf), remoteAddr: name, logger: discardLogger()}
	want := hub.Len() + 1
	hub.register <- c
	require.Eventually(t, func() bool { return hub.Len() == want }, 500*time.Millisecond, 5*time.Millisecond,
		"%s not registered in time", name)
	return c
}

func receive(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timeout waiting for %s to receive broadcast", c.remoteAddr)
		return nil
	}
}

func TestHub_BroadcastDeliveredToAllClients(t *testing.T) {
	hub := runTestHub(t, HubConfig{SendBuf: 4, BroadcastBuf: 8})
	c1 := registerTestClient(t, hub, "c1", 4)
	c2 := registerTestClient(t, hub, "c2", 4)
	assert.Equal(t, 2.0, testutil.ToFloat64(StateClients))

	hub.BroadcastIntensities(EngineSnapshot{Intensities: []float64{0.25, 0.5}, ActiveEvents: 2}, t0)

	for _, c := range []*Client{c1, c2} {
		var env envelope
		require.NoError(t, json.Unmarshal(receive(t, c), &env))
		assert.Equal(t, wsTypeIntensities, env.Type)
		require.NotNil(t, env.Ts)
		assert.True(t, t0.Equal(*env.Ts))

		var data wsIntensitiesData
		require.NoError(t, json.Unmarshal(env.Data, &data))
		assert.Equal(t, wsIntensitiesData{Intensities: []float64{0.25, 0.5}, ActiveEvents: 2}, data)
	}
}

func TestHub_SlowClientDisconnectedOnFullSendBuffer(t *testing.T) {
	hub := runTestHub(t, HubConfig{SendBuf: 1, BroadcastBuf: 8})
	slow := registerTestClient(t, hub, "slow", 1)
	fast := registerTestClient(t, hub, "fast", 8)

	// The slow client is stuck with a full queue.
	slow.send <- []byte(`"already queued"`)

	msg := []byte(`{"type":"intensities","data":{"intensities":[1]}}`)
	// Write to the queue directly; BroadcastBytes may drop under scheduling pressure.
	hub.broadcast <- msg

	assert.Equal(t, msg, receive(t, fast))

	<-slow.send
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-slow.send:
			return !ok
		default:
			return false
		}
	}, 750*time.Millisecond, 10*time.Millisecond, "expected slow send channel to be closed")
	assert.Equal(t, 1, hub.Len())
}

func TestHub_UnregisterClosesSendOnce(t *testing.T) {
	hub := runTestHub(t, HubConfig{})
	c := registerTestClient(t, hub, "c", 1)

	hub.unregister <- c
	hub.unregister <- c
	require.Eventually(t, func() bool { return hub.Len() == 0 }, 500*time.Millisecond, 5*time.Millisecond)

	_, ok := <-c.send
	assert.False(t, ok)
}

func TestHub_BroadcastBytesDropsWhenFull(t *testing.T) {
	hub := NewHub(discardLogger(), HubConfig{BroadcastBuf: 1})
	hub.BroadcastBytes([]byte("a"))
	hub.BroadcastBytes([]byte("b"))
	assert.Len(t, hub.broadcast, 1)
}

// answerSnapshots plays the daemon side of RequestSnapshot.
func answerSnapshots(ctx context.Context, inputs <-chan Input, snap StateSnapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-inputs:
			if req, ok := in.(RequestSnapshot); ok {
				req.Reply <- snap
			}
		}
	}
}

func dialState(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/state"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestStateServer_InitThenBroadcasts(t *testing.T) {
	hub := runTestHub(t, HubConfig{})
	inputs := make(chan Input)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go answerSnapshots(ctx, inputs, StateSnapshot{
		EngineSnapshot: EngineSnapshot{Intensities: []float64{0.1, 0}, Floors: map[int]float64{0: 0.1, 1: 0}, ActiveEvents: 1},
		Device:         "Lovense Edge",
		Watermark:      42,
	})

	srv := httptest.NewServer(newHTTPHandler(prometheus.NewRegistry(), NewStateServer(discardLogger(), hub, inputs)))
	t.Cleanup(srv.Close)
	conn := dialState(t, srv)

	env := readEnvelope(t, conn)
	require.Equal(t, wsTypeStateInit, env.Type)
	var snap StateSnapshot
	require.NoError(t, json.Unmarshal(env.Data, &snap))
	assert.Equal(t, "Lovense Edge", snap.Device)
	assert.Equal(t, uint64(42), snap.Watermark)
	assert.Equal(t, []float64{0.1, 0}, snap.Intensities)
	assert.Equal(t, map[int]float64{0: 0.1, 1: 0}, snap.Floors)

	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, 5*time.Millisecond)
	hub.BroadcastDevice(DeviceChanged{Name: "Lovense Lush", MotorCount: 1}, t0)

	env = readEnvelope(t, conn)
	assert.Equal(t, wsTypeDeviceChanged, env.Type)
	var dev wsDeviceChangedData
	require.NoError(t, json.Unmarshal(env.Data, &dev))
	assert.Equal(t, wsDeviceChangedData{Name: "Lovense Lush", Motors: 1}, dev)

	// Closing the socket unregisters the client.
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestStateServer_DaemonUnavailable(t *testing.T) {
	hub := NewHub(discardLogger(), HubConfig{})
	inputs := make(chan Input) // nobody answers

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ws/state", nil)
	NewStateServer(discardLogger(), hub, inputs).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, 0, hub.Len())
}
