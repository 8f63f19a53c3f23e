package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

// ============================================================================
// State WebSocket: hub + per-client pumps
// ============================================================================
//
// Observers connect to /ws/state and receive:
//   - "state_init" once, with the full daemon snapshot
//   - "intensities" whenever the daemon broadcasts the motor vector
//   - "device_changed" when the bound device changes
//
// Frames are JSON text messages with an envelope: {type, ts, data}.
// Each client has its own write pump; a client whose queue fills is dropped.
// ============================================================================

const (
	wsTypeStateInit     = "state_init"
	wsTypeIntensities   = "intensities"
	wsTypeDeviceChanged = "device_changed"
)

type wsIntensitiesData struct {
	Intensities  []float64 `json:"intensities"`
	ActiveEvents int       `json:"active_events"`
}

type wsDeviceChangedData struct {
	Name   string `json:"name"`
	Motors int    `json:"motors"`
}

// envelope is the wire format envelope for WS messages.
type envelope struct {
	Type string          `json:"type"`
	Ts   *time.Time      `json:"ts,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

func marshalEnvelope(typ string, data any, at time.Time) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	ts := at.UTC()
	return json.Marshal(envelope{Type: typ, Ts: &ts, Data: raw})
}

// ============================================================================
// Hub
// ============================================================================

// HubConfig sizes the hub queues. Zero values pick defaults.
type HubConfig struct {
	SendBuf      int // per-client outbound queue
	BroadcastBuf int // hub inbound queue
}

// Hub fans serialized frames out to every connected state client.
type Hub struct {
	logger *slog.Logger

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.Mutex
	clients map[*Client]struct{}

	sendBuf int
}

// NewHub constructs a hub. Call Run(ctx) to start it.
func NewHub(logger *slog.Logger, cfg HubConfig) *Hub {
	if cfg.SendBuf <= 0 {
		cfg.SendBuf = 32
	}
	if cfg.BroadcastBuf <= 0 {
		cfg.BroadcastBuf = 128
	}
	return &Hub{
		logger:     logger,
		broadcast:  make(chan []byte, cfg.BroadcastBuf),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		clients:    make(map[*Client]struct{}),
		sendBuf:    cfg.SendBuf,
	}
}

// Run processes hub events until ctx is canceled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				h.dropLocked(c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			StateClients.Set(float64(n))
			h.logger.Info("ws client registered", "client", c.id, "remote_addr", c.remoteAddr, "clients", n)

		case c := <-h.unregister:
			h.remove(c, "unregister")

		case msg := <-h.broadcast:
			var slow []*Client
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.Unlock()

			for _, c := range slow {
				h.remove(c, "slow_client")
			}
		}
	}
}

// dropLocked must be called with h.mu held. The send channel is closed exactly
// once because a client is only ever deleted from the map once.
func (h *Hub) dropLocked(c *Client) bool {
	if _, ok := h.clients[c]; !ok {
		return false
	}
	delete(h.clients, c)
	if c.conn != nil {
		_ = c.conn.Close()
	}
	close(c.send)
	return true
}

func (h *Hub) remove(c *Client, reason string) {
	h.mu.Lock()
	removed := h.dropLocked(c)
	n := len(h.clients)
	h.mu.Unlock()

	if removed {
		StateClients.Set(float64(n))
		h.logger.Info("ws client disconnected", "client", c.id, "reason", reason, "clients", n)
	}
}

// Len returns the number of registered clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// BroadcastBytes enqueues a frame for every client. It never blocks; a full
// hub queue drops the frame.
func (h *Hub) BroadcastBytes(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Debug("ws hub broadcast queue full, dropping frame", "bytes", len(msg))
	}
}

// BroadcastIntensities sends the current motor vector to every client.
func (h *Hub) BroadcastIntensities(snap EngineSnapshot, at time.Time) {
	msg, err := marshalEnvelope(wsTypeIntensities, wsIntensitiesData{
		Intensities:  snap.Intensities,
		ActiveEvents: snap.ActiveEvents,
	}, at)
	if err != nil {
		h.logger.Warn("ws marshal failed", "type", wsTypeIntensities, "error", err)
		return
	}
	h.BroadcastBytes(msg)
}

// BroadcastDevice announces a device change to every client.
func (h *Hub) BroadcastDevice(change DeviceChanged, at time.Time) {
	msg, err := marshalEnvelope(wsTypeDeviceChanged, wsDeviceChangedData{
		Name:   change.Name,
		Motors: change.MotorCount,
	}, at)
	if err != nil {
		h.logger.Warn("ws marshal failed", "type", wsTypeDeviceChanged, "error", err)
		return
	}
	h.BroadcastBytes(msg)
}

// ============================================================================
// Client
// ============================================================================

// Client is one connected state observer.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	remoteAddr string
	logger     *slog.Logger
}

// NewClient creates a client with a buffered send channel.
func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string, logger *slog.Logger) *Client {
	return &Client{
		id:         ulid.Make().String(),
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, hub.sendBuf),
		remoteAddr: remoteAddr,
		logger:     logger,
	}
}

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second
)

func (c *Client) logExit(pump string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		c.logger.Debug("ws "+pump+" exiting (close)", "client", c.id, "code", ce.Code, "reason", ce.Text)
		return
	}
	c.logger.Debug("ws "+pump+" exiting", "client", c.id, "error", err)
}

// writePump writes queued frames and pings until send is closed or a write fails.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub dropped us.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logExit("writePump", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logExit("writePump", err)
				return
			}
		}
	}
}

// readPump discards client messages so control frames are handled and
// disconnects are noticed, then unregisters the client.
func (c *Client) readPump() {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.logExit("readPump", err)
			c.hub.unregister <- c
			return
		}
	}
}

// ============================================================================
// HTTP handler
// ============================================================================

// StateServer serves /ws/state.
type StateServer struct {
	logger *slog.Logger
	hub    *Hub

	// inputs carries the initial snapshot request through the daemon loop.
	inputs chan<- Input
}

// NewStateServer wires a handler to hub. Start hub.Run separately.
func NewStateServer(logger *slog.Logger, hub *Hub, inputs chan<- Input) *StateServer {
	return &StateServer{logger: logger, hub: hub, inputs: inputs}
}

var upgrader = websocket.Upgrader{
	// The server binds to loopback by default; any origin may observe.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeHTTP upgrades the request, registers the client and sends state_init.
func (s *StateServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snap, err := s.requestSnapshot(r.Context())
	if err != nil {
		http.Error(w, "daemon unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}
	client := NewClient(s.hub, conn, r.RemoteAddr, s.logger)

	// state_init goes first in the client's queue, before any broadcast.
	msg, err := marshalEnvelope(wsTypeStateInit, snap, time.Now())
	if err != nil {
		s.logger.Warn("ws marshal failed", "type", wsTypeStateInit, "error", err)
		_ = conn.Close()
		return
	}
	client.send <- msg

	s.hub.register <- client

	// The pumps outlive the request; net/http cancels r.Context() when the handler returns.
	go client.writePump()
	go client.readPump()
}

func (s *StateServer) requestSnapshot(ctx context.Context) (StateSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	reply := make(chan StateSnapshot, 1)
	select {
	case s.inputs <- RequestSnapshot{Reply: reply}:
	case <-ctx.Done():
		return StateSnapshot{}, ctx.Err()
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return StateSnapshot{}, ctx.Err()
	}
}
