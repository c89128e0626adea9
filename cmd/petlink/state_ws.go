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
)

// ============================================================================
// Local state feed: hub + per-client pumps + broadcaster
// ============================================================================
//
// Diagnostics clients (a companion UI, a bench laptop) connect to /ws and get:
//   - "state_init" with the full state on connect
//   - "state" after every state change, coalesced (latest wins)
//
// The StateStore pushes snapshots through StateFeed.Publish, which never
// blocks. Slow clients are disconnected when their send buffer fills.
//
// Messages are JSON text frames: {type, ts, data}.
// ============================================================================

// feedFrame is the wire envelope for state feed messages.
type feedFrame struct {
	Type string     `json:"type"`
	Ts   *time.Time `json:"ts,omitempty"`
	Data any        `json:"data,omitempty"`
}

const (
	feedStateInit = "state_init"
	feedState     = "state"
)

func marshalFeedFrame(typ string, data any) ([]byte, error) {
	now := time.Now().UTC()
	return json.Marshal(feedFrame{Type: typ, Ts: &now, Data: data})
}

// ============================================================================
// Hub
// ============================================================================

type Hub struct {
	logger *slog.Logger

	// Already-serialized JSON frames.
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.Mutex
	clients map[*Client]struct{}

	sendBuf int
}

type HubConfig struct {
	// SendBuf is the per-client outbound queue size (default 32).
	SendBuf int

	// BroadcastBuf is the hub inbound queue size (default 128).
	BroadcastBuf int
}

// NewHub constructs a hub. Call Run(ctx) to start it.
func NewHub(logger *slog.Logger, cfg HubConfig) *Hub {
	sendBuf := cfg.SendBuf
	if sendBuf <= 0 {
		sendBuf = 32
	}
	bcastBuf := cfg.BroadcastBuf
	if bcastBuf <= 0 {
		bcastBuf = 128
	}

	return &Hub{
		logger:     logger,
		broadcast:  make(chan []byte, bcastBuf),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		clients:    make(map[*Client]struct{}),
		sendBuf:    sendBuf,
	}
}

// Run processes hub events until ctx is canceled, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("state feed hub starting")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("state feed hub stopping")
			h.closeAllClients()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("state feed client connected", "remote_addr", c.remoteAddr, "clients", n)

		case c := <-h.unregister:
			h.removeClient(c, "unregister")

		case msg := <-h.broadcast:
			h.fanOut(msg)
		}
	}
}

// fanOut queues msg on every client; clients with a full queue are dropped
// after the lock is released.
func (h *Hub) fanOut(msg []byte) {
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
		h.removeClient(c, "slow_client")
	}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		safeCloseChan(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) removeClient(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
	// Closing send stops the writePump.
	safeCloseChan(c.send)
	h.logger.Info("state feed client disconnected", "remote_addr", c.remoteAddr, "reason", reason, "clients", n)
}

func safeCloseChan(ch chan []byte) {
	defer func() {
		_ = recover() // close of closed channel
	}()
	close(ch)
}

// BroadcastBytes enqueues a serialized frame. Drops it if the hub queue is full.
func (h *Hub) BroadcastBytes(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("state feed queue full, dropping frame", "bytes", len(msg))
	}
}

// ============================================================================
// Client
// ============================================================================

type Client struct {
	hub *Hub

	conn *websocket.Conn
	send chan []byte

	remoteAddr string
	logger     *slog.Logger
}

func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string, logger *slog.Logger) *Client {
	sendBuf := 32
	if hub != nil && hub.sendBuf > 0 {
		sendBuf = hub.sendBuf
	}
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBuf),
		remoteAddr: remoteAddr,
		logger:     logger,
	}
}

// Keepalive timing, shared by the feed server and the reporting transport.
const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second
)

// stateCoalesceWindow bounds how often "state" frames go out during bursts.
const stateCoalesceWindow = 100 * time.Millisecond

// closeStatus extracts the websocket close code and text, if err is a close.
func closeStatus(err error) (code int, text string, ok bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}

func (c *Client) logExit(pump string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	if code, text, ok := closeStatus(err); ok {
		c.logger.Info("state feed "+pump+" exiting (close)", "remote_addr", c.remoteAddr, "code", code, "reason", text)
		return
	}
	c.logger.Info("state feed "+pump+" exiting", "remote_addr", c.remoteAddr, "error", err)
}

// writePump drains the send queue and pings. Exits on error or when send closes.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
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

// readPump discards client messages; it exists to process control frames and
// notice disconnects. Unregisters the client on exit.
func (c *Client) readPump() {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.logExit("readPump", err)
			if c.hub != nil {
				c.hub.unregister <- c
			}
			return
		}
	}
}

// ============================================================================
// HTTP handler
// ============================================================================

// StateFeed serves /ws and fans out state snapshots.
type StateFeed struct {
	logger   *slog.Logger
	hub      *Hub
	snapshot func() FullStateReport
	updates  chan FullStateReport
}

// NewStateFeed builds the feed. snapshot provides the state_init payload.
func NewStateFeed(snapshot func() FullStateReport, cfg HubConfig, logger *slog.Logger) *StateFeed {
	return &StateFeed{
		logger:   logger,
		hub:      NewHub(logger, cfg),
		snapshot: snapshot,
		updates:  make(chan FullStateReport, 64),
	}
}

func (f *StateFeed) Hub() *Hub { return f.hub }

// Publish queues a state change. Never blocks: when the queue is full the
// update is dropped (a later one carries the same counters).
func (f *StateFeed) Publish(s FullStateReport) {
	select {
	case f.updates <- s:
	default:
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeHTTP upgrades, registers the client and sends state_init.
func (f *StateFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn("state feed upgrade failed", "error", err)
		return
	}

	client := NewClient(f.hub, conn, r.RemoteAddr, f.logger)

	// Queue state_init before registering so it is the first frame.
	if f.snapshot != nil {
		if msg, err := marshalFeedFrame(feedStateInit, f.snapshot()); err == nil {
			client.send <- msg
		}
	}
	f.hub.register <- client

	// The pumps outlive the request; net/http cancels r.Context() on return.
	go client.writePump(context.Background())
	go client.readPump()
}

// ============================================================================
// Broadcaster
// ============================================================================

// Run coalesces published snapshots and broadcasts them as "state" frames,
// at most once per stateCoalesceWindow. Run the hub separately.
func (f *StateFeed) Run(ctx context.Context) {
	var pending *FullStateReport
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if pending == nil {
			return
		}
		msg, err := marshalFeedFrame(feedState, *pending)
		pending = nil
		if err != nil {
			f.logger.Warn("state feed marshal failed", "error", err)
			return
		}
		f.hub.BroadcastBytes(msg)
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case <-timerC:
			flush()
			timer = nil
			timerC = nil

		case s := <-f.updates:
			snap := s
			pending = &snap
			if timer == nil {
				timer = time.NewTimer(stateCoalesceWindow)
				timerC = timer.C
			}
		}
	}
}
