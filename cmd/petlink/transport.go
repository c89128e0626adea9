package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ConnState is the reporting connection lifecycle state.
type ConnState int32

const (
	ConnDisconnected ConnState = iota
	ConnConnecting
	ConnConnected
)

func (s ConnState) String() string {
	switch s {
	case ConnDisconnected:
		return "disconnected"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	default:
		return fmt.Sprintf("conn_state(%d)", int32(s))
	}
}

// link is one managed connection to a reporting endpoint.
// This allows for mocking in tests.
type link interface {
	// Run connects and keeps reconnecting until ctx is canceled.
	Run(ctx context.Context)
	// Send writes one text frame. Fails unless connected.
	Send(payload []byte) error
	State() ConnState
}

// TransportConfig holds the connect/reconnect timing.
type TransportConfig struct {
	NetworkTimeout   time.Duration
	ReconnectTimeout time.Duration
}

// wsTransport manages WebSocket communication with the reporting server.
//
// Reconnection is owned here: Run dials, pumps inbound frames until the
// connection breaks, waits ReconnectTimeout and dials again.
type wsTransport struct {
	endpoint string
	cfg      TransportConfig
	logger   *slog.Logger

	inbound chan<- []byte
	onState func(ConnState)

	mu   sync.Mutex // guards conn and serializes writes
	conn *websocket.Conn

	state atomic.Int32
}

// validateEndpoint accepts ws:// and wss:// URLs only.
func validateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid websocket URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid websocket URL %q: scheme must be ws or wss", endpoint)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid websocket URL %q: missing host", endpoint)
	}
	return nil
}

func newWSTransport(endpoint string, cfg TransportConfig, inbound chan<- []byte, onState func(ConnState), logger *slog.Logger) *wsTransport {
	return &wsTransport{
		endpoint: endpoint,
		cfg:      cfg,
		logger:   logger,
		inbound:  inbound,
		onState:  onState,
	}
}

func (t *wsTransport) State() ConnState { return ConnState(t.state.Load()) }

func (t *wsTransport) setState(s ConnState) {
	if ConnState(t.state.Swap(int32(s))) == s {
		return
	}
	if t.onState != nil {
		t.onState(s)
	}
}

// Run is the connection manager loop.
func (t *wsTransport) Run(ctx context.Context) {
	defer t.setState(ConnDisconnected)

	for {
		t.setState(ConnConnecting)

		conn, err := t.dial(ctx)
		if err != nil {
			t.setState(ConnDisconnected)
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn("reporting server connect failed; retrying", "endpoint", t.endpoint, "error", err, "retry_in", t.cfg.ReconnectTimeout)
		} else {
			t.attach(conn)
			t.setState(ConnConnected)
			t.logger.Info("connected to reporting server", "endpoint", t.endpoint)

			t.serve(ctx, conn)

			t.detach(conn)
			t.setState(ConnDisconnected)
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn("reporting connection lost; reconnecting", "endpoint", t.endpoint, "retry_in", t.cfg.ReconnectTimeout)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(t.cfg.ReconnectTimeout):
		}
	}
}

// dial establishes a WebSocket connection to the reporting server
func (t *wsTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	d := websocket.Dialer{
		HandshakeTimeout: t.cfg.NetworkTimeout,
	}
	conn, _, err := d.DialContext(ctx, t.endpoint, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (t *wsTransport) attach(conn *websocket.Conn) {
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
}

func (t *wsTransport) detach(conn *websocket.Conn) {
	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.mu.Unlock()
	_ = conn.Close()
}

// serve pumps inbound frames until the connection fails or ctx ends.
// A keepalive ping is sent every pingPeriod; a missing pong within pongWait
// fails the read and ends the session.
func (t *wsTransport) serve(ctx context.Context, conn *websocket.Conn) {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Unblock ReadMessage on shutdown.
	stop := context.AfterFunc(sessionCtx, func() { _ = conn.Close() })
	defer stop()

	go t.keepalive(sessionCtx, conn)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				if code, text, ok := closeStatus(err); ok {
					t.logger.Info("reporting connection closed by server", "code", code, "reason", text)
				} else if !errors.Is(err, websocket.ErrCloseSent) {
					t.logger.Info("reporting connection read error", "error", err)
				}
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		if msgType != websocket.TextMessage {
			continue
		}

		select {
		case t.inbound <- msg:
		case <-sessionCtx.Done():
			return
		}
	}
}

func (t *wsTransport) keepalive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			if t.conn != conn {
				t.mu.Unlock()
				return
			}
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			t.mu.Unlock()
			if err != nil {
				t.logger.Debug("reporting keepalive ping failed", "error", err)
				_ = conn.Close()
				return
			}
		}
	}
}

// Send writes one text frame to the reporting server.
func (t *wsTransport) Send(payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return ErrNotConnected
	}

	_ = t.conn.SetWriteDeadline(time.Now().Add(t.cfg.NetworkTimeout))
	if err := t.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		// Mark connection as broken; closing it ends serve() and triggers a reconnect.
		_ = t.conn.Close()
		t.conn = nil
		return fmt.Errorf("write frame: %w", err)
	}

	return nil
}
