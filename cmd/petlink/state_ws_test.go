package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Hub tests use clients with a nil conn; the hub never writes to conns itself
// and guards Close against nil.

func newTestHub(t *testing.T, sendBuf int, broadcastBuf int) *Hub {
	t.Helper()
	return NewHub(slog.Default(), HubConfig{
		SendBuf:      sendBuf,
		BroadcastBuf: broadcastBuf,
	})
}

func newTestClient(hub *Hub, name string, buf int) *Client {
	return &Client{
		hub:        hub,
		send:       make(chan []byte, buf),
		remoteAddr: name,
		logger:     slog.Default(),
	}
}

func registerClient(t *testing.T, hub *Hub, c *Client) {
	t.Helper()
	hub.register <- c
	waitUntil(t, 500*time.Millisecond, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		_, ok := hub.clients[c]
		return ok
	}, c.remoteAddr+" not registered in time")
}

func runHub(t *testing.T, hub *Hub) context.CancelFunc {
	t.Helper()
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
			t.Errorf("timeout waiting for hub to stop")
		}
	})
	return cancel
}

func TestHub_BroadcastDeliveredToAllClients(t *testing.T) {
	hub := newTestHub(t, 4, 8)
	runHub(t, hub)

	c1 := newTestClient(hub, "c1", 4)
	c2 := newTestClient(hub, "c2", 4)
	registerClient(t, hub, c1)
	registerClient(t, hub, c2)

	msg := []byte(`{"type":"state","data":{"touch_num":3}}`)

	// Direct send: BroadcastBytes may drop under scheduling pressure.
	hub.broadcast <- msg

	for _, c := range []*Client{c1, c2} {
		select {
		case got := <-c.send:
			if string(got) != string(msg) {
				t.Fatalf("%s got %q, want %q", c.remoteAddr, got, msg)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("timeout waiting for %s to receive broadcast", c.remoteAddr)
		}
	}

	if n := hub.ClientCount(); n != 2 {
		t.Fatalf("ClientCount = %d, want 2", n)
	}
}

func TestHub_SlowClientDisconnectedOnFullSendBuffer(t *testing.T) {
	hub := newTestHub(t, 1, 8)
	runHub(t, hub)

	slow := newTestClient(hub, "slow", 1)
	fast := newTestClient(hub, "fast", 8)
	registerClient(t, hub, slow)
	registerClient(t, hub, fast)

	slow.send <- []byte(`"already queued"`)

	msg := []byte(`{"type":"state","data":{"hunger_level":2}}`)
	hub.broadcast <- msg

	select {
	case got := <-fast.send:
		if string(got) != string(msg) {
			t.Fatalf("fast client got %q, want %q", got, msg)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timeout waiting for fast client to receive broadcast")
	}

	// Drain the pre-filled frame, then expect the channel to be closed.
	select {
	case <-slow.send:
	default:
	}
	waitUntil(t, 750*time.Millisecond, func() bool {
		select {
		case _, ok := <-slow.send:
			return !ok
		default:
			return false
		}
	}, "expected slow send channel to be closed")
}

func TestStateFeed_InitThenCoalescedState(t *testing.T) {
	store := NewStateStore("PET_FEED", time.Unix(1700000000, 0), slog.Default())
	feed := NewStateFeed(store.FullSnapshot, HubConfig{}, slog.Default())
	store.OnChange(feed.Publish)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed.Hub().Run(ctx)
	go feed.Run(ctx)

	srv := httptest.NewServer(feed)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	read := func() feedFrameIn {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var f feedFrameIn
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		return f
	}

	init := read()
	if init.Type != feedStateInit || init.Data.DeviceID != "PET_FEED" {
		t.Fatalf("first frame = %+v, want state_init for PET_FEED", init)
	}

	waitUntil(t, time.Second, func() bool { return feed.Hub().ClientCount() == 1 }, "client not registered")

	for i := 0; i < 3; i++ {
		if err := store.ApplyEvent(Mutation{Kind: MutTouch}); err != nil {
			t.Fatalf("ApplyEvent: %v", err)
		}
	}

	// Bursts coalesce; the last frame seen must carry all three touches.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f := read()
		if f.Type != feedState {
			t.Fatalf("unexpected frame type %q", f.Type)
		}
		if f.Data.TouchNum == 3 {
			return
		}
	}
	t.Fatalf("never saw a state frame with touch_num=3")
}

type feedFrameIn struct {
	Type string          `json:"type"`
	Data FullStateReport `json:"data"`
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}
