package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// fakeLink is an in-memory link whose state the test controls.
type fakeLink struct {
	state atomic.Int32

	mu      sync.Mutex
	sendErr error
	sent    [][]byte
	runs    int
}

func newFakeLink(s ConnState) *fakeLink {
	l := &fakeLink{}
	l.state.Store(int32(s))
	return l
}

func (l *fakeLink) Run(ctx context.Context) {
	l.mu.Lock()
	l.runs++
	l.mu.Unlock()
	<-ctx.Done()
}

func (l *fakeLink) Send(payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return l.sendErr
	}
	l.sent = append(l.sent, append([]byte(nil), payload...))
	return nil
}

func (l *fakeLink) State() ConnState { return ConnState(l.state.Load()) }

func (l *fakeLink) failSends(err error) {
	l.mu.Lock()
	l.sendErr = err
	l.mu.Unlock()
}

func (l *fakeLink) sentReports(t *testing.T) []StatusReport {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]StatusReport, 0, len(l.sent))
	for _, b := range l.sent {
		var r StatusReport
		require.NoError(t, json.Unmarshal(b, &r))
		out = append(out, r)
	}
	return out
}

type memJournal struct {
	mu      sync.Mutex
	entries []DeltaReport
}

func (j *memJournal) RecordReport(_ context.Context, d DeltaReport) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, d)
	return nil
}

type memMirror struct {
	mu       sync.Mutex
	payloads map[string][][]byte
}

func (m *memMirror) Publish(deviceID string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.payloads == nil {
		m.payloads = map[string][][]byte{}
	}
	m.payloads[deviceID] = append(m.payloads[deviceID], payload)
	return nil
}

func (m *memMirror) Close() error { return nil }

func newTestReporter(t *testing.T, store *StateStore, l link, interval int, opts ...ReporterOption) *Reporter {
	t.Helper()
	r := NewReporter(store, ReporterConfig{IntervalSeconds: interval}, quietLogger(), opts...)
	r.newLink = func(string) link { return l }
	t.Cleanup(r.Stop)
	return r
}

func TestReporter_SendNowCommitsOnSuccess(t *testing.T) {
	store := newTestStore(t)
	l := newFakeLink(ConnConnected)
	j := &memJournal{}
	m := &memMirror{}
	r := newTestReporter(t, store, l, 0, WithJournal(j), WithMirror(m))
	require.NoError(t, r.Start("ws://server.test/"))

	applyN(t, store, Mutation{Kind: MutTouch}, 3)
	require.NoError(t, r.SendNow())

	reports := l.sentReports(t)
	require.Len(t, reports, 1)
	require.Equal(t, frameDeviceStatus, reports[0].Type)
	require.Equal(t, store.DeviceID(), reports[0].DeviceID)
	require.Equal(t, uint32(3), reports[0].Data.DeltaTouchNum)

	// The next report carries only what happened since.
	applyN(t, store, Mutation{Kind: MutTouch}, 1)
	require.NoError(t, r.SendNow())
	reports = l.sentReports(t)
	require.Len(t, reports, 2)
	require.Equal(t, uint32(1), reports[1].Data.DeltaTouchNum)

	require.Len(t, j.entries, 2)
	require.Len(t, m.payloads[store.DeviceID()], 2)
}

func TestReporter_FailedSendRetainsDelta(t *testing.T) {
	store := newTestStore(t)
	l := newFakeLink(ConnConnected)
	r := newTestReporter(t, store, l, 0)
	require.NoError(t, r.Start("ws://server.test/"))

	applyN(t, store, Mutation{Kind: MutFaint}, 2)

	l.failSends(errors.New("broken pipe"))
	require.Error(t, r.SendNow())

	l.failSends(nil)
	applyN(t, store, Mutation{Kind: MutFaint}, 1)
	require.NoError(t, r.SendNow())

	reports := l.sentReports(t)
	require.Len(t, reports, 1)
	require.Equal(t, uint32(3), reports[0].Data.DeltaFaintNum)
}

func TestReporter_NotConnected(t *testing.T) {
	store := newTestStore(t)
	r := NewReporter(store, ReporterConfig{}, quietLogger())

	// Never started.
	require.ErrorIs(t, r.SendNow(), ErrNotConnected)
	require.ErrorIs(t, r.Send(map[string]string{"type": "x"}), ErrNotConnected)
	require.Equal(t, ConnDisconnected, r.State())

	l := newFakeLink(ConnConnecting)
	r.newLink = func(string) link { return l }
	t.Cleanup(r.Stop)
	require.NoError(t, r.Start("ws://server.test/"))

	applyN(t, store, Mutation{Kind: MutTouch}, 1)
	require.ErrorIs(t, r.SendNow(), ErrNotConnected)
	require.Equal(t, uint32(1), store.ComputeDelta().DeltaTouchNum, "baseline must not move")
}

func TestReporter_ConcurrentSendsNeverDoubleCommit(t *testing.T) {
	store := newTestStore(t)
	l := newFakeLink(ConnConnected)
	r := newTestReporter(t, store, l, 0)
	require.NoError(t, r.Start("ws://server.test/"))

	applyN(t, store, Mutation{Kind: MutWalking}, 10)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.SendNow()
		}()
	}
	wg.Wait()

	var total uint32
	for _, rep := range l.sentReports(t) {
		total += rep.Data.DeltaWalkingNum
	}
	require.Equal(t, uint32(10), total)
}

func TestReporter_StartValidatesAndIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	l := newFakeLink(ConnConnected)
	r := newTestReporter(t, store, l, 0)

	require.Error(t, r.Start("http://server.test/"))
	require.Error(t, r.Start("ws://"))

	require.NoError(t, r.Start("ws://server.test/"))
	require.NoError(t, r.Start("ws://server.test/"))
	waitUntil(t, time.Second, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.runs == 1
	}, "link not started exactly once")

	r.Stop()
	require.Equal(t, ConnDisconnected, r.State())
	r.Stop() // second stop is a no-op
}

func TestReporter_SetIntervalRejectsNegative(t *testing.T) {
	r := NewReporter(newTestStore(t), ReporterConfig{}, quietLogger())
	var ve *ValidationError
	require.ErrorAs(t, r.SetInterval(-1), &ve)
	require.NoError(t, r.SetInterval(0))
}

func TestReporter_PeriodicAndOnDemand(t *testing.T) {
	store := newTestStore(t)
	l := newFakeLink(ConnConnected)
	r := newTestReporter(t, store, l, 1)
	r.tickUnit = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.NoError(t, r.Start("ws://server.test/"))
	waitUntil(t, time.Second, func() bool { return len(l.sentReports(t)) >= 2 }, "no periodic reports")

	// Disabling the interval stops the ticker; on-demand still works.
	require.NoError(t, r.SetInterval(0))
	time.Sleep(50 * time.Millisecond)
	before := len(l.sentReports(t))
	time.Sleep(80 * time.Millisecond)
	require.Equal(t, before, len(l.sentReports(t)), "ticker still running after SetInterval(0)")

	applyN(t, store, Mutation{Kind: MutCleanup}, 1)
	r.RequestReport()
	waitUntil(t, time.Second, func() bool {
		reps := l.sentReports(t)
		return len(reps) == before+1 && reps[len(reps)-1].Data.DeltaCleanupFecesNum == 1
	}, "on-demand report not sent")
}

func TestReporter_PeriodicSkippedWhileDisconnected(t *testing.T) {
	store := newTestStore(t)
	l := newFakeLink(ConnDisconnected)
	r := newTestReporter(t, store, l, 1)
	r.tickUnit = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.NoError(t, r.Start("ws://server.test/"))
	applyN(t, store, Mutation{Kind: MutTouch}, 2)
	time.Sleep(60 * time.Millisecond)
	require.Empty(t, l.sentReports(t))

	// Reconnect: the retained delta goes out on the next tick.
	l.state.Store(int32(ConnConnected))
	waitUntil(t, time.Second, func() bool { return len(l.sentReports(t)) > 0 }, "no report after reconnect")
	require.Equal(t, uint32(2), l.sentReports(t)[0].Data.DeltaTouchNum)

	cancel()
	<-done
	require.Equal(t, ConnDisconnected, r.State(), "Run must stop the channel on exit")
}

func TestReporter_WebsocketRoundTrip(t *testing.T) {
	received := make(chan StatusReport, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		up := websocket.Upgrader{}
		conn, err := up.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"command","command":"full_status"}`))
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var rep StatusReport
			if json.Unmarshal(msg, &rep) == nil && rep.Type == frameDeviceStatus {
				received <- rep
			}
		}
	}))
	defer srv.Close()

	store := newTestStore(t)
	r := NewReporter(store, ReporterConfig{
		Transport: TransportConfig{NetworkTimeout: time.Second, ReconnectTimeout: 50 * time.Millisecond},
	}, quietLogger(), WithMetrics(NewMetrics(nil)))
	t.Cleanup(r.Stop)

	require.NoError(t, r.Start("ws"+strings.TrimPrefix(srv.URL, "http")))
	waitUntil(t, 2*time.Second, func() bool { return r.State() == ConnConnected }, "never connected")

	select {
	case frame := <-r.Inbound():
		require.Contains(t, string(frame), "full_status")
	case <-time.After(2 * time.Second):
		t.Fatal("no inbound frame")
	}

	applyN(t, store, Mutation{Kind: MutTouch}, 2)
	require.NoError(t, r.SendNow())

	select {
	case rep := <-received:
		require.Equal(t, uint32(2), rep.Data.DeltaTouchNum)
		require.Equal(t, store.DeviceID(), rep.DeviceID)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive the report")
	}
}
