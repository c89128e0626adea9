package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// Reporting Channel
// ============================================================================
//
// Reporter owns the connection to the reporting server and the report cycle:
//
//   - Start/Stop manage one link (connect + auto-reconnect lives in the link).
//   - Run is the worker loop: the periodic interval ticker and on-demand
//     report requests are both served here, so hardware and command handlers
//     never block on network I/O.
//   - SendNow computes the delta, transmits it and commits only on success.
//     sendMu keeps at most one report in flight.
//
// Inbound frames from the link are exposed through Inbound() for the
// CommandProcessor.
// ============================================================================

// reportJournal records delivered reports (optional).
type reportJournal interface {
	RecordReport(ctx context.Context, d DeltaReport) error
}

// ReporterConfig is the reporting policy.
type ReporterConfig struct {
	Transport TransportConfig

	// IntervalSeconds: 0 disables periodic reports.
	IntervalSeconds int
}

type Reporter struct {
	store   *StateStore
	logger  *slog.Logger
	metrics *Metrics
	journal reportJournal
	mirror  Mirror

	// newLink builds the link for an endpoint; tests replace it.
	newLink func(endpoint string) link

	// tickUnit scales IntervalSeconds; time.Second outside tests.
	tickUnit time.Duration

	mu       sync.Mutex // guards the fields below
	endpoint string
	link     link
	cancel   context.CancelFunc
	done     chan struct{}
	interval int
	armed    bool // periodic reporting enabled by Start, disabled by Stop

	sendMu sync.Mutex // at most one report in flight

	requests chan struct{} // coalesced on-demand requests
	rearm    chan struct{} // interval/armed changed
	inbound  chan []byte
}

// ReporterOption customizes a Reporter.
type ReporterOption func(*Reporter)

func WithJournal(j reportJournal) ReporterOption { return func(r *Reporter) { r.journal = j } }
func WithMirror(m Mirror) ReporterOption         { return func(r *Reporter) { r.mirror = m } }
func WithMetrics(m *Metrics) ReporterOption      { return func(r *Reporter) { r.metrics = m } }

// NewReporter creates a reporting channel in the Disconnected state.
func NewReporter(store *StateStore, cfg ReporterConfig, logger *slog.Logger, opts ...ReporterOption) *Reporter {
	r := &Reporter{
		store:    store,
		logger:   logger,
		tickUnit: time.Second,
		interval: cfg.IntervalSeconds,
		requests: make(chan struct{}, 1),
		rearm:    make(chan struct{}, 1),
		inbound:  make(chan []byte, 32),
	}
	for _, o := range opts {
		o(r)
	}
	if r.newLink == nil {
		r.newLink = func(endpoint string) link {
			return newWSTransport(endpoint, cfg.Transport, r.inbound, r.onConnState, logger)
		}
	}
	return r
}

// Inbound delivers text frames received from the reporting server.
func (r *Reporter) Inbound() <-chan []byte { return r.inbound }

func (r *Reporter) onConnState(s ConnState) {
	r.metrics.SetConnState(s)
	r.logger.Debug("reporting connection state", "state", s.String())
}

// State reports the current connection state.
func (r *Reporter) State() ConnState {
	r.mu.Lock()
	l := r.link
	r.mu.Unlock()
	if l == nil {
		return ConnDisconnected
	}
	return l.State()
}

// Start connects to endpoint. It is a no-op when already running against the
// same endpoint; any other existing connection is torn down first.
func (r *Reporter) Start(endpoint string) error {
	if err := validateEndpoint(endpoint); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.link != nil && r.endpoint == endpoint {
		return nil
	}
	r.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	l := r.newLink(endpoint)
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Run(ctx)
	}()

	r.endpoint = endpoint
	r.link = l
	r.cancel = cancel
	r.done = done
	r.armed = true
	r.signalRearm()

	r.logger.Info("reporting channel started", "endpoint", endpoint, "interval_s", r.interval)
	return nil
}

// Stop cancels periodic reporting and closes the connection.
func (r *Reporter) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.link == nil {
		return
	}
	r.stopLocked()
	r.armed = false
	r.signalRearm()
	r.logger.Info("reporting channel stopped")
}

func (r *Reporter) stopLocked() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
	r.link = nil
	r.cancel = nil
	r.done = nil
	r.endpoint = ""
	r.metrics.SetConnState(ConnDisconnected)
}

// SetInterval changes the periodic report interval. 0 disables it.
func (r *Reporter) SetInterval(seconds int) error {
	if seconds < 0 {
		return &ValidationError{Field: "interval", Reason: fmt.Sprintf("%d is negative", seconds)}
	}
	r.mu.Lock()
	changed := r.interval != seconds
	r.interval = seconds
	r.mu.Unlock()

	if changed {
		r.logger.Info("report interval set", "interval_s", seconds)
		r.signalRearm()
	}
	return nil
}

func (r *Reporter) signalRearm() {
	select {
	case r.rearm <- struct{}{}:
	default:
	}
}

// RequestReport queues an on-demand report for the worker. Never blocks;
// requests arriving while one is queued are coalesced.
func (r *Reporter) RequestReport() {
	select {
	case r.requests <- struct{}{}:
	default:
	}
}

// SendNow transmits the current delta and commits it on success.
// Returns ErrNotConnected unless Connected.
func (r *Reporter) SendNow() error {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	r.mu.Lock()
	l := r.link
	r.mu.Unlock()

	if l == nil || l.State() != ConnConnected {
		r.metrics.IncReport("skipped")
		return ErrNotConnected
	}

	delta := r.store.ComputeDelta()
	payload, err := json.Marshal(newStatusReport(delta))
	if err != nil {
		return fmt.Errorf("marshal status report: %w", err)
	}

	if err := l.Send(payload); err != nil {
		r.metrics.IncReport("failed")
		return fmt.Errorf("send status report: %w", err)
	}

	r.store.Commit(delta)
	r.metrics.IncReport("sent")
	r.logger.Debug("status report sent", "touch", delta.DeltaTouchNum, "feeding", delta.DeltaFeedingNum, "uptime_delta", delta.DeltaContinueTime)

	if r.journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := r.journal.RecordReport(ctx, delta); err != nil {
			r.logger.Warn("report journal write failed", "error", err)
		}
		cancel()
	}
	if r.mirror != nil {
		if err := r.mirror.Publish(delta.DeviceID, payload); err != nil {
			r.logger.Warn("report mirror publish failed", "error", err)
		}
	}

	return nil
}

// Send writes an arbitrary frame (command responses). No baseline involvement.
func (r *Reporter) Send(v any) error {
	r.mu.Lock()
	l := r.link
	r.mu.Unlock()

	if l == nil || l.State() != ConnConnected {
		return ErrNotConnected
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return l.Send(payload)
}

// Run is the reporting worker. It exits (and stops the channel) when ctx ends.
func (r *Reporter) Run(ctx context.Context) {
	var ticker *time.Ticker
	var tickC <-chan time.Time

	// Cancel-then-create: there is never more than one live interval ticker.
	rearm := func() {
		if ticker != nil {
			ticker.Stop()
			ticker = nil
			tickC = nil
		}
		r.mu.Lock()
		iv, armed := r.interval, r.armed
		r.mu.Unlock()
		if armed && iv > 0 {
			ticker = time.NewTicker(time.Duration(iv) * r.tickUnit)
			tickC = ticker.C
		}
	}
	rearm()

	for {
		select {
		case <-ctx.Done():
			if ticker != nil {
				ticker.Stop()
			}
			r.Stop()
			return

		case <-r.rearm:
			rearm()

		case <-tickC:
			if r.State() != ConnConnected {
				r.logger.Debug("periodic report skipped (not connected)")
				continue
			}
			if err := r.SendNow(); err != nil {
				r.logger.Warn("periodic report failed; delta retained", "error", err)
			}

		case <-r.requests:
			if err := r.SendNow(); err != nil {
				r.logger.Warn("on-demand report failed; delta retained", "error", err)
			}
		}
	}
}
