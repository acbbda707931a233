package isapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a Monitor
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateBackoff:
		return "backoff"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const (
	// DefaultQueueSize is the number of decoded events buffered for the handler
	DefaultQueueSize = 64

	readBufferSize = 32 << 10
	streamAccept   = "multipart/mixed, application/xml"
)

// Handler receives events in stream order from a single goroutine. It must
// not call Stop.
type Handler func(Event)

// Monitor keeps the device alert stream open and delivers its events. At most
// one read loop runs per Monitor.
type Monitor struct {
	client      *Client
	policy      ReconnectPolicy
	queueSize   int
	idleTimeout time.Duration
	logger      *slog.Logger
	metrics     *Metrics

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}

	stats recoveryTracker
}

// MonitorOption configures a Monitor
type MonitorOption func(*Monitor)

// WithPolicy sets the reconnect policy
func WithPolicy(p ReconnectPolicy) MonitorOption {
	return func(m *Monitor) {
		m.policy = p
	}
}

// WithQueueSize sets how many events may wait for a slow handler before the
// read loop blocks
func WithQueueSize(n int) MonitorOption {
	return func(m *Monitor) {
		if n > 0 {
			m.queueSize = n
		}
	}
}

// WithIdleTimeout reconnects when the stream delivers no bytes for d.
// Zero (the default) waits forever.
func WithIdleTimeout(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		m.idleTimeout = d
	}
}

// WithMonitorLogger sets the logger; the client's logger is used otherwise
func WithMonitorLogger(l *slog.Logger) MonitorOption {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewMonitor creates an idle monitor streaming through client
func NewMonitor(client *Client, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		client:    client,
		policy:    DefaultReconnectPolicy(),
		queueSize: DefaultQueueSize,
		logger:    client.logger,
		metrics:   client.metrics,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// State returns the current lifecycle state
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stats returns a snapshot of the recovery counters
func (m *Monitor) Stats() RecoveryStats {
	return m.stats.snapshot()
}

// Start opens the alert stream and delivers each event to handler until Stop
// is called or ctx is cancelled. It reports false, and does nothing, when the
// monitor is already running.
func (m *Monitor) Start(ctx context.Context, handler Handler) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateIdle {
		m.logger.Info("Event monitor already running", "state", m.state)
		return false
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	dispatched := make(chan struct{})
	events := make(chan Event, m.queueSize)

	m.cancel = cancel
	m.done = done
	m.setStateLocked(StateConnecting)

	go m.dispatch(ctx, events, handler, dispatched)
	go m.run(ctx, events, done, dispatched)

	return true
}

// Stop cancels the in-flight read or backoff wait and returns once the read
// loop and the handler goroutine have exited. A handler call already in
// progress runs to completion; events still queued are dropped. Stop on an
// idle monitor does nothing.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	if cancel != nil {
		// cancelled under the lock so the old loop cannot overwrite Idle
		cancel()
	}
	m.cancel = nil
	m.done = nil
	m.setStateLocked(StateIdle)
	m.mu.Unlock()

	if done != nil {
		<-done
		m.logger.Info("Event monitor stopped")
	}
}

func (m *Monitor) setState(ctx context.Context, state State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	m.setStateLocked(state)
}

func (m *Monitor) setStateLocked(state State) {
	if m.state == state {
		return
	}
	m.logger.Debug("Event monitor state", "from", m.state, "to", state)
	m.state = state
	m.metrics.observeState(state)
}

// finish returns the monitor to Idle when the loop ends on its own, for
// example because the parent context was cancelled. done is closed only
// after the dispatcher has returned.
func (m *Monitor) finish(done, dispatched chan struct{}) {
	m.mu.Lock()
	if m.done == done {
		m.cancel()
		m.cancel = nil
		m.done = nil
		m.setStateLocked(StateIdle)
	}
	m.mu.Unlock()

	<-dispatched
	close(done)
}

func (m *Monitor) dispatch(ctx context.Context, events <-chan Event, handler Handler, dispatched chan struct{}) {
	defer close(dispatched)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			// select picks randomly among ready cases
			if ctx.Err() != nil {
				return
			}
			handler(ev)
		}
	}
}

func (m *Monitor) run(ctx context.Context, events chan<- Event, done, dispatched chan struct{}) {
	defer m.finish(done, dispatched)

	shortStreak := 0
	for {
		m.setState(ctx, StateConnecting)

		streamed, err := m.stream(ctx, events)
		if ctx.Err() != nil {
			return
		}

		m.client.setConnected(false)
		if streamed {
			shortStreak = 0
		}

		delay, kind := m.policy.Delay(err, shortStreak)
		if kind == BackoffShort {
			shortStreak++
		} else {
			shortStreak = 0
		}

		m.stats.recordFailure(err, kind)
		m.metrics.observeReconnect(kind)
		m.logger.Warn("Alert stream lost, reconnecting",
			"error", err, "backoff", kind, "delay", delay)

		m.setState(ctx, StateBackoff)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// stream runs one connection until it fails. streamed reports whether the
// device accepted the request.
func (m *Monitor) stream(ctx context.Context, events chan<- Event) (streamed bool, err error) {
	connCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	resp, err := m.client.Execute(connCtx, http.MethodGet, AlertStreamPath, http.Header{"Accept": []string{streamAccept}})
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, newStatusError(resp.StatusCode, http.MethodGet, m.client.resolve(AlertStreamPath).Redacted())
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return false, fmt.Errorf("%w: alert stream response has no body", ErrProtocol)
	}

	m.client.setConnected(true)
	m.stats.recordConnected()
	m.setState(ctx, StateStreaming)
	m.logger.Info("Alert stream connected", "contentType", resp.Header.Get("Content-Type"))

	body, stopWatchdog := startWatchdog(resp.Body, m.idleTimeout, cancel)
	defer stopWatchdog()

	parser := NewMultipartParser(
		func(part Part) { m.handlePart(ctx, part, events) },
		m.handleFramingError,
	)

	buf := make([]byte, readBufferSize)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			_, _ = parser.Write(buf[:n])
		}
		if readErr == nil {
			continue
		}

		switch {
		case errors.Is(context.Cause(connCtx), ErrStreamStalled):
			return true, fmt.Errorf("%w: no data for %s", ErrStreamStalled, m.idleTimeout)
		case ctx.Err() != nil:
			return true, ctx.Err()
		case errors.Is(readErr, io.EOF):
			if parser.Buffered() > 0 {
				m.logger.Debug("Alert stream ended mid-part", "buffered", parser.Buffered())
			}
			return true, ErrStreamEnded
		default:
			return true, fmt.Errorf("%w: reading alert stream: %w", ErrNetwork, readErr)
		}
	}
}

func (m *Monitor) handlePart(ctx context.Context, part Part, events chan<- Event) {
	doc, err := DecodeXML(part.Body)
	if err == nil {
		var ev Event
		ev, err = NormalizeEvent(doc)
		if err == nil {
			ev.ID = uuid.NewString()
			m.stats.recordEvent()
			m.metrics.observeEvent(ev.EventType)

			// blocks while the queue is full, pushing back on the socket
			select {
			case events <- ev:
			case <-ctx.Done():
			}
			return
		}
	}

	m.stats.recordDropped()
	m.metrics.observeDecodeError()
	m.logger.Warn("Dropping undecodable event fragment",
		"error", err, "contentType", part.Header["content-type"], "size", len(part.Body))
}

func (m *Monitor) handleFramingError(err error) {
	m.stats.recordFramingError()
	m.metrics.observeFramingError()
	m.logger.Warn("Discarding malformed stream header", "error", err)
}
