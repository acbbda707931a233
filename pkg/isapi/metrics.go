package isapi

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the client and monitor instrumentation. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	requests      *prometheus.CounterVec
	challenges    prometheus.Counter
	events        *prometheus.CounterVec
	decodeErrors  prometheus.Counter
	framingErrors prometheus.Counter
	reconnects    *prometheus.CounterVec
	state         prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg when reg is non-nil
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "isapi",
			Name:      "requests_total",
			Help:      "HTTP exchanges with the device by final status code.",
		}, []string{"code"}),
		challenges: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "isapi",
			Name:      "auth_challenges_total",
			Help:      "Authentication challenges answered with a fresh digest.",
		}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "isapi",
			Name:      "events_total",
			Help:      "Events delivered from the alert stream by event type.",
		}, []string{"type"}),
		decodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "isapi",
			Name:      "event_decode_errors_total",
			Help:      "Stream fragments dropped because they were not valid event XML.",
		}),
		framingErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "isapi",
			Name:      "framing_errors_total",
			Help:      "Stream header blocks discarded for a missing or invalid Content-Length.",
		}),
		reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "isapi",
			Name:      "stream_reconnects_total",
			Help:      "Alert stream reconnects scheduled, by backoff kind.",
		}, []string{"backoff"}),
		state: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "isapi",
			Name:      "stream_state",
			Help:      "Monitor state: 0 idle, 1 connecting, 2 streaming, 3 backoff.",
		}),
	}
}

func (m *Metrics) observeRequest(statusCode int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

func (m *Metrics) observeChallenge() {
	if m == nil {
		return
	}
	m.challenges.Inc()
}

func (m *Metrics) observeEvent(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType).Inc()
}

func (m *Metrics) observeDecodeError() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

func (m *Metrics) observeFramingError() {
	if m == nil {
		return
	}
	m.framingErrors.Inc()
}

func (m *Metrics) observeReconnect(kind string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(kind).Inc()
}

func (m *Metrics) observeState(state State) {
	if m == nil {
		return
	}
	m.state.Set(float64(state))
}
