package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the router-wide metrics. All helper methods are safe to
// call on a nil *Metrics so endpoints built without a registry need no checks.
type Metrics struct {
	MessagesReceived *prometheus.CounterVec
	MessagesRouted   *prometheus.CounterVec
	MessagesSent     *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec
	MessagesFiltered *prometheus.CounterVec
	Connections      *prometheus.GaugeVec
	EndpointUp       *prometheus.GaugeVec
	ErrorsTotal      *prometheus.CounterVec
}

// NewMetrics creates the router metric vectors
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nmearouter",
				Subsystem: "messages",
				Name:      "received_total",
				Help:      "Sentences framed from an endpoint's input",
			},
			[]string{"endpoint", "type"},
		),
		MessagesRouted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nmearouter",
				Subsystem: "messages",
				Name:      "routed_total",
				Help:      "Sentences dispatched by the router, by origin endpoint",
			},
			[]string{"origin"},
		),
		MessagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nmearouter",
				Subsystem: "messages",
				Name:      "sent_total",
				Help:      "Sentences written to an endpoint's device or clients",
			},
			[]string{"endpoint"},
		),
		MessagesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nmearouter",
				Subsystem: "messages",
				Name:      "dropped_total",
				Help:      "Sentences dropped because an outbound queue was full",
			},
			[]string{"endpoint"},
		),
		MessagesFiltered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nmearouter",
				Subsystem: "messages",
				Name:      "filtered_total",
				Help:      "Sentences rejected by an endpoint's accept/deny filter",
			},
			[]string{"endpoint"},
		),
		Connections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "nmearouter",
				Subsystem: "endpoint",
				Name:      "connections",
				Help:      "Currently connected clients",
			},
			[]string{"endpoint"},
		),
		EndpointUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "nmearouter",
				Subsystem: "endpoint",
				Name:      "up",
				Help:      "Endpoint running state (0=stopped, 1=running)",
			},
			[]string{"endpoint"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nmearouter",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Errors by endpoint and error class",
			},
			[]string{"endpoint", "class"},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.MessagesReceived,
		m.MessagesRouted,
		m.MessagesSent,
		m.MessagesDropped,
		m.MessagesFiltered,
		m.Connections,
		m.EndpointUp,
		m.ErrorsTotal,
	}
}

// Received counts a sentence framed by an endpoint
func (m *Metrics) Received(endpoint, sentenceType string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(endpoint, sentenceType).Inc()
}

// Routed counts a dispatch from origin
func (m *Metrics) Routed(origin string) {
	if m == nil {
		return
	}
	m.MessagesRouted.WithLabelValues(origin).Inc()
}

// Sent counts a sentence written out by an endpoint
func (m *Metrics) Sent(endpoint string) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(endpoint).Inc()
}

// Dropped counts a sentence discarded by a full queue
func (m *Metrics) Dropped(endpoint string) {
	if m == nil {
		return
	}
	m.MessagesDropped.WithLabelValues(endpoint).Inc()
}

// Filtered counts a sentence rejected by an endpoint filter
func (m *Metrics) Filtered(endpoint string) {
	if m == nil {
		return
	}
	m.MessagesFiltered.WithLabelValues(endpoint).Inc()
}

// SetConnections records the current client count of an endpoint
func (m *Metrics) SetConnections(endpoint string, n int) {
	if m == nil {
		return
	}
	m.Connections.WithLabelValues(endpoint).Set(float64(n))
}

// SetUp records whether an endpoint is running
func (m *Metrics) SetUp(endpoint string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.EndpointUp.WithLabelValues(endpoint).Set(v)
}

// Error counts an error of the given class for an endpoint
func (m *Metrics) Error(endpoint, class string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(endpoint, class).Inc()
}
