// Package endpoint defines the abstraction every medium implements and the
// pieces they share: the resolved configuration, the bounded outbound queue
// and run-state tracking for health reporting.
//
// An endpoint is a named source and sink of sentences. Sentences it frames
// from its input go to the Dispatcher together with its name; sentences the
// router offers through Send are filtered and queued for output. Send never
// blocks: a full queue drops the incoming sentence.
package endpoint

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/markmerz/nmea0183-repeater-raspberry/health"
	"github.com/markmerz/nmea0183-repeater-raspberry/metric"
	"github.com/markmerz/nmea0183-repeater-raspberry/nmea"
)

// Medium identifies the transport of an endpoint.
type Medium string

const (
	MediumSerial    Medium = "serial"
	MediumTCPServer Medium = "tcp_server"
	MediumUDP       Medium = "udp"
	MediumWebSocket Medium = "websocket_server"
	MediumNATS      Medium = "nats"
)

// Dispatcher receives every sentence an endpoint frames from its input.
type Dispatcher interface {
	Dispatch(origin string, msg nmea.Message)
}

// DispatchFunc adapts a function to the Dispatcher interface.
type DispatchFunc func(origin string, msg nmea.Message)

// Dispatch calls f(origin, msg).
func (f DispatchFunc) Dispatch(origin string, msg nmea.Message) {
	f(origin, msg)
}

// Endpoint is a runtime instance of one configured endpoint.
type Endpoint interface {
	Name() string
	Medium() Medium

	// Send offers a sentence for output. It is safe to call from any
	// goroutine, applies the endpoint filter and never blocks.
	Send(msg nmea.Message)

	// Run services the endpoint until ctx is cancelled or the endpoint fails.
	// A cancelled context is not an error.
	Run(ctx context.Context, d Dispatcher) error

	Health() health.Status
}

// Config is the resolved configuration of one endpoint. It is immutable
// after load.
type Config struct {
	Name   string
	Medium Medium

	// serial
	Device string
	Baud   int

	// network media
	Bind          string
	Port          int
	UDPTargets    []string
	WebSocketPath string

	// nats
	NATSURL       string
	NATSSubject   string
	NATSSubscribe string

	// Accept and Deny are nil when not configured.
	Accept []string
	Deny   []string

	MaxLineLength int
}

// Filter builds the accept/deny filter for this endpoint.
func (c Config) Filter() nmea.Filter {
	return nmea.NewFilter(c.Accept, c.Deny)
}

// ListenAddr returns the host:port a network endpoint binds to.
func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.Bind, strconv.Itoa(c.Port))
}

func (c Config) String() string {
	switch c.Medium {
	case MediumSerial:
		return fmt.Sprintf("%s (serial %s @ %d)", c.Name, c.Device, c.Baud)
	case MediumNATS:
		return fmt.Sprintf("%s (nats %s)", c.Name, c.NATSSubject)
	default:
		return fmt.Sprintf("%s (%s %s)", c.Name, c.Medium, c.ListenAddr())
	}
}

// Deps holds the collaborators shared by every endpoint constructor.
type Deps struct {
	Logger   *slog.Logger
	Registry *metric.MetricsRegistry // nil disables metrics
	Debug    bool
}

// ComponentLogger returns the deps logger, or the default logger tagged with
// component, annotated with the endpoint name.
func (d Deps) ComponentLogger(component, name string) *slog.Logger {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default().With("component", component)
	}
	return logger.With("endpoint", name)
}
