// Package tcp implements the TCP server endpoint. One goroutine services the
// listening socket and every client connection with poll(2) readiness, so the
// goroutine count does not grow with the number of clients.
//
// Each connection owns a Framer for its input and a bounded Queue for its
// output. A line read from one client is dispatched to the router and also
// queued directly to every other client of the same server; it is never
// echoed back to the client it came from.
package tcp

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/markmerz/nmea0183-repeater-raspberry/endpoint"
	"github.com/markmerz/nmea0183-repeater-raspberry/health"
	"github.com/markmerz/nmea0183-repeater-raspberry/metric"
	"github.com/markmerz/nmea0183-repeater-raspberry/nmea"
)

const (
	// PollTimeout bounds how long the loop waits before re-checking for shutdown.
	PollTimeout = 300 * time.Millisecond

	readChunk = 1024
)

// conn is one accepted client.
type conn struct {
	id      uuid.UUID
	fd      int
	peer    string
	framer  *nmea.Framer
	queue   *endpoint.Queue
	pending []byte // unwritten remainder of the current message
	closed  bool
}

func (c *conn) wantsWrite() bool {
	return len(c.pending) > 0 || c.queue.Len() > 0
}

// Endpoint is a TCP server endpoint.
type Endpoint struct {
	cfg     endpoint.Config
	filter  nmea.Filter
	state   *endpoint.State
	logger  *slog.Logger
	metrics *metric.Metrics
	debug   bool

	ready chan struct{}

	// mu guards conns, addr and wakeFd. Only the poll goroutine mutates
	// conns; Send reads it from router goroutines.
	mu     sync.RWMutex
	conns  map[uuid.UUID]*conn
	addr   string
	wakeFd int
}

var _ endpoint.Endpoint = (*Endpoint)(nil)

// New creates a TCP server endpoint. The socket is bound by Run.
func New(cfg endpoint.Config, deps endpoint.Deps) *Endpoint {
	return &Endpoint{
		cfg:     cfg,
		filter:  cfg.Filter(),
		state:   endpoint.NewState(cfg.Name, endpoint.MediumTCPServer),
		logger:  deps.ComponentLogger("tcp", cfg.Name),
		metrics: deps.Registry.CoreMetrics(),
		debug:   deps.Debug,
		ready:   make(chan struct{}),
		conns:   make(map[uuid.UUID]*conn),
		addr:    cfg.ListenAddr(),
		wakeFd:  -1,
	}
}

func (e *Endpoint) Name() string           { return e.cfg.Name }
func (e *Endpoint) Medium() endpoint.Medium { return endpoint.MediumTCPServer }

// Ready is closed once the listening socket is bound.
func (e *Endpoint) Ready() <-chan struct{} {
	return e.ready
}

// Addr returns the bound address once Ready, the configured one before.
func (e *Endpoint) Addr() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.addr
}

// Connections returns the number of connected clients.
func (e *Endpoint) Connections() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.conns)
}

// Send filters msg once and queues it for every connected client.
func (e *Endpoint) Send(msg nmea.Message) {
	if !e.filter.AllowsMessage(msg) {
		e.metrics.Filtered(e.cfg.Name)
		return
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.conns) == 0 {
		return
	}
	for _, c := range e.conns {
		c.queue.Push(msg)
	}
	e.wakeLocked()
}

// Health reports the endpoint status.
func (e *Endpoint) Health() health.Status {
	e.mu.RLock()
	dropped := e.state.Dropped()
	for _, c := range e.conns {
		dropped += c.queue.Drops()
	}
	e.mu.RUnlock()
	return e.state.Health(dropped)
}

func (e *Endpoint) newConn(fd int, peer string) (*conn, error) {
	id := uuid.New()
	q, err := endpoint.NewQueue(e.cfg.Name, endpoint.QueueOptions{
		Logger:  e.logger.With("conn", id.String()),
		Metrics: e.metrics,
		Debug:   e.debug,
	})
	if err != nil {
		return nil, err
	}
	return &conn{
		id:     id,
		fd:     fd,
		peer:   peer,
		framer: nmea.NewFramer(e.cfg.MaxLineLength),
		queue:  q,
	}, nil
}
