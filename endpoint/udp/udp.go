// Package udp provides a datagram endpoint: sentences arriving on the bound
// port are dispatched, and sentences sent to it are forwarded to a fixed list
// of target addresses.
package udp

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/markmerz/nmea0183-repeater-raspberry/endpoint"
	"github.com/markmerz/nmea0183-repeater-raspberry/errors"
	"github.com/markmerz/nmea0183-repeater-raspberry/health"
	"github.com/markmerz/nmea0183-repeater-raspberry/metric"
	"github.com/markmerz/nmea0183-repeater-raspberry/nmea"
)

const (
	// ReadTimeout bounds each datagram read so shutdown is observed.
	ReadTimeout = 300 * time.Millisecond
	// WriteTimeout bounds each wait on the outbound queue.
	WriteTimeout = time.Second

	maxDatagram = 65536
)

// Metrics holds datagram-level counters for one UDP endpoint
type Metrics struct {
	bytesReceived prometheus.Counter
	socketErrors  prometheus.Counter
}

// newMetrics creates and registers UDP metrics. A nil registry yields nil metrics.
func newMetrics(registry *metric.MetricsRegistry, name string) (*Metrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &Metrics{
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "nmearouter",
			Subsystem:   "udp",
			Name:        "bytes_received_total",
			Help:        "Total bytes received in datagrams",
			ConstLabels: prometheus.Labels{"endpoint": name},
		}),
		socketErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "nmearouter",
			Subsystem:   "udp",
			Name:        "socket_errors_total",
			Help:        "Datagram read or write errors",
			ConstLabels: prometheus.Labels{"endpoint": name},
		}),
	}

	if err := registry.RegisterCounter(name, "udp_bytes_received", m.bytesReceived); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(name, "udp_socket_errors", m.socketErrors); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) received(n int) {
	if m != nil {
		m.bytesReceived.Add(float64(n))
	}
}

func (m *Metrics) socketError() {
	if m != nil {
		m.socketErrors.Inc()
	}
}

// Endpoint is a UDP datagram endpoint.
type Endpoint struct {
	cfg     endpoint.Config
	filter  nmea.Filter
	queue   *endpoint.Queue
	state   *endpoint.State
	logger  *slog.Logger
	metrics *metric.Metrics
	udp     *Metrics

	mu      sync.RWMutex
	conn    *net.UDPConn
	targets []*net.UDPAddr
	ready   chan struct{}
}

var _ endpoint.Endpoint = (*Endpoint)(nil)

// New creates a UDP endpoint. Targets are resolved and the socket bound by Run.
func New(cfg endpoint.Config, deps endpoint.Deps) (*Endpoint, error) {
	e := &Endpoint{
		cfg:     cfg,
		filter:  cfg.Filter(),
		state:   endpoint.NewState(cfg.Name, endpoint.MediumUDP),
		logger:  deps.ComponentLogger("udp", cfg.Name),
		metrics: deps.Registry.CoreMetrics(),
		ready:   make(chan struct{}),
	}

	udpMetrics, err := newMetrics(deps.Registry, cfg.Name)
	if err != nil {
		return nil, errors.Wrap(err, "udp", "New", "register metrics")
	}
	e.udp = udpMetrics

	q, err := endpoint.NewQueue(cfg.Name, endpoint.QueueOptions{
		Logger:   e.logger,
		Metrics:  e.metrics,
		Registry: deps.Registry,
		Debug:    deps.Debug,
	})
	if err != nil {
		return nil, errors.Wrap(err, "udp", "New", "create queue")
	}
	e.queue = q
	return e, nil
}

func (e *Endpoint) Name() string           { return e.cfg.Name }
func (e *Endpoint) Medium() endpoint.Medium { return endpoint.MediumUDP }

// Ready is closed once the socket is bound.
func (e *Endpoint) Ready() <-chan struct{} { return e.ready }

// Addr returns the bound local address, or the configured one before Ready.
func (e *Endpoint) Addr() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.conn != nil {
		return e.conn.LocalAddr().String()
	}
	return e.cfg.ListenAddr()
}

// Send filters msg and queues it for the targets. Without targets it is a no-op.
func (e *Endpoint) Send(msg nmea.Message) {
	if len(e.cfg.UDPTargets) == 0 {
		return
	}
	if !e.filter.AllowsMessage(msg) {
		e.metrics.Filtered(e.cfg.Name)
		return
	}
	e.queue.Push(msg)
}

// Health reports the endpoint status.
func (e *Endpoint) Health() health.Status {
	return e.state.Health(e.queue.Drops())
}

// Run binds the socket and services it until ctx is cancelled.
func (e *Endpoint) Run(ctx context.Context, d endpoint.Dispatcher) (err error) {
	if err := e.state.Start(); err != nil {
		return err
	}
	defer func() { e.state.Stop(err) }()
	defer e.queue.Close()

	targets, err := resolveTargets(e.cfg.UDPTargets)
	if err != nil {
		return err
	}

	conn, err := e.bindSocket()
	if err != nil {
		return errors.WrapFatal(err, "udp", "Run", "socket binding")
	}

	e.mu.Lock()
	e.conn = conn
	e.targets = targets
	e.mu.Unlock()
	close(e.ready)

	e.logger.Info("UDP endpoint listening", "addr", conn.LocalAddr().String(), "targets", len(targets))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.readLoop(ctx, conn, d)
	}()
	go func() {
		defer wg.Done()
		e.writeLoop(ctx, conn, targets)
	}()
	wg.Wait()

	if cerr := conn.Close(); cerr != nil {
		e.logger.Debug("Close socket", "error", cerr)
	}
	e.logger.Info("UDP endpoint stopped")
	return nil
}

func (e *Endpoint) bindSocket() (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", e.cfg.ListenAddr())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err)
	}
	return net.ListenUDP("udp", addr)
}

func resolveTargets(targets []string) ([]*net.UDPAddr, error) {
	resolved := make([]*net.UDPAddr, 0, len(targets))
	for _, t := range targets {
		addr, err := net.ResolveUDPAddr("udp", t)
		if err != nil {
			return nil, errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "udp", "Run", "resolve target "+t)
		}
		resolved = append(resolved, addr)
	}
	return resolved, nil
}

func (e *Endpoint) readLoop(ctx context.Context, conn *net.UDPConn, d endpoint.Dispatcher) {
	buf := make([]byte, maxDatagram)
	framer := nmea.NewFramer(e.cfg.MaxLineLength)
	emit := func(line nmea.Message) {
		e.state.Received()
		e.metrics.Received(e.cfg.Name, line.Type())
		d.Dispatch(e.cfg.Name, line)
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(ReadTimeout))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if stderrors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			e.state.Error()
			e.udp.socketError()
			e.metrics.Error(e.cfg.Name, errors.Classify(err).String())
			e.logger.Warn("Datagram read failed", "error", err)
			continue
		}

		e.udp.received(n)
		if err := framer.Write(buf[:n], emit); err != nil {
			e.state.Error()
			e.metrics.Error(e.cfg.Name, errors.Classify(err).String())
		}

		// a datagram is a whole sentence even without a terminator
		framer.End(emit)
	}
}

func (e *Endpoint) writeLoop(ctx context.Context, conn *net.UDPConn, targets []*net.UDPAddr) {
	for {
		msg, ok := e.queue.PopWait(ctx, WriteTimeout)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		for _, addr := range targets {
			if _, err := conn.WriteToUDP(msg.Bytes(), addr); err != nil {
				e.state.Error()
				e.udp.socketError()
				e.logger.Debug("Datagram send failed", "target", addr.String(), "error", err)
				continue
			}
		}
		e.state.Sent()
		e.metrics.Sent(e.cfg.Name)
	}
}
