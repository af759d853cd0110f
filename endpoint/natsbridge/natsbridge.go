// Package natsbridge connects the router to a NATS subject. Sentences sent to
// the endpoint are published; sentences received on the subscribe subject are
// dispatched like any other input.
package natsbridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/markmerz/nmea0183-repeater-raspberry/endpoint"
	"github.com/markmerz/nmea0183-repeater-raspberry/errors"
	"github.com/markmerz/nmea0183-repeater-raspberry/health"
	"github.com/markmerz/nmea0183-repeater-raspberry/metric"
	"github.com/markmerz/nmea0183-repeater-raspberry/natsclient"
	"github.com/markmerz/nmea0183-repeater-raspberry/nmea"
)

const (
	// InstanceHeader carries the publishing bridge's instance id.
	InstanceHeader = "Nmea-Router-Instance"
	// EndpointHeader carries the publishing endpoint's name.
	EndpointHeader = "Nmea-Router-Endpoint"

	// WriteTimeout bounds each wait on the outbound queue.
	WriteTimeout = time.Second
	closeTimeout = 2 * time.Second
)

// Conn is the subset of natsclient.Client the bridge uses.
type Conn interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, subject string, data []byte, header nats.Header) error
	Subscribe(ctx context.Context, subject string, handler natsclient.Handler) error
	Close(ctx context.Context) error
	IsHealthy() bool
}

// Option configures an Endpoint
type Option func(*Endpoint)

// WithConn replaces the NATS client built from the endpoint configuration.
func WithConn(c Conn) Option {
	return func(e *Endpoint) {
		e.conn = c
	}
}

// Endpoint bridges sentences to and from NATS.
type Endpoint struct {
	cfg      endpoint.Config
	filter   nmea.Filter
	queue    *endpoint.Queue
	state    *endpoint.State
	logger   *slog.Logger
	metrics  *metric.Metrics
	conn     Conn
	instance string
	ready    chan struct{}

	frameMu sync.Mutex // guards framer
	framer  *nmea.Framer
}

var _ endpoint.Endpoint = (*Endpoint)(nil)

// New creates a NATS bridge endpoint. The connection is made by Run.
func New(cfg endpoint.Config, deps endpoint.Deps, opts ...Option) (*Endpoint, error) {
	e := &Endpoint{
		cfg:      cfg,
		filter:   cfg.Filter(),
		state:    endpoint.NewState(cfg.Name, endpoint.MediumNATS),
		logger:   deps.ComponentLogger("natsbridge", cfg.Name),
		metrics:  deps.Registry.CoreMetrics(),
		instance: uuid.NewString(),
		ready:    make(chan struct{}),
		framer:   nmea.NewFramer(cfg.MaxLineLength),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.conn == nil {
		client, err := natsclient.NewClient(cfg.NATSURL,
			natsclient.WithLogger(e.logger),
			natsclient.WithName("nmearouter-"+cfg.Name),
		)
		if err != nil {
			return nil, errors.WrapInvalid(err, "natsbridge", "New", "create client")
		}
		e.conn = client
	}

	q, err := endpoint.NewQueue(cfg.Name, endpoint.QueueOptions{
		Logger:   e.logger,
		Metrics:  e.metrics,
		Registry: deps.Registry,
		Debug:    deps.Debug,
	})
	if err != nil {
		return nil, errors.Wrap(err, "natsbridge", "New", "create queue")
	}
	e.queue = q
	return e, nil
}

func (e *Endpoint) Name() string           { return e.cfg.Name }
func (e *Endpoint) Medium() endpoint.Medium { return endpoint.MediumNATS }

// Ready is closed once the broker connection is up.
func (e *Endpoint) Ready() <-chan struct{} { return e.ready }

// Instance returns the id stamped on every published message.
func (e *Endpoint) Instance() string { return e.instance }

// Send filters msg and queues it for publishing.
func (e *Endpoint) Send(msg nmea.Message) {
	if !e.filter.AllowsMessage(msg) {
		e.metrics.Filtered(e.cfg.Name)
		return
	}
	e.queue.Push(msg)
}

// Health reports the endpoint status; a running bridge whose broker
// connection is down is degraded.
func (e *Endpoint) Health() health.Status {
	st := e.state.Health(e.queue.Drops())
	if st.IsHealthy() && !e.conn.IsHealthy() {
		degraded := health.NewDegraded(e.cfg.Name, "broker disconnected")
		degraded.Metrics = st.Metrics
		return degraded
	}
	return st
}

// Run connects to the broker and bridges until ctx is cancelled.
func (e *Endpoint) Run(ctx context.Context, d endpoint.Dispatcher) (err error) {
	if err := e.state.Start(); err != nil {
		return err
	}
	defer func() { e.state.Stop(err) }()
	defer e.queue.Close()

	if err := e.conn.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return errors.WrapFatal(err, "natsbridge", "Run", "connect to "+e.cfg.NATSURL)
	}
	defer e.close()

	if e.cfg.NATSSubscribe != "" {
		handler := func(_ context.Context, msg *nats.Msg) {
			e.handleInbound(msg, d)
		}
		if err := e.conn.Subscribe(ctx, e.cfg.NATSSubscribe, handler); err != nil {
			return errors.WrapFatal(err, "natsbridge", "Run", "subscribe to "+e.cfg.NATSSubscribe)
		}
	}

	close(e.ready)
	e.logger.Info("NATS bridge running", "publish", e.cfg.NATSSubject, "subscribe", e.cfg.NATSSubscribe)

	e.writeLoop(ctx)

	e.logger.Info("NATS bridge stopped")
	return nil
}

func (e *Endpoint) close() {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := e.conn.Close(ctx); err != nil {
		e.logger.Debug("Close NATS connection", "error", err)
	}
}

func (e *Endpoint) handleInbound(msg *nats.Msg, d endpoint.Dispatcher) {
	if msg.Header.Get(InstanceHeader) == e.instance {
		return
	}

	emit := func(line nmea.Message) {
		e.state.Received()
		e.metrics.Received(e.cfg.Name, line.Type())
		d.Dispatch(e.cfg.Name, line)
	}

	e.frameMu.Lock()
	defer e.frameMu.Unlock()

	if err := e.framer.Write(msg.Data, emit); err != nil {
		e.state.Error()
		e.metrics.Error(e.cfg.Name, errors.Classify(err).String())
	}
	// a message body is a whole sentence even without a terminator
	e.framer.End(emit)
}

func (e *Endpoint) writeLoop(ctx context.Context) {
	header := nats.Header{}
	header.Set(InstanceHeader, e.instance)
	header.Set(EndpointHeader, e.cfg.Name)

	for {
		msg, ok := e.queue.PopWait(ctx, WriteTimeout)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		if err := e.conn.Publish(ctx, e.cfg.NATSSubject, msg.Bytes(), header); err != nil {
			e.state.Error()
			e.metrics.Error(e.cfg.Name, errors.Classify(err).String())
			e.logger.Debug("Publish failed", "subject", e.cfg.NATSSubject, "error", err)
			continue
		}
		e.state.Sent()
		e.metrics.Sent(e.cfg.Name)
	}
}
