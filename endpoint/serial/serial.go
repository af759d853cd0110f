// Package serial implements the serial port endpoint: one reader goroutine
// framing sentences from the device and one writer goroutine draining the
// outbound queue to it.
package serial

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	goserial "go.bug.st/serial"

	"github.com/markmerz/nmea0183-repeater-raspberry/endpoint"
	"github.com/markmerz/nmea0183-repeater-raspberry/errors"
	"github.com/markmerz/nmea0183-repeater-raspberry/health"
	"github.com/markmerz/nmea0183-repeater-raspberry/metric"
	"github.com/markmerz/nmea0183-repeater-raspberry/nmea"
)

// Timeouts bound how long either goroutine waits before re-checking for shutdown.
const (
	ReadTimeout  = time.Second
	WriteTimeout = time.Second

	readChunk = 256
)

// Port is the subset of goserial.Port the endpoint uses.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// Opener opens a device at a baud rate.
type Opener func(device string, baud int) (Port, error)

// OpenDevice opens a real serial device in 8N1 mode.
func OpenDevice(device string, baud int) (Port, error) {
	return goserial.Open(device, &goserial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   goserial.NoParity,
		StopBits: goserial.OneStopBit,
	})
}

// Endpoint is a serial port endpoint.
type Endpoint struct {
	cfg     endpoint.Config
	filter  nmea.Filter
	open    Opener
	queue   *endpoint.Queue
	state   *endpoint.State
	logger  *slog.Logger
	metrics *metric.Metrics
}

var _ endpoint.Endpoint = (*Endpoint)(nil)

// Option customises an Endpoint.
type Option func(*Endpoint)

// WithOpener replaces the device opener.
func WithOpener(open Opener) Option {
	return func(e *Endpoint) {
		e.open = open
	}
}

// New creates a serial endpoint. The device is opened by Run.
func New(cfg endpoint.Config, deps endpoint.Deps, opts ...Option) (*Endpoint, error) {
	e := &Endpoint{
		cfg:     cfg,
		filter:  cfg.Filter(),
		open:    OpenDevice,
		state:   endpoint.NewState(cfg.Name, endpoint.MediumSerial),
		logger:  deps.ComponentLogger("serial", cfg.Name),
		metrics: deps.Registry.CoreMetrics(),
	}
	for _, opt := range opts {
		opt(e)
	}

	q, err := endpoint.NewQueue(cfg.Name, endpoint.QueueOptions{
		Logger:   e.logger,
		Metrics:  e.metrics,
		Registry: deps.Registry,
		Debug:    deps.Debug,
	})
	if err != nil {
		return nil, errors.Wrap(err, "serial", "New", "create queue")
	}
	e.queue = q
	return e, nil
}

func (e *Endpoint) Name() string           { return e.cfg.Name }
func (e *Endpoint) Medium() endpoint.Medium { return endpoint.MediumSerial }

// Send filters msg and queues it for the writer.
func (e *Endpoint) Send(msg nmea.Message) {
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

// Run opens the device and services it until ctx is cancelled or an I/O
// error occurs. An I/O error stops only this endpoint.
func (e *Endpoint) Run(ctx context.Context, d endpoint.Dispatcher) (err error) {
	if err := e.state.Start(); err != nil {
		return err
	}
	defer func() { e.state.Stop(err) }()
	defer e.queue.Close()

	port, err := e.open(e.cfg.Device, e.cfg.Baud)
	if err != nil {
		return errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrDeviceIO, err), "serial", "Run", "open "+e.cfg.Device)
	}
	defer port.Close()

	if err := port.SetReadTimeout(ReadTimeout); err != nil {
		return errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrDeviceIO, err), "serial", "Run", "set read timeout")
	}

	e.logger.Info("Serial endpoint started", "device", e.cfg.Device, "baud", e.cfg.Baud)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		readErr  error
		writeErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		readErr = e.readLoop(ctx, port, d)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		writeErr = e.writeLoop(ctx, port)
	}()
	wg.Wait()

	if err := stderrors.Join(readErr, writeErr); err != nil {
		e.metrics.Error(e.cfg.Name, errors.ErrorFatal.String())
		e.logger.Error("Serial endpoint stopped", "error", err)
		return err
	}

	e.logger.Info("Serial endpoint stopped")
	return nil
}

func (e *Endpoint) readLoop(ctx context.Context, port Port, d endpoint.Dispatcher) error {
	framer := nmea.NewFramer(e.cfg.MaxLineLength)
	buf := make([]byte, readChunk)
	emit := func(line nmea.Message) {
		e.state.Received()
		e.metrics.Received(e.cfg.Name, line.Type())
		d.Dispatch(e.cfg.Name, line)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := port.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrDeviceIO, err), "serial", "readLoop", "read "+e.cfg.Device)
		}
		if n == 0 {
			// read timeout
			continue
		}

		if err := framer.Write(buf[:n], emit); err != nil {
			e.state.Error()
			e.metrics.Error(e.cfg.Name, errors.Classify(err).String())
			e.logger.Debug("Discarded over-long line", "error", err)
		}
	}
}

func (e *Endpoint) writeLoop(ctx context.Context, port Port) error {
	for {
		msg, ok := e.queue.PopWait(ctx, WriteTimeout)
		if !ok {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}

		if _, err := port.Write(msg.Bytes()); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrDeviceIO, err), "serial", "writeLoop", "write "+e.cfg.Device)
		}
		e.state.Sent()
		e.metrics.Sent(e.cfg.Name)
	}
}
