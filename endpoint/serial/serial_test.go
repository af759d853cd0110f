package serial

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markmerz/nmea0183-repeater-raspberry/endpoint"
	"github.com/markmerz/nmea0183-repeater-raspberry/errors"
	"github.com/markmerz/nmea0183-repeater-raspberry/metric"
	"github.com/markmerz/nmea0183-repeater-raspberry/nmea"
)

// fakePort feeds queued chunks to Read and records writes.
type fakePort struct {
	in      chan []byte
	timeout time.Duration

	mu       sync.Mutex
	out      bytes.Buffer
	readErr  error
	writeErr error
	closed   bool
}

func newFakePort() *fakePort {
	return &fakePort{in: make(chan []byte, 16), timeout: 20 * time.Millisecond}
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	err := p.readErr
	p.mu.Unlock()
	if err != nil {
		return 0, err
	}

	select {
	case chunk := <-p.in:
		return copy(b, chunk), nil
	case <-time.After(p.timeout):
		return 0, nil
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	return p.out.Write(b)
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) SetReadTimeout(time.Duration) error { return nil }

func (p *fakePort) written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.String()
}

func (p *fakePort) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePort) failReads(err error) {
	p.mu.Lock()
	p.readErr = err
	p.mu.Unlock()
}

type recorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recorder) Dispatch(origin string, msg nmea.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, origin+"|"+msg.String())
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func newTestEndpoint(t *testing.T, cfg endpoint.Config, port *fakePort, reg *metric.MetricsRegistry) *Endpoint {
	t.Helper()
	ep, err := New(cfg, endpoint.Deps{Registry: reg}, WithOpener(func(device string, baud int) (Port, error) {
		assert.Equal(t, cfg.Device, device)
		assert.Equal(t, cfg.Baud, baud)
		return port, nil
	}))
	require.NoError(t, err)
	return ep
}

func TestSerial_ReadDispatchesLines(t *testing.T) {
	port := newFakePort()
	cfg := endpoint.Config{Name: "gps", Medium: endpoint.MediumSerial, Device: "/dev/ttyUSB0", Baud: 4800}
	reg := metric.NewMetricsRegistry()
	ep := newTestEndpoint(t, cfg, port, reg)

	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	done := make(chan error, 1)
	go func() { done <- ep.Run(ctx, rec) }()

	port.in <- []byte("$GPGGA,1*47\n$GPR")
	port.in <- []byte("MC,2*6A\n")

	require.Eventually(t, func() bool { return len(rec.got()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"gps|$GPGGA,1*47\n", "gps|$GPRMC,2*6A\n"}, rec.got())
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.CoreMetrics().MessagesReceived.WithLabelValues("gps", "GGA")))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * WriteTimeout):
		t.Fatal("endpoint did not stop within one timeout interval")
	}
	assert.True(t, port.isClosed())
}

func TestSerial_SendWritesFilteredMessages(t *testing.T) {
	port := newFakePort()
	cfg := endpoint.Config{Name: "plotter", Medium: endpoint.MediumSerial, Device: "/dev/ttyUSB1", Baud: 38400, Deny: []string{"GGA"}}
	reg := metric.NewMetricsRegistry()
	ep := newTestEndpoint(t, cfg, port, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = ep.Run(ctx, endpoint.DispatchFunc(func(string, nmea.Message) {})) }()

	ep.Send(nmea.Message("$GPGGA,1\n"))
	ep.Send(nmea.Message("$GPRMC,2\n"))
	ep.Send(nmea.Message("$GPVTG,3\n"))

	require.Eventually(t, func() bool {
		return port.written() == "$GPRMC,2\n$GPVTG,3\n"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.CoreMetrics().MessagesFiltered.WithLabelValues("plotter")))
	assert.Equal(t, 2.0, testutil.ToFloat64(reg.CoreMetrics().MessagesSent.WithLabelValues("plotter")))
}

func TestSerial_ReadErrorStopsEndpointOnly(t *testing.T) {
	port := newFakePort()
	cfg := endpoint.Config{Name: "gps", Medium: endpoint.MediumSerial, Device: "/dev/ttyUSB0", Baud: 4800}
	ep := newTestEndpoint(t, cfg, port, nil)

	done := make(chan error, 1)
	go func() { done <- ep.Run(context.Background(), endpoint.DispatchFunc(func(string, nmea.Message) {})) }()

	port.failReads(fmt.Errorf("device disconnected"))

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, errors.IsFatal(err))
		assert.ErrorIs(t, err, errors.ErrDeviceIO)
	case <-time.After(3 * time.Second):
		t.Fatal("endpoint did not stop on read error")
	}

	assert.True(t, ep.Health().IsUnhealthy())
}

func TestSerial_WriteError(t *testing.T) {
	port := newFakePort()
	port.writeErr = fmt.Errorf("i/o error")
	cfg := endpoint.Config{Name: "plotter", Medium: endpoint.MediumSerial, Device: "/dev/ttyUSB1", Baud: 4800}
	ep := newTestEndpoint(t, cfg, port, nil)

	done := make(chan error, 1)
	go func() { done <- ep.Run(context.Background(), endpoint.DispatchFunc(func(string, nmea.Message) {})) }()
	ep.Send(nmea.Message("$GPRMC,1\n"))

	select {
	case err := <-done:
		assert.True(t, errors.IsFatal(err))
	case <-time.After(3 * time.Second):
		t.Fatal("endpoint did not stop on write error")
	}
}

func TestSerial_OpenError(t *testing.T) {
	cfg := endpoint.Config{Name: "gps", Medium: endpoint.MediumSerial, Device: "/dev/missing", Baud: 4800}
	ep, err := New(cfg, endpoint.Deps{}, WithOpener(func(string, int) (Port, error) {
		return nil, fmt.Errorf("no such file")
	}))
	require.NoError(t, err)

	err = ep.Run(context.Background(), endpoint.DispatchFunc(func(string, nmea.Message) {}))
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.Equal(t, "gps", ep.Name())
	assert.Equal(t, endpoint.MediumSerial, ep.Medium())
}

func TestSerial_RunTwice(t *testing.T) {
	port := newFakePort()
	cfg := endpoint.Config{Name: "gps", Medium: endpoint.MediumSerial, Device: "/dev/ttyUSB0", Baud: 4800}
	ep := newTestEndpoint(t, cfg, port, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, ep.Run(ctx, endpoint.DispatchFunc(func(string, nmea.Message) {})))

	err := ep.Run(ctx, endpoint.DispatchFunc(func(string, nmea.Message) {}))
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)
}

func TestSerial_LineTooLongKeepsReading(t *testing.T) {
	port := newFakePort()
	cfg := endpoint.Config{Name: "gps", Medium: endpoint.MediumSerial, Device: "/dev/ttyUSB0", Baud: 4800, MaxLineLength: 10}
	ep := newTestEndpoint(t, cfg, port, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &recorder{}
	go func() { _ = ep.Run(ctx, rec) }()

	port.in <- []byte("XXXXXXXXXXXXXXXXXXXXXXXXXXXXXX")
	port.in <- []byte("\n$GPGGA,1\n")

	require.Eventually(t, func() bool {
		got := rec.got()
		return len(got) > 0 && got[len(got)-1] == "gps|$GPGGA,1\n"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"gps|$GPGGA,1\n"}, rec.got())
	assert.Equal(t, 1, ep.Health().Metrics.ErrorCount)
}
