package router

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markmerz/nmea0183-repeater-raspberry/endpoint"
	"github.com/markmerz/nmea0183-repeater-raspberry/errors"
	"github.com/markmerz/nmea0183-repeater-raspberry/health"
	"github.com/markmerz/nmea0183-repeater-raspberry/metric"
	"github.com/markmerz/nmea0183-repeater-raspberry/nmea"
)

// fakeEndpoint records filtered sends and runs until cancelled or runErr is set.
type fakeEndpoint struct {
	name   string
	filter nmea.Filter
	runErr error

	mu   sync.Mutex
	sent []string
}

func newFake(name string, accept, deny []string) *fakeEndpoint {
	return &fakeEndpoint{name: name, filter: nmea.NewFilter(accept, deny)}
}

func (f *fakeEndpoint) Name() string            { return f.name }
func (f *fakeEndpoint) Medium() endpoint.Medium { return endpoint.MediumSerial }

func (f *fakeEndpoint) Send(msg nmea.Message) {
	if !f.filter.AllowsMessage(msg) {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg.String())
}

func (f *fakeEndpoint) Run(ctx context.Context, _ endpoint.Dispatcher) error {
	if f.runErr != nil {
		return f.runErr
	}
	<-ctx.Done()
	return nil
}

func (f *fakeEndpoint) Health() health.Status {
	return health.NewHealthy(f.name, "fake")
}

func (f *fakeEndpoint) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func TestNew_DuplicateNames(t *testing.T) {
	_, err := New([]endpoint.Endpoint{newFake("gps", nil, nil), newFake("gps", nil, nil)}, Deps{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrDuplicateEndpoint)
	assert.True(t, errors.IsInvalid(err))
}

func TestDispatch_NoEcho(t *testing.T) {
	a, b, c := newFake("a", nil, nil), newFake("b", nil, nil), newFake("c", nil, nil)
	r, err := New([]endpoint.Endpoint{a, b, c}, Deps{})
	require.NoError(t, err)

	for _, origin := range []*fakeEndpoint{a, b, c} {
		r.Dispatch(origin.name, nmea.Message("$GPGGA,"+origin.name+"\n"))
	}

	for _, ep := range []*fakeEndpoint{a, b, c} {
		got := ep.received()
		assert.Len(t, got, 2, ep.name)
		assert.NotContains(t, got, "$GPGGA,"+ep.name+"\n", "%s received its own message", ep.name)
	}
}

func TestDispatch_AppliesEachEndpointFilter(t *testing.T) {
	tests := []struct {
		name   string
		accept []string
		deny   []string
		typ    string
		want   bool
	}{
		{"no sets", nil, nil, "GGA", true},
		{"accepted", []string{"GGA", "RMC"}, nil, "GGA", true},
		{"not accepted", []string{"RMC"}, nil, "GGA", false},
		{"denied", nil, []string{"GGA"}, "GGA", false},
		{"not denied", nil, []string{"GSV"}, "GGA", true},
		{"accepted and denied", []string{"GGA"}, []string{"GGA"}, "GGA", false},
		{"empty accept set", []string{}, nil, "GGA", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newFake("src", nil, nil)
			dst := newFake("dst", tt.accept, tt.deny)
			r, err := New([]endpoint.Endpoint{src, dst}, Deps{})
			require.NoError(t, err)

			r.Dispatch("src", nmea.Message("$GP"+tt.typ+",1\n"))
			assert.Equal(t, tt.want, len(dst.received()) == 1)
		})
	}
}

func TestDispatch_UnknownOriginReachesAll(t *testing.T) {
	a, b := newFake("a", nil, nil), newFake("b", nil, nil)
	r, err := New([]endpoint.Endpoint{a, b}, Deps{})
	require.NoError(t, err)

	r.Dispatch("elsewhere", nmea.Message("$GPRMC,1\n"))
	assert.Len(t, a.received(), 1)
	assert.Len(t, b.received(), 1)
}

func TestDispatch_CountsRouted(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	r, err := New([]endpoint.Endpoint{newFake("a", nil, nil), newFake("b", nil, nil)}, Deps{Registry: reg})
	require.NoError(t, err)

	r.Dispatch("a", nmea.Message("$GPGGA\n"))
	r.Dispatch("a", nmea.Message("$GPRMC\n"))

	assert.Equal(t, 2.0, testutil.ToFloat64(reg.CoreMetrics().MessagesRouted.WithLabelValues("a")))
}

func TestRun_FailureIsolatedToEndpoint(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	broken := newFake("broken", nil, nil)
	broken.runErr = errors.WrapFatal(errors.ErrDeviceIO, "serial", "Run", "open device")
	healthy := newFake("healthy", nil, nil)

	r, err := New([]endpoint.Endpoint{broken, healthy}, Deps{Registry: reg})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	up := reg.CoreMetrics().EndpointUp
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(up.WithLabelValues("broken")) == 0 &&
			testutil.ToFloat64(up.WithLabelValues("healthy")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	r.Dispatch("broken", nmea.Message("$GPGGA\n"))
	assert.Len(t, healthy.received(), 1)

	cancel()
	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, errors.ErrDeviceIO)
		assert.Contains(t, err.Error(), "endpoint broken")
	case <-time.After(2 * time.Second):
		t.Fatal("router did not stop")
	}
	assert.Equal(t, 0.0, testutil.ToFloat64(up.WithLabelValues("healthy")))
}

func TestRun_CleanShutdown(t *testing.T) {
	r, err := New([]endpoint.Endpoint{newFake("a", nil, nil), newFake("b", nil, nil)}, Deps{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("router did not stop")
	}
}

// syncBuffer is a bytes.Buffer safe for the tap goroutine and the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRunTap_LogsRoutedSentences(t *testing.T) {
	out := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug}))

	r, err := New([]endpoint.Endpoint{newFake("gps", nil, nil), newFake("plotter", nil, nil)},
		Deps{Logger: logger, Debug: true})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.RunTap(ctx) }()

	r.Dispatch("gps", nmea.Message("$GPGGA,123519\r\n"))

	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(out.String()), []byte("FROM gps: $GPGGA,123519"))
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, out.String(), "type=GGA")
}

func TestTap_NeverBlocksDispatch(t *testing.T) {
	r, err := New([]endpoint.Endpoint{newFake("a", nil, nil)}, Deps{Debug: true})
	require.NoError(t, err)

	for i := 0; i < TapCapacity+10; i++ {
		r.Dispatch("b", nmea.Message(fmt.Sprintf("$GPGGA,%d\n", i)))
	}
	assert.Equal(t, int64(10), r.TapDropped())
}

func TestRunTap_NoopWithoutDebug(t *testing.T) {
	r, err := New(nil, Deps{})
	require.NoError(t, err)
	assert.NoError(t, r.RunTap(context.Background()))
}

func TestEndpointStatuses(t *testing.T) {
	r, err := New([]endpoint.Endpoint{newFake("a", nil, nil), newFake("b", nil, nil)}, Deps{})
	require.NoError(t, err)

	statuses := r.EndpointStatuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "a", statuses[0].Component)
	assert.Equal(t, "b", statuses[1].Component)
}
