//go:build linux || darwin || freebsd || netbsd || openbsd

package router

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markmerz/nmea0183-repeater-raspberry/endpoint"
	"github.com/markmerz/nmea0183-repeater-raspberry/endpoint/serial"
	"github.com/markmerz/nmea0183-repeater-raspberry/endpoint/tcp"
)

// loopPort is an in-memory serial port: tests inject inbound bytes and
// inspect what the endpoint wrote.
type loopPort struct {
	in chan []byte

	mu  sync.Mutex
	out bytes.Buffer
}

func newLoopPort() *loopPort {
	return &loopPort{in: make(chan []byte, 8)}
}

func (p *loopPort) Read(b []byte) (int, error) {
	select {
	case chunk := <-p.in:
		return copy(b, chunk), nil
	case <-time.After(20 * time.Millisecond):
		return 0, nil
	}
}

func (p *loopPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.Write(b)
}

func (p *loopPort) Close() error                       { return nil }
func (p *loopPort) SetReadTimeout(time.Duration) error { return nil }

func (p *loopPort) written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.String()
}

func serialEndpoint(t *testing.T, cfg endpoint.Config, port *loopPort) *serial.Endpoint {
	t.Helper()
	cfg.Medium = endpoint.MediumSerial
	cfg.Device = "/dev/ttyUSB-" + cfg.Name
	cfg.Baud = 4800
	ep, err := serial.New(cfg, endpoint.Deps{}, serial.WithOpener(func(string, int) (serial.Port, error) {
		return port, nil
	}))
	require.NoError(t, err)
	return ep
}

func readLine(t *testing.T, c net.Conn, r *bufio.Reader) string {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	return line
}

func TestScenario_SerialToTCPWithFilters(t *testing.T) {
	portA, portB := newLoopPort(), newLoopPort()
	a := serialEndpoint(t, endpoint.Config{Name: "A"}, portA)
	b := serialEndpoint(t, endpoint.Config{Name: "B", Deny: []string{"GGA"}}, portB)
	c := tcp.New(endpoint.Config{Name: "C", Medium: endpoint.MediumTCPServer, Bind: "127.0.0.1"}, endpoint.Deps{})

	r, err := New([]endpoint.Endpoint{a, b, c}, Deps{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case <-c.Ready():
	case <-time.After(3 * time.Second):
		t.Fatal("tcp endpoint not ready")
	}

	client1, err := net.Dial("tcp", c.Addr())
	require.NoError(t, err)
	defer client1.Close()
	client2, err := net.Dial("tcp", c.Addr())
	require.NoError(t, err)
	defer client2.Close()
	require.Eventually(t, func() bool { return c.Connections() == 2 }, 2*time.Second, 10*time.Millisecond)

	portA.in <- []byte("$GPGGA,1\n")

	assert.Equal(t, "$GPGGA,1\n", readLine(t, client1, bufio.NewReader(client1)))
	assert.Equal(t, "$GPGGA,1\n", readLine(t, client2, bufio.NewReader(client2)))

	// give the serial writers a chance to act before checking for absence
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, portB.written(), "B denies GGA")
	assert.Empty(t, portA.written(), "A must not receive its own message")

	portA.in <- []byte("$GPRMC,2\n")
	require.Eventually(t, func() bool { return portB.written() == "$GPRMC,2\n" }, 2*time.Second, 10*time.Millisecond)

	began := time.Now()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("router did not stop")
	}
	assert.Less(t, time.Since(began), 2*time.Second)
}

func TestScenario_TCPClientReachesSerial(t *testing.T) {
	port := newLoopPort()
	s := serialEndpoint(t, endpoint.Config{Name: "plotter"}, port)
	c := tcp.New(endpoint.Config{Name: "wifi", Medium: endpoint.MediumTCPServer, Bind: "127.0.0.1"}, endpoint.Deps{})

	r, err := New([]endpoint.Endpoint{s, c}, Deps{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	<-c.Ready()

	client, err := net.Dial("tcp", c.Addr())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("$IIHDT,45.0,T*3C\r\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return port.written() == "$IIHDT,45.0,T*3C\r\n" }, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
