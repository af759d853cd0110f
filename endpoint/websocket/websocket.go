// Package websocket serves sentences to browser and application clients over
// WebSocket. Every sentence sent to the endpoint goes to all clients as a
// text frame; text frames from a client are framed into sentences, dispatched
// and relayed to the other clients.
package websocket

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/markmerz/nmea0183-repeater-raspberry/endpoint"
	"github.com/markmerz/nmea0183-repeater-raspberry/errors"
	"github.com/markmerz/nmea0183-repeater-raspberry/health"
	"github.com/markmerz/nmea0183-repeater-raspberry/metric"
	"github.com/markmerz/nmea0183-repeater-raspberry/nmea"
)

const (
	// DefaultPath is the upgrade path when none is configured.
	DefaultPath = "/nmea"

	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	queueWait    = time.Second
)

type client struct {
	id     uuid.UUID
	conn   *websocket.Conn
	peer   string
	queue  *endpoint.Queue
	closed atomic.Bool
}

// Endpoint is a WebSocket server endpoint.
type Endpoint struct {
	cfg      endpoint.Config
	filter   nmea.Filter
	state    *endpoint.State
	logger   *slog.Logger
	metrics  *metric.Metrics
	debug    bool
	upgrader websocket.Upgrader

	ready chan struct{}
	wg    sync.WaitGroup

	// mu guards the fields below. wg.Add happens only under mu while
	// stopping is false.
	mu       sync.RWMutex
	clients  map[uuid.UUID]*client
	listener net.Listener
	runCtx   context.Context
	dispatch endpoint.Dispatcher
	stopping bool
}

var _ endpoint.Endpoint = (*Endpoint)(nil)

// New creates a WebSocket endpoint. The HTTP server is started by Run.
func New(cfg endpoint.Config, deps endpoint.Deps) *Endpoint {
	if cfg.WebSocketPath == "" {
		cfg.WebSocketPath = DefaultPath
	}
	return &Endpoint{
		cfg:     cfg,
		filter:  cfg.Filter(),
		state:   endpoint.NewState(cfg.Name, endpoint.MediumWebSocket),
		logger:  deps.ComponentLogger("websocket", cfg.Name),
		metrics: deps.Registry.CoreMetrics(),
		debug:   deps.Debug,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		ready:   make(chan struct{}),
		clients: make(map[uuid.UUID]*client),
	}
}

func (e *Endpoint) Name() string           { return e.cfg.Name }
func (e *Endpoint) Medium() endpoint.Medium { return endpoint.MediumWebSocket }

// Ready is closed once the HTTP listener is bound.
func (e *Endpoint) Ready() <-chan struct{} { return e.ready }

// URL returns the ws:// URL clients connect to.
func (e *Endpoint) URL() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	addr := e.cfg.ListenAddr()
	if e.listener != nil {
		addr = e.listener.Addr().String()
	}
	return "ws://" + addr + e.cfg.WebSocketPath
}

// Clients returns the number of connected clients.
func (e *Endpoint) Clients() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.clients)
}

// Send filters msg and queues it for every client.
func (e *Endpoint) Send(msg nmea.Message) {
	if !e.filter.AllowsMessage(msg) {
		e.metrics.Filtered(e.cfg.Name)
		return
	}
	e.broadcast(nil, msg)
}

func (e *Endpoint) broadcast(origin *client, msg nmea.Message) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, c := range e.clients {
		if c != origin {
			c.queue.Push(msg)
		}
	}
}

// Health reports the endpoint status.
func (e *Endpoint) Health() health.Status {
	e.mu.RLock()
	dropped := e.state.Dropped()
	for _, c := range e.clients {
		dropped += c.queue.Drops()
	}
	e.mu.RUnlock()
	return e.state.Health(dropped)
}

// Run serves WebSocket clients until ctx is cancelled.
func (e *Endpoint) Run(ctx context.Context, d endpoint.Dispatcher) (err error) {
	if err := e.state.Start(); err != nil {
		return err
	}
	defer func() { e.state.Stop(err) }()

	ln, err := net.Listen("tcp", e.cfg.ListenAddr())
	if err != nil {
		return errors.WrapFatal(err, "websocket", "Run", "listen on "+e.cfg.ListenAddr())
	}

	e.mu.Lock()
	e.listener = ln
	e.runCtx = ctx
	e.dispatch = d
	e.mu.Unlock()
	close(e.ready)

	mux := http.NewServeMux()
	mux.HandleFunc(e.cfg.WebSocketPath, e.handleWebSocket)
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(ln)
	}()
	e.logger.Info("WebSocket endpoint listening", "url", e.URL())

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			e.stop()
			return errors.WrapFatal(err, "websocket", "Run", "serve HTTP")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		e.logger.Debug("HTTP shutdown", "error", err)
	}

	e.stop()
	e.logger.Info("WebSocket endpoint stopped")
	return nil
}

// stop refuses further upgrades, closes every client and waits for their
// goroutines.
func (e *Endpoint) stop() {
	e.mu.Lock()
	e.stopping = true
	e.mu.Unlock()

	e.closeAll()
	e.wg.Wait()
}

func (e *Endpoint) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.state.Error()
		e.metrics.Error(e.cfg.Name, errors.ErrorInvalid.String())
		return
	}

	id := uuid.New()
	q, err := endpoint.NewQueue(e.cfg.Name, endpoint.QueueOptions{
		Logger:  e.logger.With("conn", id.String()),
		Metrics: e.metrics,
		Debug:   e.debug,
	})
	if err != nil {
		_ = conn.Close()
		return
	}
	c := &client{id: id, conn: conn, peer: r.RemoteAddr, queue: q}

	e.mu.Lock()
	ctx, d := e.runCtx, e.dispatch
	if e.stopping || ctx.Err() != nil {
		e.mu.Unlock()
		q.Close()
		_ = conn.Close()
		return
	}
	e.clients[id] = c
	n := len(e.clients)
	e.wg.Add(2)
	e.mu.Unlock()

	e.state.SetConnections(n)
	e.metrics.SetConnections(e.cfg.Name, n)
	e.logger.Info("Client connected", "conn", id.String(), "peer", c.peer)

	go e.readLoop(c, d)
	go e.writeLoop(ctx, c)
}

func (e *Endpoint) readLoop(c *client, d endpoint.Dispatcher) {
	defer e.wg.Done()
	defer e.removeClient(c, "read")

	framer := nmea.NewFramer(e.cfg.MaxLineLength)
	emit := func(line nmea.Message) {
		e.state.Received()
		e.metrics.Received(e.cfg.Name, line.Type())
		d.Dispatch(e.cfg.Name, line)
		if e.filter.AllowsMessage(line) {
			e.broadcast(c, line)
		} else {
			e.metrics.Filtered(e.cfg.Name)
		}
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if msgType != websocket.TextMessage {
			continue
		}

		for _, b := range data {
			line, ok, err := framer.Feed(b)
			if err != nil {
				e.state.Error()
				e.metrics.Error(e.cfg.Name, errors.Classify(err).String())
				return
			}
			if ok {
				emit(line)
			}
		}
		// one frame carries whole sentences
		framer.End(emit)
	}
}

func (e *Endpoint) writeLoop(ctx context.Context, c *client) {
	defer e.wg.Done()
	defer e.removeClient(c, "write")

	lastPing := time.Now()
	for {
		if c.closed.Load() {
			return
		}

		msg, ok := c.queue.PopWait(ctx, queueWait)
		if ctx.Err() != nil {
			return
		}

		if ok {
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg.Bytes()); err != nil {
				return
			}
			e.state.Sent()
			e.metrics.Sent(e.cfg.Name)
		}

		if time.Since(lastPing) >= pingInterval {
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			lastPing = time.Now()
		}
	}
}

func (e *Endpoint) removeClient(c *client, reason string) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}

	e.mu.Lock()
	delete(e.clients, c.id)
	e.state.AddDropped(c.queue.Drops())
	n := len(e.clients)
	e.mu.Unlock()

	_ = c.conn.Close()
	c.queue.Close()

	e.state.SetConnections(n)
	e.metrics.SetConnections(e.cfg.Name, n)
	e.logger.Info("Client disconnected", "conn", c.id.String(), "peer", c.peer, "reason", reason)
}

func (e *Endpoint) closeAll() {
	e.mu.RLock()
	clients := make([]*client, 0, len(e.clients))
	for _, c := range e.clients {
		clients = append(clients, c)
	}
	e.mu.RUnlock()

	for _, c := range clients {
		e.removeClient(c, "shutdown")
	}
}
