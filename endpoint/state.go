package endpoint

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/markmerz/nmea0183-repeater-raspberry/errors"
	"github.com/markmerz/nmea0183-repeater-raspberry/health"
)

// State tracks the run state and traffic counters of one endpoint and
// renders them as a health status.
type State struct {
	name   string
	medium Medium

	started atomic.Bool

	mu        sync.RWMutex
	running   bool
	startTime time.Time
	lastErr   error
	lastSeen  time.Time

	received    atomic.Int64
	sent        atomic.Int64
	connections atomic.Int64
	errCount    atomic.Int64
	dropped     atomic.Int64
}

// NewState creates the state tracker for an endpoint.
func NewState(name string, medium Medium) *State {
	return &State{name: name, medium: medium}
}

// Start marks the endpoint as running. It fails if Run was already called.
func (s *State) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, s.name, "Run", "start endpoint")
	}
	s.mu.Lock()
	s.running = true
	s.startTime = time.Now()
	s.mu.Unlock()
	return nil
}

// Stop marks the endpoint as stopped; a non-nil err marks it failed.
func (s *State) Stop(err error) {
	s.mu.Lock()
	s.running = false
	if err != nil {
		s.lastErr = err
	}
	s.mu.Unlock()
}

// Received counts an inbound sentence.
func (s *State) Received() {
	s.received.Add(1)
	s.touch()
}

// Sent counts an outbound sentence.
func (s *State) Sent() {
	s.sent.Add(1)
	s.touch()
}

// Error counts a non-fatal error.
func (s *State) Error() {
	s.errCount.Add(1)
}

// SetConnections records the current client count.
func (s *State) SetConnections(n int) {
	s.connections.Store(int64(n))
}

// AddDropped folds the drop count of a released queue into the endpoint total.
func (s *State) AddDropped(n int64) {
	s.dropped.Add(n)
}

// Dropped returns the drops of released queues.
func (s *State) Dropped() int64 {
	return s.dropped.Load()
}

// Connections returns the last recorded client count.
func (s *State) Connections() int {
	return int(s.connections.Load())
}

func (s *State) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// Health renders the endpoint status. A failed endpoint is unhealthy, one
// that has not started or has stopped cleanly is degraded.
func (s *State) Health(dropped int64) health.Status {
	s.mu.RLock()
	running := s.running
	lastErr := s.lastErr
	startTime := s.startTime
	lastSeen := s.lastSeen
	s.mu.RUnlock()

	var st health.Status
	switch {
	case lastErr != nil:
		st = health.NewUnhealthy(s.name, health.SanitizeError(lastErr))
	case running:
		st = health.NewHealthy(s.name, string(s.medium)+" running")
	case startTime.IsZero():
		st = health.NewDegraded(s.name, "not started")
	default:
		st = health.NewDegraded(s.name, "stopped")
	}

	var uptime time.Duration
	if running {
		uptime = time.Since(startTime)
	}

	return st.WithMetrics(&health.Metrics{
		Uptime:           uptime,
		ErrorCount:       int(s.errCount.Load()),
		MessagesReceived: s.received.Load(),
		MessagesSent:     s.sent.Load(),
		MessagesDropped:  dropped,
		Connections:      int(s.connections.Load()),
		LastActivity:     lastSeen,
	})
}
