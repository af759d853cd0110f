// Package router fans sentences out between endpoints.
//
// The endpoint list is fixed at construction and never changes, so Dispatch
// reads it without locking; each endpoint's own queue is the only
// synchronisation point between a producer and a consumer. Debug echo of
// routed sentences goes through a bounded channel drained by RunTap, so the
// dispatch path never waits on logging.
package router

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/markmerz/nmea0183-repeater-raspberry/endpoint"
	"github.com/markmerz/nmea0183-repeater-raspberry/errors"
	"github.com/markmerz/nmea0183-repeater-raspberry/health"
	"github.com/markmerz/nmea0183-repeater-raspberry/metric"
	"github.com/markmerz/nmea0183-repeater-raspberry/nmea"
)

// TapCapacity is the number of debug events buffered before new ones are dropped.
const TapCapacity = 1024

// Event is one routed sentence as seen by the debug tap.
type Event struct {
	Origin    string
	Type      string
	Sentence  string
	Direction string
	Time      time.Time
}

// Deps holds the router collaborators
type Deps struct {
	Logger   *slog.Logger
	Registry *metric.MetricsRegistry // nil disables metrics
	Debug    bool
}

// Router offers every dispatched sentence to all endpoints except its origin.
type Router struct {
	endpoints []endpoint.Endpoint
	logger    *slog.Logger
	metrics   *metric.Metrics
	debug     bool

	tap        chan Event
	tapDropped atomic.Int64
}

var (
	_ endpoint.Dispatcher   = (*Router)(nil)
	_ metric.StatusProvider = (*Router)(nil)
)

// New creates a router over endpoints. Endpoint names must be unique.
func New(endpoints []endpoint.Endpoint, deps Deps) (*Router, error) {
	seen := make(map[string]struct{}, len(endpoints))
	for _, ep := range endpoints {
		if _, dup := seen[ep.Name()]; dup {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: %s", errors.ErrDuplicateEndpoint, ep.Name()),
				"Router", "New", "register endpoints")
		}
		seen[ep.Name()] = struct{}{}
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "router")
	}

	r := &Router{
		endpoints: append([]endpoint.Endpoint(nil), endpoints...),
		logger:    logger,
		metrics:   deps.Registry.CoreMetrics(),
		debug:     deps.Debug,
	}
	if deps.Debug {
		r.tap = make(chan Event, TapCapacity)
	}
	return r, nil
}

// Endpoints returns the registered endpoints in registration order.
func (r *Router) Endpoints() []endpoint.Endpoint {
	return append([]endpoint.Endpoint(nil), r.endpoints...)
}

// Dispatch offers msg to every endpoint whose name differs from origin.
// It never blocks.
func (r *Router) Dispatch(origin string, msg nmea.Message) {
	for _, ep := range r.endpoints {
		if ep.Name() == origin {
			continue
		}
		ep.Send(msg)
	}
	r.metrics.Routed(origin)

	if r.tap == nil {
		return
	}
	select {
	case r.tap <- Event{Origin: origin, Type: msg.Type(), Sentence: msg.String(), Direction: "in", Time: time.Now()}:
	default:
		r.tapDropped.Add(1)
	}
}

// TapDropped returns how many debug events were discarded because the tap
// consumer fell behind.
func (r *Router) TapDropped() int64 {
	return r.tapDropped.Load()
}

// RunTap logs debug events until ctx is cancelled. It is a no-op unless the
// router was created in debug mode, and must have a single caller.
func (r *Router) RunTap(ctx context.Context) error {
	if r.tap == nil {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-r.tap:
			r.logger.Debug("FROM "+ev.Origin+": "+strings.TrimRight(ev.Sentence, "\r\n"),
				"origin", ev.Origin,
				"type", ev.Type,
				"direction", ev.Direction)
		}
	}
}

// Run starts every endpoint and waits for all of them to return. An endpoint
// that fails is logged and marked down; the others keep running. The
// returned error joins every endpoint failure.
func (r *Router) Run(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	for _, ep := range r.endpoints {
		wg.Add(1)
		go func(ep endpoint.Endpoint) {
			defer wg.Done()

			r.logger.Info("Starting endpoint", "endpoint", ep.Name(), "medium", ep.Medium())
			r.metrics.SetUp(ep.Name(), true)

			err := ep.Run(ctx, r)
			r.metrics.SetUp(ep.Name(), false)

			if err != nil {
				r.metrics.Error(ep.Name(), errors.Classify(err).String())
				r.logger.Error("Endpoint failed", "endpoint", ep.Name(), "medium", ep.Medium(), "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("endpoint %s: %w", ep.Name(), err))
				mu.Unlock()
				return
			}
			r.logger.Info("Endpoint stopped", "endpoint", ep.Name())
		}(ep)
	}

	wg.Wait()
	return stderrors.Join(errs...)
}

// EndpointStatuses returns the health of every endpoint in registration order.
func (r *Router) EndpointStatuses() []health.Status {
	statuses := make([]health.Status, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		statuses = append(statuses, ep.Health())
	}
	return statuses
}
