package endpoint

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/markmerz/nmea0183-repeater-raspberry/pkg/buffer"
	"github.com/markmerz/nmea0183-repeater-raspberry/metric"
	"github.com/markmerz/nmea0183-repeater-raspberry/nmea"
)

// QueueCapacity is the fixed capacity of every outbound queue.
const QueueCapacity = 100

// Queue is the bounded outbound mailbox between the router and one consumer.
// When full, the newest sentence is dropped; in debug mode the drop is logged
// with a rate limit.
type Queue struct {
	name    string
	buf     buffer.Buffer[nmea.Message]
	logger  *slog.Logger
	metrics *metric.Metrics
	debug   bool

	limiter    *rate.Limiter
	suppressed atomic.Int64
	closed     atomic.Bool
}

// QueueOptions configures a Queue. Registry enables per-queue Prometheus
// metrics and must be nil for short-lived per-connection queues.
type QueueOptions struct {
	Logger   *slog.Logger
	Metrics  *metric.Metrics
	Registry *metric.MetricsRegistry
	Debug    bool
}

// NewQueue creates a drop-newest queue of QueueCapacity entries for the named endpoint.
func NewQueue(name string, opts QueueOptions) (*Queue, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "queue")
	}

	q := &Queue{
		name:    name,
		logger:  logger,
		metrics: opts.Metrics,
		debug:   opts.Debug,
		limiter: rate.NewLimiter(rate.Every(time.Second), 10),
	}

	buf, err := buffer.NewCircularBuffer[nmea.Message](QueueCapacity,
		buffer.WithOverflowPolicy[nmea.Message](buffer.DropNewest),
		buffer.WithDropCallback[nmea.Message](q.onDrop),
		buffer.WithMetrics[nmea.Message](opts.Registry, name),
	)
	if err != nil {
		return nil, err
	}
	q.buf = buf
	return q, nil
}

func (q *Queue) onDrop(msg nmea.Message) {
	if q.closed.Load() {
		return
	}
	q.metrics.Dropped(q.name)
	if !q.debug {
		return
	}
	if !q.limiter.Allow() {
		q.suppressed.Add(1)
		return
	}
	q.logger.Warn("Dropping message, outbound queue full",
		"target", q.name,
		"type", msg.Type(),
		"suppressed", q.suppressed.Swap(0))
}

// Push enqueues msg, dropping it if the queue is full. A closed queue
// silently discards.
func (q *Queue) Push(msg nmea.Message) {
	_ = q.buf.Write(msg)
}

// Pop returns the oldest queued sentence without waiting.
func (q *Queue) Pop() (nmea.Message, bool) {
	return q.buf.Read()
}

// PopWait waits up to timeout for a sentence.
func (q *Queue) PopWait(ctx context.Context, timeout time.Duration) (nmea.Message, bool) {
	return q.buf.ReadWait(ctx, timeout)
}

// Len returns the number of queued sentences.
func (q *Queue) Len() int {
	return q.buf.Size()
}

// Drops returns the number of sentences lost to overflow.
func (q *Queue) Drops() int64 {
	return q.buf.Stats().Drops()
}

// Close discards pending sentences and stops accepting new ones.
func (q *Queue) Close() {
	q.closed.Store(true)
	_ = q.buf.Close()
	q.buf.Clear()
}
