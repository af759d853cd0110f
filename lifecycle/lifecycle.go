// Package lifecycle turns termination signals into a two-stage shutdown.
//
// The first SIGINT, SIGTERM or SIGHUP cancels the context returned by Start;
// every endpoint loop observes that within its own poll or read timeout and
// returns. A second signal while shutdown is in progress exits the process
// immediately with ForcedExitCode.
package lifecycle

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
)

// ForcedExitCode is the process exit status after a second signal.
const ForcedExitCode = 1

// Option configures a Controller
type Option func(*Controller)

// WithExit replaces os.Exit for the forced-exit path.
func WithExit(exit func(code int)) Option {
	return func(c *Controller) {
		c.exit = exit
	}
}

// WithSignals replaces the default set of termination signals. An empty set
// disables signal handling; Request still works.
func WithSignals(signals ...os.Signal) Option {
	return func(c *Controller) {
		c.signals = signals
	}
}

// Controller owns the process-wide shutdown state.
type Controller struct {
	logger  *slog.Logger
	exit    func(int)
	signals []os.Signal

	requested atomic.Bool
	forced    atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	sigCh  chan os.Signal
	done   chan struct{}
}

// NewController creates a controller listening for SIGINT, SIGTERM and SIGHUP.
func NewController(logger *slog.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = slog.Default().With("component", "lifecycle")
	}
	c := &Controller{
		logger:  logger,
		exit:    os.Exit,
		signals: []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start derives the run context from parent and begins watching signals.
// Call Stop when the process no longer needs signal handling.
func (c *Controller) Start(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancel = cancel
	c.sigCh = make(chan os.Signal, 2)
	c.done = make(chan struct{})
	// Notify with no signals would relay every signal
	if len(c.signals) > 0 {
		signal.Notify(c.sigCh, c.signals...)
	}

	go c.watch(c.sigCh, c.done)
	return ctx
}

func (c *Controller) watch(sigCh <-chan os.Signal, done <-chan struct{}) {
	for {
		select {
		case sig := <-sigCh:
			c.Request(sig.String())
		case <-done:
			return
		}
	}
}

// Request records one termination request. The first cancels the run
// context; any later one forces exit.
func (c *Controller) Request(reason string) {
	if c.requested.CompareAndSwap(false, true) {
		c.logger.Warn("Shutdown requested, a second signal forces exit", "reason", reason)
		c.mu.Lock()
		cancel := c.cancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return
	}

	if c.forced.CompareAndSwap(false, true) {
		c.logger.Error("Second shutdown request, forcing exit", "reason", reason, "exit_code", ForcedExitCode)
		c.exit(ForcedExitCode)
	}
}

// ShuttingDown reports whether a shutdown was requested.
func (c *Controller) ShuttingDown() bool {
	return c.requested.Load()
}

// Stop releases signal handling and cancels the run context.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sigCh != nil {
		signal.Stop(c.sigCh)
		close(c.done)
		c.sigCh = nil
	}
	if c.cancel != nil {
		c.cancel()
	}
}
