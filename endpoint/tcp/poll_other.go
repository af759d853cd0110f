//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package tcp

import (
	"context"
	"runtime"

	"github.com/markmerz/nmea0183-repeater-raspberry/endpoint"
	"github.com/markmerz/nmea0183-repeater-raspberry/errors"
)

// Run fails on platforms without poll(2).
func (e *Endpoint) Run(_ context.Context, _ endpoint.Dispatcher) error {
	if err := e.state.Start(); err != nil {
		return err
	}
	err := errors.WrapFatal(errors.ErrUnsupportedPlatform, "tcp", "Run", "start on "+runtime.GOOS)
	e.state.Stop(err)
	return err
}

func (e *Endpoint) wakeLocked() {}
