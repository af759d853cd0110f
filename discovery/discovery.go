// Package discovery maps serial adapters to configuration entries.
//
// Device nodes such as /dev/ttyUSB0 are numbered in enumeration order, which
// changes between boots. The udev path of a device, for example
//
//	/devices/pci0000:00/0000:00:14.0/usb3/3-3/3-3.4/3-3.4.3/ttyUSB1/tty/ttyUSB1
//
// is stable up to the adapter name and identifies the physical USB port, so
// entries are matched by port_device_prefix against that path.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/markmerz/nmea0183-repeater-raspberry/config"
	"github.com/markmerz/nmea0183-repeater-raspberry/endpoint"
	"github.com/markmerz/nmea0183-repeater-raspberry/errors"
)

// PathResolver resolves a device node to its udev path.
type PathResolver interface {
	Resolve(ctx context.Context, device string) (string, error)
}

// ResolverFunc adapts a function to PathResolver.
type ResolverFunc func(ctx context.Context, device string) (string, error)

// Resolve calls f(ctx, device).
func (f ResolverFunc) Resolve(ctx context.Context, device string) (string, error) {
	return f(ctx, device)
}

// UdevResolver runs `udevadm info -q path -n <device>`.
type UdevResolver struct {
	// Command defaults to "udevadm".
	Command string
}

// Resolve returns the udev path of device.
func (u UdevResolver) Resolve(ctx context.Context, device string) (string, error) {
	cmd := u.Command
	if cmd == "" {
		cmd = "udevadm"
	}
	out, err := exec.CommandContext(ctx, cmd, "info", "-q", "path", "-n", device).Output()
	if err != nil {
		return "", errors.WrapTransient(err, "UdevResolver", "Resolve", "query udev path of "+device)
	}
	return strings.TrimSpace(string(out)), nil
}

// Scanner matches discovered devices against serial configuration entries.
type Scanner struct {
	glob     string
	resolver PathResolver
	logger   *slog.Logger
}

// NewScanner creates a scanner over devices matching glob.
func NewScanner(glob string, resolver PathResolver, logger *slog.Logger) *Scanner {
	if glob == "" {
		glob = config.DefaultDeviceGlob
	}
	if resolver == nil {
		resolver = UdevResolver{}
	}
	if logger == nil {
		logger = slog.Default().With("component", "discovery")
	}
	return &Scanner{glob: glob, resolver: resolver, logger: logger}
}

// Scan resolves serial entries to endpoint configurations using a default logger.
func Scan(ctx context.Context, glob string, resolver PathResolver, entries []config.Entry) ([]endpoint.Config, error) {
	return NewScanner(glob, resolver, nil).Scan(ctx, entries)
}

// Scan resolves serial entries to endpoint configurations. Entries with
// port_device are used as is. Every device matching the glob is resolved and
// bound to the first unclaimed entry whose port_device_prefix prefixes its
// udev path; a device without such an entry is logged and ignored.
func (s *Scanner) Scan(ctx context.Context, entries []config.Entry) ([]endpoint.Config, error) {
	var (
		out      []endpoint.Config
		prefixed []config.Entry
	)
	for _, e := range entries {
		switch {
		case e.PortDevice != "":
			s.logger.Info("Using fixed serial device", "endpoint", e.Name, "device", e.PortDevice)
			out = append(out, e.EndpointConfig(e.PortDevice))
		case e.PortDevicePrefix != "":
			prefixed = append(prefixed, e)
		}
	}
	if len(prefixed) == 0 {
		return out, nil
	}

	devices, err := filepath.Glob(s.glob)
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "Scanner", "Scan", "glob "+s.glob)
	}

	claimed := make([]bool, len(prefixed))
	for _, device := range devices {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		udevPath, err := s.resolver.Resolve(ctx, device)
		if err != nil {
			s.logger.Warn("Cannot resolve device", "device", device, "error", err)
			continue
		}

		idx, taken := match(prefixed, claimed, udevPath)
		switch {
		case idx >= 0:
			claimed[idx] = true
			e := prefixed[idx]
			s.logger.Info("Matched serial device", "endpoint", e.Name, "device", device, "udev_path", udevPath)
			out = append(out, e.EndpointConfig(device))
		case taken:
			s.logger.Warn("Configuration already claimed by another device", "device", device, "udev_path", udevPath)
		default:
			s.logger.Warn("No configuration found for device", "device", device, "udev_path", udevPath,
				"error", errors.ErrNoDeviceMatch)
		}
	}

	for i, e := range prefixed {
		if !claimed[i] {
			s.logger.Info("No device present for configuration", "endpoint", e.Name, "prefix", e.PortDevicePrefix)
		}
	}
	return out, nil
}

// match returns the first unclaimed entry whose prefix matches udevPath, or
// -1 and whether some claimed entry matched.
func match(entries []config.Entry, claimed []bool, udevPath string) (int, bool) {
	taken := false
	for i, e := range entries {
		if !strings.HasPrefix(udevPath, e.PortDevicePrefix) {
			continue
		}
		if claimed[i] {
			taken = true
			continue
		}
		return i, taken
	}
	return -1, taken
}
