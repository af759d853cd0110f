package config

import (
	stderrors "errors"
	"fmt"

	"github.com/markmerz/nmea0183-repeater-raspberry/endpoint"
	"github.com/markmerz/nmea0183-repeater-raspberry/errors"
)

// Validate checks the rules the schema cannot express and reports every
// violation at once.
func (c *Config) Validate() error {
	var problems []error
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		add("metrics_port %d out of range", c.MetricsPort)
	}

	names := make(map[string]int, len(c.Configurations))
	for i, e := range c.Configurations {
		where := fmt.Sprintf("configurations[%d]", i)
		if e.Name == "" {
			add("%s: name is required", where)
		} else {
			where = fmt.Sprintf("%s (%s)", where, e.Name)
			if first, dup := names[e.Name]; dup {
				problems = append(problems, fmt.Errorf("%s: %w, first used by configurations[%d]",
					where, errors.ErrDuplicateEndpoint, first))
			} else {
				names[e.Name] = i
			}
		}

		for _, err := range e.validate() {
			problems = append(problems, fmt.Errorf("%s: %w", where, err))
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, stderrors.Join(problems...)),
		"Config", "Validate", "validate configuration")
}

func (e Entry) validate() []error {
	var problems []error
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	switch {
	case e.IsSerial() && e.NetworkType != "":
		add("serial and network settings are mutually exclusive")
		return problems
	case e.IsSerial():
		if e.PortDevicePrefix != "" && e.PortDevice != "" {
			add("port_device_prefix and port_device are mutually exclusive")
		}
		if e.PortSpeed <= 0 {
			add("port_speed is required for serial entries")
		}
	case e.NetworkType != "":
		problems = append(problems, e.validateNetwork()...)
	default:
		add("one of port_device_prefix, port_device or network_type is required")
	}

	for _, code := range e.AcceptMessages {
		if len(code) != 3 {
			add("accept_messages: %q is not a 3-character sentence type", code)
		}
	}
	for _, code := range e.DenyMessages {
		if len(code) != 3 {
			add("deny_messages: %q is not a 3-character sentence type", code)
		}
	}
	if e.MaxLineLength < 0 {
		add("max_line_length must not be negative")
	}
	return problems
}

func (e Entry) validateNetwork() []error {
	var problems []error
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	switch endpoint.Medium(e.NetworkType) {
	case endpoint.MediumTCPServer, endpoint.MediumUDP, endpoint.MediumWebSocket:
		if e.NetworkPort < 1 || e.NetworkPort > 65535 {
			add("network_port is required for %s and must be 1-65535", e.NetworkType)
		}
	case endpoint.MediumNATS:
		if e.NATSURL == "" {
			add("nats_url is required for nats")
		}
		if e.NATSSubject == "" {
			add("nats_subject is required for nats")
		}
	default:
		add("unknown network_type %q", e.NetworkType)
	}

	if len(e.UDPTargets) > 0 && e.NetworkType != string(endpoint.MediumUDP) {
		add("udp_targets only applies to udp")
	}
	if e.WebSocketPath != "" && e.NetworkType != string(endpoint.MediumWebSocket) {
		add("websocket_path only applies to websocket_server")
	}
	return problems
}
