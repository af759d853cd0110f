package main

import (
	"fmt"

	"github.com/markmerz/nmea0183-repeater-raspberry/endpoint"
	"github.com/markmerz/nmea0183-repeater-raspberry/endpoint/natsbridge"
	"github.com/markmerz/nmea0183-repeater-raspberry/endpoint/serial"
	"github.com/markmerz/nmea0183-repeater-raspberry/endpoint/tcp"
	"github.com/markmerz/nmea0183-repeater-raspberry/endpoint/udp"
	"github.com/markmerz/nmea0183-repeater-raspberry/endpoint/websocket"
	"github.com/markmerz/nmea0183-repeater-raspberry/errors"
)

// buildEndpoints creates one runtime endpoint per resolved configuration.
func buildEndpoints(cfgs []endpoint.Config, deps endpoint.Deps) ([]endpoint.Endpoint, error) {
	eps := make([]endpoint.Endpoint, 0, len(cfgs))
	for _, cfg := range cfgs {
		ep, err := buildEndpoint(cfg, deps)
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", cfg.Name, err)
		}
		eps = append(eps, ep)
	}
	return eps, nil
}

func buildEndpoint(cfg endpoint.Config, deps endpoint.Deps) (endpoint.Endpoint, error) {
	switch cfg.Medium {
	case endpoint.MediumSerial:
		return serial.New(cfg, deps)
	case endpoint.MediumTCPServer:
		return tcp.New(cfg, deps), nil
	case endpoint.MediumUDP:
		return udp.New(cfg, deps)
	case endpoint.MediumWebSocket:
		return websocket.New(cfg, deps), nil
	case endpoint.MediumNATS:
		return natsbridge.New(cfg, deps)
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("%w: unknown medium %q", errors.ErrInvalidConfig, cfg.Medium),
			"main", "buildEndpoint", "create endpoint")
	}
}
