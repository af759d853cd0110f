package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markmerz/nmea0183-repeater-raspberry/config"
	"github.com/markmerz/nmea0183-repeater-raspberry/endpoint"
	"github.com/markmerz/nmea0183-repeater-raspberry/errors"
	"github.com/markmerz/nmea0183-repeater-raspberry/metric"
)

func TestParseFlags_Defaults(t *testing.T) {
	t.Setenv("NMEAROUTER_CONFIG", "")
	cfg, err := parseFlags(nil, &bytes.Buffer{})
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, -1, cfg.MetricsPort)
	assert.Equal(t, "config.json", filepath.Base(cfg.ConfigPath))
	assert.NoError(t, validateFlags(cfg))
}

func TestParseFlags_Overrides(t *testing.T) {
	cfg, err := parseFlags([]string{"-c", "/etc/router.yaml", "--debug", "--metrics-port", "9100", "--log-format", "json"}, &bytes.Buffer{})
	require.NoError(t, err)

	assert.Equal(t, "/etc/router.yaml", cfg.ConfigPath)
	assert.True(t, cfg.Debug)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9100, cfg.MetricsPort)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestParseFlags_Env(t *testing.T) {
	t.Setenv("NMEAROUTER_CONFIG", "/srv/nmea.json")
	t.Setenv("NMEAROUTER_LOG_LEVEL", "warn")

	cfg, err := parseFlags(nil, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, "/srv/nmea.json", cfg.ConfigPath)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestParseFlags_Unknown(t *testing.T) {
	_, err := parseFlags([]string{"--bogus"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestValidateFlags(t *testing.T) {
	tests := []struct {
		name string
		cfg  CLIConfig
	}{
		{"log level", CLIConfig{LogLevel: "trace", LogFormat: "text", MetricsPort: -1}},
		{"log format", CLIConfig{LogLevel: "info", LogFormat: "xml", MetricsPort: -1}},
		{"metrics port", CLIConfig{LogLevel: "info", LogFormat: "text", MetricsPort: 70000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, validateFlags(&tt.cfg))
		})
	}

	assert.NoError(t, validateFlags(&CLIConfig{ShowVersion: true, LogLevel: "bogus"}))
}

func TestSetupLogger_LevelVar(t *testing.T) {
	var buf bytes.Buffer
	logger, level := setupLogger(&buf, "info", "text")

	logger.Debug("hidden")
	assert.NotContains(t, buf.String(), "hidden")

	level.Set(slog.LevelDebug)
	logger.Debug("shown")
	assert.Contains(t, buf.String(), "shown")
	assert.Contains(t, buf.String(), "service=nmearouter")
}

func TestBuildEndpoints(t *testing.T) {
	cfgs := []endpoint.Config{
		{Name: "gps", Medium: endpoint.MediumSerial, Device: "/dev/ttyUSB0", Baud: 4800},
		{Name: "wifi", Medium: endpoint.MediumTCPServer, Port: 10110},
		{Name: "bcast", Medium: endpoint.MediumUDP, Port: 10111},
		{Name: "web", Medium: endpoint.MediumWebSocket, Port: 8081},
		{Name: "cloud", Medium: endpoint.MediumNATS, NATSURL: "nats://localhost:4222", NATSSubject: "nmea"},
	}

	eps, err := buildEndpoints(cfgs, endpoint.Deps{Registry: metric.NewMetricsRegistry()})
	require.NoError(t, err)
	require.Len(t, eps, len(cfgs))
	for i, ep := range eps {
		assert.Equal(t, cfgs[i].Name, ep.Name())
		assert.Equal(t, cfgs[i].Medium, ep.Medium())
	}
}

func TestBuildEndpoints_UnknownMedium(t *testing.T) {
	_, err := buildEndpoints([]endpoint.Config{{Name: "x", Medium: "carrier_pigeon"}}, endpoint.Deps{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "endpoint x")
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run([]string{"--version"}, &out))
	assert.Contains(t, out.String(), "nmearouter version "+Version)
}

func TestRun_ValidateOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
  "configurations": [
    {"name": "wifi", "network_type": "tcp_server", "network_port": 10110}
  ]
}`), 0o600))

	var out bytes.Buffer
	require.NoError(t, run([]string{"--validate", "-c", path}, &out))
	assert.Contains(t, out.String(), "Configuration is valid")
}

func TestRun_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"configurations": [{"name": "x"}]}`), 0o600))

	err := run([]string{"--validate", "-c", path}, &bytes.Buffer{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestServe_NoEndpoints(t *testing.T) {
	cfg := &config.Config{DeviceGlob: filepath.Join(t.TempDir(), "ttyUSB*")}
	err := serve(context.Background(), cfg, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), false, 0)
	assert.NoError(t, err)
}

func TestServe_StopsOnCancel(t *testing.T) {
	cfg := &config.Config{
		DeviceGlob: filepath.Join(t.TempDir(), "ttyUSB*"),
		Configurations: []config.Entry{
			{Name: "bcast", NetworkType: "udp", NetworkBind: "127.0.0.1"},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, cfg, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), true, 0)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("serve did not return after cancellation")
	}
}
