// Package config loads the router configuration file.
//
// The file is JSON (the historical format) or YAML, chosen by extension. It is
// checked against an embedded JSON Schema, decoded, overridden from
// NMEAROUTER_* environment variables and validated. The result is immutable:
// the router resolves it into endpoint configurations once at startup.
package config

import (
	_ "embed"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/markmerz/nmea0183-repeater-raspberry/endpoint"
	"github.com/markmerz/nmea0183-repeater-raspberry/errors"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "NMEAROUTER_"

	// DefaultDeviceGlob matches USB serial adapters.
	DefaultDeviceGlob = "/dev/ttyUSB*"

	// DefaultFileName is looked up next to the executable.
	DefaultFileName = "config.json"
)

//go:embed schema.json
var schemaJSON []byte

var schemaLoader = gojsonschema.NewBytesLoader(schemaJSON)

// Flag is a textual boolean. "yes" and "true" in any case enable it.
type Flag string

// Enabled reports whether the flag is set.
func (f Flag) Enabled() bool {
	switch strings.ToLower(strings.TrimSpace(string(f))) {
	case "yes", "true":
		return true
	default:
		return false
	}
}

// UnmarshalJSON accepts a string or a boolean.
func (f *Flag) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch v := v.(type) {
	case string:
		*f = Flag(v)
	case bool:
		*f = Flag(strconv.FormatBool(v))
	case nil:
		*f = ""
	default:
		return fmt.Errorf("flag must be a string or boolean, got %T", v)
	}
	return nil
}

// Config is the parsed configuration file.
type Config struct {
	Debug          Flag    `json:"DEBUG,omitempty"`
	DeviceGlob     string  `json:"device_glob,omitempty"`
	MetricsPort    int     `json:"metrics_port,omitempty"`
	Configurations []Entry `json:"configurations"`
}

// Entry is one element of the configurations list. Serial entries carry
// port_device_prefix (matched against the udev path of discovered devices)
// or port_device (opened directly); network entries carry network_type.
type Entry struct {
	Name string `json:"name"`

	PortDevicePrefix string `json:"port_device_prefix,omitempty"`
	PortDevice       string `json:"port_device,omitempty"`
	PortSpeed        int    `json:"port_speed,omitempty"`

	NetworkType   string   `json:"network_type,omitempty"`
	NetworkPort   int      `json:"network_port,omitempty"`
	NetworkBind   string   `json:"network_bind,omitempty"`
	UDPTargets    []string `json:"udp_targets,omitempty"`
	WebSocketPath string   `json:"websocket_path,omitempty"`

	NATSURL       string `json:"nats_url,omitempty"`
	NATSSubject   string `json:"nats_subject,omitempty"`
	NATSSubscribe string `json:"nats_subscribe,omitempty"`

	AcceptMessages []string `json:"accept_messages,omitempty"`
	DenyMessages   []string `json:"deny_messages,omitempty"`

	MaxLineLength int `json:"max_line_length,omitempty"`
}

// IsSerial reports whether the entry describes a serial port.
func (e Entry) IsSerial() bool {
	return e.PortDevicePrefix != "" || e.PortDevice != ""
}

// DefaultPath returns config.json in the directory of the running executable.
func DefaultPath() string {
	exe, err := os.Executable()
	if err != nil {
		return DefaultFileName
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Join(filepath.Dir(exe), DefaultFileName)
}

// Load reads, validates and returns the configuration at path with
// environment overrides applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WrapFatal(fmt.Errorf("%w: %s", errors.ErrMissingConfig, path), "Config", "Load", "read file")
		}
		return nil, errors.WrapFatal(err, "Config", "Load", "read file")
	}

	cfg, err := Parse(data, FormatForPath(path))
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Format is a configuration file encoding.
type Format int

const (
	FormatJSON Format = iota
	FormatYAML
)

// FormatForPath picks YAML for .yaml and .yml files and JSON otherwise.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Parse decodes data and checks it against the schema. It does not apply
// environment overrides or semantic validation.
func Parse(data []byte, format Format) (*Config, error) {
	if format == FormatYAML {
		converted, err := yamlToJSON(data)
		if err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "Config", "Parse", "decode YAML")
		}
		data = converted
	}

	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "Config", "Parse", "decode JSON")
	}
	if !result.Valid() {
		problems := make([]error, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, fmt.Errorf("%s: %s", desc.Field(), desc.Description()))
		}
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrInvalidConfig, stderrors.Join(problems...)),
			"Config", "Parse", "schema validation")
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "Config", "Parse", "decode JSON")
	}
	return &cfg, nil
}

func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return json.Marshal(raw)
}

// ApplyEnv overrides settings from NMEAROUTER_DEBUG, NMEAROUTER_DEVICE_GLOB
// and NMEAROUTER_METRICS_PORT.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvPrefix + "DEBUG"); ok {
		c.Debug = Flag(v)
	}
	if v, ok := lookup(EnvPrefix + "DEVICE_GLOB"); ok && v != "" {
		c.DeviceGlob = v
	}
	if v, ok := lookup(EnvPrefix + "METRICS_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.WrapInvalid(fmt.Errorf("%w: %s%s=%q", errors.ErrInvalidConfig, EnvPrefix, "METRICS_PORT", v),
				"Config", "ApplyEnv", "parse metrics port")
		}
		c.MetricsPort = port
	}
	return nil
}

// DebugEnabled reports whether DEBUG is "yes" or "true".
func (c *Config) DebugEnabled() bool {
	return c.Debug.Enabled()
}

// Glob returns the device glob used for discovery.
func (c *Config) Glob() string {
	if c.DeviceGlob == "" {
		return DefaultDeviceGlob
	}
	return c.DeviceGlob
}

// SerialEntries returns the serial entries in file order.
func (c *Config) SerialEntries() []Entry {
	var out []Entry
	for _, e := range c.Configurations {
		if e.IsSerial() {
			out = append(out, e)
		}
	}
	return out
}

// NetworkEndpoints resolves every network entry into an endpoint configuration.
func (c *Config) NetworkEndpoints() []endpoint.Config {
	var out []endpoint.Config
	for _, e := range c.Configurations {
		if e.NetworkType != "" {
			out = append(out, e.EndpointConfig(""))
		}
	}
	return out
}

// EndpointConfig resolves the entry. For serial entries device is the path
// to open; it is ignored for network entries.
func (e Entry) EndpointConfig(device string) endpoint.Config {
	cfg := endpoint.Config{
		Name:          e.Name,
		Accept:        cloneCodes(e.AcceptMessages),
		Deny:          cloneCodes(e.DenyMessages),
		MaxLineLength: e.MaxLineLength,
	}

	if e.IsSerial() {
		cfg.Medium = endpoint.MediumSerial
		cfg.Device = device
		if cfg.Device == "" {
			cfg.Device = e.PortDevice
		}
		cfg.Baud = e.PortSpeed
		return cfg
	}

	cfg.Medium = endpoint.Medium(e.NetworkType)
	cfg.Bind = e.NetworkBind
	cfg.Port = e.NetworkPort
	cfg.UDPTargets = append([]string(nil), e.UDPTargets...)
	cfg.WebSocketPath = e.WebSocketPath
	cfg.NATSURL = e.NATSURL
	cfg.NATSSubject = e.NATSSubject
	cfg.NATSSubscribe = e.NATSSubscribe
	return cfg
}

// cloneCodes keeps the nil/empty distinction: nil means the set is unset.
func cloneCodes(codes []string) []string {
	if codes == nil {
		return nil
	}
	return append(make([]string, 0, len(codes)), codes...)
}
