package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/markmerz/nmea0183-repeater-raspberry/config"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath  string
	LogLevel    string
	LogFormat   string
	Debug       bool
	MetricsPort int // -1 keeps the configuration file value
	ShowVersion bool
	ShowHelp    bool
	Validate    bool
}

func parseFlags(args []string, output io.Writer) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(output)

	defaultConfig := getEnv("NMEAROUTER_CONFIG", config.DefaultPath())
	fs.StringVar(&cfg.ConfigPath, "config", defaultConfig,
		"Path to configuration file, JSON or YAML (env: NMEAROUTER_CONFIG)")
	fs.StringVar(&cfg.ConfigPath, "c", defaultConfig,
		"Path to configuration file, JSON or YAML (env: NMEAROUTER_CONFIG)")

	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("NMEAROUTER_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: NMEAROUTER_LOG_LEVEL)")

	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("NMEAROUTER_LOG_FORMAT", "text"),
		"Log format: json, text (env: NMEAROUTER_LOG_FORMAT)")

	fs.BoolVar(&cfg.Debug, "debug", false,
		"Enable debug mode: echo routed sentences and log queue drops")

	fs.IntVar(&cfg.MetricsPort, "metrics-port", -1,
		"Admin server port, 0 to disable, -1 to use the configuration file")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() {
		printDetailedHelp(fs, output)
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	if cfg.ShowHelp {
		fs.Usage()
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	validFormats := []string{"json", "text"}
	if !contains(validFormats, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	if cfg.MetricsPort < -1 || cfg.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.MetricsPort)
	}

	return nil
}

func printDetailedHelp(fs *flag.FlagSet, w io.Writer) {
	_, _ = fmt.Fprintf(w, `%s - NMEA 0183 router for serial ports and network clients

Usage: %s [options]

Options:
`, appName, appName)
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(w, `
Environment:
  NMEAROUTER_DEBUG         "yes" or "true" enables debug mode
  NMEAROUTER_DEVICE_GLOB   serial devices to scan (default %s)
  NMEAROUTER_METRICS_PORT  admin server port

Examples:
  # Run with a configuration next to the binary
  %s

  # Run with a YAML configuration and debug echo
  %s --config=/etc/nmearouter.yaml --debug

  # Validate configuration only
  %s --validate

Signals:
  SIGINT, SIGTERM or SIGHUP stops gracefully; a second one forces exit.

Version: %s
Build: %s
`, config.DefaultDeviceGlob, appName, appName, appName, Version, BuildTime)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
