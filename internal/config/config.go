// Package config holds process configuration, including the default compute device
// that coercion targets when a caller does not choose one.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/23skdu/longbow-quiver/internal/device"
)

// EnvPrefix prefixes every environment override, e.g. QUIVER_DEVICE.
const EnvPrefix = "QUIVER_"

// Config is the process configuration. The zero value is not valid; start from Default.
type Config struct {
	Device        string
	ListenAddr    string
	FlightAddr    string
	RemoteAddr    string
	MaxConcurrent int
	EnableOTel    bool
	LogLevel      string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Device:        "cpu",
		ListenAddr:    ":8080",
		MaxConcurrent: 1 << 20,
		LogLevel:      "info",
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  30 * time.Second,
	}
}

// RegisterFlags binds the configuration fields to fs, using the current values as defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Device, "device", c.Device, "Default compute device (cpu, cuda:N, metal:N)")
	fs.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "Address to listen on for HTTP Server (empty disables)")
	fs.StringVar(&c.FlightAddr, "flight", c.FlightAddr, "Address to listen on for Flight Server (e.g. :9090)")
	fs.StringVar(&c.RemoteAddr, "remote", c.RemoteAddr, "Flight address of a quiver service that evaluates /loss/arrow batches (empty evaluates locally)")
	fs.IntVar(&c.MaxConcurrent, "max-concurrent", c.MaxConcurrent, "Maximum number of tensor elements processed concurrently")
	fs.BoolVar(&c.EnableOTel, "otel", c.EnableOTel, "Enable OpenTelemetry tracing (stdout)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error)")
	fs.DurationVar(&c.ReadTimeout, "read-timeout", c.ReadTimeout, "HTTP read timeout")
	fs.DurationVar(&c.WriteTimeout, "write-timeout", c.WriteTimeout, "HTTP write timeout")
}

// ApplyEnv overrides fields from QUIVER_* variables found by lookup.
// Pass os.LookupEnv in production.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	str("DEVICE", &c.Device)
	str("LISTEN", &c.ListenAddr)
	str("FLIGHT", &c.FlightAddr)
	str("REMOTE", &c.RemoteAddr)
	str("LOG_LEVEL", &c.LogLevel)

	if v, ok := lookup(EnvPrefix + "MAX_CONCURRENT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sMAX_CONCURRENT: %w", EnvPrefix, err)
		}
		c.MaxConcurrent = n
	}
	if v, ok := lookup(EnvPrefix + "OTEL"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sOTEL: %w", EnvPrefix, err)
		}
		c.EnableOTel = b
	}
	for name, dst := range map[string]*time.Duration{"READ_TIMEOUT": &c.ReadTimeout, "WRITE_TIMEOUT": &c.WriteTimeout} {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
			}
			*dst = d
		}
	}
	return nil
}

// Validate checks the configuration and returns the parsed default device.
func (c *Config) Validate() (device.Device, error) {
	dev, err := device.Parse(c.Device)
	if err != nil {
		return device.Device{}, fmt.Errorf("config device: %w", err)
	}
	if c.MaxConcurrent <= 0 {
		return device.Device{}, fmt.Errorf("config max-concurrent must be positive, got %d", c.MaxConcurrent)
	}
	if _, err := c.Level(); err != nil {
		return device.Device{}, err
	}
	return dev, nil
}

// Level returns the zerolog level for LogLevel.
func (c *Config) Level() (zerolog.Level, error) {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("config log-level: %w", err)
	}
	return lvl, nil
}
