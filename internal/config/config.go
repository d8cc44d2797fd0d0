// Package config manages device daemon configuration using koanf/v2.
//
// Layering, lowest to highest precedence: built-in defaults, the
// system config file (/etc/rts2/rts2.yaml), the user config file
// (~/.rts2/rts2.yaml), an explicit --config file, RTS2_ environment
// variables, command-line flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete device daemon configuration.
type Config struct {
	Device     DeviceConfig  `koanf:"device"`
	Server     ServerConfig  `koanf:"server"`
	Metrics    MetricsConfig `koanf:"metrics"`
	Log        LogConfig     `koanf:"log"`
	Simulation bool          `koanf:"simulation"`
	Disable    bool          `koanf:"disable"`
}

// DeviceConfig holds the device's own identity and listener settings.
type DeviceConfig struct {
	// Name is the device name registered with centrald (e.g., "W0").
	Name string `koanf:"name"`

	// Port is the TCP listen port; 0 asks the kernel for a free port.
	Port int `koanf:"port"`

	// ConnTimeout is the per-connection idle timeout.
	ConnTimeout time.Duration `koanf:"conn_timeout"`
}

// ServerConfig locates centrald.
type ServerConfig struct {
	// Host is the centrald hostname; empty runs the device standalone.
	Host string `koanf:"host"`

	// Port is the centrald TCP port.
	Port int `koanf:"port"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint
	// (e.g., ":9100"). Empty disables the endpoint.
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
	// File redirects log output; empty logs to stderr.
	File string `koanf:"file"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
// The idle timeout default of 300 s matches the protocol's keepalive
// scheme: probes go out after a quarter of it, the stale sweep closes
// at twice.
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Port:        0,
			ConnTimeout: 300 * time.Second,
		},
		Server: ServerConfig{
			Host: "localhost",
			Port: 617,
		},
		Metrics: MetricsConfig{
			Addr: "",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for device daemon
// configuration. Variables are named RTS2_<section>_<key>, e.g.,
// RTS2_SERVER_HOST.
const envPrefix = "RTS2_"

// SystemConfigPath is the observatory-wide configuration file.
const SystemConfigPath = "/etc/rts2/rts2.yaml"

// UserConfigRelPath is the per-user configuration file, relative to
// the home directory.
const UserConfigRelPath = ".rts2/rts2.yaml"

// LoadOptions controls which configuration layers apply.
type LoadOptions struct {
	// DefaultDeviceName seeds device.name in the defaults layer, so
	// config files and flags can still override it.
	DefaultDeviceName string

	// Path is an explicit configuration file; missing is an error.
	Path string

	// NoSystemConfig skips /etc/rts2/rts2.yaml.
	NoSystemConfig bool

	// NoUserConfig skips ~/.rts2/rts2.yaml.
	NoUserConfig bool

	// FlagOverrides is the highest-precedence layer, keyed by koanf
	// path ("device.name", "server.port", ...). Only flags the user
	// actually set belong here.
	FlagOverrides map[string]any
}

// Load builds the configuration by merging the layers in precedence
// order. The system and user files are optional; a file named by
// opts.Path must exist.
func Load(opts LoadOptions) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if opts.DefaultDeviceName != "" {
		defaults.Device.Name = opts.DefaultDeviceName
	}
	if err := k.Load(confmap.Provider(defaultMap(defaults), "."), nil); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if !opts.NoSystemConfig {
		if err := loadOptionalFile(k, SystemConfigPath); err != nil {
			return nil, err
		}
	}
	if !opts.NoUserConfig {
		if home, err := os.UserHomeDir(); err == nil {
			if err := loadOptionalFile(k, filepath.Join(home, UserConfigRelPath)); err != nil {
				return nil, err
			}
		}
	}
	if opts.Path != "" {
		if err := k.Load(file.Provider(opts.Path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", opts.Path, err)
		}
	}

	// RTS2_SERVER_HOST -> server.host (strip prefix, lowercase, _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	if len(opts.FlagOverrides) > 0 {
		if err := k.Load(confmap.Provider(opts.FlagOverrides, "."), nil); err != nil {
			return nil, fmt.Errorf("load flag overrides: %w", err)
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// loadOptionalFile merges a YAML file when it exists; a missing file
// is not an error.
func loadOptionalFile(k *koanf.Koanf, path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return fmt.Errorf("load config from %s: %w", path, err)
	}
	return nil
}

// envKeyMapper transforms RTS2_SERVER_HOST -> server.host.
// Strips the RTS2_ prefix, lowercases, and replaces _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// defaultMap flattens the default config into koanf paths.
func defaultMap(defaults *Config) map[string]any {
	return map[string]any{
		"device.name":         defaults.Device.Name,
		"device.port":         defaults.Device.Port,
		"device.conn_timeout": defaults.Device.ConnTimeout.String(),
		"server.host":         defaults.Server.Host,
		"server.port":         defaults.Server.Port,
		"metrics.addr":        defaults.Metrics.Addr,
		"metrics.path":        defaults.Metrics.Path,
		"log.level":           defaults.Log.Level,
		"log.format":          defaults.Log.Format,
		"log.file":            defaults.Log.File,
		"simulation":          defaults.Simulation,
		"disable":             defaults.Disable,
	}
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyDeviceName indicates no device name was configured.
	ErrEmptyDeviceName = errors.New("device.name must not be empty")

	// ErrInvalidPort indicates a port outside 0-65535.
	ErrInvalidPort = errors.New("port must be between 0 and 65535")

	// ErrInvalidConnTimeout indicates a non-positive idle timeout.
	ErrInvalidConnTimeout = errors.New("device.conn_timeout must be > 0")

	// ErrInvalidLogFormat indicates an unrecognized log format.
	ErrInvalidLogFormat = errors.New("log.format must be json or text")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Device.Name == "" {
		return ErrEmptyDeviceName
	}
	if cfg.Device.Port < 0 || cfg.Device.Port > 65535 {
		return fmt.Errorf("device.port %d: %w", cfg.Device.Port, ErrInvalidPort)
	}
	if cfg.Server.Host != "" && (cfg.Server.Port < 1 || cfg.Server.Port > 65535) {
		return fmt.Errorf("server.port %d: %w", cfg.Server.Port, ErrInvalidPort)
	}
	if cfg.Device.ConnTimeout <= 0 {
		return ErrInvalidConnTimeout
	}
	switch cfg.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format %q: %w", cfg.Log.Format, ErrInvalidLogFormat)
	}
	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
