// Package config loads the mtpd daemon configuration from file,
// environment, and defaults, and parses the per-storage XML fragments
// under the fsstorage.d directory into storage root descriptions.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/go-mtp/mtpd/internal/bytesize"
)

// Config captures the static configuration of the mtpd responder.
//
// Dynamic state (object handles, PUOIDs, references) lives in the
// per-storage state directory and is never configured here.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (MTPD_*)
//  2. Configuration file (YAML or TOML)
//  3. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry distributed tracing
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// Metrics contains Prometheus metrics server configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Transport locates the FunctionFS gadget mount point and sizes the
	// bulk-out read buffer.
	Transport TransportConfig `mapstructure:"transport" yaml:"transport"`

	// StateDir is the directory holding per-storage persistence (PUOID
	// and object-reference databases). Each storage gets its own
	// subdirectory keyed by storage ID.
	StateDir string `mapstructure:"state_dir" validate:"required" yaml:"state_dir"`

	// StorageConfigDir is the fsstorage.d-style directory of <storage>
	// XML fragments describing the exported filesystem roots.
	StorageConfigDir string `mapstructure:"storage_config_dir" validate:"required" yaml:"storage_config_dir"`

	// DeviceInfoPath is the deviceinfo.xml file with static device
	// capabilities (supported op/event/property/format codes).
	DeviceInfoPath string `mapstructure:"device_info_path" validate:"required" yaml:"device_info_path"`

	// Collab configures the gRPC client to the platform collaborator
	// services (device-info probe, metadata indexer, thumbnailer).
	Collab CollabConfig `mapstructure:"collab" yaml:"collab"`

	// EventBusCapacity bounds the storage -> responder event channel.
	EventBusCapacity int `mapstructure:"event_bus_capacity" validate:"omitempty,gt=0" yaml:"event_bus_capacity"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format.
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written.
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry distributed tracing. When
// enabled, one span per MTP transaction is exported to an
// OTLP-compatible collector.
type TelemetryConfig struct {
	// Enabled controls whether distributed tracing is enabled.
	// Default: false (opt-in)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP collector endpoint (host:port).
	// Default: "localhost:4317"
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
// When Enabled is false, no metrics are collected.
type MetricsConfig struct {
	// Enabled controls whether metrics collection and the HTTP server
	// are enabled.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the metrics endpoint.
	// Default: 9090
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// TransportConfig locates the FunctionFS endpoints.
type TransportConfig struct {
	// MountPoint is the FunctionFS gadget mount directory containing
	// ep0..ep3. Default: /dev/functionfs/mtp
	MountPoint string `mapstructure:"mount_point" validate:"required" yaml:"mount_point"`

	// BulkPacketSize is the bulk-out read buffer size.
	// Supports human-readable formats: "64Ki", "128Ki"
	// Default: 64Ki
	BulkPacketSize bytesize.ByteSize `mapstructure:"bulk_packet_size" yaml:"bulk_packet_size,omitempty"`
}

// CollabConfig configures the platform collaborator gRPC client.
type CollabConfig struct {
	// Enabled controls whether the collaborator client is dialed at
	// startup. When false, platform overrides (friendly name, serial,
	// battery) are skipped and thumbnails are unavailable.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Target is the gRPC dial target, e.g.
	// "unix:///run/mtpd/platform.sock" or "localhost:7011".
	Target string `mapstructure:"target" yaml:"target"`
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: Path to config file (empty string uses the default
//     location under $XDG_CONFIG_HOME/mtpd)
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if configFileFound {
		if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages when the
// file is missing.
func MustLoad(configPath string) (*Config, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s", configPath)
		}
	}
	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes cfg to path in YAML, creating parent directories
// as needed.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ApplyDefaults sets default values for any unspecified configuration
// fields. Zero values are replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Transport.MountPoint == "" {
		cfg.Transport.MountPoint = "/dev/functionfs/mtp"
	}
	if cfg.Transport.BulkPacketSize == 0 {
		cfg.Transport.BulkPacketSize = 64 * bytesize.KiB
	}
	if cfg.StateDir == "" {
		cfg.StateDir = "/var/lib/mtpd"
	}
	if cfg.StorageConfigDir == "" {
		cfg.StorageConfigDir = "/etc/fsstorage.d"
	}
	if cfg.DeviceInfoPath == "" {
		cfg.DeviceInfoPath = "/etc/mtpd/deviceinfo.xml"
	}
	if cfg.Collab.Target == "" {
		cfg.Collab.Target = "unix:///run/mtpd/platform.sock"
	}
	if cfg.EventBusCapacity == 0 {
		cfg.EventBusCapacity = 512
	}
}

// Validate checks cfg against the struct's validate tags.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		var errs validator.ValidationErrors
		if ok := asValidationErrors(err, &errs); ok && len(errs) > 0 {
			first := errs[0]
			return fmt.Errorf("field %q failed %q validation", first.Namespace(), first.Tag())
		}
		return err
	}
	return nil
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	ve, ok := err.(validator.ValidationErrors)
	if ok {
		*target = ve
	}
	return ok
}

// setupViper configures environment variable support and config file
// search. Environment variables use the MTPD_ prefix with underscores,
// e.g. MTPD_LOGGING_LEVEL=DEBUG.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("MTPD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists, reporting
// whether one was found. A missing file is not an error; defaults
// apply.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks combines the custom decode hooks for ByteSize and
// time.Duration, so config files can say "64Ki" and "30s".
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory: XDG_CONFIG_HOME if
// set, otherwise ~/.config, falling back to the current directory.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "mtpd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "mtpd")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default
// location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}
