package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattmgr/internal/device"
	"gopkg.in/yaml.v3"
)

// Config holds the GATT client configuration. It is supplied once at construction
// and never mutated afterwards.
type Config struct {
	// Service used for scan filtering and as the default service for reads/writes
	TargetServiceID string `yaml:"target_service_id"`
	// Characteristic subscribed to after the link becomes ready
	NotifyCharacteristicID      string `yaml:"notify_characteristic_id"`
	EnableNotificationOnConnect bool   `yaml:"enable_notification_on_connect"`

	ScanTimeout time.Duration `yaml:"scan_timeout"` // 0 = unbounded
	// Zero is not a valid setting for the durations below: a zero value,
	// explicit or omitted, takes the default. Use a small positive value instead.
	ConnectionTimeout  time.Duration `yaml:"connection_timeout" default:"10s"`
	DiscoveryDelay     time.Duration `yaml:"discovery_delay" default:"500ms"`
	OperationTimeout   time.Duration `yaml:"operation_timeout" default:"5s"`
	AutoReconnect      bool          `yaml:"auto_reconnect"`
	ScanAggressiveness string        `yaml:"scan_aggressiveness" default:"balanced"`

	NotificationBuffer int `yaml:"notification_buffer" default:"64"`
	StateBuffer        int `yaml:"state_buffer" default:"16"`

	LogLevel string `yaml:"log_level" default:"info"`
	Debug    bool   `yaml:"debug"`
}

// Default returns a configuration with every default applied
func Default() Config {
	var cfg Config
	defaults.SetDefaults(&cfg)
	return cfg
}

// WithDefaults fills zero-valued fields with their defaults.
func (c Config) WithDefaults() Config {
	defaults.SetDefaults(&c)
	return c
}

// Load reads a YAML config file, applies defaults and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse yaml: %w", err)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error

	if err := validateUUID("target_service_id", c.TargetServiceID); err != nil {
		errs = append(errs, err)
	}
	if err := validateUUID("notify_characteristic_id", c.NotifyCharacteristicID); err != nil {
		errs = append(errs, err)
	}
	if c.EnableNotificationOnConnect && c.NotifyCharacteristicID == "" {
		errs = append(errs, errors.New("enable_notification_on_connect requires notify_characteristic_id"))
	}

	for name, d := range map[string]time.Duration{
		"scan_timeout":       c.ScanTimeout,
		"connection_timeout": c.ConnectionTimeout,
		"discovery_delay":    c.DiscoveryDelay,
		"operation_timeout":  c.OperationTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", name, d))
		}
	}

	if _, err := device.ParseScanMode(c.ScanAggressiveness); err != nil {
		errs = append(errs, fmt.Errorf("scan_aggressiveness: %w", err))
	}
	if c.NotificationBuffer <= 0 {
		errs = append(errs, fmt.Errorf("notification_buffer must be positive, got %d", c.NotificationBuffer))
	}
	if c.StateBuffer <= 0 {
		errs = append(errs, fmt.Errorf("state_buffer must be positive, got %d", c.StateBuffer))
	}
	if c.LogLevel != "" {
		if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
			errs = append(errs, fmt.Errorf("log_level: %w", err))
		}
	}

	return errors.Join(errs...)
}

// validateUUID accepts an empty value, 16/32-bit short forms and 128-bit UUIDs.
func validateUUID(field, value string) error {
	if value == "" {
		return nil
	}
	if n := device.NormalizeUUID(value); len(n) == 32 {
		if _, err := uuid.Parse(n); err != nil {
			return fmt.Errorf("%s: invalid 128-bit UUID %q: %w", field, value, err)
		}
		return nil
	}
	if _, err := device.ValidateUUID(value); err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	return nil
}

// ScanMode returns the parsed scan aggressiveness, falling back to balanced.
func (c Config) ScanMode() device.ScanMode {
	mode, _ := device.ParseScanMode(c.ScanAggressiveness)
	return mode
}

// ServiceFilters returns the scan service filter, empty when no target service is set.
func (c Config) ServiceFilters() []string {
	if c.TargetServiceID == "" {
		return nil
	}
	return []string{device.NormalizeUUID(c.TargetServiceID)}
}

// Level returns the effective log level. Debug forces DebugLevel.
func (c Config) Level() logrus.Level {
	if c.Debug {
		return logrus.DebugLevel
	}
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
