package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	BackendGoBLE = "goble"
	BackendBlueZ = "bluez"
)

// Config holds application configuration
type Config struct {
	LogLevel         string        `yaml:"log_level" default:"panic"`
	Backend          string        `yaml:"backend" default:"goble"`
	Adapter          string        `yaml:"adapter" default:"hci0"`
	StorePath        string        `yaml:"store_path"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout" default:"30s"`
	ScanAllDevices   bool          `yaml:"scan_all_devices"`
	SubscriberBuffer int           `yaml:"subscriber_buffer" default:"16"`
	OutputFormat     string        `yaml:"output_format" default:"table"`
	MQTT             MQTTConfig    `yaml:"mqtt"`
}

// MQTTConfig configures the optional telemetry sink. An empty Broker disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id" default:"blecsc"`
	TopicPrefix string `yaml:"topic_prefix" default:"blecsc"`
	QoS         byte   `yaml:"qos" default:"0"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML config file on top of the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks enumerated and bounded fields.
func (c *Config) Validate() error {
	var errs []error
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	switch c.Backend {
	case BackendGoBLE, BackendBlueZ:
	default:
		errs = append(errs, fmt.Errorf("backend: unknown backend %q (expected %s or %s)", c.Backend, BackendGoBLE, BackendBlueZ))
	}
	switch c.OutputFormat {
	case "table", "json":
	default:
		errs = append(errs, fmt.Errorf("output_format: unsupported format %q", c.OutputFormat))
	}
	if c.ConnectTimeout < 0 {
		errs = append(errs, errors.New("connect_timeout: must not be negative"))
	}
	if c.SubscriberBuffer <= 0 {
		errs = append(errs, errors.New("subscriber_buffer: must be > 0"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos: %d is not a valid QoS", c.MQTT.QoS))
	}
	return errors.Join(errs...)
}

// Level returns the parsed log level, PanicLevel if it does not parse.
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.PanicLevel
	}
	return lvl
}

// SettingsPath returns StorePath, or settings.yaml under the user config directory.
func (c *Config) SettingsPath() (string, error) {
	if c.StorePath != "" {
		return c.StorePath, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate user config dir: %w", err)
	}
	return filepath.Join(dir, "blecsc", "settings.yaml"), nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
