package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/ssm2-logger/internal/ecu"
	"github.com/shaunagostinho/ssm2-logger/internal/ssm2"
)

// DefaultConfigPath is where the binary looks when -config is not given.
const DefaultConfigPath = "/etc/ssm2-logger/config.yaml"

// Config holds all logger configuration.
type Config struct {
	// Serial link and session tuning
	ECU ECUConfig `yaml:"ecu" json:"ecu"`

	// Ordered poll list; position is the byte offset in each reply
	Layout ecu.Layout `yaml:"layout" json:"layout"`

	// Logging
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Ops HTTP
	Server ServerConfig `yaml:"server" json:"server"`

	path string
}

type ECUConfig struct {
	Type            string `yaml:"type" json:"type"`          // "ssm2" or "demo"
	PortPath        string `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyUSB0
	BaudRate        int    `yaml:"baud_rate" json:"baudRate"`
	Destination     uint8  `yaml:"destination" json:"destination"` // 0x10 engine ECU
	Source          uint8  `yaml:"source" json:"source"`           // 0xF0 diagnostic tool
	InitTimeoutMs   int    `yaml:"init_timeout_ms" json:"initTimeoutMs"`
	PollTimeoutMs   int    `yaml:"poll_timeout_ms" json:"pollTimeoutMs"`
	RetryDelayMs    int    `yaml:"retry_delay_ms" json:"retryDelayMs"`
	MaxInitAttempts uint   `yaml:"max_init_attempts" json:"maxInitAttempts"` // 0 retries forever
	MaxPollFailures int    `yaml:"max_poll_failures" json:"maxPollFailures"` // consecutive, before re-handshake
}

type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	Format   string `yaml:"format" json:"format"` // "text" or "json"
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Interval int    `yaml:"interval_ms" json:"intervalMs"` // ms between recorded readings
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ECU: ECUConfig{
			Type:            "ssm2",
			PortPath:        "/dev/ttyUSB0",
			BaudRate:        ssm2.DefaultBaudRate,
			Destination:     ssm2.DefaultDestination,
			Source:          ssm2.DefaultSource,
			InitTimeoutMs:   int(ssm2.DefaultTimeout / time.Millisecond),
			PollTimeoutMs:   int(ssm2.DefaultSteadyTimeout / time.Millisecond),
			RetryDelayMs:    int(ssm2.DefaultRetryDelay / time.Millisecond),
			MaxInitAttempts: 0,
			MaxPollFailures: 10,
		},
		Layout: ecu.DefaultLayout(),
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "text",
			Enabled:  true,
			Interval: 1000,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string, log logrus.FieldLogger) *Config {
	log = log.WithField("component", "config")
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Infof("no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.WithError(err).Warnf("error parsing %s, using defaults", path)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Infof("loaded from %s", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep, log)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string, log logrus.FieldLogger) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Debugf("loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: ECU_TYPE, ECU_PORT, ECU_BAUD, ECU_RETRY_DELAY_MS,
// ECU_MAX_INIT_ATTEMPTS, LOG_LEVEL, LOG_FORMAT, LOG_ENABLED, LOG_INTERVAL_MS,
// LISTEN_ADDR
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ECU_TYPE"); v != "" {
		c.ECU.Type = v
	}
	if v := os.Getenv("ECU_PORT"); v != "" {
		c.ECU.PortPath = v
	}
	if v := os.Getenv("ECU_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ECU.BaudRate = n
		}
	}
	if v := os.Getenv("ECU_RETRY_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ECU.RetryDelayMs = n
		}
	}
	if v := os.Getenv("ECU_MAX_INIT_ATTEMPTS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 0); err == nil {
			c.ECU.MaxInitAttempts = uint(n)
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	// Logging
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("LOG_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Logging.Interval = n
		}
	}
}

// Validate rejects configs the orchestrator cannot run with.
func (c *Config) Validate() error {
	switch c.ECU.Type {
	case "ssm2", "demo":
	default:
		return fmt.Errorf("config: ecu.type %q, want ssm2 or demo", c.ECU.Type)
	}
	if c.ECU.Type == "ssm2" && c.ECU.PortPath == "" {
		return fmt.Errorf("config: ecu.port_path is required")
	}
	if c.ECU.BaudRate <= 0 {
		return fmt.Errorf("config: ecu.baud_rate %d", c.ECU.BaudRate)
	}
	if c.ECU.InitTimeoutMs <= 0 || c.ECU.PollTimeoutMs <= 0 || c.ECU.RetryDelayMs < 0 {
		return fmt.Errorf("config: ecu timeouts must be positive")
	}
	if c.ECU.MaxPollFailures <= 0 {
		return fmt.Errorf("config: ecu.max_poll_failures %d", c.ECU.MaxPollFailures)
	}
	if err := c.Layout.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// HandshakeOptions maps the ecu section onto the handshake retry policy.
func (c *Config) HandshakeOptions() ssm2.HandshakeOptions {
	return ssm2.HandshakeOptions{
		RetryDelay:    ms(c.ECU.RetryDelayMs),
		MaxAttempts:   c.ECU.MaxInitAttempts,
		Timeout:       ms(c.ECU.InitTimeoutMs),
		SteadyTimeout: ms(c.ECU.PollTimeoutMs),
	}
}

// Path is the file the config was loaded from.
func (c *Config) Path() string { return c.path }

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	return json.Marshal(c)
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
