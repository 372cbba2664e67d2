package config

import (
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Govee           GoveeConfig             `yaml:"govee"`
	Auth            AuthConfig              `yaml:"auth"`
	Database        DatabaseConfig          `yaml:"database"`
	Log             LogConfig               `yaml:"log"`
	Poller          PollerConfig            `yaml:"poller"`
	Dispatcher      DispatcherConfig        `yaml:"dispatcher"`
	Bulk            BulkConfig              `yaml:"bulk"`
	Intents         IntentsConfig           `yaml:"intents"`
	Segments        map[string][]SegmentDef `yaml:"segments"`         // SKU -> named segments, overrides built-ins
	MQTT            MQTTConfig              `yaml:"mqtt"`
	Influx          InfluxConfig            `yaml:"influx"`
	API             APIConfig               `yaml:"api"`
	Ledger          LedgerConfig            `yaml:"ledger"`
	Script          string                  `yaml:"script"`           // Optional Lua actions file
	ShutdownTimeout Duration                `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// GoveeConfig contains vendor gateway settings
type GoveeConfig struct {
	BaseURL      string   `yaml:"base_url"`
	APIKey       string   `yaml:"api_key"`
	Timeout      Duration `yaml:"timeout"`        // HTTP timeout per gateway call
	RateLimitRPS float64  `yaml:"rate_limit_rps"` // Outbound calls per second
}

// AuthConfig describes where the bearer token comes from.
// Either a static token, or a refresh endpoint that issues short-lived tokens.
type AuthConfig struct {
	Token        string `yaml:"token"`
	RefreshURL   string `yaml:"refresh_url"`
	RefreshToken string `yaml:"refresh_token"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level   string `yaml:"level"`
	Colors  bool   `yaml:"colors"`
	UseJSON bool   `yaml:"json"`
}

// PollerConfig contains state poller settings
type PollerConfig struct {
	Interval      Duration `yaml:"interval"`       // Group poll interval (default: 30s)
	ChildDelay    Duration `yaml:"child_delay"`    // Delay between lazy child fetches (default: 300ms)
	Concurrency   int      `yaml:"concurrency"`    // Max parallel group polls (default: 8)
	EagerChildren bool     `yaml:"eager_children"` // Load every group's children after the first cycle
}

// DispatcherConfig contains control dispatch settings
type DispatcherConfig struct {
	Debounce    Duration `yaml:"debounce"`     // Quiet window for sliders/pickers (default: 400ms)
	CallTimeout Duration `yaml:"call_timeout"` // Timeout for a single debounced vendor call
}

// BulkConfig contains bulk runner settings
type BulkConfig struct {
	Delay Duration `yaml:"delay"` // Delay between sequential calls (default: 200ms)
}

// IntentsConfig contains intent queue settings
type IntentsConfig struct {
	QueueSize int `yaml:"queue_size"`
	Workers   int `yaml:"workers"`
}

// SegmentDef names a group of raw segment indices on a device strip
type SegmentDef struct {
	Name    string `yaml:"name"`
	Indices []int  `yaml:"indices"`
}

// MQTTConfig contains optional MQTT bridge settings
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Prefix   string `yaml:"prefix"`
	QoS      int    `yaml:"qos"`
}

// InfluxConfig contains optional telemetry settings
type InfluxConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"` // seconds
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// LedgerConfig contains control ledger settings
type LedgerConfig struct {
	CleanupInterval Duration `yaml:"cleanup_interval"`
	RetentionDays   int      `yaml:"retention_days"`
}

// GetQueueSize returns queue size with default
func (c *IntentsConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 100
	}
	return c.QueueSize
}

// GetWorkers returns worker count with default.
// A single worker keeps intents in submission order.
func (c *IntentsConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 1
	}
	return c.Workers
}

// Retention returns the ledger retention as a duration
func (c *LedgerConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses configuration bytes and applies defaults
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./fleetd.sqlite"
	}

	// Gateway defaults
	if cfg.Govee.Timeout == 0 {
		cfg.Govee.Timeout = Duration(15 * time.Second)
	}
	if cfg.Govee.RateLimitRPS == 0 {
		cfg.Govee.RateLimitRPS = 10.0
	}

	// Poller defaults
	if cfg.Poller.Interval == 0 {
		cfg.Poller.Interval = Duration(30 * time.Second)
	}
	if cfg.Poller.ChildDelay == 0 {
		cfg.Poller.ChildDelay = Duration(300 * time.Millisecond)
	}
	if cfg.Poller.Concurrency <= 0 {
		cfg.Poller.Concurrency = 8
	}

	// Dispatcher defaults
	if cfg.Dispatcher.Debounce == 0 {
		cfg.Dispatcher.Debounce = Duration(400 * time.Millisecond)
	}
	if cfg.Dispatcher.CallTimeout == 0 {
		cfg.Dispatcher.CallTimeout = Duration(10 * time.Second)
	}

	if cfg.Bulk.Delay == 0 {
		cfg.Bulk.Delay = Duration(200 * time.Millisecond)
	}

	// MQTT defaults
	if cfg.MQTT.Port == 0 {
		cfg.MQTT.Port = 1883
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "fleetd"
	}
	if cfg.MQTT.Prefix == "" {
		cfg.MQTT.Prefix = "fleetd"
	}
	if cfg.MQTT.QoS == 0 {
		cfg.MQTT.QoS = 1
	}

	// API defaults
	if cfg.API.Port == 0 {
		cfg.API.Port = 8080
	}
	if cfg.API.Host == "" {
		cfg.API.Host = "0.0.0.0"
	}

	// Ledger defaults
	if cfg.Ledger.CleanupInterval == 0 {
		cfg.Ledger.CleanupInterval = Duration(24 * time.Hour)
	}
	if cfg.Ledger.RetentionDays == 0 {
		cfg.Ledger.RetentionDays = 30
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	// Match ${VAR} or ${VAR:default}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}

// ExpandEnvString expands a single string with environment variables
func ExpandEnvString(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return expandEnvVars(s)
	}
	return s
}
