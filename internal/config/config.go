package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/pflag"

	"github.com/isapi-bridge/pkg/isapi"
	"github.com/isapi-bridge/pkg/logger"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "ISAPI_BRIDGE_"

var (
	// ErrInvalidConfig indicates a configuration that cannot be used
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Duration is a time.Duration written as "30s" in TOML
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// DeviceConfig locates and authenticates the device
type DeviceConfig struct {
	Host              string   `toml:"host"`
	Port              int      `toml:"port"`
	Secure            bool     `toml:"secure"`
	IgnoreInsecureTLS bool     `toml:"ignore_insecure_tls"`
	Username          string   `toml:"username"`
	Password          string   `toml:"password"`
	Timeout           Duration `toml:"timeout"`
}

// MonitorConfig tunes the alert stream
type MonitorConfig struct {
	ShortDelay  Duration `toml:"short_delay"`
	LongDelay   Duration `toml:"long_delay"`
	MaxShort    int      `toml:"max_short_retries"`
	QueueSize   int      `toml:"queue_size"`
	IdleTimeout Duration `toml:"idle_timeout"`
}

// BridgeConfig controls inventory publication
type BridgeConfig struct {
	Refresh   Duration `toml:"refresh"`
	Doorbells []string `toml:"doorbells"`
}

// MQTTConfig configures the MQTT sink; an empty broker disables it
type MQTTConfig struct {
	Broker      string `toml:"broker"`
	ClientID    string `toml:"client_id"`
	Username    string `toml:"username"`
	Password    string `toml:"password"`
	TopicPrefix string `toml:"topic_prefix"`
}

// NATSConfig configures the NATS sink; an empty URL disables it
type NATSConfig struct {
	URL           string `toml:"url"`
	SubjectPrefix string `toml:"subject_prefix"`
}

// MetricsConfig configures the Prometheus endpoint; an empty address disables it
type MetricsConfig struct {
	Listen string `toml:"listen"`
}

// LoggingConfig configures the process logger
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config holds application configuration
type Config struct {
	Device  DeviceConfig  `toml:"device"`
	Monitor MonitorConfig `toml:"monitor"`
	Bridge  BridgeConfig  `toml:"bridge"`
	MQTT    MQTTConfig    `toml:"mqtt"`
	NATS    NATSConfig    `toml:"nats"`
	Metrics MetricsConfig `toml:"metrics"`
	Logging LoggingConfig `toml:"logging"`
}

// Default returns the configuration used for unset values
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Timeout: Duration(isapi.DefaultTimeout),
		},
		Monitor: MonitorConfig{
			ShortDelay: Duration(isapi.DefaultShortDelay),
			LongDelay:  Duration(isapi.DefaultLongDelay),
			MaxShort:   isapi.DefaultMaxShortRetries,
			QueueSize:  isapi.DefaultQueueSize,
		},
		Bridge: BridgeConfig{
			Refresh: Duration(12 * time.Hour),
		},
		MQTT: MQTTConfig{
			ClientID:    "isapi-bridge",
			TopicPrefix: "isapi",
		},
		NATS: NATSConfig{
			SubjectPrefix: "isapi",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// binding ties one setting to its TOML key, environment variable and flag
type binding struct {
	key   string
	flag  string
	usage string
	field func(*Config) any
}

// EnvName returns the environment variable overriding the binding
func (b binding) EnvName() string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(b.key, ".", "_"))
}

var bindings = []binding{
	{"device.host", "host", "Device host name or address, optionally with :port", func(c *Config) any { return &c.Device.Host }},
	{"device.port", "port", "Device port (0 keeps the scheme default)", func(c *Config) any { return &c.Device.Port }},
	{"device.secure", "secure", "Use HTTPS", func(c *Config) any { return &c.Device.Secure }},
	{"device.ignore_insecure_tls", "ignore-insecure-tls", "Skip TLS certificate validation", func(c *Config) any { return &c.Device.IgnoreInsecureTLS }},
	{"device.username", "username", "Device user", func(c *Config) any { return &c.Device.Username }},
	{"device.password", "password", "Device password", func(c *Config) any { return &c.Device.Password }},
	{"device.timeout", "timeout", "Discovery request timeout", func(c *Config) any { return &c.Device.Timeout }},
	{"monitor.short_delay", "short-delay", "Reconnect delay after a suspected nonce expiry", func(c *Config) any { return &c.Monitor.ShortDelay }},
	{"monitor.long_delay", "long-delay", "Reconnect delay after other stream failures", func(c *Config) any { return &c.Monitor.LongDelay }},
	{"monitor.max_short_retries", "max-short-retries", "Consecutive short reconnects before using the long delay (0 = unlimited)", func(c *Config) any { return &c.Monitor.MaxShort }},
	{"monitor.queue_size", "queue-size", "Events buffered for slow consumers", func(c *Config) any { return &c.Monitor.QueueSize }},
	{"monitor.idle_timeout", "idle-timeout", "Reconnect when the stream is silent this long (0 = never)", func(c *Config) any { return &c.Monitor.IdleTimeout }},
	{"bridge.refresh", "refresh", "Inventory refresh interval", func(c *Config) any { return &c.Bridge.Refresh }},
	{"bridge.doorbells", "doorbells", "Channel names published as doorbells", func(c *Config) any { return &c.Bridge.Doorbells }},
	{"mqtt.broker", "mqtt-broker", "MQTT broker URL, e.g. tcp://localhost:1883", func(c *Config) any { return &c.MQTT.Broker }},
	{"mqtt.client_id", "mqtt-client-id", "MQTT client id", func(c *Config) any { return &c.MQTT.ClientID }},
	{"mqtt.username", "mqtt-username", "MQTT user", func(c *Config) any { return &c.MQTT.Username }},
	{"mqtt.password", "mqtt-password", "MQTT password", func(c *Config) any { return &c.MQTT.Password }},
	{"mqtt.topic_prefix", "mqtt-topic-prefix", "MQTT topic prefix", func(c *Config) any { return &c.MQTT.TopicPrefix }},
	{"nats.url", "nats-url", "NATS server URL", func(c *Config) any { return &c.NATS.URL }},
	{"nats.subject_prefix", "nats-subject-prefix", "NATS subject prefix", func(c *Config) any { return &c.NATS.SubjectPrefix }},
	{"metrics.listen", "metrics-listen", "Prometheus listen address, e.g. :9101", func(c *Config) any { return &c.Metrics.Listen }},
	{"logging.level", "log-level", "Log level (error, warn, info, debug)", func(c *Config) any { return &c.Logging.Level }},
	{"logging.format", "log-format", "Log format (text, json)", func(c *Config) any { return &c.Logging.Format }},
}

// RegisterFlags declares one flag per setting with the defaults as values
func RegisterFlags(fs *pflag.FlagSet) {
	defaults := Default()

	for _, b := range bindings {
		switch p := b.field(defaults).(type) {
		case *string:
			fs.String(b.flag, *p, b.usage)
		case *int:
			fs.Int(b.flag, *p, b.usage)
		case *bool:
			fs.Bool(b.flag, *p, b.usage)
		case *Duration:
			fs.Duration(b.flag, p.Std(), b.usage)
		case *[]string:
			fs.StringSlice(b.flag, *p, b.usage)
		}
	}
}

// Load builds the configuration with precedence flags > environment > file >
// defaults. path may be empty; fs may be nil. Only flags set on the command
// line override other sources.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	for _, b := range bindings {
		value, ok := os.LookupEnv(b.EnvName())
		if !ok || value == "" {
			continue
		}
		if err := setFromString(b.field(cfg), value); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, b.EnvName(), err)
		}
	}

	if fs != nil {
		for _, b := range bindings {
			if !fs.Changed(b.flag) {
				continue
			}
			if err := setFromFlag(b.field(cfg), fs, b.flag); err != nil {
				return nil, fmt.Errorf("%w: --%s: %v", ErrInvalidConfig, b.flag, err)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setFromFlag(field any, fs *pflag.FlagSet, name string) error {
	if p, ok := field.(*[]string); ok {
		values, err := fs.GetStringSlice(name)
		if err != nil {
			return err
		}
		*p = values
		return nil
	}
	return setFromString(field, fs.Lookup(name).Value.String())
}

func setFromString(field any, value string) error {
	switch p := field.(type) {
	case *string:
		*p = value
	case *int:
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		*p = n
	case *bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		*p = b
	case *Duration:
		return p.UnmarshalText([]byte(value))
	case *[]string:
		var values []string
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				values = append(values, part)
			}
		}
		*p = values
	default:
		return fmt.Errorf("unsupported field type %T", field)
	}
	return nil
}

// Validate validates the configuration and fills defaults for unset values
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Device.Host) == "" {
		return fmt.Errorf("%w: device host is required", ErrInvalidConfig)
	}
	if c.Device.Username == "" {
		return fmt.Errorf("%w: device username is required", ErrInvalidConfig)
	}
	if c.Device.Port < 0 || c.Device.Port > 65535 {
		return fmt.Errorf("%w: device port %d out of range", ErrInvalidConfig, c.Device.Port)
	}

	defaults := Default()
	if c.Device.Timeout <= 0 {
		c.Device.Timeout = defaults.Device.Timeout
	}
	if c.Monitor.ShortDelay <= 0 {
		c.Monitor.ShortDelay = defaults.Monitor.ShortDelay
	}
	if c.Monitor.LongDelay <= 0 {
		c.Monitor.LongDelay = defaults.Monitor.LongDelay
	}
	if c.Monitor.MaxShort < 0 {
		c.Monitor.MaxShort = defaults.Monitor.MaxShort
	}
	if c.Monitor.QueueSize <= 0 {
		c.Monitor.QueueSize = defaults.Monitor.QueueSize
	}
	if c.Monitor.IdleTimeout < 0 {
		c.Monitor.IdleTimeout = 0
	}
	if c.Bridge.Refresh < Duration(time.Minute) {
		c.Bridge.Refresh = defaults.Bridge.Refresh
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaults.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = defaults.Logging.Format
	}

	if _, err := logger.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("%w: log format %q must be text or json", ErrInvalidConfig, c.Logging.Format)
	}

	return nil
}

// Endpoint returns the device base URL
func (c *Config) Endpoint() string {
	return isapi.EndpointURL(c.Device.Host, c.Device.Port, c.Device.Secure)
}

// Credentials returns the device credentials
func (c *Config) Credentials() isapi.Credentials {
	return isapi.Credentials{
		Username:           c.Device.Username,
		Password:           c.Device.Password,
		InsecureSkipVerify: c.Device.IgnoreInsecureTLS,
	}
}

// ReconnectPolicy returns the monitor's reconnect policy
func (c *Config) ReconnectPolicy() isapi.ReconnectPolicy {
	return isapi.NewReconnectPolicy(c.Monitor.ShortDelay.Std(), c.Monitor.LongDelay.Std(), c.Monitor.MaxShort)
}

// String returns a string representation of the configuration
func (c *Config) String() string {
	return fmt.Sprintf(
		"Configuration:\n  Device: %s (user %s, password %s, verify TLS: %t)\n  Timeout: %v\n  Reconnect: short %v, long %v, max short %d\n  Queue Size: %d\n  Refresh: %v\n  Doorbells: %v\n  MQTT: %s\n  NATS: %s\n  Metrics: %s\n  Logging: %s/%s",
		c.Endpoint(),
		c.Device.Username,
		mask(c.Device.Password),
		!c.Device.IgnoreInsecureTLS,
		c.Device.Timeout.Std(),
		c.Monitor.ShortDelay.Std(),
		c.Monitor.LongDelay.Std(),
		c.Monitor.MaxShort,
		c.Monitor.QueueSize,
		c.Bridge.Refresh.Std(),
		c.Bridge.Doorbells,
		orDisabled(c.MQTT.Broker),
		orDisabled(c.NATS.URL),
		orDisabled(c.Metrics.Listen),
		c.Logging.Level,
		c.Logging.Format,
	)
}

func mask(secret string) string {
	if secret == "" {
		return "<empty>"
	}
	return "********"
}

func orDisabled(value string) string {
	if value == "" {
		return "disabled"
	}
	return value
}
