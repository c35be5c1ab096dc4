package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the MQTT bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	MQTT     BrokerConfig   `yaml:"mqtt"`
	Channels ChannelsConfig `yaml:"channels"`
	Health   HealthConfig   `yaml:"health"`
	Status   StatusConfig   `yaml:"status"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// BrokerConfig contains MQTT broker connection settings.
//
// The top-level mqtt section provides defaults for every channel. A channel
// may override any of these fields; zero values mean "inherit".
type BrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	SSL      *bool  `yaml:"ssl"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// ClientID is the MQTT client identifier. Empty means auto-generated.
	ClientID string `yaml:"client_id"`

	KeepAliveSeconds         int   `yaml:"keep_alive_seconds"`
	AutoCleanSession         *bool `yaml:"auto_clean_session"`
	ReconnectAttempts        int   `yaml:"reconnect_attempts"`
	ReconnectIntervalSeconds int   `yaml:"reconnect_interval_seconds"`
	ConnectTimeoutSeconds    int   `yaml:"connect_timeout_seconds"`

	// SSLHostnameVerify disables server hostname verification when false.
	SSLHostnameVerify *bool `yaml:"ssl_hostname_verify"`

	TrustStore  KeystoreConfig    `yaml:"trust_store"`
	KeyStore    KeystoreConfig    `yaml:"key_store"`
	HealthCheck HealthCheckConfig `yaml:"health_check"`
}

// KeystoreConfig locates a keystore file on disk.
type KeystoreConfig struct {
	Path        string `yaml:"path"`
	Password    string `yaml:"password"`
	KeyPassword string `yaml:"key_password"`
	Type        string `yaml:"type"`
}

// HealthCheckConfig controls the active connectivity probe.
type HealthCheckConfig struct {
	// Enabled makes the liveness report run an active probe for the channel.
	Enabled *bool `yaml:"enabled"`

	// Topic is the transient topic used for the ping/pong round trip.
	// Empty means mqttbridge/probe/<client id>.
	Topic string `yaml:"topic"`

	ConnectWaitSeconds    int `yaml:"connect_wait_seconds"`
	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds"`
	TimeoutSeconds        int `yaml:"timeout_seconds"`
}

// ChannelsConfig groups incoming (broker → application) and outgoing
// (application → broker) channels by name.
type ChannelsConfig struct {
	Incoming map[string]IncomingChannelConfig `yaml:"incoming"`
	Outgoing map[string]OutgoingChannelConfig `yaml:"outgoing"`

	// Routes relay an incoming channel into an outgoing one inside the process.
	Routes []RouteConfig `yaml:"routes"`
}

// RouteConfig pipes every message of an incoming channel to an outgoing one.
type RouteConfig struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`

	// PreserveTopic publishes each message to the topic it arrived on
	// instead of the outgoing channel's topic.
	PreserveTopic bool `yaml:"preserve_topic"`
}

// IncomingChannelConfig configures a Source.
type IncomingChannelConfig struct {
	Broker BrokerConfig `yaml:",inline"`

	// Topic is a topic name or filter. Defaults to the channel name.
	Topic           string `yaml:"topic"`
	QoS             *int   `yaml:"qos"`
	Broadcast       bool   `yaml:"broadcast"`
	FailureStrategy string `yaml:"failure_strategy"`
	BufferSize      int    `yaml:"buffer_size"`

	// IntakeSize bounds the queue between the broker callback and the
	// streams. Publishes arriving while it is full are dropped.
	IntakeSize int `yaml:"intake_size"`
}

// OutgoingChannelConfig configures a Sink.
type OutgoingChannelConfig struct {
	Broker BrokerConfig `yaml:",inline"`

	// Topic is the default publish topic. Defaults to the channel name.
	Topic                 string `yaml:"topic"`
	QoS                   *int   `yaml:"qos"`
	Retain                bool   `yaml:"retain"`
	PayloadCodec          string `yaml:"payload_codec"`
	PublishTimeoutSeconds int    `yaml:"publish_timeout_seconds"`
}

// HealthConfig contains the health HTTP server settings.
type HealthConfig struct {
	Enabled  bool                `yaml:"enabled"`
	Host     string              `yaml:"host"`
	Port     int                 `yaml:"port"`
	Timeouts HealthTimeoutConfig `yaml:"timeouts"`
}

// HealthTimeoutConfig contains HTTP timeout settings in seconds.
type HealthTimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// StatusConfig controls periodic publication of the connector's readiness
// report to the broker.
type StatusConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Topic           string `yaml:"topic"`
	IntervalSeconds int    `yaml:"interval_seconds"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: MQTTBRIDGE_SECTION_KEY
// For example: MQTTBRIDGE_MQTT_HOST, MQTTBRIDGE_MQTT_PASSWORD
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		MQTT: BrokerConfig{
			Host:                     "localhost",
			Port:                     1883,
			KeepAliveSeconds:         30,
			ReconnectAttempts:        5,
			ReconnectIntervalSeconds: 1,
			ConnectTimeoutSeconds:    10,
			HealthCheck: HealthCheckConfig{
				ConnectWaitSeconds:    10,
				ConnectTimeoutSeconds: 5,
				TimeoutSeconds:        15,
			},
		},
		Health: HealthConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8081,
			Timeouts: HealthTimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		Status: StatusConfig{
			Topic:           "mqttbridge/status",
			IntervalSeconds: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: MQTTBRIDGE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MQTTBRIDGE_MQTT_HOST"); v != "" {
		cfg.MQTT.Host = v
	}
	if v := os.Getenv("MQTTBRIDGE_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Port = port
		}
	}
	if v := os.Getenv("MQTTBRIDGE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("MQTTBRIDGE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}

	if v := os.Getenv("MQTTBRIDGE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// Channel-level semantics (failure strategy names, keystore types) are
// checked again when channels are built; Validate reports everything it can
// find in one pass so operators fix a file once.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	errs = append(errs, validateBroker("mqtt", c.MQTT)...)

	for _, name := range sortedKeys(c.Channels.Incoming) {
		ch := c.Channels.Incoming[name]
		prefix := "channels.incoming." + name
		errs = append(errs, validateBroker(prefix, ch.Broker)...)
		if ch.QoS != nil && (*ch.QoS < 0 || *ch.QoS > 2) {
			errs = append(errs, prefix+".qos must be 0, 1, or 2")
		}
		switch strings.ToLower(ch.FailureStrategy) {
		case "", "fail", "ignore":
		default:
			errs = append(errs, fmt.Sprintf("%s.failure_strategy %q must be fail or ignore", prefix, ch.FailureStrategy))
		}
		if ch.BufferSize < 0 {
			errs = append(errs, prefix+".buffer_size must not be negative")
		}
		if ch.IntakeSize < 0 {
			errs = append(errs, prefix+".intake_size must not be negative")
		}
	}

	for _, name := range sortedKeys(c.Channels.Outgoing) {
		ch := c.Channels.Outgoing[name]
		prefix := "channels.outgoing." + name
		errs = append(errs, validateBroker(prefix, ch.Broker)...)
		if ch.QoS != nil && (*ch.QoS < 0 || *ch.QoS > 2) {
			errs = append(errs, prefix+".qos must be 0, 1, or 2")
		}
		switch strings.ToLower(ch.PayloadCodec) {
		case "", "json", "cbor":
		default:
			errs = append(errs, fmt.Sprintf("%s.payload_codec %q must be json or cbor", prefix, ch.PayloadCodec))
		}
	}

	routed := make(map[string]bool)
	for i, rt := range c.Channels.Routes {
		prefix := fmt.Sprintf("channels.routes[%d]", i)
		if _, ok := c.Channels.Incoming[rt.From]; !ok {
			errs = append(errs, fmt.Sprintf("%s.from %q is not an incoming channel", prefix, rt.From))
		} else if routed[rt.From] && !c.Channels.Incoming[rt.From].Broadcast {
			errs = append(errs, fmt.Sprintf("%s.from %q is routed twice but is not broadcast", prefix, rt.From))
		}
		routed[rt.From] = true
		if _, ok := c.Channels.Outgoing[rt.To]; !ok {
			errs = append(errs, fmt.Sprintf("%s.to %q is not an outgoing channel", prefix, rt.To))
		}
	}

	if c.Health.Enabled && (c.Health.Port < 1 || c.Health.Port > 65535) {
		errs = append(errs, "health.port must be between 1 and 65535")
	}

	if c.Status.Enabled && c.Status.Topic == "" {
		errs = append(errs, "status.topic is required when status is enabled")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// validateBroker checks the fields of a (possibly partial) broker section.
func validateBroker(prefix string, b BrokerConfig) []string {
	var errs []string
	if b.Port < 0 || b.Port > 65535 {
		errs = append(errs, prefix+".port must be between 1 and 65535")
	}
	if b.KeepAliveSeconds < 0 {
		errs = append(errs, prefix+".keep_alive_seconds must not be negative")
	}
	if b.ReconnectAttempts < 0 {
		errs = append(errs, prefix+".reconnect_attempts must not be negative")
	}
	if b.ReconnectIntervalSeconds < 0 {
		errs = append(errs, prefix+".reconnect_interval_seconds must not be negative")
	}
	if b.ConnectTimeoutSeconds < 0 {
		errs = append(errs, prefix+".connect_timeout_seconds must not be negative")
	}
	return errs
}

// ResolveBroker returns the effective broker settings for a channel:
// every zero field of override is filled from the top-level mqtt section.
func (c *Config) ResolveBroker(override BrokerConfig) BrokerConfig {
	return c.MQTT.Merge(override)
}

// Merge returns a copy of b with every non-zero field of override applied.
func (b BrokerConfig) Merge(override BrokerConfig) BrokerConfig {
	out := b
	if override.Host != "" {
		out.Host = override.Host
	}
	if override.Port != 0 {
		out.Port = override.Port
	}
	if override.SSL != nil {
		out.SSL = override.SSL
	}
	if override.Username != "" {
		out.Username = override.Username
		out.Password = override.Password
	}
	if override.ClientID != "" {
		out.ClientID = override.ClientID
	}
	if override.KeepAliveSeconds != 0 {
		out.KeepAliveSeconds = override.KeepAliveSeconds
	}
	if override.AutoCleanSession != nil {
		out.AutoCleanSession = override.AutoCleanSession
	}
	if override.ReconnectAttempts != 0 {
		out.ReconnectAttempts = override.ReconnectAttempts
	}
	if override.ReconnectIntervalSeconds != 0 {
		out.ReconnectIntervalSeconds = override.ReconnectIntervalSeconds
	}
	if override.ConnectTimeoutSeconds != 0 {
		out.ConnectTimeoutSeconds = override.ConnectTimeoutSeconds
	}
	if override.SSLHostnameVerify != nil {
		out.SSLHostnameVerify = override.SSLHostnameVerify
	}
	if override.TrustStore.Path != "" {
		out.TrustStore = override.TrustStore
	}
	if override.KeyStore.Path != "" {
		out.KeyStore = override.KeyStore
	}
	out.HealthCheck = out.HealthCheck.merge(override.HealthCheck)
	return out
}

func (h HealthCheckConfig) merge(override HealthCheckConfig) HealthCheckConfig {
	out := h
	if override.Enabled != nil {
		out.Enabled = override.Enabled
	}
	if override.Topic != "" {
		out.Topic = override.Topic
	}
	if override.ConnectWaitSeconds != 0 {
		out.ConnectWaitSeconds = override.ConnectWaitSeconds
	}
	if override.ConnectTimeoutSeconds != 0 {
		out.ConnectTimeoutSeconds = override.ConnectTimeoutSeconds
	}
	if override.TimeoutSeconds != 0 {
		out.TimeoutSeconds = override.TimeoutSeconds
	}
	return out
}

// UseSSL reports whether the broker connection uses TLS.
func (b BrokerConfig) UseSSL() bool {
	return b.SSL != nil && *b.SSL
}

// CleanSession reports whether sessions are started clean. Defaults to true.
func (b BrokerConfig) CleanSession() bool {
	return b.AutoCleanSession == nil || *b.AutoCleanSession
}

// VerifyHostname reports whether the server hostname is verified. Defaults to true.
func (b BrokerConfig) VerifyHostname() bool {
	return b.SSLHostnameVerify == nil || *b.SSLHostnameVerify
}

// ProbeEnabled reports whether liveness runs an active probe.
func (h HealthCheckConfig) ProbeEnabled() bool {
	return h.Enabled != nil && *h.Enabled
}

// GetReadTimeout returns the health server read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.Health.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the health server write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.Health.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the health server idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.Health.Timeouts.Idle) * time.Second
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
