package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func intPtr(v int) *int { return &v }

func boolPtr(v bool) *bool { return &v }

func TestLoad_ValidConfig(t *testing.T) {
	content := `
mqtt:
  host: "broker.local"
  port: 1884
  username: "bridge"
  password: "secret"
  keep_alive_seconds: 20
channels:
  incoming:
    sensors:
      topic: "sensors/+/temp"
      qos: 1
      failure_strategy: ignore
  outgoing:
    alerts:
      topic: "alerts"
      qos: 2
      retain: true
      port: 1885
health:
  port: 9000
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.MQTT.Host != "broker.local" {
		t.Errorf("MQTT.Host = %q, want %q", cfg.MQTT.Host, "broker.local")
	}
	if cfg.MQTT.Port != 1884 {
		t.Errorf("MQTT.Port = %d, want %d", cfg.MQTT.Port, 1884)
	}

	sensors, ok := cfg.Channels.Incoming["sensors"]
	if !ok {
		t.Fatal("incoming channel sensors missing")
	}
	if sensors.Topic != "sensors/+/temp" {
		t.Errorf("sensors.Topic = %q, want %q", sensors.Topic, "sensors/+/temp")
	}
	if sensors.QoS == nil || *sensors.QoS != 1 {
		t.Errorf("sensors.QoS = %v, want 1", sensors.QoS)
	}
	if sensors.FailureStrategy != "ignore" {
		t.Errorf("sensors.FailureStrategy = %q, want %q", sensors.FailureStrategy, "ignore")
	}

	alerts := cfg.Channels.Outgoing["alerts"]
	if !alerts.Retain {
		t.Error("alerts.Retain = false, want true")
	}
	if alerts.Broker.Port != 1885 {
		t.Errorf("alerts.Broker.Port = %d, want %d", alerts.Broker.Port, 1885)
	}

	// Defaults survive the file
	if cfg.MQTT.HealthCheck.Topic != "" {
		t.Errorf("HealthCheck.Topic = %q, want empty for the per-client default", cfg.MQTT.HealthCheck.Topic)
	}
	if cfg.MQTT.HealthCheck.ConnectWaitSeconds != 10 {
		t.Errorf("HealthCheck.ConnectWaitSeconds = %d, want 10", cfg.MQTT.HealthCheck.ConnectWaitSeconds)
	}
	if cfg.Health.Port != 9000 {
		t.Errorf("Health.Port = %d, want %d", cfg.Health.Port, 9000)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: [yaml: content"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	content := `
channels:
  incoming:
    broken:
      qos: 5
      failure_strategy: retry
`
	_, err := Load(writeConfig(t, content))
	if err == nil {
		t.Fatal("Load() expected validation error, got nil")
	}
	if !strings.Contains(err.Error(), "qos must be 0, 1, or 2") {
		t.Errorf("error = %v, want qos message", err)
	}
	if !strings.Contains(err.Error(), "failure_strategy") {
		t.Errorf("error = %v, want failure_strategy message", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MQTTBRIDGE_MQTT_HOST", "env-broker")
	t.Setenv("MQTTBRIDGE_MQTT_PORT", "8883")
	t.Setenv("MQTTBRIDGE_MQTT_PASSWORD", "from-env")

	cfg, err := Load(writeConfig(t, "mqtt:\n  host: file-broker\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.MQTT.Host != "env-broker" {
		t.Errorf("MQTT.Host = %q, want %q", cfg.MQTT.Host, "env-broker")
	}
	if cfg.MQTT.Port != 8883 {
		t.Errorf("MQTT.Port = %d, want %d", cfg.MQTT.Port, 8883)
	}
	if cfg.MQTT.Password != "from-env" {
		t.Error("MQTT.Password was not overridden from environment")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "defaults are valid",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name: "invalid broker port",
			mutate: func(c *Config) {
				c.MQTT.Port = 70000
			},
			wantErr: true,
		},
		{
			name: "negative reconnect attempts",
			mutate: func(c *Config) {
				c.MQTT.ReconnectAttempts = -1
			},
			wantErr: true,
		},
		{
			name: "outgoing qos out of range",
			mutate: func(c *Config) {
				c.Channels.Outgoing = map[string]OutgoingChannelConfig{"out": {QoS: intPtr(3)}}
			},
			wantErr: true,
		},
		{
			name: "unknown payload codec",
			mutate: func(c *Config) {
				c.Channels.Outgoing = map[string]OutgoingChannelConfig{"out": {PayloadCodec: "xml"}}
			},
			wantErr: true,
		},
		{
			name: "negative buffer size",
			mutate: func(c *Config) {
				c.Channels.Incoming = map[string]IncomingChannelConfig{"in": {BufferSize: -1}}
			},
			wantErr: true,
		},
		{
			name: "negative intake size",
			mutate: func(c *Config) {
				c.Channels.Incoming = map[string]IncomingChannelConfig{"in": {IntakeSize: -1}}
			},
			wantErr: true,
		},
		{
			name: "status enabled without topic",
			mutate: func(c *Config) {
				c.Status.Enabled = true
				c.Status.Topic = ""
			},
			wantErr: true,
		},
		{
			name: "influxdb enabled without url",
			mutate: func(c *Config) {
				c.InfluxDB.Enabled = true
			},
			wantErr: true,
		},
		{
			name: "health disabled ignores port",
			mutate: func(c *Config) {
				c.Health.Enabled = false
				c.Health.Port = 0
			},
			wantErr: false,
		},
		{
			name: "failure strategy is case insensitive",
			mutate: func(c *Config) {
				c.Channels.Incoming = map[string]IncomingChannelConfig{"in": {FailureStrategy: "IGNORE"}}
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestResolveBroker(t *testing.T) {
	cfg := defaultConfig()
	cfg.MQTT.Username = "global"
	cfg.MQTT.Password = "global-pass"

	t.Run("empty override inherits everything", func(t *testing.T) {
		got := cfg.ResolveBroker(BrokerConfig{})
		if got.Host != "localhost" || got.Port != 1883 {
			t.Errorf("ResolveBroker() = %s:%d, want localhost:1883", got.Host, got.Port)
		}
		if got.Username != "global" || got.Password != "global-pass" {
			t.Error("ResolveBroker() did not inherit credentials")
		}
		if !got.CleanSession() {
			t.Error("CleanSession() = false, want true by default")
		}
		if got.UseSSL() {
			t.Error("UseSSL() = true, want false by default")
		}
	})

	t.Run("credentials are replaced as a pair", func(t *testing.T) {
		got := cfg.ResolveBroker(BrokerConfig{Username: "channel"})
		if got.Username != "channel" {
			t.Errorf("Username = %q, want %q", got.Username, "channel")
		}
		if got.Password != "" {
			t.Error("Password leaked from global section into channel credentials")
		}
	})

	t.Run("explicit false overrides", func(t *testing.T) {
		got := cfg.ResolveBroker(BrokerConfig{
			SSL:               boolPtr(true),
			AutoCleanSession:  boolPtr(false),
			SSLHostnameVerify: boolPtr(false),
		})
		if !got.UseSSL() {
			t.Error("UseSSL() = false, want true")
		}
		if got.CleanSession() {
			t.Error("CleanSession() = true, want false")
		}
		if got.VerifyHostname() {
			t.Error("VerifyHostname() = true, want false")
		}
	})

	t.Run("health check fields merge individually", func(t *testing.T) {
		got := cfg.ResolveBroker(BrokerConfig{HealthCheck: HealthCheckConfig{TimeoutSeconds: 3}})
		if got.HealthCheck.TimeoutSeconds != 3 {
			t.Errorf("HealthCheck.TimeoutSeconds = %d, want 3", got.HealthCheck.TimeoutSeconds)
		}
		if got.HealthCheck.ConnectWaitSeconds != 10 {
			t.Errorf("HealthCheck.ConnectWaitSeconds = %d, want inherited 10", got.HealthCheck.ConnectWaitSeconds)
		}
	})
}

func TestTimeoutHelpers(t *testing.T) {
	cfg := defaultConfig()
	if got := cfg.GetReadTimeout().Seconds(); got != 30 {
		t.Errorf("GetReadTimeout() = %vs, want 30s", got)
	}
	if got := cfg.GetIdleTimeout().Seconds(); got != 60 {
		t.Errorf("GetIdleTimeout() = %vs, want 60s", got)
	}
}

func TestValidate_Routes(t *testing.T) {
	base := func() *Config {
		cfg := defaultConfig()
		cfg.Channels.Incoming = map[string]IncomingChannelConfig{"in": {}, "fan": {Broadcast: true}}
		cfg.Channels.Outgoing = map[string]OutgoingChannelConfig{"out": {}}
		return cfg
	}

	tests := []struct {
		name    string
		routes  []RouteConfig
		wantErr string
	}{
		{"valid", []RouteConfig{{From: "in", To: "out"}}, ""},
		{"unknown from", []RouteConfig{{From: "nope", To: "out"}}, `from "nope"`},
		{"unknown to", []RouteConfig{{From: "in", To: "nope"}}, `to "nope"`},
		{"twice without broadcast", []RouteConfig{{From: "in", To: "out"}, {From: "in", To: "out"}}, "routed twice"},
		{"twice with broadcast", []RouteConfig{{From: "fan", To: "out"}, {From: "fan", To: "out"}}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			cfg.Channels.Routes = tt.routes
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
