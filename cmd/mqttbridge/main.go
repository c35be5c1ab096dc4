// mqttbridge hosts MQTT channels for applications and relays configured
// routes between them.
//
// It loads the YAML configuration, builds every incoming and outgoing
// channel, serves readiness and liveness over HTTP, optionally publishes a
// retained status document and delivery telemetry, and shuts down cleanly
// on SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nerrad567/gray-logic-mqtt/internal/api"
	"github.com/nerrad567/gray-logic-mqtt/internal/connector"
	"github.com/nerrad567/gray-logic-mqtt/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-mqtt/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-mqtt/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-mqtt/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
// It returns nil on a clean shutdown.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting mqttbridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"incoming", len(cfg.Channels.Incoming),
		"outgoing", len(cfg.Channels.Outgoing),
		"routes", len(cfg.Channels.Routes),
	)

	deps := connector.Deps{
		Registry: mqtt.NewRegistry(mqtt.WithLogger(log.WithComponent("mqtt"))),
		Logger:   log.WithComponent("connector"),
		Version:  version,
	}
	defer deps.Registry.Close()

	// Telemetry is optional: a failure to reach InfluxDB is logged, not fatal.
	influxClient, err := influxdb.Connect(cfg.InfluxDB)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("InfluxDB disabled")
	case err != nil:
		log.Warn("InfluxDB unavailable, telemetry disabled", "error", err)
	default:
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		// Assigned only when non-nil so the interface never holds a typed nil.
		deps.Recorder = influxClient
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	conn, err := connector.New(cfg, deps)
	if err != nil {
		return fmt.Errorf("building connector: %w", err)
	}
	defer conn.Close()
	conn.Start(ctx)

	if cfg.Health.Enabled {
		server, err := api.New(api.Deps{
			Config:  cfg.Health,
			Logger:  log.WithComponent("api"),
			Health:  conn,
			Version: version,
		})
		if err != nil {
			return fmt.Errorf("creating health server: %w", err)
		}
		if err := server.Start(ctx); err != nil {
			return fmt.Errorf("starting health server: %w", err)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing health server", "error", closeErr)
			}
		}()
	}

	log.Info("mqttbridge started")

	if err := conn.RunRoutes(ctx, cfg.Channels.Routes); err != nil {
		return fmt.Errorf("relaying routes: %w", err)
	}
	<-ctx.Done()

	log.Info("shutting down")
	return nil
}

// getConfigPath returns the configuration file path from the environment or
// the default.
func getConfigPath() string {
	if path := os.Getenv("MQTTBRIDGE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
