// Package config handles loading and validating MQTT bridge configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling and per-channel broker overrides
//
// Security Considerations:
//   - Broker passwords and keystore passwords should be set via environment
//     variables or a file with restricted permissions (0600)
//   - Never log the resolved BrokerConfig as a whole
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for name, ch := range cfg.Channels.Incoming {
//	    broker := cfg.ResolveBroker(ch.Broker)
//	    fmt.Println(name, broker.Host, ch.Topic)
//	}
package config
