// Package mqtt provides shared MQTT broker connectivity for the bridge.
//
// This package manages:
//   - A Registry that shares one Connection per broker Identity
//   - Connection lifecycle with paho-driven reconnect and a bounded attempt count
//   - Message publishing and SUBACK-checked subscriptions
//   - Compiled topic filters with '+' and '#' wildcard matching
//   - Active reachability probes (subscribe, publish marker, await echo)
//
// # Architecture
//
// Channels never own a paho client. They ask the Registry for the Connection
// matching their broker identity (host, port, TLS, credentials, client id).
// The first request creates the handle and starts the connect; later requests
// for the same identity share it.
//
//	Source/Sink → Registry → Connection → paho client → Broker
//
// Users hold a Connection with Acquire and give it back with Release. The
// session closes when the last user releases; the handle stays registered.
//
// Several handlers may subscribe to the same filter on one Connection. The
// broker sees one subscription per filter, every handler receives each
// matching message, and the UNSUBSCRIBE goes out with the last handler.
//
// # Probes
//
// A probe subscribes to its topic, publishes a unique marker and waits for
// the echo. Without a configured topic it uses mqttbridge/probe/<client id>.
// Markers are ordinary publishes: a Source whose filter matches the probe
// topic (for example "#") receives them.
//
// # State Machine
//
//	Disconnected → Connecting → Connected
//	     ↑             ↓    ↖      ↓ (connection lost)
//	     └──────── Failed    Connecting
//
// Failed is entered when the broker refuses the connection or the configured
// reconnect attempts are exhausted. Connect() restarts from Failed or
// Disconnected.
//
// # Security Considerations
//
//   - TLS material is loaded from PKCS#12 stores (see package keystore)
//   - Identity.String() never includes the password and is the only form
//     that should be logged
//
// # Usage
//
//	registry := mqtt.NewRegistry(mqtt.WithLogger(log))
//	defer registry.Close()
//
//	id, opts, err := mqtt.FromConfig(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	conn := registry.GetOrConnect(id, opts)
//	conn.Acquire()
//	defer conn.Release()
//	if err := conn.AwaitConnected(ctx); err != nil {
//	    return err
//	}
//	err = conn.Publish(ctx, "alerts", []byte("fire"), 1, false)
package mqtt
