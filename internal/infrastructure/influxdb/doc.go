// Package influxdb writes bridge telemetry to InfluxDB.
//
// It wraps the official influxdb-client-go v2 library for connection
// management, non-blocking batched writes, and health monitoring.
//
// # Measurements
//
//   - mqtt_messages: one point per message outcome, tagged channel,
//     direction (incoming|outgoing) and outcome (ack|nack|drop)
//   - mqtt_probe: one point per reachability probe, tagged broker, with
//     fields reachable and duration_ms
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.RecordMessage("alerts", "outgoing", "ack")
//
// # Error Handling
//
// Write operations are non-blocking; batch errors are delivered to the
// SetOnError callback. Connection and health check errors are returned directly.
package influxdb
