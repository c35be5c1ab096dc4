package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementMessages = "mqtt_messages"
	MeasurementProbe    = "mqtt_probe"
)

// RecordMessage counts one message outcome on a channel.
//
// direction is "incoming" or "outgoing"; outcome is "ack", "nack" or "drop".
func (c *Client) RecordMessage(channel, direction, outcome string) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(messagePoint(channel, direction, outcome, time.Now()))
}

// RecordProbe writes the result of one broker reachability probe.
func (c *Client) RecordProbe(broker string, reachable bool, elapsed time.Duration) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(probePoint(broker, reachable, elapsed, time.Now()))
}

// WritePoint writes a custom point with full control over tags and fields.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}

func messagePoint(channel, direction, outcome string, ts time.Time) *write.Point {
	return write.NewPoint(
		MeasurementMessages,
		map[string]string{
			"channel":   channel,
			"direction": direction,
			"outcome":   outcome,
		},
		map[string]interface{}{
			"count": 1,
		},
		ts,
	)
}

func probePoint(broker string, reachable bool, elapsed time.Duration, ts time.Time) *write.Point {
	return write.NewPoint(
		MeasurementProbe,
		map[string]string{
			"broker": broker,
		},
		map[string]interface{}{
			"reachable":   reachable,
			"duration_ms": elapsed.Milliseconds(),
		},
		ts,
	)
}
