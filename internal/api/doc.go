// Package api implements the health HTTP server of the MQTT bridge.
//
// Endpoints:
//   - GET /health: readiness and liveness together
//   - GET /health/ready: channels are subscribed or connected
//   - GET /health/live: nothing is terminally failed and, where enabled,
//     the broker answers an active ping/pong probe
//   - GET /metrics: runtime statistics plus connection and channel states
//
// Health endpoints answer 200 when the report is OK and 503 otherwise, with
// the per-channel report as the JSON body either way, so they can be used
// directly as container or orchestrator probes.
package api
