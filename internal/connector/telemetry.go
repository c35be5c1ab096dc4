package connector

import "time"

// Message directions and outcomes reported to a Recorder.
const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"

	OutcomeAck  = "ack"
	OutcomeNack = "nack"
	OutcomeDrop = "drop"
)

// Recorder receives delivery and probe telemetry.
// It is implemented by influxdb.Client.
type Recorder interface {
	RecordMessage(channel, direction, outcome string)
	RecordProbe(broker string, reachable bool, elapsed time.Duration)
}

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopRecorder struct{}

func (noopRecorder) RecordMessage(string, string, string)    {}
func (noopRecorder) RecordProbe(string, bool, time.Duration) {}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

func orNoopLogger(l Logger) Logger {
	if l == nil {
		return noopLogger{}
	}
	return l
}

func orNoopRecorder(r Recorder) Recorder {
	if r == nil {
		return noopRecorder{}
	}
	return r
}
