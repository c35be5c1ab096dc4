package connector_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-mqtt/internal/connector"
	"github.com/nerrad567/gray-logic-mqtt/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-mqtt/internal/infrastructure/mqtt/mqtttest"
)

const waitTimeout = 2 * time.Second

var testIdentity = mqtt.Identity{Host: "broker.test", Port: 1883, ClientID: "bridge-test"}

func newTestRegistry(t *testing.T) (*mqtt.Registry, *mqtttest.Broker) {
	t.Helper()
	broker := mqtttest.NewBroker()
	registry := mqtt.NewRegistry(mqtt.WithClientFactory(broker.NewClient))
	t.Cleanup(registry.Close)
	return registry, broker
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	t.Cleanup(cancel)
	return ctx
}

type recordedMessage struct {
	Channel   string
	Direction string
	Outcome   string
}

type recordedProbe struct {
	Broker    string
	Reachable bool
}

// captureRecorder implements connector.Recorder.
type captureRecorder struct {
	mu       sync.Mutex
	messages []recordedMessage
	probes   []recordedProbe
}

func (r *captureRecorder) RecordMessage(channel, direction, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, recordedMessage{channel, direction, outcome})
}

func (r *captureRecorder) RecordProbe(broker string, reachable bool, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probes = append(r.probes, recordedProbe{broker, reachable})
}

func (r *captureRecorder) outcomes(direction string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.messages {
		if m.Direction == direction {
			out = append(out, m.Outcome)
		}
	}
	return out
}

func (r *captureRecorder) probeResults() []recordedProbe {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedProbe(nil), r.probes...)
}

// outcomeLog collects ack/nack callbacks of outbound messages.
type outcomeLog struct {
	mu      sync.Mutex
	acked   []string
	nacked  []string
	errs    []error
	settled chan struct{}
}

func newOutcomeLog(buffer int) *outcomeLog {
	return &outcomeLog{settled: make(chan struct{}, buffer)}
}

func (l *outcomeLog) message(payload any, id string, opts ...connector.OutboundOption) *connector.OutboundMessage {
	opts = append(opts,
		connector.WithAck(func() {
			l.mu.Lock()
			l.acked = append(l.acked, id)
			l.mu.Unlock()
			l.settled <- struct{}{}
		}),
		connector.WithNack(func(err error) {
			l.mu.Lock()
			l.nacked = append(l.nacked, id)
			l.errs = append(l.errs, err)
			l.mu.Unlock()
			l.settled <- struct{}{}
		}),
	)
	return connector.NewOutboundMessage(payload, opts...)
}

func (l *outcomeLog) wait(t *testing.T, n int) {
	t.Helper()
	for i := range n {
		select {
		case <-l.settled:
		case <-time.After(waitTimeout):
			t.Fatalf("only %d of %d messages settled", i, n)
		}
	}
}

func (l *outcomeLog) snapshot() (acked, nacked []string, errs []error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.acked...), append([]string(nil), l.nacked...), append([]error(nil), l.errs...)
}

// runSink starts sink.Run in the background and returns its input and result.
func runSink(t *testing.T, ctx context.Context, sink *connector.Sink) (chan<- *connector.OutboundMessage, <-chan error) {
	t.Helper()
	msgs := make(chan *connector.OutboundMessage)
	done := make(chan error, 1)
	go func() {
		done <- sink.Run(ctx, msgs)
	}()
	require.Eventually(t, sink.IsReady, waitTimeout, 5*time.Millisecond, "sink never became ready")
	return msgs, done
}

func awaitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("Run did not return")
		return nil
	}
}

func nextMessage(t *testing.T, st *connector.Stream) *connector.InboundMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	msg, err := st.Next(ctx)
	require.NoError(t, err)
	return msg
}
