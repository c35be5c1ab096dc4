package connector_test

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-mqtt/internal/connector"
	"github.com/nerrad567/gray-logic-mqtt/internal/infrastructure/mqtt"
)

func newTestSource(t *testing.T, registry *mqtt.Registry, cfg connector.SourceConfig, rec connector.Recorder) *connector.Source {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "sensors"
	}
	if cfg.Identity == (mqtt.Identity{}) {
		cfg.Identity = testIdentity
	}
	if cfg.Options == (mqtt.Options{}) {
		cfg.Options = mqtt.DefaultOptions()
	}
	src, err := connector.NewSource(cfg, registry, nil, rec)
	require.NoError(t, err)
	t.Cleanup(src.Close)
	return src
}

func TestSource_WildcardDelivery(t *testing.T) {
	registry, broker := newTestRegistry(t)
	src := newTestSource(t, registry, connector.SourceConfig{Topic: "sensors/+/temp", QoS: 1}, nil)

	st, err := src.Stream(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, connector.SourceSubscribed, src.State())
	assert.True(t, src.IsSubscribed())
	assert.Equal(t, []string{"sensors/+/temp"}, broker.Subscribes())

	broker.Inject("sensors/kitchen/temp", []byte("21.5"), 1, false)
	broker.Inject("sensors/kitchen/humidity", []byte("40"), 1, false)
	broker.Inject("sensors/hall/temp", []byte("19.0"), 0, true)

	first := nextMessage(t, st)
	assert.Equal(t, "sensors/kitchen/temp", first.Topic)
	assert.Equal(t, []byte("21.5"), first.Payload)
	assert.Equal(t, byte(1), first.QoS)
	first.Ack()

	second := nextMessage(t, st)
	assert.Equal(t, "sensors/hall/temp", second.Topic)
	assert.True(t, second.Retained)
	second.Ack()
}

func TestSource_TopicDefaultsToName(t *testing.T) {
	registry, broker := newTestRegistry(t)
	src := newTestSource(t, registry, connector.SourceConfig{Name: "commands"}, nil)
	assert.Equal(t, "commands", src.Config().Topic)

	_, err := src.Stream(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"commands"}, broker.Subscribes())
}

func TestSource_DropsPublishesOutsideFilter(t *testing.T) {
	registry, broker := newTestRegistry(t)
	src := newTestSource(t, registry, connector.SourceConfig{Topic: "sensors/+/temp"}, nil)

	st, err := src.Stream(testContext(t))
	require.NoError(t, err)

	// Delivered to the subscription regardless of its filter.
	broker.InjectUnfiltered("other/topic", []byte("stray"), 0, false)
	broker.Inject("sensors/a/temp", []byte("ok"), 0, false)

	msg := nextMessage(t, st)
	assert.Equal(t, "sensors/a/temp", msg.Topic)
}

func TestSource_IgnoreStrategyContinues(t *testing.T) {
	registry, broker := newTestRegistry(t)
	rec := &captureRecorder{}
	src := newTestSource(t, registry, connector.SourceConfig{Topic: "in", FailureStrategy: connector.FailureIgnore}, rec)

	st, err := src.Stream(testContext(t))
	require.NoError(t, err)

	broker.Inject("in", []byte("1"), 0, false)
	broker.Inject("in", []byte("2"), 0, false)

	nextMessage(t, st).Nack(errors.New("bad payload"))
	msg := nextMessage(t, st)
	assert.Equal(t, []byte("2"), msg.Payload)
	msg.Ack()

	assert.Equal(t, connector.SourceSubscribed, src.State())
	assert.NoError(t, src.Err())
	assert.Equal(t, []string{"nack", "ack"}, rec.outcomes(connector.DirectionIncoming))
}

func TestSource_FailStrategyTerminates(t *testing.T) {
	registry, broker := newTestRegistry(t)
	src := newTestSource(t, registry, connector.SourceConfig{Topic: "in", BufferSize: 4}, nil)

	st, err := src.Stream(testContext(t))
	require.NoError(t, err)

	broker.Inject("in", []byte("1"), 0, false)
	broker.Inject("in", []byte("2"), 0, false)

	cause := errors.New("cannot process")
	nextMessage(t, st).Nack(cause)

	// The buffered second message is never delivered.
	_, err = st.Next(testContext(t))
	require.ErrorIs(t, err, connector.ErrSourceFailed)
	assert.ErrorIs(t, err, cause)

	select {
	case <-st.Done():
	default:
		t.Fatal("stream not done after failure")
	}
	assert.Equal(t, connector.SourceFailed, src.State())
	assert.Equal(t, []string{"in"}, broker.Unsubscribes())

	_, err = src.Stream(testContext(t))
	assert.ErrorIs(t, err, connector.ErrSourceFailed)
}

func TestSource_AckNackIdempotent(t *testing.T) {
	registry, broker := newTestRegistry(t)
	rec := &captureRecorder{}
	src := newTestSource(t, registry, connector.SourceConfig{Topic: "in"}, rec)

	st, err := src.Stream(testContext(t))
	require.NoError(t, err)
	broker.Inject("in", []byte("1"), 0, false)

	msg := nextMessage(t, st)
	msg.Ack()
	msg.Ack()
	msg.Nack(errors.New("too late"))

	assert.Equal(t, []string{"ack"}, rec.outcomes(connector.DirectionIncoming))
	assert.Equal(t, connector.SourceSubscribed, src.State())
}

func TestSource_NackWithoutCause(t *testing.T) {
	registry, broker := newTestRegistry(t)
	src := newTestSource(t, registry, connector.SourceConfig{Topic: "in"}, nil)

	st, err := src.Stream(testContext(t))
	require.NoError(t, err)
	broker.Inject("in", []byte("1"), 0, false)
	nextMessage(t, st).Nack(nil)

	assert.ErrorIs(t, src.Err(), connector.ErrNacked)
}

func TestSource_SingleStreamUnlessBroadcast(t *testing.T) {
	registry, _ := newTestRegistry(t)
	src := newTestSource(t, registry, connector.SourceConfig{Topic: "in"}, nil)

	st, err := src.Stream(testContext(t))
	require.NoError(t, err)

	_, err = src.Stream(testContext(t))
	assert.ErrorIs(t, err, connector.ErrStreamActive)

	st.Cancel()
	_, err = src.Stream(testContext(t))
	assert.NoError(t, err)
}

func TestSource_BroadcastFanOut(t *testing.T) {
	registry, broker := newTestRegistry(t)
	src := newTestSource(t, registry, connector.SourceConfig{Topic: "events/#", Broadcast: true}, nil)

	a, err := src.Stream(testContext(t))
	require.NoError(t, err)
	b, err := src.Stream(testContext(t))
	require.NoError(t, err)
	assert.Len(t, broker.Subscribes(), 1, "second stream must reuse the subscription")

	broker.Inject("events/door", []byte("open"), 0, false)

	ma, mb := nextMessage(t, a), nextMessage(t, b)
	assert.Equal(t, []byte("open"), ma.Payload)
	assert.Equal(t, []byte("open"), mb.Payload)
	assert.NotSame(t, ma, mb)
}

func TestSource_LastCancelUnsubscribes(t *testing.T) {
	registry, broker := newTestRegistry(t)
	src := newTestSource(t, registry, connector.SourceConfig{Topic: "events", Broadcast: true}, nil)

	a, err := src.Stream(testContext(t))
	require.NoError(t, err)
	b, err := src.Stream(testContext(t))
	require.NoError(t, err)

	a.Cancel()
	assert.Empty(t, broker.Unsubscribes())
	assert.True(t, src.IsSubscribed())

	_, err = a.Next(testContext(t))
	assert.ErrorIs(t, err, connector.ErrStreamCancelled)

	b.Cancel()
	b.Cancel()
	assert.Equal(t, []string{"events"}, broker.Unsubscribes())
	assert.Equal(t, connector.SourceIdle, src.State())

	// Demand resubscribes.
	_, err = src.Stream(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"events", "events"}, broker.Subscribes())
}

func TestSource_Backpressure(t *testing.T) {
	registry, broker := newTestRegistry(t)
	src := newTestSource(t, registry, connector.SourceConfig{Topic: "in", BufferSize: 1}, nil)

	st, err := src.Stream(testContext(t))
	require.NoError(t, err)

	// The broker callback only queues, so publishes beyond the stream
	// buffer never hold up the connection.
	injected := make(chan struct{})
	go func() {
		for i := range 3 {
			broker.Inject("in", []byte(fmt.Sprint(i)), 1, false)
		}
		close(injected)
	}()
	select {
	case <-injected:
	case <-time.After(waitTimeout):
		t.Fatal("Inject blocked behind a full stream buffer")
	}

	for i := range 3 {
		msg := nextMessage(t, st)
		assert.Equal(t, fmt.Sprint(i), string(msg.Payload))
		msg.Ack()
	}
}

func TestSource_IntakeOverflowDrops(t *testing.T) {
	registry, broker := newTestRegistry(t)
	rec := &captureRecorder{}
	src := newTestSource(t, registry, connector.SourceConfig{Topic: "in", BufferSize: 1, IntakeSize: 1}, rec)

	st, err := src.Stream(testContext(t))
	require.NoError(t, err)

	const total = 10
	for i := range total {
		broker.Inject("in", []byte(strconv.Itoa(i)), 1, false)
	}

	// At most one buffered, one in the dispatcher and one queued survive.
	var got []int
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		msg, err := st.Next(ctx)
		cancel()
		if err != nil {
			break
		}
		n, convErr := strconv.Atoi(string(msg.Payload))
		require.NoError(t, convErr)
		got = append(got, n)
		msg.Ack()
	}

	require.NotEmpty(t, got)
	assert.LessOrEqual(t, len(got), 3)
	assert.Equal(t, 0, got[0], "the oldest publish is kept")
	assert.IsIncreasing(t, got)

	drops := 0
	for _, o := range rec.outcomes(connector.DirectionIncoming) {
		if o == connector.OutcomeDrop {
			drops++
		}
	}
	assert.Equal(t, total, drops+len(got))
}

func TestSource_SlowConsumerDoesNotStallSharedSink(t *testing.T) {
	registry, broker := newTestRegistry(t)
	broker.DisableEcho()
	src := newTestSource(t, registry, connector.SourceConfig{Topic: "in", QoS: 1, BufferSize: 1}, nil)

	st, err := src.Stream(testContext(t))
	require.NoError(t, err)

	// Nobody reads the stream while the sink publishes on the same session.
	for i := range 5 {
		broker.Inject("in", []byte(fmt.Sprint(i)), 1, false)
	}

	sink := newTestSink(t, registry, connector.SinkConfig{Topic: "out", QoS: 1, PublishTimeout: 500 * time.Millisecond}, nil)
	msgs, done := runSink(t, context.Background(), sink)
	log := newOutcomeLog(1)
	msgs <- log.message("reply", "r1")
	log.wait(t, 1)

	acked, nacked, errs := log.snapshot()
	assert.Equal(t, []string{"r1"}, acked)
	assert.Empty(t, nacked, "publish errors: %v", errs)

	close(msgs)
	require.NoError(t, awaitRun(t, done))
	assert.Equal(t, "0", string(nextMessage(t, st).Payload))
}

func TestSource_SinkCompletionKeepsSubscription(t *testing.T) {
	registry, broker := newTestRegistry(t)
	src := newTestSource(t, registry, connector.SourceConfig{Topic: "in"}, nil)

	st, err := src.Stream(testContext(t))
	require.NoError(t, err)

	sink := newTestSink(t, registry, connector.SinkConfig{Topic: "out"}, nil)
	msgs, done := runSink(t, context.Background(), sink)
	close(msgs)
	require.NoError(t, awaitRun(t, done))

	conn, ok := registry.Lookup(testIdentity)
	require.True(t, ok)
	assert.Equal(t, mqtt.StateConnected, conn.State())
	assert.True(t, src.IsSubscribed())
	assert.Empty(t, broker.Unsubscribes())

	broker.Inject("in", []byte("still here"), 0, false)
	assert.Equal(t, []byte("still here"), nextMessage(t, st).Payload)

	// The source was the last holder.
	st.Cancel()
	assert.Equal(t, mqtt.StateDisconnected, conn.State())
}

func TestSource_SharedFilterAcrossSources(t *testing.T) {
	registry, broker := newTestRegistry(t)
	first := newTestSource(t, registry, connector.SourceConfig{Name: "audit", Topic: "orders/#"}, nil)
	second := newTestSource(t, registry, connector.SourceConfig{Name: "billing", Topic: "orders/#"}, nil)

	a, err := first.Stream(testContext(t))
	require.NoError(t, err)
	b, err := second.Stream(testContext(t))
	require.NoError(t, err)

	broker.Inject("orders/1", []byte("one"), 0, false)
	assert.Equal(t, []byte("one"), nextMessage(t, a).Payload)
	assert.Equal(t, []byte("one"), nextMessage(t, b).Payload)

	a.Cancel()
	assert.Empty(t, broker.Unsubscribes(), "billing still needs the filter")
	assert.True(t, second.IsSubscribed())

	broker.Inject("orders/2", []byte("two"), 0, false)
	assert.Equal(t, []byte("two"), nextMessage(t, b).Payload)

	b.Cancel()
	assert.Equal(t, []string{"orders/#"}, broker.Unsubscribes())
}

func TestSource_SubscribeFailure(t *testing.T) {
	registry, broker := newTestRegistry(t)
	broker.FailSubscriptions(errors.New("not authorised"))
	src := newTestSource(t, registry, connector.SourceConfig{Topic: "in"}, nil)

	_, err := src.Stream(testContext(t))
	require.ErrorIs(t, err, mqtt.ErrSubscribeFailed)
	assert.Equal(t, connector.SourceIdle, src.State())

	// Not terminal: a later stream retries.
	broker.FailSubscriptions(nil)
	_, err = src.Stream(testContext(t))
	assert.NoError(t, err)
}

func TestSource_ConnectTimeout(t *testing.T) {
	registry, broker := newTestRegistry(t)
	broker.HoldConnections(true)
	src := newTestSource(t, registry, connector.SourceConfig{Topic: "in"}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := src.Stream(ctx)
	assert.ErrorIs(t, err, mqtt.ErrTimeout)
	assert.False(t, src.IsSubscribed())
}

func TestSource_ConnectWaitBounded(t *testing.T) {
	registry, broker := newTestRegistry(t)
	broker.HoldConnections(true)
	src := newTestSource(t, registry, connector.SourceConfig{Topic: "in", ConnectWait: 50 * time.Millisecond}, nil)

	start := time.Now()
	_, err := src.Stream(context.Background())
	assert.ErrorIs(t, err, mqtt.ErrTimeout)
	assert.Less(t, time.Since(start), waitTimeout)

	conn, ok := registry.Lookup(testIdentity)
	require.True(t, ok)
	assert.Zero(t, conn.Users(), "failed stream must not keep the connection")
}

func TestSource_SubscriptionRestoredAfterReconnect(t *testing.T) {
	registry, broker := newTestRegistry(t)
	src := newTestSource(t, registry, connector.SourceConfig{Topic: "in"}, nil)

	st, err := src.Stream(testContext(t))
	require.NoError(t, err)

	broker.DropConnections(errors.New("network down"))
	assert.False(t, src.IsSubscribed())
	broker.Restore()
	require.Eventually(t, src.IsSubscribed, waitTimeout, 5*time.Millisecond)
	require.Eventually(t, func() bool { return broker.Clients()[0].Subscribed("in") }, waitTimeout, 5*time.Millisecond)

	broker.Inject("in", []byte("after"), 0, false)
	assert.Equal(t, []byte("after"), nextMessage(t, st).Payload)
}

func TestSource_CloseEndsStreams(t *testing.T) {
	registry, broker := newTestRegistry(t)
	src := newTestSource(t, registry, connector.SourceConfig{Topic: "in"}, nil)

	st, err := src.Stream(testContext(t))
	require.NoError(t, err)
	src.Close()

	_, err = st.Next(testContext(t))
	assert.ErrorIs(t, err, connector.ErrClosed)
	assert.Equal(t, []string{"in"}, broker.Unsubscribes())
}

func TestNewSource_InvalidConfig(t *testing.T) {
	registry, _ := newTestRegistry(t)

	tests := []struct {
		name string
		cfg  connector.SourceConfig
	}{
		{"bad filter", connector.SourceConfig{Name: "x", Topic: "a/#/b"}},
		{"bad qos", connector.SourceConfig{Name: "x", QoS: 3}},
		{"bad strategy", connector.SourceConfig{Name: "x", FailureStrategy: "retry"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := connector.NewSource(tt.cfg, registry, nil, nil)
			assert.ErrorIs(t, err, connector.ErrInvalidConfig)
		})
	}
}
