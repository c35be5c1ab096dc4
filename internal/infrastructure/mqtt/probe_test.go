package mqtt_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-mqtt/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-mqtt/internal/infrastructure/mqtt/mqtttest"
)

func fastProbeConfig() mqtt.ProbeConfig {
	return mqtt.ProbeConfig{
		Topic:            "pong",
		ConnectWait:      200 * time.Millisecond,
		ConnectTimeout:   200 * time.Millisecond,
		OperationTimeout: 200 * time.Millisecond,
		EchoTimeout:      100 * time.Millisecond,
	}
}

func countUnsubscribes(broker *mqtttest.Broker, filter string) int {
	n := 0
	for _, f := range broker.Unsubscribes() {
		if f == filter {
			n++
		}
	}
	return n
}

func TestProber_Reachable(t *testing.T) {
	registry, broker := newTestRegistry(t)
	prober := mqtt.NewProber(registry, fastProbeConfig(), nil)

	var observed []bool
	prober.SetObserver(func(_ mqtt.Identity, reachable bool, _ time.Duration) {
		observed = append(observed, reachable)
	})

	if !prober.IsReachable(context.Background(), testIdentity, mqtt.DefaultOptions()) {
		t.Fatal("IsReachable() = false, want true")
	}
	if got := countUnsubscribes(broker, "pong"); got != 1 {
		t.Errorf("unsubscribes from pong = %d, want 1", got)
	}
	if len(observed) != 1 || !observed[0] {
		t.Errorf("observer saw %v, want [true]", observed)
	}

	pubs := broker.PublishedTo("pong")
	if len(pubs) != 1 {
		t.Fatalf("publishes to pong = %d, want 1", len(pubs))
	}
	if len(pubs[0].Payload) <= len("ping-") || string(pubs[0].Payload[:5]) != "ping-" {
		t.Errorf("marker payload = %q, want ping-<uuid>", pubs[0].Payload)
	}
}

func TestProber_EchoTimeout(t *testing.T) {
	registry, broker := newTestRegistry(t)
	broker.DisableEcho()
	prober := mqtt.NewProber(registry, fastProbeConfig(), nil)

	if prober.IsReachable(context.Background(), testIdentity, mqtt.DefaultOptions()) {
		t.Fatal("IsReachable() = true without echo, want false")
	}
	if got := countUnsubscribes(broker, "pong"); got != 1 {
		t.Errorf("unsubscribes from pong = %d, want 1", got)
	}
}

func TestProber_IgnoresForeignPayloads(t *testing.T) {
	registry, broker := newTestRegistry(t)
	broker.DisableEcho()
	prober := mqtt.NewProber(registry, fastProbeConfig(), nil)

	// A different prober's marker on the same topic must not satisfy this probe.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				broker.Inject("pong", []byte("ping-someone-else"), 1, false)
				time.Sleep(5 * time.Millisecond)
			}
		}
	}()

	if prober.IsReachable(context.Background(), testIdentity, mqtt.DefaultOptions()) {
		t.Error("IsReachable() = true on foreign marker, want false")
	}
}

func TestProber_SubscribeFailure(t *testing.T) {
	registry, broker := newTestRegistry(t)
	broker.FailSubscriptions(errors.New("not authorized"))
	prober := mqtt.NewProber(registry, fastProbeConfig(), nil)

	if prober.IsReachable(context.Background(), testIdentity, mqtt.DefaultOptions()) {
		t.Fatal("IsReachable() = true, want false")
	}
	// The broker never acknowledged the subscription, so there is nothing to remove.
	if got := countUnsubscribes(broker, "pong"); got != 0 {
		t.Errorf("unsubscribes from pong = %d, want 0", got)
	}
	if len(broker.PublishedTo("pong")) != 0 {
		t.Error("marker published after failed subscribe")
	}
}

func TestProber_ConnectFailure(t *testing.T) {
	registry, broker := newTestRegistry(t)
	broker.RefuseConnections(errors.New("connection refused"))
	prober := mqtt.NewProber(registry, fastProbeConfig(), nil)

	if prober.IsReachable(context.Background(), testIdentity, mqtt.DefaultOptions()) {
		t.Fatal("IsReachable() = true, want false")
	}
	// The registry connect plus one explicit retry.
	if got := broker.Connects(); got != 2 {
		t.Errorf("Connects() = %d, want 2", got)
	}
	if len(broker.Subscribes()) != 0 {
		t.Error("probe subscribed without a connection")
	}
}

// panickyClient panics on Subscribe.
type panickyClient struct {
	*mqtttest.Client
}

func (panickyClient) Subscribe(string, byte, pahomqtt.MessageHandler) pahomqtt.Token {
	panic("subscribe exploded")
}

func TestProber_PanicYieldsFalse(t *testing.T) {
	broker := mqtttest.NewBroker()
	registry := mqtt.NewRegistry(mqtt.WithClientFactory(func(opts *pahomqtt.ClientOptions) pahomqtt.Client {
		return panickyClient{Client: broker.NewClient(opts).(*mqtttest.Client)}
	}))
	t.Cleanup(registry.Close)
	prober := mqtt.NewProber(registry, fastProbeConfig(), nil)

	if prober.IsReachable(context.Background(), testIdentity, mqtt.DefaultOptions()) {
		t.Fatal("IsReachable() = true, want false")
	}
	conn, _ := registry.Lookup(testIdentity)
	if got := conn.HandlerCount("pong"); got != 0 {
		t.Errorf("HandlerCount(pong) = %d after panic, want 0", got)
	}
}

func TestProber_ConcurrentProbes(t *testing.T) {
	registry, broker := newTestRegistry(t)
	prober := mqtt.NewProber(registry, fastProbeConfig(), nil)

	const probes = 4
	results := make([]bool, probes)
	var wg sync.WaitGroup
	for i := range probes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = prober.IsReachable(context.Background(), testIdentity, mqtt.DefaultOptions())
		}(i)
	}
	wg.Wait()

	for i, ok := range results {
		if !ok {
			t.Errorf("probe %d = false, want true", i)
		}
	}
	if got := countUnsubscribes(broker, "pong"); got != probes {
		t.Errorf("unsubscribes from pong = %d, want %d", got, probes)
	}
}

func TestNewProber_Defaults(t *testing.T) {
	prober := mqtt.NewProber(mqtt.NewRegistry(), mqtt.ProbeConfig{}, nil)
	if prober.Config() != mqtt.DefaultProbeConfig() {
		t.Errorf("Config() = %+v, want defaults %+v", prober.Config(), mqtt.DefaultProbeConfig())
	}
}

func TestIsReachable_DefaultTopicPerClient(t *testing.T) {
	registry, broker := newTestRegistry(t)
	cfg := fastProbeConfig()
	cfg.Topic = ""
	prober := mqtt.NewProber(registry, cfg, nil)

	id := testIdentity
	id.ClientID = "bridge-a"
	if !prober.IsReachable(context.Background(), id, mqtt.DefaultOptions()) {
		t.Fatal("IsReachable() = false, want true")
	}

	want := "mqttbridge/probe/bridge-a"
	if got := len(broker.PublishedTo(want)); got != 1 {
		t.Errorf("publishes to %s = %d, want 1", want, got)
	}
	if got := len(broker.PublishedTo("pong")); got != 0 {
		t.Errorf("publishes to pong = %d, want 0", got)
	}
}

func TestMarkerTopic(t *testing.T) {
	tests := []struct {
		clientID string
		want     string
	}{
		{"bridge", "mqttbridge/probe/bridge"},
		{"a/b+c#", "mqttbridge/probe/a_b_c_"},
	}
	for _, tt := range tests {
		got := mqtt.ProbeTopic(tt.clientID)
		if got != tt.want {
			t.Errorf("ProbeTopic(%q) = %q, want %q", tt.clientID, got, tt.want)
		}
		if err := mqtt.ValidateTopicName(got); err != nil {
			t.Errorf("ProbeTopic(%q) is not a plain topic: %v", tt.clientID, err)
		}
	}
}

func TestIsReachable_ReleasesConnection(t *testing.T) {
	registry, _ := newTestRegistry(t)
	prober := mqtt.NewProber(registry, fastProbeConfig(), nil)

	// Another user released the session before the check.
	conn := registry.GetOrConnect(testIdentity, mqtt.DefaultOptions())
	awaitConnected(t, conn)
	conn.Acquire()
	conn.Release()
	if conn.State() != mqtt.StateDisconnected {
		t.Fatalf("State() = %v, want %v", conn.State(), mqtt.StateDisconnected)
	}

	if !prober.IsReachable(context.Background(), testIdentity, mqtt.DefaultOptions()) {
		t.Fatal("IsReachable() = false, want true")
	}
	if conn.State() != mqtt.StateDisconnected {
		t.Errorf("State() after check = %v, want %v", conn.State(), mqtt.StateDisconnected)
	}
	if got := conn.Users(); got != 0 {
		t.Errorf("Users() = %d, want 0", got)
	}
}

func TestIsReachable_KeepsSessionHeldByOthers(t *testing.T) {
	registry, _ := newTestRegistry(t)
	prober := mqtt.NewProber(registry, fastProbeConfig(), nil)

	conn := registry.GetOrConnect(testIdentity, mqtt.DefaultOptions())
	conn.Acquire()
	defer conn.Release()
	awaitConnected(t, conn)

	if !prober.IsReachable(context.Background(), testIdentity, mqtt.DefaultOptions()) {
		t.Fatal("IsReachable() = false, want true")
	}
	if conn.State() != mqtt.StateConnected {
		t.Errorf("State() = %v, want %v", conn.State(), mqtt.StateConnected)
	}
}
