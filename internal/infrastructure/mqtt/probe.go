package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Probe defaults.
const (
	DefaultProbeTopicPrefix    = "mqttbridge/probe/"
	DefaultProbeConnectWait    = 10 * time.Second
	DefaultProbeConnectTimeout = 5 * time.Second
	DefaultProbeOpTimeout      = 5 * time.Second
	DefaultProbeEchoTimeout    = 15 * time.Second

	// probeQoS is at-least-once so the echo survives a broker hiccup.
	probeQoS = 1

	// probeMarkerPrefix prefixes the per-probe marker payload.
	probeMarkerPrefix = "ping-"
)

const unreachableAdvisory = `Unable to reach MQTT broker.
Possible causes:
- Incorrect host or port (check the broker address).
- Authentication failure (verify username/password).
- The MQTT broker is down or unreachable.
- Network issues (firewall, VPN, or DNS misconfiguration).

Review the configuration and try again.`

// ProbeConfig controls a reachability probe.
type ProbeConfig struct {
	// Topic is both subscribed and published to. It must be a plain topic.
	// Empty selects DefaultProbeTopicPrefix plus the connection's client ID,
	// so probes from different bridges never see each other's markers.
	// A Source whose filter matches the probe topic receives the markers.
	Topic string

	// ConnectWait bounds the wait for an already-initiated connect.
	ConnectWait time.Duration

	// ConnectTimeout bounds the explicit connect issued when the wait failed.
	ConnectTimeout time.Duration

	// OperationTimeout bounds the subscribe and the publish.
	OperationTimeout time.Duration

	// EchoTimeout bounds the wait for the published marker to come back.
	EchoTimeout time.Duration
}

// DefaultProbeConfig returns the standard probe timings.
func DefaultProbeConfig() ProbeConfig {
	return ProbeConfig{
		ConnectWait:      DefaultProbeConnectWait,
		ConnectTimeout:   DefaultProbeConnectTimeout,
		OperationTimeout: DefaultProbeOpTimeout,
		EchoTimeout:      DefaultProbeEchoTimeout,
	}
}

// ProbeObserver receives the outcome of every probe.
type ProbeObserver func(id Identity, reachable bool, elapsed time.Duration)

// Prober performs active broker round-trips: subscribe to a probe topic,
// publish a unique marker, and wait for it to echo back.
type Prober struct {
	registry *Registry
	cfg      ProbeConfig
	logger   Logger
	observer ProbeObserver
}

// NewProber creates a prober that obtains connections from registry.
// Zero fields in cfg take their defaults.
func NewProber(registry *Registry, cfg ProbeConfig, logger Logger) *Prober {
	def := DefaultProbeConfig()
	if cfg.ConnectWait <= 0 {
		cfg.ConnectWait = def.ConnectWait
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = def.OperationTimeout
	}
	if cfg.EchoTimeout <= 0 {
		cfg.EchoTimeout = def.EchoTimeout
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Prober{registry: registry, cfg: cfg, logger: logger}
}

// SetObserver installs a callback invoked after each probe.
func (p *Prober) SetObserver(fn ProbeObserver) {
	p.observer = fn
}

// Config returns the effective probe configuration.
func (p *Prober) Config() ProbeConfig {
	return p.cfg
}

// IsReachable reports whether a broker round-trip succeeds for id.
// Every failure, including a panic inside the round-trip, yields false and
// logs an advisory at warn level. It never returns an error.
func (p *Prober) IsReachable(ctx context.Context, id Identity, opts Options) (reachable bool) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("MQTT probe panic recovered", "broker", id.String(), "panic", r)
			reachable = false
		}
		if !reachable {
			p.logger.Warn(unreachableAdvisory, "broker", id.String())
		}
		if p.observer != nil {
			p.observer(id, reachable, time.Since(start))
		}
	}()

	conn := p.registry.GetOrConnect(id, opts)
	conn.Acquire()
	defer conn.Release()

	if err := p.ensureConnected(ctx, conn); err != nil {
		p.logger.Error("unable to connect to MQTT broker", "broker", id.String(), "error", err)
		return false
	}

	if err := p.roundTrip(ctx, conn); err != nil {
		p.logger.Debug("MQTT probe round-trip failed", "broker", id.String(), "error", err)
		return false
	}
	return true
}

// ensureConnected waits for a pending connect, then tries once more
// explicitly before giving up. The caller holds a reference on conn, so the
// explicit connect is released with it.
func (p *Prober) ensureConnected(ctx context.Context, conn *Connection) error {
	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectWait)
	err := conn.AwaitConnected(waitCtx)
	cancel()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	conn.Connect()
	connectCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()
	return conn.AwaitConnected(connectCtx)
}

// roundTrip subscribes, publishes a marker and waits for the echo.
// A successful subscription is removed exactly once on every path.
func (p *Prober) roundTrip(ctx context.Context, conn *Connection) (err error) {
	conn.probeMu.Lock()
	defer conn.probeMu.Unlock()

	topic := p.topicFor(conn)
	marker := probeMarkerPrefix + uuid.NewString()
	echoed := make(chan struct{})
	var once sync.Once

	handler := func(msg Message) error {
		if string(msg.Payload) == marker {
			once.Do(func() { close(echoed) })
		}
		return nil
	}

	subCtx, cancel := timeoutContext(ctx, p.cfg.OperationTimeout)
	sub, err := conn.SubscribeTransient(subCtx, topic, probeQoS, handler)
	cancel()
	if err != nil {
		return err
	}
	defer func() {
		// Cleanup must run even when ctx is already done.
		cleanupCtx, cancel := context.WithTimeout(context.Background(), p.cfg.OperationTimeout)
		defer cancel()
		if uerr := sub.Unsubscribe(cleanupCtx); uerr != nil && !errors.Is(uerr, ErrNotConnected) {
			p.logger.Debug("MQTT probe unsubscribe failed", "topic", topic, "error", uerr)
		}
	}()

	pubCtx, cancel := timeoutContext(ctx, p.cfg.OperationTimeout)
	err = conn.Publish(pubCtx, topic, []byte(marker), probeQoS, false)
	cancel()
	if err != nil {
		return err
	}

	timer := time.NewTimer(p.cfg.EchoTimeout)
	defer timer.Stop()
	select {
	case <-echoed:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: no echo on %q within %v", ErrTimeout, topic, p.cfg.EchoTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// topicFor returns the probe topic used on conn.
func (p *Prober) topicFor(conn *Connection) string {
	if p.cfg.Topic != "" {
		return p.cfg.Topic
	}
	return ProbeTopic(conn.ClientID())
}

// ProbeTopic returns the default probe topic for clientID. Wildcard
// characters in the client ID are replaced so the result is a plain topic.
func ProbeTopic(clientID string) string {
	r := strings.NewReplacer("+", "_", "#", "_", "/", "_")
	return DefaultProbeTopicPrefix + r.Replace(clientID)
}
