package connector

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-mqtt/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-mqtt/internal/infrastructure/mqtt"
)

// startupProbeTimeout bounds the diagnostic probe fired per channel at construction.
const startupProbeTimeout = 45 * time.Second

// Deps holds the collaborators of a Connector. Every field is optional.
type Deps struct {
	// Registry shares broker connections. A new one is created when nil and
	// closed by Connector.Close.
	Registry *mqtt.Registry

	Logger   Logger
	Recorder Recorder

	// Version is reported in status messages.
	Version string

	// DisableStartupProbe skips the diagnostic probe fired for each channel.
	DisableStartupProbe bool
}

// ChannelHealth is one channel's entry in a HealthReport.
type ChannelHealth struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// HealthReport aggregates channel health. OK is true only when every channel
// is OK, and vacuously true without channels.
type HealthReport struct {
	OK       bool                     `json:"ok"`
	Channels map[string]ChannelHealth `json:"channels"`
}

func newHealthReport() HealthReport {
	return HealthReport{OK: true, Channels: make(map[string]ChannelHealth)}
}

// add records a channel result. An incoming and an outgoing channel with
// the same name share one entry.
func (r *HealthReport) add(name string, ok bool, message string) {
	if prev, exists := r.Channels[name]; exists {
		ok = ok && prev.OK
		message = strings.TrimPrefix(prev.Message+"; "+message, "; ")
	}
	r.Channels[name] = ChannelHealth{OK: ok, Message: message}
	r.OK = r.OK && ok
}

// channelProbe is the active liveness check of one channel.
type channelProbe struct {
	prober  *mqtt.Prober
	id      mqtt.Identity
	opts    mqtt.Options
	enabled bool
}

// Connector builds the configured channels and reports their health.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Connector struct {
	registry     *mqtt.Registry
	ownsRegistry bool
	logger       Logger
	recorder     Recorder

	sources    map[string]*Source
	sinks      map[string]*Sink
	probes     map[string]channelProbe
	status     *StatusReporter
	statusConn *mqtt.Connection

	probeCtx    context.Context
	probeCancel context.CancelFunc
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// New builds every channel in cfg. Configuration errors fail construction;
// broker reachability never does. Unless disabled, each channel fires a
// non-blocking startup probe whose result is only logged.
func New(cfg *config.Config, deps Deps) (*Connector, error) {
	c := &Connector{
		registry: deps.Registry,
		logger:   orNoopLogger(deps.Logger),
		recorder: orNoopRecorder(deps.Recorder),
		sources:  make(map[string]*Source),
		sinks:    make(map[string]*Sink),
		probes:   make(map[string]channelProbe),
	}
	if c.registry == nil {
		c.registry = mqtt.NewRegistry(mqtt.WithLogger(c.logger))
		c.ownsRegistry = true
	}
	c.probeCtx, c.probeCancel = context.WithCancel(context.Background())

	for _, name := range sortedNames(cfg.Channels.Incoming) {
		if err := c.addSource(cfg, name, cfg.Channels.Incoming[name]); err != nil {
			c.Close()
			return nil, err
		}
	}
	for _, name := range sortedNames(cfg.Channels.Outgoing) {
		if err := c.addSink(cfg, name, cfg.Channels.Outgoing[name]); err != nil {
			c.Close()
			return nil, err
		}
	}

	if cfg.Status.Enabled {
		status, err := c.newStatusReporter(cfg, deps.Version)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.status = status
	}

	if !deps.DisableStartupProbe {
		for _, name := range sortedNames(c.probes) {
			c.startupProbe(name, c.probes[name])
		}
	}

	return c, nil
}

func (c *Connector) addSource(cfg *config.Config, name string, ch config.IncomingChannelConfig) error {
	broker := cfg.ResolveBroker(ch.Broker)
	id, opts, err := mqtt.FromConfig(broker)
	if err != nil {
		return fmt.Errorf("%w: channel %q: %w", ErrInvalidConfig, name, err)
	}
	strategy, err := ParseFailureStrategy(ch.FailureStrategy)
	if err != nil {
		return fmt.Errorf("%w: channel %q: %w", ErrInvalidConfig, name, err)
	}

	src, err := NewSource(SourceConfig{
		Name:            name,
		Topic:           ch.Topic,
		QoS:             qosOrZero(ch.QoS),
		Broadcast:       ch.Broadcast,
		FailureStrategy: strategy,
		BufferSize:      ch.BufferSize,
		IntakeSize:      ch.IntakeSize,
		ConnectWait:     time.Duration(broker.HealthCheck.ConnectWaitSeconds) * time.Second,
		Identity:        id,
		Options:         opts,
	}, c.registry, c.logger, c.recorder)
	if err != nil {
		return err
	}

	c.sources[name] = src
	c.addProbe(name, broker, id, opts)
	return nil
}

func (c *Connector) addSink(cfg *config.Config, name string, ch config.OutgoingChannelConfig) error {
	broker := cfg.ResolveBroker(ch.Broker)
	id, opts, err := mqtt.FromConfig(broker)
	if err != nil {
		return fmt.Errorf("%w: channel %q: %w", ErrInvalidConfig, name, err)
	}
	codec, err := CodecByName(ch.PayloadCodec)
	if err != nil {
		return fmt.Errorf("channel %q: %w", name, err)
	}

	topic := ch.Topic
	if topic == "" {
		topic = name
	}

	sink, err := NewSink(SinkConfig{
		Name:           name,
		Topic:          topic,
		QoS:            qosOrZero(ch.QoS),
		Retain:         ch.Retain,
		Codec:          codec,
		PublishTimeout: time.Duration(ch.PublishTimeoutSeconds) * time.Second,
		Identity:       id,
		Options:        opts,
	}, c.registry, c.logger, c.recorder)
	if err != nil {
		return err
	}

	c.sinks[name] = sink
	if _, exists := c.probes[name]; !exists {
		c.addProbe(name, broker, id, opts)
	}
	return nil
}

func (c *Connector) addProbe(name string, broker config.BrokerConfig, id mqtt.Identity, opts mqtt.Options) {
	hc := broker.HealthCheck
	prober := mqtt.NewProber(c.registry, mqtt.ProbeConfig{
		Topic:            hc.Topic,
		ConnectWait:      time.Duration(hc.ConnectWaitSeconds) * time.Second,
		ConnectTimeout:   time.Duration(hc.ConnectTimeoutSeconds) * time.Second,
		OperationTimeout: time.Duration(hc.ConnectTimeoutSeconds) * time.Second,
		EchoTimeout:      time.Duration(hc.TimeoutSeconds) * time.Second,
	}, c.logger)
	prober.SetObserver(func(id mqtt.Identity, reachable bool, elapsed time.Duration) {
		c.recorder.RecordProbe(id.String(), reachable, elapsed)
	})
	c.probes[name] = channelProbe{prober: prober, id: id, opts: opts, enabled: hc.ProbeEnabled()}
}

// startupProbe logs whether a channel's broker is reachable. It never blocks
// construction and its result has no effect on the channel.
func (c *Connector) startupProbe(name string, p channelProbe) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.probeCtx, startupProbeTimeout)
		defer cancel()
		if p.prober.IsReachable(ctx, p.id, p.opts) {
			c.logger.Info("broker reachable", "channel", name, "broker", p.id.String())
		}
	}()
}

// Start begins background work: the status reporter, when configured.
func (c *Connector) Start(ctx context.Context) {
	if c.status != nil {
		c.status.Start(ctx)
	}
}

// Source returns the inbound channel called name.
func (c *Connector) Source(name string) (*Source, error) {
	src, ok := c.sources[name]
	if !ok {
		return nil, fmt.Errorf("%w: incoming %q", ErrUnknownChannel, name)
	}
	return src, nil
}

// Sink returns the outbound channel called name.
func (c *Connector) Sink(name string) (*Sink, error) {
	sink, ok := c.sinks[name]
	if !ok {
		return nil, fmt.Errorf("%w: outgoing %q", ErrUnknownChannel, name)
	}
	return sink, nil
}

// Sources returns the inbound channel names, sorted.
func (c *Connector) Sources() []string {
	return sortedNames(c.sources)
}

// Sinks returns the outbound channel names, sorted.
func (c *Connector) Sinks() []string {
	return sortedNames(c.sinks)
}

// Registry returns the connection registry in use.
func (c *Connector) Registry() *mqtt.Registry {
	return c.registry
}

// Stats summarises connections and channel states.
type Stats struct {
	Connections int               `json:"connections"`
	Sources     map[string]string `json:"sources"`
	Sinks       map[string]bool   `json:"sinks"`
}

// Stats returns the connection count and each channel's state: the source
// lifecycle state and whether each sink is ready.
func (c *Connector) Stats() Stats {
	st := Stats{
		Connections: c.registry.Len(),
		Sources:     make(map[string]string, len(c.sources)),
		Sinks:       make(map[string]bool, len(c.sinks)),
	}
	for name, src := range c.sources {
		st.Sources[name] = string(src.State())
	}
	for name, sink := range c.sinks {
		st.Sinks[name] = sink.IsReady()
	}
	return st
}

// Readiness reports whether every channel can accept work: sources are
// subscribed and sinks are running on an established connection.
func (c *Connector) Readiness() HealthReport {
	report := newHealthReport()
	for name, src := range c.sources {
		if src.IsSubscribed() {
			report.add(name, true, "subscribed to "+src.cfg.Topic)
		} else {
			report.add(name, false, "not subscribed")
		}
	}
	for name, sink := range c.sinks {
		if sink.IsReady() {
			report.add(name, true, "connected")
		} else {
			report.add(name, false, "not connected")
		}
	}
	return report
}

// IsReady is Readiness().OK.
func (c *Connector) IsReady() bool {
	return c.Readiness().OK
}

// Liveness reports whether the process should keep running: no channel is
// terminally failed and no channel's connection gave up. Channels with the
// active health check enabled must also pass a broker round-trip.
func (c *Connector) Liveness(ctx context.Context) HealthReport {
	report := newHealthReport()

	for name, src := range c.sources {
		if err := src.Err(); err != nil {
			report.add(name, false, err.Error())
			continue
		}
		if ok, msg := connectionAlive(src.connection()); !ok {
			report.add(name, false, msg)
			continue
		}
		report.add(name, true, "")
	}
	for name, sink := range c.sinks {
		if ok, msg := connectionAlive(sink.connection()); !ok {
			report.add(name, false, msg)
			continue
		}
		report.add(name, true, "")
	}

	for _, name := range sortedNames(c.probes) {
		p := c.probes[name]
		if !p.enabled {
			continue
		}
		if !p.prober.IsReachable(ctx, p.id, p.opts) {
			report.add(name, false, "broker unreachable")
		}
	}

	return report
}

func connectionAlive(conn *mqtt.Connection) (bool, string) {
	if conn == nil || conn.State() != mqtt.StateFailed {
		return true, ""
	}
	if err := conn.Err(); err != nil {
		return false, err.Error()
	}
	return false, "connection failed"
}

// Close stops the status reporter, ends every stream and, when the
// connector created its registry, disconnects every broker connection.
// Running sinks should be stopped by their callers first.
func (c *Connector) Close() {
	c.closeOnce.Do(func() {
		c.probeCancel()
		if c.status != nil {
			c.status.Stop()
			c.statusConn.Release()
		}
		for _, src := range c.sources {
			src.Close()
		}
		c.wg.Wait()
		if c.ownsRegistry {
			c.registry.Close()
		}
	})
}

func qosOrZero(q *int) byte {
	if q == nil || *q < 0 {
		return 0
	}
	return byte(*q) // #nosec G115 -- validated to be 0..2
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
