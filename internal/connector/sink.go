package connector

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-mqtt/internal/infrastructure/mqtt"
)

// Sink defaults.
const (
	// DefaultPublishTimeout bounds one publish when none is configured.
	DefaultPublishTimeout = 5 * time.Second

	// connectPollInterval is how often Run checks for an established connection.
	connectPollInterval = 100 * time.Millisecond

	// connectWarnInterval spaces the "still waiting" warnings while connecting.
	connectWarnInterval = 10 * time.Second
)

// SinkConfig describes an outbound channel.
type SinkConfig struct {
	Name string

	// Topic is the default topic for messages without an override.
	Topic string

	QoS    byte
	Retain bool

	// Codec encodes structured payloads. nil means JSON.
	Codec Codec

	// PublishTimeout bounds each publish. Zero means DefaultPublishTimeout.
	PublishTimeout time.Duration

	Identity mqtt.Identity
	Options  mqtt.Options
}

// Sink publishes application messages to a broker, one at a time, in the
// order they arrive.
//
// Each message is acknowledged when the broker confirms the publish at the
// requested QoS and negatively acknowledged when the publish fails or times
// out. A failed publish never stops the sink.
type Sink struct {
	cfg      SinkConfig
	registry *mqtt.Registry
	logger   Logger
	recorder Recorder

	ready atomic.Bool

	mu      sync.Mutex
	conn    *mqtt.Connection
	running bool
}

// NewSink validates cfg and creates a Sink.
func NewSink(cfg SinkConfig, registry *mqtt.Registry, logger Logger, recorder Recorder) (*Sink, error) {
	if err := mqtt.ValidateQoS(int(cfg.QoS)); err != nil {
		return nil, fmt.Errorf("%w: channel %q: %w", ErrInvalidConfig, cfg.Name, err)
	}
	if cfg.Topic != "" {
		if err := mqtt.ValidateTopicName(cfg.Topic); err != nil {
			return nil, fmt.Errorf("%w: channel %q: %w", ErrInvalidConfig, cfg.Name, err)
		}
	}
	if cfg.Codec == nil {
		cfg.Codec = jsonCodec{}
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}

	return &Sink{
		cfg:      cfg,
		registry: registry,
		logger:   orNoopLogger(logger),
		recorder: orNoopRecorder(recorder),
	}, nil
}

// Name returns the channel name.
func (s *Sink) Name() string {
	return s.cfg.Name
}

// Config returns the resolved channel configuration.
func (s *Sink) Config() SinkConfig {
	return s.cfg
}

// IsReady reports whether the sink is running on an established connection.
func (s *Sink) IsReady() bool {
	return s.ready.Load()
}

// Run connects, then publishes every message received from msgs until the
// channel is closed or ctx is done. It returns nil when msgs is closed and
// ctx.Err() when cancelled. Either way the sink releases its connection and
// clears readiness before Run returns; the session is disconnected unless
// another channel still holds it.
//
// Run may be called again after it returns, but not concurrently.
func (s *Sink) Run(ctx context.Context, msgs <-chan *OutboundMessage) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("%w: channel %q is already running", ErrStreamActive, s.cfg.Name)
	}
	s.running = true
	s.mu.Unlock()

	conn, err := s.connect(ctx)
	if err != nil {
		s.stop(nil, nil)
		s.logger.Error("sink failed to connect", "channel", s.cfg.Name, "error", err)
		return err
	}

	removeListener := conn.OnStateChange(func(st mqtt.State) {
		s.ready.Store(st == mqtt.StateConnected)
	})
	s.ready.Store(conn.IsConnected())
	s.logger.Info("sink ready", "channel", s.cfg.Name, "broker", s.cfg.Identity.String())

	for {
		select {
		case <-ctx.Done():
			s.stop(conn, removeListener)
			s.logger.Info("sink stopped", "channel", s.cfg.Name, "reason", ctx.Err())
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				s.stop(conn, removeListener)
				s.logger.Info("sink input completed", "channel", s.cfg.Name)
				return nil
			}
			s.send(ctx, conn, msg)
		}
	}
}

// connect obtains and holds the shared connection, then polls until it is
// established. There is no deadline beyond ctx; a connection that gives up
// (reconnect attempts exhausted) ends the wait with its error. The hold is
// dropped again on error.
func (s *Sink) connect(ctx context.Context) (conn *mqtt.Connection, err error) {
	conn = s.registry.GetOrConnect(s.cfg.Identity, s.cfg.Options)
	conn.Acquire()
	defer func() {
		if err != nil {
			conn.Release()
		}
	}()
	if st := conn.State(); st == mqtt.StateDisconnected || st == mqtt.StateFailed {
		conn.Connect()
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	ticker := time.NewTicker(connectPollInterval)
	defer ticker.Stop()
	started := time.Now()
	lastWarn := started

	for {
		switch conn.State() {
		case mqtt.StateConnected:
			return conn, nil
		case mqtt.StateFailed:
			return nil, fmt.Errorf("channel %q: %w", s.cfg.Name, conn.Err())
		case mqtt.StateDisconnected:
			conn.Connect()
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case now := <-ticker.C:
			if now.Sub(lastWarn) >= connectWarnInterval {
				lastWarn = now
				s.logger.Warn("sink still waiting for broker connection",
					"channel", s.cfg.Name,
					"broker", s.cfg.Identity.String(),
					"waited", now.Sub(started).Round(time.Second),
				)
			}
		}
	}
}

// send publishes one message and acknowledges it.
func (s *Sink) send(ctx context.Context, conn *mqtt.Connection, msg *OutboundMessage) {
	if msg == nil {
		return
	}

	topic, ok := msg.Topic()
	if !ok {
		topic = s.cfg.Topic
	}
	if topic == "" {
		s.logger.Warn("no topic for outbound message, dropping", "channel", s.cfg.Name)
		s.recorder.RecordMessage(s.cfg.Name, DirectionOutgoing, OutcomeDrop)
		msg.Ack()
		return
	}

	qos := s.cfg.QoS
	if q, ok := msg.QoS(); ok {
		qos = q
	}
	retain := s.cfg.Retain
	if r, ok := msg.Retain(); ok {
		retain = r
	}

	payload, err := encodePayload(msg.Payload, s.cfg.Codec)
	if err != nil {
		s.nack(msg, topic, err)
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, s.cfg.PublishTimeout)
	defer cancel()

	// Reconnect on drop: a disconnected handle is re-initiated and the
	// publish waits for it within its own timeout.
	if !conn.IsConnected() {
		if st := conn.State(); st == mqtt.StateDisconnected || st == mqtt.StateFailed {
			conn.Connect()
		}
		if err := conn.AwaitConnected(pubCtx); err != nil {
			s.nack(msg, topic, err)
			return
		}
	}

	if err := conn.Publish(pubCtx, topic, payload, qos, retain); err != nil {
		s.nack(msg, topic, err)
		return
	}

	s.recorder.RecordMessage(s.cfg.Name, DirectionOutgoing, OutcomeAck)
	msg.Ack()
}

func (s *Sink) nack(msg *OutboundMessage, topic string, err error) {
	s.logger.Warn("publish failed",
		"channel", s.cfg.Name,
		"topic", topic,
		"error", err,
	)
	s.recorder.RecordMessage(s.cfg.Name, DirectionOutgoing, OutcomeNack)
	msg.Nack(err)
}

// stop clears readiness and releases the sink's connection.
func (s *Sink) stop(conn *mqtt.Connection, removeListener func()) {
	if removeListener != nil {
		removeListener()
	}
	s.ready.Store(false)
	if conn != nil {
		conn.Release()
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// connection returns the connection handle once Run obtained one.
func (s *Sink) connection() *mqtt.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}
