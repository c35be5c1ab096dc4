package connector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-mqtt/internal/infrastructure/mqtt"
)

// Source defaults.
const (
	// DefaultBufferSize is the per-stream prefetch between the broker
	// callback and the consumer.
	DefaultBufferSize = 16

	// DefaultIntakeSize is the queue between the broker callback and the
	// stream buffers.
	DefaultIntakeSize = 1024

	// DefaultConnectWait bounds how long the first Stream waits for the
	// shared connection before giving up.
	DefaultConnectWait = 10 * time.Second

	// unsubscribeTimeout bounds the UNSUBACK wait when the last stream goes away.
	unsubscribeTimeout = 5 * time.Second
)

// SourceState describes where a Source is in its lifecycle.
type SourceState string

const (
	// SourceIdle means no stream is active and nothing is subscribed.
	SourceIdle SourceState = "idle"

	// SourceSubscribed means the broker acknowledged the subscription.
	SourceSubscribed SourceState = "subscribed"

	// SourceFailed means a Nack under the fail strategy terminated the source.
	SourceFailed SourceState = "failed"
)

// SourceConfig describes an inbound channel.
type SourceConfig struct {
	Name string

	// Topic is the subscription filter and may contain wildcards.
	Topic string

	QoS             byte
	Broadcast       bool
	FailureStrategy FailureStrategy

	// BufferSize is the per-stream prefetch. Zero means DefaultBufferSize.
	BufferSize int

	// IntakeSize bounds the messages queued behind a slow consumer. Zero
	// means DefaultIntakeSize.
	IntakeSize int

	// ConnectWait bounds the connection wait of the first Stream, on top of
	// the caller's context. Zero means DefaultConnectWait.
	ConnectWait time.Duration

	Identity mqtt.Identity
	Options  mqtt.Options
}

// Source bridges one topic filter on a broker into application streams.
//
// The broker subscription is created on first demand (the first Stream
// call) and removed when the last stream is cancelled. Publishes whose
// topic does not match the filter are dropped.
//
// The broker callback never blocks. It queues each publish on a bounded
// intake, and a dispatcher goroutine feeds the streams from there, waiting
// while a stream buffer is full. When the intake is full as well, new
// publishes are dropped, logged, and recorded as OutcomeDrop; QoS 1 and 2
// publishes are already acknowledged to the broker at that point and are
// not redelivered.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Source struct {
	cfg      SourceConfig
	pattern  *mqtt.TopicPattern
	policy   ackPolicy
	registry *mqtt.Registry
	logger   Logger
	recorder Recorder

	// subMu serialises subscribe and unsubscribe decisions.
	// Lock order: subMu before mu.
	subMu sync.Mutex

	mu         sync.Mutex
	conn       *mqtt.Connection
	sub        *mqtt.Subscription
	stop       chan struct{}
	streams    map[*Stream]struct{}
	subscribed bool
	failed     error
}

// NewSource validates cfg and creates an idle Source.
func NewSource(cfg SourceConfig, registry *mqtt.Registry, logger Logger, recorder Recorder) (*Source, error) {
	if cfg.Topic == "" {
		cfg.Topic = cfg.Name
	}
	pattern, err := mqtt.CompilePattern(cfg.Topic)
	if err != nil {
		return nil, fmt.Errorf("%w: channel %q: %w", ErrInvalidConfig, cfg.Name, err)
	}
	if err := mqtt.ValidateQoS(int(cfg.QoS)); err != nil {
		return nil, fmt.Errorf("%w: channel %q: %w", ErrInvalidConfig, cfg.Name, err)
	}
	if cfg.FailureStrategy == "" {
		cfg.FailureStrategy = FailureFail
	}
	policy, err := newAckPolicy(cfg.FailureStrategy)
	if err != nil {
		return nil, fmt.Errorf("%w: channel %q: %w", ErrInvalidConfig, cfg.Name, err)
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.IntakeSize <= 0 {
		cfg.IntakeSize = DefaultIntakeSize
	}
	if cfg.ConnectWait <= 0 {
		cfg.ConnectWait = DefaultConnectWait
	}

	return &Source{
		cfg:      cfg,
		pattern:  pattern,
		policy:   policy,
		registry: registry,
		logger:   orNoopLogger(logger),
		recorder: orNoopRecorder(recorder),
		streams:  make(map[*Stream]struct{}),
	}, nil
}

// Name returns the channel name.
func (s *Source) Name() string {
	return s.cfg.Name
}

// Config returns the resolved channel configuration.
func (s *Source) Config() SourceConfig {
	return s.cfg
}

// Stream opens a stream of inbound messages.
//
// The first stream connects (sharing the registry connection) and blocks
// until the broker acknowledges the subscription or ctx is done. A
// non-broadcast source allows one active stream at a time.
func (s *Source) Stream(ctx context.Context) (*Stream, error) {
	st := newStream(s, s.cfg.BufferSize)

	s.mu.Lock()
	if s.failed != nil {
		err := s.failed
		s.mu.Unlock()
		return nil, err
	}
	if !s.cfg.Broadcast && len(s.streams) > 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: channel %q", ErrStreamActive, s.cfg.Name)
	}
	s.streams[st] = struct{}{}
	s.mu.Unlock()

	if err := s.ensureSubscribed(ctx); err != nil {
		s.mu.Lock()
		delete(s.streams, st)
		s.mu.Unlock()
		st.close(err)
		return nil, err
	}
	return st, nil
}

// ensureSubscribed connects and subscribes unless already subscribed.
// The Source holds a reference on the connection while subscribed.
func (s *Source) ensureSubscribed(ctx context.Context) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	s.mu.Lock()
	if s.subscribed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	conn := s.registry.GetOrConnect(s.cfg.Identity, s.cfg.Options)
	conn.Acquire()
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	if st := conn.State(); st == mqtt.StateDisconnected || st == mqtt.StateFailed {
		conn.Connect()
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectWait)
	err := conn.AwaitConnected(waitCtx)
	cancel()
	if err != nil {
		conn.Release()
		return fmt.Errorf("channel %q: %w", s.cfg.Name, err)
	}

	intake := make(chan mqtt.Message, s.cfg.IntakeSize)
	sub, err := conn.Subscribe(ctx, s.cfg.Topic, s.cfg.QoS, s.enqueue(intake))
	if err != nil {
		conn.Release()
		return fmt.Errorf("channel %q: %w", s.cfg.Name, err)
	}

	s.mu.Lock()
	if failed := s.failed; failed != nil {
		// Failed while subscribing; the subscription has no consumer.
		s.mu.Unlock()
		s.unsubscribe(conn, sub, nil)
		return failed
	}
	stop := make(chan struct{})
	s.sub = sub
	s.stop = stop
	s.subscribed = true
	s.mu.Unlock()

	go s.runDispatcher(intake, stop)

	s.logger.Info("subscribed",
		"channel", s.cfg.Name,
		"topic", s.cfg.Topic,
		"qos", s.cfg.QoS,
		"broker", s.cfg.Identity.String(),
	)
	return nil
}

// enqueue returns the broker callback for one subscription. It only
// filters and queues, so paho's router goroutine is never held up.
func (s *Source) enqueue(intake chan<- mqtt.Message) mqtt.MessageHandler {
	return func(m mqtt.Message) error {
		if !s.pattern.Matches(m.Topic) {
			s.logger.Debug("dropping publish outside channel filter",
				"channel", s.cfg.Name,
				"topic", m.Topic,
				"filter", s.cfg.Topic,
			)
			return nil
		}

		select {
		case intake <- m:
		default:
			s.recorder.RecordMessage(s.cfg.Name, DirectionIncoming, OutcomeDrop)
			s.logger.Warn("intake full, dropping publish",
				"channel", s.cfg.Name,
				"topic", m.Topic,
				"intake_size", s.cfg.IntakeSize,
			)
		}
		return nil
	}
}

// runDispatcher feeds queued publishes to the streams until stop closes.
// Delivery waits while a stream buffer is full.
func (s *Source) runDispatcher(intake <-chan mqtt.Message, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case m := <-intake:
			s.dispatch(m)
		}
	}
}

func (s *Source) dispatch(m mqtt.Message) {
	s.mu.Lock()
	streams := make([]*Stream, 0, len(s.streams))
	for st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.Unlock()

	for _, st := range streams {
		st.deliver(s.newInbound(m))
	}
}

func (s *Source) newInbound(m mqtt.Message) *InboundMessage {
	msg := &InboundMessage{
		Topic:     m.Topic,
		Payload:   m.Payload,
		QoS:       m.QoS,
		Retained:  m.Retained,
		Duplicate: m.Duplicate,
		MessageID: m.MessageID,
	}
	msg.onAck = func() {
		s.recorder.RecordMessage(s.cfg.Name, DirectionIncoming, OutcomeAck)
	}
	msg.onNack = func(err error) {
		s.recorder.RecordMessage(s.cfg.Name, DirectionIncoming, OutcomeNack)
		s.policy.nack(s, msg, err)
	}
	return msg
}

// release removes a cancelled stream and unsubscribes after the last one.
func (s *Source) release(st *Stream) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	s.mu.Lock()
	if _, ok := s.streams[st]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.streams, st)
	if len(s.streams) > 0 || !s.subscribed {
		s.mu.Unlock()
		return
	}
	conn, sub, stop := s.detachLocked()
	s.mu.Unlock()

	s.unsubscribe(conn, sub, stop)
}

// fail terminates the source: every stream ends with ErrSourceFailed
// wrapping cause and the subscription is removed.
func (s *Source) fail(cause error) {
	s.mu.Lock()
	if s.failed != nil {
		s.mu.Unlock()
		return
	}
	s.failed = fmt.Errorf("%w: channel %q: %w", ErrSourceFailed, s.cfg.Name, cause)
	failed := s.failed
	streams := s.streams
	s.streams = make(map[*Stream]struct{})
	conn, sub, stop := s.detachLocked()
	s.mu.Unlock()

	for st := range streams {
		st.close(failed)
	}
	if sub != nil {
		s.unsubscribe(conn, sub, stop)
	}
}

// Close ends every stream with ErrClosed and removes the subscription.
func (s *Source) Close() {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	s.mu.Lock()
	streams := s.streams
	s.streams = make(map[*Stream]struct{})
	conn, sub, stop := s.detachLocked()
	s.mu.Unlock()

	for st := range streams {
		st.close(ErrClosed)
	}
	if sub != nil {
		s.unsubscribe(conn, sub, stop)
	}
}

// detachLocked clears the subscription state and returns what unsubscribe
// needs. sub is nil when nothing was subscribed. Caller must hold s.mu.
func (s *Source) detachLocked() (*mqtt.Connection, *mqtt.Subscription, chan struct{}) {
	if !s.subscribed {
		return s.conn, nil, nil
	}
	sub, stop := s.sub, s.stop
	s.sub, s.stop = nil, nil
	s.subscribed = false
	return s.conn, sub, stop
}

// unsubscribe stops the dispatcher, removes sub and drops the Source's
// reference on conn.
func (s *Source) unsubscribe(conn *mqtt.Connection, sub *mqtt.Subscription, stop chan struct{}) {
	if stop != nil {
		close(stop)
	}
	defer conn.Release()

	ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
	defer cancel()
	if err := sub.Unsubscribe(ctx); err != nil {
		s.logger.Warn("unsubscribe failed", "channel", s.cfg.Name, "topic", s.cfg.Topic, "error", err)
		return
	}
	s.logger.Info("unsubscribed", "channel", s.cfg.Name, "topic", s.cfg.Topic)
}

// State returns the lifecycle state.
func (s *Source) State() SourceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.failed != nil:
		return SourceFailed
	case s.subscribed:
		return SourceSubscribed
	default:
		return SourceIdle
	}
}

// Err returns the terminal error of a failed source.
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// IsSubscribed reports whether the subscription is acknowledged and its
// connection is up.
func (s *Source) IsSubscribed() bool {
	s.mu.Lock()
	subscribed, conn := s.subscribed, s.conn
	s.mu.Unlock()
	return subscribed && conn != nil && conn.IsConnected()
}

// connection returns the connection handle once a stream requested one.
func (s *Source) connection() *mqtt.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Stream is one consumer's view of a Source.
//
// Next pulls one message per call; the bounded buffer behind it is the only
// prefetch. Once the stream ends, Next returns the terminal error and no
// buffered message is delivered after it.
type Stream struct {
	src  *Source
	ch   chan *InboundMessage
	done chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func newStream(src *Source, buffer int) *Stream {
	return &Stream{
		src:  src,
		ch:   make(chan *InboundMessage, buffer),
		done: make(chan struct{}),
	}
}

// Next returns the next message, blocking until one arrives, the stream
// ends, or ctx is done.
func (st *Stream) Next(ctx context.Context) (*InboundMessage, error) {
	if err := st.Err(); err != nil {
		return nil, err
	}

	select {
	case msg := <-st.ch:
		// A failure may have raced with the receive.
		if err := st.Err(); err != nil {
			return nil, err
		}
		return msg, nil
	case <-st.done:
		return nil, st.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel ends the stream. The broker subscription is removed when this was
// the source's last stream. Safe to call more than once.
func (st *Stream) Cancel() {
	st.close(ErrStreamCancelled)
	st.src.release(st)
}

// Done is closed when the stream ends.
func (st *Stream) Done() <-chan struct{} {
	return st.done
}

// Err returns why the stream ended, or nil while it is active.
func (st *Stream) Err() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.err
}

// deliver hands msg to the consumer, blocking while the buffer is full.
// It reports false if the stream ended first.
func (st *Stream) deliver(msg *InboundMessage) bool {
	select {
	case <-st.done:
		return false
	default:
	}
	select {
	case st.ch <- msg:
		return true
	case <-st.done:
		return false
	}
}

func (st *Stream) close(err error) {
	st.closeOnce.Do(func() {
		st.mu.Lock()
		st.err = err
		st.mu.Unlock()
		close(st.done)
	})
}
