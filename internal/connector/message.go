package connector

import "sync"

// InboundMessage is a publish received from the broker and delivered to a
// stream consumer.
//
// Ack and Nack are idempotent: only the first call of either has an effect.
type InboundMessage struct {
	Topic     string
	Payload   []byte
	QoS       byte
	Retained  bool
	Duplicate bool
	MessageID uint16

	once   sync.Once
	onAck  func()
	onNack func(error)
}

// Ack confirms the message was processed.
func (m *InboundMessage) Ack() {
	m.once.Do(func() {
		if m.onAck != nil {
			m.onAck()
		}
	})
}

// Nack reports that processing failed. What happens next depends on the
// source's failure strategy.
func (m *InboundMessage) Nack(err error) {
	if err == nil {
		err = ErrNacked
	}
	m.once.Do(func() {
		if m.onNack != nil {
			m.onNack(err)
		}
	})
}

// OutboundMessage is an application message handed to a Sink.
//
// Topic, QoS and retain are optional per-message overrides; the sink's
// channel configuration supplies the defaults.
type OutboundMessage struct {
	Payload any

	topic     string
	qos       byte
	hasQoS    bool
	retain    bool
	hasRetain bool

	once sync.Once
	ack  func()
	nack func(error)
}

// OutboundOption configures an OutboundMessage.
type OutboundOption func(*OutboundMessage)

// NewOutboundMessage wraps payload for publishing.
//
//	msg := connector.NewOutboundMessage(reading,
//	    connector.WithTopic("sensors/room1/temp"),
//	    connector.WithQoS(1),
//	    connector.WithAck(func() { ... }),
//	)
func NewOutboundMessage(payload any, opts ...OutboundOption) *OutboundMessage {
	m := &OutboundMessage{Payload: payload}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// WithTopic overrides the channel's default topic. An empty topic means no override.
func WithTopic(topic string) OutboundOption {
	return func(m *OutboundMessage) {
		m.topic = topic
	}
}

// WithQoS overrides the channel's QoS.
func WithQoS(qos byte) OutboundOption {
	return func(m *OutboundMessage) {
		m.qos = qos
		m.hasQoS = true
	}
}

// WithRetain overrides the channel's retain flag.
func WithRetain(retain bool) OutboundOption {
	return func(m *OutboundMessage) {
		m.retain = retain
		m.hasRetain = true
	}
}

// WithAck sets the callback run when the publish succeeds.
func WithAck(fn func()) OutboundOption {
	return func(m *OutboundMessage) {
		m.ack = fn
	}
}

// WithNack sets the callback run when the publish fails.
func WithNack(fn func(error)) OutboundOption {
	return func(m *OutboundMessage) {
		m.nack = fn
	}
}

// Topic returns the topic override, if any.
func (m *OutboundMessage) Topic() (string, bool) {
	return m.topic, m.topic != ""
}

// QoS returns the QoS override, if any.
func (m *OutboundMessage) QoS() (byte, bool) {
	return m.qos, m.hasQoS
}

// Retain returns the retain override, if any.
func (m *OutboundMessage) Retain() (bool, bool) {
	return m.retain, m.hasRetain
}

// Ack runs the ack callback. Only the first Ack or Nack has an effect.
func (m *OutboundMessage) Ack() {
	m.once.Do(func() {
		if m.ack != nil {
			m.ack()
		}
	})
}

// Nack runs the nack callback. Only the first Ack or Nack has an effect.
func (m *OutboundMessage) Nack(err error) {
	if err == nil {
		err = ErrNacked
	}
	m.once.Do(func() {
		if m.nack != nil {
			m.nack(err)
		}
	})
}
