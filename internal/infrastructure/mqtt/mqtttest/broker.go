// Package mqtttest provides an in-memory stand-in for a paho client and the
// broker behind it, for tests of code built on package mqtt.
//
//	broker := mqtttest.NewBroker()
//	registry := mqtt.NewRegistry(mqtt.WithClientFactory(broker.NewClient))
package mqtttest

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-mqtt/internal/infrastructure/mqtt"
)

// ErrNotConnected is returned by fake tokens for operations on a disconnected client.
var ErrNotConnected = errors.New("mqtttest: not connected")

// ErrAbandoned completes a held connect token when the client disconnects.
var ErrAbandoned = errors.New("mqtttest: connection attempt abandoned")

// Publish records one PUBLISH sent by a client.
type Publish struct {
	ClientID string
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// Broker routes publishes between fake clients and records traffic.
type Broker struct {
	mu           sync.Mutex
	clients      []*Client
	connects     int
	refuse       error
	hold         bool
	subscribeErr error
	publishHook  func(Publish) error
	noEcho       bool
	published    []Publish
	subscribes   []string
	unsubscribes []string
}

// NewBroker creates an empty fake broker.
func NewBroker() *Broker {
	return &Broker{}
}

// NewClient is an mqtt.ClientFactory.
func (b *Broker) NewClient(opts *pahomqtt.ClientOptions) pahomqtt.Client {
	c := &Client{
		broker: b,
		opts:   opts,
		subs:   make(map[string]pahomqtt.MessageHandler),
		router: newRouter(),
	}
	b.mu.Lock()
	b.clients = append(b.clients, c)
	b.mu.Unlock()
	return c
}

// Factory returns NewClient as an mqtt.ClientFactory.
func (b *Broker) Factory() mqtt.ClientFactory {
	return b.NewClient
}

// RefuseConnections makes every later Connect fail with err. nil accepts again.
func (b *Broker) RefuseConnections(err error) {
	b.mu.Lock()
	b.refuse = err
	b.mu.Unlock()
}

// HoldConnections makes later Connect calls hang like a retrying paho client.
func (b *Broker) HoldConnections(hold bool) {
	b.mu.Lock()
	b.hold = hold
	b.mu.Unlock()
}

// FailSubscriptions makes later Subscribe calls fail with err. nil accepts again.
func (b *Broker) FailSubscriptions(err error) {
	b.mu.Lock()
	b.subscribeErr = err
	b.mu.Unlock()
}

// SetPublishHook installs fn to decide each publish outcome. fn runs on its own
// goroutine and may block to simulate a slow broker.
func (b *Broker) SetPublishHook(fn func(Publish) error) {
	b.mu.Lock()
	b.publishHook = fn
	b.mu.Unlock()
}

// DisableEcho stops routing client publishes back to subscribers.
func (b *Broker) DisableEcho() {
	b.mu.Lock()
	b.noEcho = true
	b.mu.Unlock()
}

// Connects returns how many times any client called Connect.
func (b *Broker) Connects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

// Published returns a copy of every publish seen so far, in order.
func (b *Broker) Published() []Publish {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Publish(nil), b.published...)
}

// PublishedTo returns the publishes sent to topic.
func (b *Broker) PublishedTo(topic string) []Publish {
	var out []Publish
	for _, p := range b.Published() {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// Subscribes returns every filter subscribed so far, in order.
func (b *Broker) Subscribes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.subscribes...)
}

// Unsubscribes returns every filter unsubscribed so far, in order.
func (b *Broker) Unsubscribes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.unsubscribes...)
}

// Clients returns all clients created by the factory.
func (b *Broker) Clients() []*Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Client(nil), b.clients...)
}

// Inject delivers a publish from an outside producer to every connected
// client subscription whose filter matches topic. Handlers run on each
// client's router goroutine and Inject returns once they have, so a blocking
// handler blocks Inject as well as that client's acknowledgements.
func (b *Broker) Inject(topic string, payload []byte, qos byte, retained bool) {
	b.deliver(topic, payload, qos, retained, true)
}

// InjectUnfiltered delivers to every connected client subscription
// regardless of filter, as a broker with overlapping subscriptions would.
func (b *Broker) InjectUnfiltered(topic string, payload []byte, qos byte, retained bool) {
	b.deliver(topic, payload, qos, retained, false)
}

func (b *Broker) deliver(topic string, payload []byte, qos byte, retained, filtered bool) {
	for _, c := range b.Clients() {
		handlers := c.handlersFor(topic, filtered)
		if len(handlers) == 0 {
			continue
		}
		c.router.do(func() {
			for _, h := range handlers {
				h(c, newMessage(topic, payload, qos, retained))
			}
		})
	}
}

// DropConnections simulates a network failure on every connected client.
func (b *Broker) DropConnections(err error) {
	for _, c := range b.Clients() {
		c.drop(err)
	}
}

// Restore completes a reconnect on every client that was dropped.
func (b *Broker) Restore() {
	for _, c := range b.Clients() {
		c.restore()
	}
}

// Attempt invokes the connection-attempt handler n times on every client,
// as a retrying paho client would.
func (b *Broker) Attempt(n int) {
	for _, c := range b.Clients() {
		for range n {
			c.attempt()
		}
	}
}

// Client is a fake pahomqtt.Client bound to a Broker.
type Client struct {
	broker *Broker

	mu        sync.Mutex
	opts      *pahomqtt.ClientOptions
	connected bool
	dropped   bool
	pending   *token
	subs      map[string]pahomqtt.MessageHandler

	router *router
}

var _ pahomqtt.Client = (*Client)(nil)

// ClientID returns the client identifier from the options.
func (c *Client) ClientID() string {
	return c.opts.ClientID
}

// Options returns the options the client was created with.
func (c *Client) Options() *pahomqtt.ClientOptions {
	return c.opts
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) IsConnectionOpen() bool {
	return c.IsConnected()
}

func (c *Client) Connect() pahomqtt.Token {
	b := c.broker
	b.mu.Lock()
	b.connects++
	refuse, hold := b.refuse, b.hold
	b.mu.Unlock()

	c.attempt()

	tok := newToken()
	switch {
	case refuse != nil:
		tok.complete(refuse)
	case hold:
		c.mu.Lock()
		c.pending = tok
		c.mu.Unlock()
	default:
		c.mu.Lock()
		c.connected = true
		c.dropped = false
		c.mu.Unlock()
		c.notifyConnect()
		tok.complete(nil)
	}
	return tok
}

// Release completes a held connect successfully.
func (c *Client) Release() {
	c.mu.Lock()
	tok := c.pending
	c.pending = nil
	if tok != nil {
		c.connected = true
	}
	c.mu.Unlock()

	if tok == nil {
		return
	}
	c.notifyConnect()
	tok.complete(nil)
}

// notifyConnect runs the on-connect handler synchronously, before the connect
// token completes, so tests observe a settled state.
func (c *Client) notifyConnect() {
	if c.opts.OnConnect != nil {
		c.opts.OnConnect(c)
	}
}

func (c *Client) Disconnect(_ uint) {
	c.mu.Lock()
	c.connected = false
	c.dropped = false
	tok := c.pending
	c.pending = nil
	c.mu.Unlock()

	if tok != nil {
		tok.complete(ErrAbandoned)
	}
}

func (c *Client) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	tok := newToken()
	if !c.IsConnected() {
		tok.complete(ErrNotConnected)
		return tok
	}

	data, err := payloadBytes(payload)
	if err != nil {
		tok.complete(err)
		return tok
	}

	p := Publish{ClientID: c.ClientID(), Topic: topic, Payload: data, QoS: qos, Retained: retained}

	b := c.broker
	b.mu.Lock()
	b.published = append(b.published, p)
	hook, noEcho := b.publishHook, b.noEcho
	b.mu.Unlock()

	go func() {
		var err error
		if hook != nil {
			err = hook(p)
		}
		if qos == 0 {
			tok.complete(err)
		} else {
			// PUBACK and PUBCOMP are handled on the router.
			c.router.post(func() { tok.complete(err) })
		}
		if err == nil && !noEcho {
			b.Inject(p.Topic, p.Payload, p.QoS, false)
		}
	}()
	return tok
}

func (c *Client) Subscribe(topic string, _ byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	b := c.broker
	b.mu.Lock()
	b.subscribes = append(b.subscribes, topic)
	subErr := b.subscribeErr
	b.mu.Unlock()

	tok := newToken()
	switch {
	case !c.IsConnected():
		tok.complete(ErrNotConnected)
	case subErr != nil:
		tok.complete(subErr)
	default:
		c.mu.Lock()
		c.subs[topic] = callback
		c.mu.Unlock()
		c.router.post(func() { tok.complete(nil) })
	}
	return tok
}

func (c *Client) SubscribeMultiple(filters map[string]byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	var last pahomqtt.Token = completedToken(nil)
	for f, qos := range filters {
		t := c.Subscribe(f, qos, callback)
		if t.Error() != nil {
			return t
		}
		last = t
	}
	return last
}

func (c *Client) Unsubscribe(topics ...string) pahomqtt.Token {
	b := c.broker
	b.mu.Lock()
	b.unsubscribes = append(b.unsubscribes, topics...)
	b.mu.Unlock()

	c.mu.Lock()
	for _, t := range topics {
		delete(c.subs, t)
	}
	c.mu.Unlock()

	tok := newToken()
	c.router.post(func() { tok.complete(nil) })
	return tok
}

func (c *Client) AddRoute(topic string, callback pahomqtt.MessageHandler) {
	c.mu.Lock()
	c.subs[topic] = callback
	c.mu.Unlock()
}

func (c *Client) OptionsReader() pahomqtt.ClientOptionsReader {
	return pahomqtt.NewOptionsReader(c.opts)
}

// Subscribed reports whether the client currently holds a subscription to filter.
func (c *Client) Subscribed(filter string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[filter]
	return ok
}

func (c *Client) handlersFor(topic string, filtered bool) []pahomqtt.MessageHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	var out []pahomqtt.MessageHandler
	for filter, h := range c.subs {
		if filtered {
			p, err := mqtt.CompilePattern(filter)
			if err != nil || !p.Matches(topic) {
				continue
			}
		}
		out = append(out, h)
	}
	return out
}

func (c *Client) drop(err error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.dropped = true
	// A clean-session reconnect loses subscriptions.
	c.subs = make(map[string]pahomqtt.MessageHandler)
	c.mu.Unlock()

	if c.opts.OnConnectionLost != nil {
		c.opts.OnConnectionLost(c, err)
	}
}

func (c *Client) restore() {
	c.mu.Lock()
	if !c.dropped {
		c.mu.Unlock()
		return
	}
	c.dropped = false
	c.connected = true
	c.mu.Unlock()

	if c.opts.OnConnect != nil {
		c.opts.OnConnect(c)
	}
}

func (c *Client) attempt() {
	if c.opts.OnConnectAttempt == nil || len(c.opts.Servers) == 0 {
		return
	}
	c.opts.OnConnectAttempt(c.opts.Servers[0], &tls.Config{MinVersion: tls.VersionTLS12})
}

func payloadBytes(payload interface{}) ([]byte, error) {
	switch p := payload.(type) {
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	case bytes.Buffer:
		return p.Bytes(), nil
	case *bytes.Buffer:
		return p.Bytes(), nil
	default:
		return nil, fmt.Errorf("mqtttest: unknown payload type %T", payload)
	}
}
