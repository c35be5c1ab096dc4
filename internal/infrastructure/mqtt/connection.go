package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"slices"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// State is the lifecycle state of a shared broker connection.
type State int

const (
	// StateDisconnected means no connection is established or being attempted.
	StateDisconnected State = iota

	// StateConnecting means an initial connect or a reconnect is in progress.
	StateConnecting

	// StateConnected means the broker accepted the connection.
	StateConnected

	// StateFailed means the connect attempts were exhausted or the broker
	// refused the connection. Connect() starts over from this state.
	StateFailed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Message is a received publish.
type Message struct {
	Topic     string
	Payload   []byte
	QoS       byte
	Retained  bool
	Duplicate bool
	MessageID uint16
}

// MessageHandler is the callback signature for received messages.
//
// Handlers run on paho's router goroutine, one message at a time per
// connection. The same goroutine completes PUBACK, SUBACK, UNSUBACK and
// PINGRESP handling for the connection, so a handler must hand work off
// rather than block on a consumer.
//
// Returned errors are logged; they do not affect acknowledgement.
type MessageHandler func(msg Message) error

// filterSubs is the set of handlers registered for one filter. The broker
// holds a single subscription per filter; messages fan out to every handler.
type filterSubs struct {
	qos      byte
	handlers map[uint64]*Subscription
}

// tracked reports whether any handler asked for restoration on reconnect.
func (f *filterSubs) tracked() bool {
	for _, sub := range f.handlers {
		if sub.track {
			return true
		}
	}
	return false
}

// Subscription is one handler registered on a connection.
// Several Subscriptions may share a filter; the broker subscription is
// removed only when the last of them unsubscribes.
type Subscription struct {
	conn    *Connection
	id      uint64
	filter  string
	qos     byte
	track   bool
	handler MessageHandler

	once sync.Once
}

// Filter returns the subscribed topic filter.
func (s *Subscription) Filter() string {
	return s.filter
}

// Unsubscribe removes the handler. The broker UNSUBSCRIBE is sent only when
// no other handler remains on the filter. Calling it more than once is a no-op.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		err = s.conn.removeSubscription(ctx, s)
	})
	return err
}

// Connection is a shared handle to one broker session.
//
// Handles are created by a Registry and shared by every channel with the same
// Identity. The handle outlives individual connects: Disconnect followed by
// Connect reuses the same underlying client.
//
// Users pair Acquire with Release; the session is closed when the last user
// releases, so one channel finishing never cuts off another.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Tracked subscriptions are restored on reconnection.
type Connection struct {
	id       Identity
	clientID string
	opts     Options
	client   pahomqtt.Client
	logger   Logger

	// lifeMu orders client Connect and Disconnect calls with the state
	// transitions that trigger them. Acquired before mu.
	lifeMu sync.Mutex

	mu       sync.RWMutex
	state    State
	lastErr  error
	attempts int
	users    int
	// gen increments on every explicit Connect/Disconnect so a stale
	// connect watcher cannot overwrite a newer state.
	gen uint64
	// changed is closed and replaced on every state transition.
	changed   chan struct{}
	listeners map[int]func(State)
	nextID    int

	// subOpMu serialises handler set changes with their broker round trips.
	subOpMu   sync.Mutex
	subMu     sync.RWMutex
	filters   map[string]*filterSubs
	nextSubID uint64

	// probeMu serialises reachability probes on this connection.
	probeMu sync.Mutex
}

func newConnection(id Identity, opts Options, factory ClientFactory, logger Logger) *Connection {
	clientID := id.ClientID
	if clientID == "" {
		clientID = generateClientID()
	}

	c := &Connection{
		id:        id,
		clientID:  clientID,
		opts:      opts,
		logger:    logger,
		changed:   make(chan struct{}),
		listeners: make(map[int]func(State)),
		filters:   make(map[string]*filterSubs),
	}

	po := buildClientOptions(id, clientID, opts)
	po.SetOnConnectHandler(func(_ pahomqtt.Client) {
		c.handleConnect()
	})
	po.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleConnectionLost(err)
	})
	po.SetConnectionAttemptHandler(func(_ *url.URL, tlsCfg *tls.Config) *tls.Config {
		c.handleAttempt()
		return tlsCfg
	})

	c.client = factory(po)
	return c
}

// Identity returns the identity the connection was created for.
func (c *Connection) Identity() Identity {
	return c.id
}

// ClientID returns the MQTT client identifier, generated if none was configured.
func (c *Connection) ClientID() string {
	return c.clientID
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Err returns the error that put the connection into StateFailed, if any.
func (c *Connection) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// IsConnected reports whether the connection is in StateConnected.
func (c *Connection) IsConnected() bool {
	return c.State() == StateConnected
}

// OnStateChange registers a listener invoked after every state transition.
// The returned function removes the listener.
//
// Listeners run synchronously on the goroutine that caused the transition
// and must not block or call back into the connection's state methods.
func (c *Connection) OnStateChange(fn func(State)) (remove func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Connect initiates a connection when the handle is disconnected or failed.
// It returns immediately; use AwaitConnected to wait for the outcome.
// Calling Connect while connecting or connected has no effect.
func (c *Connection) Connect() {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	c.attempts = 0
	c.lastErr = nil
	listeners := c.transitionLocked(StateConnecting)
	c.mu.Unlock()
	notify(listeners, StateConnecting)

	c.logger.Debug("connecting to MQTT broker", "broker", c.id.String(), "client_id", c.clientID)

	token := c.client.Connect()
	go c.watchConnect(gen, token)
}

// watchConnect resolves the connect token.
// With connect-retry enabled paho only completes the token on success or
// when the attempt is abandoned.
func (c *Connection) watchConnect(gen uint64, token pahomqtt.Token) {
	<-token.Done()
	err := token.Error()

	c.mu.Lock()
	if c.gen != gen || c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	if err == nil {
		c.attempts = 0
		listeners := c.transitionLocked(StateConnected)
		c.mu.Unlock()
		notify(listeners, StateConnected)
		return
	}
	c.lastErr = fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	listeners := c.transitionLocked(StateFailed)
	c.mu.Unlock()
	notify(listeners, StateFailed)

	c.logger.Error("MQTT connect failed", "broker", c.id.String(), "error", err)
}

// AwaitConnected blocks until the connection is established, the connection
// fails, or ctx is done.
func (c *Connection) AwaitConnected(ctx context.Context) error {
	for {
		c.mu.RLock()
		state, changed, lastErr := c.state, c.changed, c.lastErr
		c.mu.RUnlock()

		switch state {
		case StateConnected:
			return nil
		case StateFailed:
			if lastErr == nil {
				lastErr = ErrConnectionFailed
			}
			return lastErr
		case StateDisconnected:
			return ErrNotConnected
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("%w: waiting for connection: %w", ErrTimeout, ctx.Err())
		}
	}
}

// Disconnect closes the session and moves the handle to StateDisconnected.
// The handle stays registered; Connect can be called again later.
// Disconnect ignores users; channels should call Release instead.
func (c *Connection) Disconnect() {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	c.mu.Lock()
	c.disconnectLocked()
}

// disconnectLocked finishes a disconnect. Caller must hold lifeMu and mu;
// mu is released before the client is torn down.
func (c *Connection) disconnectLocked() {
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.gen++
	listeners := c.transitionLocked(StateDisconnected)
	c.mu.Unlock()
	notify(listeners, StateDisconnected)

	c.client.Disconnect(defaultDisconnectQuiesce)
	c.logger.Info("disconnected from MQTT broker", "broker", c.id.String(), "client_id", c.clientID)
}

// Acquire registers a user of the session. Every Acquire must be paired
// with one Release.
func (c *Connection) Acquire() {
	c.mu.Lock()
	c.users++
	c.mu.Unlock()
}

// Release drops a user registered by Acquire. The last Release disconnects
// the session; the handle stays registered for later users. A failed handle
// keeps its state and error so health reports still see why it gave up.
func (c *Connection) Release() {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	c.mu.Lock()
	if c.users > 0 {
		c.users--
	}
	if c.users > 0 || c.state == StateFailed {
		c.mu.Unlock()
		return
	}
	c.disconnectLocked()
}

// Users returns the number of unreleased Acquire calls.
func (c *Connection) Users() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.users
}

// handleConnect is called by paho when a connection or reconnection succeeds.
func (c *Connection) handleConnect() {
	c.mu.Lock()
	if c.state == StateDisconnected || c.state == StateFailed {
		// Raced with Disconnect or a give-up; paho is being torn down.
		c.mu.Unlock()
		return
	}
	c.attempts = 0
	var listeners []func(State)
	if c.state != StateConnected {
		listeners = c.transitionLocked(StateConnected)
	}
	c.mu.Unlock()
	notify(listeners, StateConnected)

	c.logger.Info("connected to MQTT broker", "broker", c.id.String(), "client_id", c.clientID)

	c.restoreSubscriptions()
}

// handleConnectionLost is called by paho when an established connection drops.
// paho reconnects on its own; we report Connecting until it does.
func (c *Connection) handleConnectionLost(err error) {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	listeners := c.transitionLocked(StateConnecting)
	c.mu.Unlock()
	notify(listeners, StateConnecting)

	c.logger.Warn("MQTT connection lost", "broker", c.id.String(), "error", err)
}

// handleAttempt counts connection attempts and gives up once the configured
// bound is exceeded.
func (c *Connection) handleAttempt() {
	c.mu.Lock()
	c.attempts++
	attempts := c.attempts
	limit := c.opts.ReconnectAttempts
	if limit <= 0 || attempts <= limit || c.state != StateConnecting {
		c.mu.Unlock()
		if attempts > 1 {
			c.logger.Debug("MQTT connection attempt", "broker", c.id.String(), "attempt", attempts)
		}
		return
	}
	c.gen++
	c.lastErr = fmt.Errorf("%w: gave up after %d attempts", ErrConnectionFailed, limit)
	listeners := c.transitionLocked(StateFailed)
	c.mu.Unlock()
	notify(listeners, StateFailed)

	c.logger.Error("MQTT reconnect attempts exhausted",
		"broker", c.id.String(),
		"attempts", limit,
	)

	// Called from paho's connect goroutine; disconnecting inline would wait on it.
	go c.client.Disconnect(0)
}

// transitionLocked records a new state and returns the listeners to notify.
// Caller must hold c.mu.
func (c *Connection) transitionLocked(s State) []func(State) {
	c.state = s
	close(c.changed)
	c.changed = make(chan struct{})

	listeners := make([]func(State), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	return listeners
}

func notify(listeners []func(State), s State) {
	for _, fn := range listeners {
		fn(s)
	}
}

// Publish sends a message and waits for the broker acknowledgement required
// by qos. The wait is bounded by ctx and, when ctx has no deadline, by the
// default operation timeout.
func (c *Connection) Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error {
	if err := ValidateTopicName(topic); err != nil {
		return err
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if err := waitToken(ctx, token); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// Subscribe registers handler for filter and blocks until the broker's SUBACK.
// Tracked subscriptions are restored after every reconnect.
//
// Handlers registered for the same filter coexist: each receives every
// matching message, and the broker subscription stays until the last one
// unsubscribes.
func (c *Connection) Subscribe(ctx context.Context, filter string, qos byte, handler MessageHandler) (*Subscription, error) {
	return c.subscribe(ctx, filter, qos, handler, true)
}

// SubscribeTransient is Subscribe without restoration on reconnect.
func (c *Connection) SubscribeTransient(ctx context.Context, filter string, qos byte, handler MessageHandler) (*Subscription, error) {
	return c.subscribe(ctx, filter, qos, handler, false)
}

func (c *Connection) subscribe(ctx context.Context, filter string, qos byte, handler MessageHandler, track bool) (*Subscription, error) {
	if _, err := CompilePattern(filter); err != nil {
		return nil, err
	}
	if qos > maxQoS {
		return nil, ErrInvalidQoS
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}
	if !c.IsConnected() {
		return nil, ErrNotConnected
	}

	c.subOpMu.Lock()
	defer c.subOpMu.Unlock()

	c.subMu.Lock()
	c.nextSubID++
	sub := &Subscription{
		conn:    c,
		id:      c.nextSubID,
		filter:  filter,
		qos:     qos,
		track:   track,
		handler: handler,
	}
	fs, exists := c.filters[filter]
	if !exists {
		fs = &filterSubs{qos: qos, handlers: make(map[uint64]*Subscription)}
		c.filters[filter] = fs
	}
	prevQoS := fs.qos
	send := !exists || qos > fs.qos
	if qos > fs.qos {
		fs.qos = qos
	}
	fs.handlers[sub.id] = sub
	subQoS := fs.qos
	c.subMu.Unlock()

	if !send {
		return sub, nil
	}

	acked := false
	defer func() {
		if acked {
			return
		}
		// Also runs when the client panics, so no handler is left behind.
		c.subMu.Lock()
		delete(fs.handlers, sub.id)
		fs.qos = prevQoS
		if len(fs.handlers) == 0 {
			delete(c.filters, filter)
		}
		c.subMu.Unlock()
	}()

	token := c.client.Subscribe(filter, subQoS, c.filterHandler(filter))
	err := waitToken(ctx, token)
	if err == nil {
		err = subackError(token, filter)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	acked = true
	return sub, nil
}

// subackFailure is the SUBACK return code for a rejected subscription.
const subackFailure = 0x80

func subackError(token pahomqtt.Token, filter string) error {
	st, ok := token.(*pahomqtt.SubscribeToken)
	if !ok {
		return nil
	}
	if code, found := st.Result()[filter]; found && code == subackFailure {
		return fmt.Errorf("broker rejected subscription to %q", filter)
	}
	return nil
}

// removeSubscription drops sub from its filter and unsubscribes from the
// broker once the filter has no handlers left. Tracking is dropped even when
// the connection is down, so the filter is not restored on the next reconnect.
func (c *Connection) removeSubscription(ctx context.Context, sub *Subscription) error {
	c.subOpMu.Lock()
	defer c.subOpMu.Unlock()

	c.subMu.Lock()
	fs, ok := c.filters[sub.filter]
	if !ok {
		c.subMu.Unlock()
		return nil
	}
	if _, held := fs.handlers[sub.id]; !held {
		c.subMu.Unlock()
		return nil
	}
	delete(fs.handlers, sub.id)
	remaining := len(fs.handlers)
	if remaining == 0 {
		delete(c.filters, sub.filter)
	}
	c.subMu.Unlock()

	if remaining > 0 {
		return nil
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Unsubscribe(sub.filter)
	if err := waitToken(ctx, token); err != nil {
		return fmt.Errorf("%w: %w", ErrUnsubscribeFailed, err)
	}
	return nil
}

// SubscriptionCount returns the number of tracked filters.
func (c *Connection) SubscriptionCount() int {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	n := 0
	for _, fs := range c.filters {
		if fs.tracked() {
			n++
		}
	}
	return n
}

// HasSubscription checks if a tracked subscription exists for the exact filter.
func (c *Connection) HasSubscription(filter string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	fs, exists := c.filters[filter]
	return exists && fs.tracked()
}

// HandlerCount returns the number of handlers registered for filter.
func (c *Connection) HandlerCount(filter string) int {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	if fs, exists := c.filters[filter]; exists {
		return len(fs.handlers)
	}
	return 0
}

// restoreSubscriptions re-subscribes to all tracked filters after reconnect.
func (c *Connection) restoreSubscriptions() {
	type restore struct {
		filter string
		qos    byte
	}
	c.subMu.RLock()
	subs := make([]restore, 0, len(c.filters))
	for filter, fs := range c.filters {
		if fs.tracked() {
			subs = append(subs, restore{filter: filter, qos: fs.qos})
		}
	}
	c.subMu.RUnlock()

	for _, sub := range subs {
		// Not waited on: this runs on paho's connect callback goroutine.
		c.client.Subscribe(sub.filter, sub.qos, c.filterHandler(sub.filter))
	}
}

// filterHandler returns the paho callback for filter. It fans each message
// out to the handlers registered at delivery time.
func (c *Connection) filterHandler(filter string) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		c.subMu.RLock()
		var handlers []MessageHandler
		if fs, ok := c.filters[filter]; ok {
			ids := make([]uint64, 0, len(fs.handlers))
			for id := range fs.handlers {
				ids = append(ids, id)
			}
			slices.Sort(ids)
			for _, id := range ids {
				handlers = append(handlers, fs.handlers[id].handler)
			}
		}
		c.subMu.RUnlock()

		m := Message{
			Topic:     msg.Topic(),
			Payload:   msg.Payload(),
			QoS:       msg.Qos(),
			Retained:  msg.Retained(),
			Duplicate: msg.Duplicate(),
			MessageID: msg.MessageID(),
		}
		for _, h := range handlers {
			c.invoke(h, m)
		}
	}
}

// invoke runs one handler with panic recovery and logging.
func (c *Connection) invoke(handler MessageHandler, m Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("MQTT handler panic recovered",
				"topic", m.Topic,
				"panic", r,
			)
		}
	}()

	if err := handler(m); err != nil {
		c.logger.Warn("MQTT handler returned error",
			"topic", m.Topic,
			"error", err,
		)
	}
}

// waitToken waits for a paho token, bounded by ctx or the default timeout.
func waitToken(ctx context.Context, token pahomqtt.Token) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultOperationTimeout)
		defer cancel()
	}

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
}

// timeoutContext derives a context bounded by d from parent.
func timeoutContext(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, d)
}
