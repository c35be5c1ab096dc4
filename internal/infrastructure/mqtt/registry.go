package mqtt

import (
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// ClientFactory creates the underlying paho client for a connection.
// pahomqtt.NewClient is the production factory; tests inject fakes.
type ClientFactory func(opts *pahomqtt.ClientOptions) pahomqtt.Client

// Registry shares one Connection per Identity across all channels.
//
// Thread Safety:
//   - GetOrConnect may be called concurrently; exactly one caller creates the
//     handle for an identity and starts its connect, all others receive the
//     same handle.
type Registry struct {
	mu      sync.Mutex
	conns   map[Identity]*Connection
	factory ClientFactory
	logger  Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClientFactory replaces the paho client constructor.
func WithClientFactory(f ClientFactory) RegistryOption {
	return func(r *Registry) {
		r.factory = f
	}
}

// WithLogger sets the logger handed to every connection.
func WithLogger(l Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		conns:   make(map[Identity]*Connection),
		factory: pahomqtt.NewClient,
		logger:  noopLogger{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrConnect returns the shared connection for id, creating it and
// initiating the connect on first request. It never blocks on the network.
//
// opts only take effect for the caller that creates the handle.
func (r *Registry) GetOrConnect(id Identity, opts Options) *Connection {
	r.mu.Lock()
	if conn, ok := r.conns[id]; ok {
		r.mu.Unlock()
		return conn
	}
	conn := newConnection(id, opts, r.factory, r.logger)
	r.conns[id] = conn
	r.mu.Unlock()

	conn.Connect()
	return conn
}

// Lookup returns the connection for id without creating one.
func (r *Registry) Lookup(id Identity) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Close disconnects every registered connection and empties the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[Identity]*Connection)
	r.mu.Unlock()

	for _, c := range conns {
		c.Disconnect()
	}
}
