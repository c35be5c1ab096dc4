package mqtt

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"strconv"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-mqtt/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-mqtt/internal/infrastructure/keystore"
)

// Connection constants.
const (
	// defaultConnectTimeout is the per-attempt network timeout.
	defaultConnectTimeout = 10 * time.Second

	// defaultOperationTimeout bounds subscribe, unsubscribe and publish waits
	// when the caller supplies no deadline.
	defaultOperationTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 250 // milliseconds

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 30 * time.Second

	// defaultReconnectInterval is the delay between connection attempts.
	defaultReconnectInterval = time.Second

	// maxReconnectInterval caps paho's reconnect backoff.
	maxReconnectInterval = time.Minute

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// clientIDPrefix prefixes generated client identifiers.
	clientIDPrefix = "mqttbridge-"
)

// Identity is the set of connection parameters that makes two channels share
// one broker connection. Identity values are comparable and used as map keys.
//
// An empty ClientID means "generate one": the first connection created for the
// identity gets a random mqttbridge-<uuid> client identifier.
type Identity struct {
	Host     string
	Port     int
	TLS      bool
	Username string
	Password string
	ClientID string
}

// BrokerURL returns the paho broker URL for the identity.
func (id Identity) BrokerURL() string {
	scheme := "tcp"
	if id.TLS {
		scheme = "ssl"
	}
	u := url.URL{Scheme: scheme, Host: id.Address()}
	return u.String()
}

// Address returns host:port.
func (id Identity) Address() string {
	return id.Host + ":" + strconv.Itoa(id.Port)
}

// String is safe for logs and never includes the password.
func (id Identity) String() string {
	if id.Username == "" {
		return id.Address()
	}
	return id.Username + "@" + id.Address()
}

// Will is a Last Will and Testament registered with the broker on connect.
type Will struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// Options are the connection settings that do not participate in sharing.
// When several callers request the same Identity, the first caller's Options win.
type Options struct {
	KeepAlive         time.Duration
	ConnectTimeout    time.Duration
	ReconnectInterval time.Duration

	// ReconnectAttempts bounds consecutive failed attempts before the
	// connection is marked failed. Zero retries forever.
	ReconnectAttempts int

	CleanSession bool
	TLSConfig    *tls.Config
	Will         *Will
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		KeepAlive:         defaultKeepAlive,
		ConnectTimeout:    defaultConnectTimeout,
		ReconnectInterval: defaultReconnectInterval,
		ReconnectAttempts: 5,
		CleanSession:      true,
	}
}

// FromConfig resolves a broker section into an Identity and Options.
//
// Trust and key material is loaded here, so a bad keystore surfaces as a
// configuration error before any connection is attempted.
func FromConfig(b config.BrokerConfig) (Identity, Options, error) {
	id := Identity{
		Host:     b.Host,
		Port:     b.Port,
		TLS:      b.UseSSL(),
		Username: b.Username,
		Password: b.Password,
		ClientID: b.ClientID,
	}

	opts := DefaultOptions()
	if b.KeepAliveSeconds > 0 {
		opts.KeepAlive = time.Duration(b.KeepAliveSeconds) * time.Second
	}
	if b.ConnectTimeoutSeconds > 0 {
		opts.ConnectTimeout = time.Duration(b.ConnectTimeoutSeconds) * time.Second
	}
	if b.ReconnectIntervalSeconds > 0 {
		opts.ReconnectInterval = time.Duration(b.ReconnectIntervalSeconds) * time.Second
	}
	opts.ReconnectAttempts = b.ReconnectAttempts
	opts.CleanSession = b.CleanSession()

	if id.TLS {
		tlsCfg, err := keystore.TLSConfig(
			keystore.Store{
				Path:     b.TrustStore.Path,
				Password: b.TrustStore.Password,
				Type:     b.TrustStore.Type,
			},
			keystore.Store{
				Path:        b.KeyStore.Path,
				Password:    b.KeyStore.Password,
				KeyPassword: b.KeyStore.KeyPassword,
				Type:        b.KeyStore.Type,
			},
			!b.VerifyHostname(),
		)
		if err != nil {
			return Identity{}, Options{}, fmt.Errorf("broker %s: %w", id, err)
		}
		opts.TLSConfig = tlsCfg
	}

	return id, opts, nil
}

// generateClientID returns a random client identifier.
func generateClientID() string {
	return clientIDPrefix + uuid.NewString()
}

// buildClientOptions creates paho MQTT options for one connection.
//
// This configures:
//   - Broker URL (tcp:// or ssl:// based on the identity)
//   - Client ID and credentials
//   - Auto-reconnect driven by paho, bounded by our attempt handler
//   - TLS and Last Will (if provided)
//
// Connection event handlers are installed by the caller.
func buildClientOptions(id Identity, clientID string, opts Options) *pahomqtt.ClientOptions {
	po := pahomqtt.NewClientOptions()

	po.AddBroker(id.BrokerURL())
	po.SetClientID(clientID)

	if id.Username != "" {
		po.SetUsername(id.Username)
		po.SetPassword(id.Password)
	}

	po.SetCleanSession(opts.CleanSession)

	// Ordered delivery. Handlers share the router goroutine with ack
	// processing, so they queue work and return instead of blocking.
	po.SetOrderMatters(true)

	po.SetAutoReconnect(true)
	po.SetConnectRetry(true)
	po.SetConnectRetryInterval(nonZero(opts.ReconnectInterval, defaultReconnectInterval))
	po.SetMaxReconnectInterval(maxReconnectInterval)

	po.SetConnectTimeout(nonZero(opts.ConnectTimeout, defaultConnectTimeout))
	po.SetKeepAlive(nonZero(opts.KeepAlive, defaultKeepAlive))

	if id.TLS {
		tlsCfg := opts.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		po.SetTLSConfig(tlsCfg)
	}

	if opts.Will != nil {
		po.SetBinaryWill(opts.Will.Topic, opts.Will.Payload, opts.Will.QoS, opts.Will.Retained)
	}

	return po
}

func nonZero(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
