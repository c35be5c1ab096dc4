package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-mqtt/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-mqtt/internal/infrastructure/mqtt"
)

// Status values carried by StatusMessage.
const (
	StatusOnline   = "online"
	StatusDegraded = "degraded"
	StatusOffline  = "offline"
	StatusStopping = "stopping"
)

const (
	defaultStatusInterval = 30 * time.Second
	statusQoS             = 1
	statusPublishTimeout  = 5 * time.Second
)

// StatusMessage is the retained document published on the status topic.
type StatusMessage struct {
	Status    string                   `json:"status"`
	ClientID  string                   `json:"client_id"`
	Version   string                   `json:"version,omitempty"`
	Timestamp time.Time                `json:"timestamp"`
	Uptime    int64                    `json:"uptime_seconds"`
	Ready     bool                     `json:"ready"`
	Channels  map[string]ChannelHealth `json:"channels,omitempty"`
	Reason    string                   `json:"reason,omitempty"`
}

// StatusPublisher sends status documents. *mqtt.Connection implements it.
type StatusPublisher interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// StatusReporterConfig holds configuration for the status reporter.
type StatusReporterConfig struct {
	// ClientID identifies the reporting connection in status messages.
	ClientID string

	Version string

	// Topic receives the retained status document.
	Topic string

	// Interval is how often to publish. Default: 30 seconds.
	Interval time.Duration

	Publisher StatusPublisher

	// Readiness supplies the channel report included in each message.
	Readiness func() HealthReport

	Logger Logger
}

// StatusReporter periodically publishes the connector's readiness to the
// broker as a retained message. The matching Last Will marks it offline
// when the process dies without stopping the reporter.
type StatusReporter struct {
	clientID  string
	version   string
	topic     string
	interval  time.Duration
	startTime time.Time
	publisher StatusPublisher
	readiness func() HealthReport
	logger    Logger

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewStatusReporter creates a reporter. Call Start to begin publishing.
func NewStatusReporter(cfg StatusReporterConfig) *StatusReporter {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultStatusInterval
	}
	readiness := cfg.Readiness
	if readiness == nil {
		readiness = newHealthReport
	}

	return &StatusReporter{
		clientID:  cfg.ClientID,
		version:   cfg.Version,
		topic:     cfg.Topic,
		interval:  interval,
		startTime: time.Now(),
		publisher: cfg.Publisher,
		readiness: readiness,
		logger:    orNoopLogger(cfg.Logger),
		done:      make(chan struct{}),
	}
}

// Start begins periodic reporting until ctx is cancelled or Stop is called.
func (s *StatusReporter) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.reportLoop(ctx)
}

// Stop ends reporting and publishes a final "stopping" status.
// Safe to call multiple times.
func (s *StatusReporter) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()

		if err := s.publish(context.Background(), s.build(StatusStopping, "shutting down")); err != nil {
			s.logger.Debug("final status not published", "error", err)
		}
	})
}

// PublishNow publishes the current status immediately.
func (s *StatusReporter) PublishNow(ctx context.Context) error {
	return s.publish(ctx, s.current())
}

// LWTPayload returns the Last Will payload registered for clientID.
func LWTPayload(clientID, version string) ([]byte, error) {
	return json.Marshal(StatusMessage{
		Status:    StatusOffline,
		ClientID:  clientID,
		Version:   version,
		Timestamp: time.Now().UTC(),
		Reason:    "connection lost",
	})
}

func (s *StatusReporter) reportLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	if err := s.PublishNow(ctx); err != nil {
		s.logger.Warn("failed to publish initial status", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.PublishNow(ctx); err != nil {
				s.logger.Warn("failed to publish status", "error", err)
			}
		}
	}
}

func (s *StatusReporter) current() StatusMessage {
	report := s.readiness()
	if report.OK {
		msg := s.build(StatusOnline, "")
		msg.Ready = true
		msg.Channels = report.Channels
		return msg
	}

	var failing []string
	for name, ch := range report.Channels {
		if !ch.OK {
			failing = append(failing, name)
		}
	}
	sort.Strings(failing)

	msg := s.build(StatusDegraded, "not ready: "+strings.Join(failing, ", "))
	msg.Channels = report.Channels
	return msg
}

func (s *StatusReporter) build(status, reason string) StatusMessage {
	return StatusMessage{
		Status:    status,
		ClientID:  s.clientID,
		Version:   s.version,
		Timestamp: time.Now().UTC(),
		Uptime:    int64(time.Since(s.startTime).Seconds()),
		Reason:    reason,
	}
}

func (s *StatusReporter) publish(ctx context.Context, msg StatusMessage) error {
	if s.publisher == nil {
		return nil
	}
	if !s.publisher.IsConnected() {
		return mqtt.ErrNotConnected
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshalling status: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, statusPublishTimeout)
	defer cancel()
	return s.publisher.Publish(ctx, s.topic, payload, statusQoS, true)
}

// newStatusReporter opens a dedicated connection to the default broker so
// its Last Will belongs to the reporter alone and sink shutdowns never
// trigger it.
func (c *Connector) newStatusReporter(cfg *config.Config, version string) (*StatusReporter, error) {
	id, opts, err := mqtt.FromConfig(cfg.ResolveBroker(config.BrokerConfig{}))
	if err != nil {
		return nil, fmt.Errorf("%w: status: %w", ErrInvalidConfig, err)
	}
	if id.ClientID != "" {
		id.ClientID += "-status"
	} else {
		id.ClientID = "mqttbridge-status-" + uuid.NewString()[:8]
	}

	lwt, err := LWTPayload(id.ClientID, version)
	if err != nil {
		return nil, err
	}
	opts.Will = &mqtt.Will{Topic: cfg.Status.Topic, Payload: lwt, QoS: statusQoS, Retained: true}
	// The reporter must outlive channel connections that exhaust their attempts.
	opts.ReconnectAttempts = 0

	conn := c.registry.GetOrConnect(id, opts)
	conn.Acquire()
	c.statusConn = conn

	return NewStatusReporter(StatusReporterConfig{
		ClientID:  id.ClientID,
		Version:   version,
		Topic:     cfg.Status.Topic,
		Interval:  time.Duration(cfg.Status.IntervalSeconds) * time.Second,
		Publisher: conn,
		Readiness: c.Readiness,
		Logger:    c.logger,
	}), nil
}
