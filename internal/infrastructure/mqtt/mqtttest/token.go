package mqtttest

import (
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

type token struct {
	done chan struct{}
	once sync.Once
	mu   sync.Mutex
	err  error
}

var _ pahomqtt.Token = (*token)(nil)

func newToken() *token {
	return &token{done: make(chan struct{})}
}

func completedToken(err error) *token {
	t := newToken()
	t.complete(err)
	return t
}

func (t *token) complete(err error) {
	t.once.Do(func() {
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		close(t.done)
	})
}

func (t *token) Wait() bool {
	<-t.done
	return true
}

func (t *token) WaitTimeout(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-t.done:
		return true
	case <-timer.C:
		return false
	}
}

func (t *token) Done() <-chan struct{} {
	return t.done
}

func (t *token) Error() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

type message struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

var _ pahomqtt.Message = (*message)(nil)

func newMessage(topic string, payload []byte, qos byte, retained bool) *message {
	return &message{topic: topic, payload: payload, qos: qos, retained: retained}
}

func (m *message) Duplicate() bool   { return false }
func (m *message) Qos() byte         { return m.qos }
func (m *message) Retained() bool    { return m.retained }
func (m *message) Topic() string     { return m.topic }
func (m *message) MessageID() uint16 { return 0 }
func (m *message) Payload() []byte   { return m.payload }
func (m *message) Ack()              {}
