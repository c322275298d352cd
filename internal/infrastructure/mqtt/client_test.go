package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/btmidi/btmidid/internal/infrastructure/config"
)

// testConfig returns a valid MQTT configuration for unit tests.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Enabled: true,
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "btmidid-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
		TopicPrefix: "btmidi",
	}
}

// =============================================================================
// Fakes
// =============================================================================

type fakeToken struct {
	err     error
	timeout bool
}

func (t *fakeToken) Wait() bool                     { return !t.timeout }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t *fakeToken) Error() error                   { return t.err }

func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakePaho struct {
	mu         sync.Mutex
	connected  bool
	published  []published
	subscribed map[string]pahomqtt.MessageHandler
	token      *fakeToken
	disconnect int
}

func newFakePaho() *fakePaho {
	return &fakePaho{
		connected:  true,
		subscribed: make(map[string]pahomqtt.MessageHandler),
		token:      &fakeToken{},
	}
}

func (f *fakePaho) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakePaho) IsConnectionOpen() bool  { return f.IsConnected() }
func (f *fakePaho) Connect() pahomqtt.Token { return f.token }

func (f *fakePaho) Disconnect(uint) {
	f.mu.Lock()
	f.connected = false
	f.disconnect++
	f.mu.Unlock()
}

func (f *fakePaho) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	var b []byte
	switch p := payload.(type) {
	case []byte:
		b = p
	case string:
		b = []byte(p)
	}
	f.published = append(f.published, published{topic: topic, qos: qos, retained: retained, payload: b})
	return f.token
}

func (f *fakePaho) Subscribe(topic string, _ byte, cb pahomqtt.MessageHandler) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed[topic] = cb
	return f.token
}

func (f *fakePaho) SubscribeMultiple(map[string]byte, pahomqtt.MessageHandler) pahomqtt.Token {
	return f.token
}

func (f *fakePaho) Unsubscribe(topics ...string) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range topics {
		delete(f.subscribed, t)
	}
	return f.token
}

func (f *fakePaho) AddRoute(string, pahomqtt.MessageHandler) {}

func (f *fakePaho) OptionsReader() pahomqtt.ClientOptionsReader {
	return pahomqtt.ClientOptionsReader{}
}

func (f *fakePaho) deliver(topic string, payload []byte) {
	f.mu.Lock()
	cb := f.subscribed[topic]
	f.mu.Unlock()
	if cb != nil {
		cb(f, &fakeMessage{topic: topic, payload: payload})
	}
}

func (f *fakePaho) last() published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published[len(f.published)-1]
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type recordingLogger struct {
	mu     sync.Mutex
	errors []string
	warns  []string
}

func (l *recordingLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	l.errors = append(l.errors, msg)
	l.mu.Unlock()
}

func (l *recordingLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

// newTestClient builds a connected Client around a fake paho client.
func newTestClient(t *testing.T) (*Client, *fakePaho) {
	t.Helper()
	fake := newFakePaho()
	cfg := testConfig()
	return &Client{
		client:        fake,
		cfg:           cfg,
		topics:        NewTopics(cfg.TopicPrefix),
		subscriptions: make(map[string]subscription),
		connected:     true,
	}, fake
}

// =============================================================================
// Option Tests
// =============================================================================

func TestBuildClientOptions(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*config.MQTTConfig)
		wantBroker string
		wantUser   string
		wantTLS    bool
	}{
		{
			name:       "plain tcp",
			mutate:     func(*config.MQTTConfig) {},
			wantBroker: "tcp://127.0.0.1:1883",
		},
		{
			name: "tls with credentials",
			mutate: func(c *config.MQTTConfig) {
				c.Broker.TLS = true
				c.Broker.Port = 8883
				c.Auth.Username = "midi"
				c.Auth.Password = "secret"
			},
			wantBroker: "ssl://127.0.0.1:8883",
			wantUser:   "midi",
			wantTLS:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			opts := buildClientOptions(cfg)

			if len(opts.Servers) != 1 || opts.Servers[0].String() != tt.wantBroker {
				t.Fatalf("Servers = %v, want [%s]", opts.Servers, tt.wantBroker)
			}
			if opts.ClientID != "btmidid-test" {
				t.Errorf("ClientID = %q", opts.ClientID)
			}
			if opts.Username != tt.wantUser {
				t.Errorf("Username = %q, want %q", opts.Username, tt.wantUser)
			}
			if (opts.TLSConfig != nil) != tt.wantTLS {
				t.Errorf("TLSConfig set = %v, want %v", opts.TLSConfig != nil, tt.wantTLS)
			}
			if !opts.AutoReconnect || !opts.CleanSession {
				t.Error("expected auto-reconnect and clean session")
			}
			if opts.MaxReconnectInterval != 5*time.Second {
				t.Errorf("MaxReconnectInterval = %v", opts.MaxReconnectInterval)
			}
		})
	}
}

func TestConfigureLWT(t *testing.T) {
	opts := buildClientOptions(testConfig())
	configureLWT(opts, NewTopics("studio"), "btmidid-test")

	if !opts.WillEnabled || !opts.WillRetained || opts.WillQos != 1 {
		t.Fatalf("will = enabled:%v retained:%v qos:%d", opts.WillEnabled, opts.WillRetained, opts.WillQos)
	}
	if opts.WillTopic != "studio/system/status" {
		t.Errorf("WillTopic = %q", opts.WillTopic)
	}

	var p statusPayload
	if err := json.Unmarshal(opts.WillPayload, &p); err != nil {
		t.Fatalf("will payload is not JSON: %v", err)
	}
	if p.Status != "offline" || p.Reason != reasonUnexpected || p.ClientID != "btmidid-test" {
		t.Errorf("will payload = %+v", p)
	}
}

func TestBuildStatusPayload_OmitsEmptyReason(t *testing.T) {
	b := buildStatusPayload("online", "id", "")
	if strings.Contains(string(b), "reason") {
		t.Errorf("payload %s should omit reason", b)
	}
	var p statusPayload
	if err := json.Unmarshal(b, &p); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if _, err := time.Parse(time.RFC3339, p.Timestamp); err != nil {
		t.Errorf("timestamp %q not RFC3339", p.Timestamp)
	}
}

// =============================================================================
// Publish / Subscribe Tests
// =============================================================================

func TestPublish(t *testing.T) {
	c, fake := newTestClient(t)

	if err := c.Publish("btmidi/event/note", []byte(`{}`), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	got := fake.last()
	if got.topic != "btmidi/event/note" || got.qos != 1 || got.retained {
		t.Errorf("published = %+v", got)
	}
}

func TestPublish_Validation(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		qos     byte
		payload []byte
		want    error
	}{
		{name: "empty topic", topic: "", qos: 0, want: ErrInvalidTopic},
		{name: "foreign prefix", topic: "other/event/note", qos: 0, want: ErrInvalidTopic},
		{name: "wildcard", topic: "btmidi/event/#", qos: 0, want: ErrInvalidTopic},
		{name: "bare prefix", topic: "btmidi/", qos: 0, want: ErrInvalidTopic},
		{name: "qos too high", topic: "btmidi/t", qos: 3, want: ErrInvalidQoS},
		{name: "payload too large", topic: "btmidi/t", qos: 0, payload: make([]byte, maxPayloadSize+1), want: ErrPublishFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t)
			if err := c.Publish(tt.topic, tt.payload, tt.qos, false); !errors.Is(err, tt.want) {
				t.Errorf("Publish() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPublish_Disconnected(t *testing.T) {
	c, fake := newTestClient(t)
	fake.Disconnect(0)

	if err := c.Publish("btmidi/t", nil, 0, false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
}

func TestPublish_TokenFailures(t *testing.T) {
	c, fake := newTestClient(t)

	fake.token = &fakeToken{timeout: true}
	if err := c.Publish("btmidi/t", nil, 0, false); !errors.Is(err, ErrPublishFailed) {
		t.Errorf("timeout: error = %v, want ErrPublishFailed", err)
	}

	fake.token = &fakeToken{err: errors.New("broker said no")}
	if err := c.Publish("btmidi/t", nil, 0, false); !errors.Is(err, ErrPublishFailed) {
		t.Errorf("token error: error = %v, want ErrPublishFailed", err)
	}
}

func TestPublishRetained(t *testing.T) {
	c, fake := newTestClient(t)

	if err := c.PublishRetained(c.Topics().Health(), []byte(`{"status":"ok"}`)); err != nil {
		t.Fatalf("PublishRetained() error = %v", err)
	}
	got := fake.last()
	if !got.retained || got.qos != 1 || got.topic != "btmidi/health" {
		t.Errorf("published = %+v", got)
	}
}

func TestSubscribe_DeliversAndTracks(t *testing.T) {
	c, fake := newTestClient(t)

	var got []string
	err := c.Subscribe(c.Topics().Control(), 1, func(topic string, payload []byte) error {
		got = append(got, topic+"="+string(payload))
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !c.HasSubscription("btmidi/control") || c.SubscriptionCount() != 1 {
		t.Fatal("subscription not tracked")
	}

	fake.deliver("btmidi/control", []byte("volume:90,f:0,f:0,f:0"))
	if len(got) != 1 || got[0] != "btmidi/control=volume:90,f:0,f:0,f:0" {
		t.Errorf("delivered = %v", got)
	}

	if err := c.Unsubscribe("btmidi/control"); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if c.SubscriptionCount() != 0 {
		t.Error("subscription still tracked after Unsubscribe")
	}
}

func TestSubscribe_Validation(t *testing.T) {
	c, _ := newTestClient(t)
	noop := func(string, []byte) error { return nil }

	if err := c.Subscribe("", 0, noop); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic error = %v", err)
	}
	if err := c.Subscribe("t", 3, noop); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("bad qos error = %v", err)
	}
	if err := c.Subscribe("t", 0, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("nil handler error = %v", err)
	}
	if err := c.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Unsubscribe empty error = %v", err)
	}
}

func TestSubscribe_FailureUntracks(t *testing.T) {
	c, fake := newTestClient(t)
	fake.token = &fakeToken{err: errors.New("not authorised")}

	err := c.Subscribe("t", 0, func(string, []byte) error { return nil })
	if !errors.Is(err, ErrSubscribeFailed) {
		t.Fatalf("Subscribe() error = %v, want ErrSubscribeFailed", err)
	}
	if c.HasSubscription("t") {
		t.Error("failed subscription should not be tracked")
	}
}

func TestWrapHandler_RecoversAndLogs(t *testing.T) {
	c, fake := newTestClient(t)
	logger := &recordingLogger{}
	c.SetLogger(logger)

	_ = c.Subscribe("panic", 0, func(string, []byte) error { panic("boom") })
	_ = c.Subscribe("fail", 0, func(string, []byte) error { return errors.New("bad line") })

	fake.deliver("panic", nil)
	fake.deliver("fail", nil)

	if len(logger.errors) != 1 {
		t.Errorf("errors logged = %v, want one panic record", logger.errors)
	}
	if len(logger.warns) != 1 {
		t.Errorf("warns logged = %v, want one handler error", logger.warns)
	}
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

func TestHandleConnect_RestoresAndAnnounces(t *testing.T) {
	c, fake := newTestClient(t)
	_ = c.Subscribe("btmidi/control", 1, func(string, []byte) error { return nil })

	fake.mu.Lock()
	fake.subscribed = make(map[string]pahomqtt.MessageHandler)
	fake.mu.Unlock()

	called := false
	c.SetOnConnect(func() { called = true })
	c.handleConnect()

	if _, ok := fake.subscribed["btmidi/control"]; !ok {
		t.Error("subscription not restored on reconnect")
	}
	got := fake.last()
	if got.topic != "btmidi/system/status" || !got.retained {
		t.Errorf("status publish = %+v", got)
	}
	if !strings.Contains(string(got.payload), `"status":"online"`) {
		t.Errorf("status payload = %s", got.payload)
	}
	if !called {
		t.Error("OnConnect callback not invoked")
	}
}

func TestHandleDisconnect(t *testing.T) {
	c, _ := newTestClient(t)
	var gotErr error
	c.SetOnDisconnect(func(err error) { gotErr = err })

	c.handleDisconnect(errors.New("eof"))

	if c.IsConnected() {
		t.Error("IsConnected() = true after disconnect")
	}
	if gotErr == nil || gotErr.Error() != "eof" {
		t.Errorf("OnDisconnect err = %v", gotErr)
	}
}

func TestClose_PublishesGracefulOffline(t *testing.T) {
	c, fake := newTestClient(t)

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	got := fake.last()
	if !strings.Contains(string(got.payload), reasonGraceful) {
		t.Errorf("offline payload = %s", got.payload)
	}
	if fake.disconnect != 1 {
		t.Errorf("Disconnect called %d times", fake.disconnect)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}
}

func TestClose_Nil(t *testing.T) {
	var c *Client
	if err := c.Close(); err != nil {
		t.Errorf("nil Close() error = %v", err)
	}
	if err := (&Client{}).Close(); err != nil {
		t.Errorf("zero Close() error = %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	c, fake := newTestClient(t)

	if err := c.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled HealthCheck() error = %v", err)
	}

	fake.Disconnect(0)
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("disconnected HealthCheck() error = %v", err)
	}
}
