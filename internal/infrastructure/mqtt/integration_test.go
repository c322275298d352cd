//go:build integration

package mqtt

import (
	"testing"
	"time"

	"github.com/btmidi/btmidid/internal/infrastructure/config"
)

// Integration tests against a real broker at 127.0.0.1:1883.
//
// Run with:
//   go test -tags=integration -count=1 -v ./internal/infrastructure/mqtt/...

func integrationConfig() config.MQTTConfig {
	cfg := testConfig()
	cfg.Broker.ClientID = "btmidid-integration-test"
	return cfg
}

func TestIntegration_ConnectAndClose(t *testing.T) {
	client, err := Connect(integrationConfig())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !client.IsConnected() {
		t.Error("IsConnected() = false after Connect")
	}
	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestIntegration_ControlRoundtrip(t *testing.T) {
	client, err := Connect(integrationConfig())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	received := make(chan string, 1)
	topic := client.Topics().Control()
	err = client.Subscribe(topic, 1, func(_ string, payload []byte) error {
		received <- string(payload)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	line := "channel:2,instrument:40,EMPTY_PARA_1:0,EMPTY_PARA_2:0"
	if err := client.Publish(topic, []byte(line), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case got := <-received:
		if got != line {
			t.Errorf("received %q, want %q", got, line)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for control message")
	}
}

func TestIntegration_BrokerRefused(t *testing.T) {
	cfg := integrationConfig()
	cfg.Broker.Port = 19999
	if _, err := Connect(cfg); err == nil {
		t.Fatal("Connect() expected error for refused broker")
	}
}
