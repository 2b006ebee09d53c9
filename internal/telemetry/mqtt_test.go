package telemetry

import (
	"context"
	"testing"

	"github.com/seolan-project/seolan/internal/config"
	"github.com/seolan-project/seolan/internal/events"
)

func TestNewPublisherRequiresEnabled(t *testing.T) {
	cfg := config.DefaultConfig()
	if _, err := NewPublisher(cfg, "login", events.NewEventBus()); err == nil {
		t.Fatal("NewPublisher() with mqtt disabled = nil error, want error")
	}
}

func newTestPublisher(t *testing.T, role string) *Publisher {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.MQTT.Enabled = true
	cfg.MQTT.Broker = "127.0.0.1"
	cfg.MQTT.Port = 1883
	p, err := NewPublisher(cfg, role, events.NewEventBus())
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}
	return p
}

func TestBuildMessageCarriesMetadata(t *testing.T) {
	p := newTestPublisher(t, "char")

	msg := p.buildMessage(map[string]interface{}{"k": "v"})
	if msg["role"] != "char" {
		t.Fatalf("msg role = %v, want char", msg["role"])
	}
	if _, ok := msg["hostname"]; !ok {
		t.Fatal("msg has no hostname")
	}
	if msg["payload"] == nil {
		t.Fatal("msg has no payload")
	}
	if msg["timestamp"] == nil {
		t.Fatal("msg has no timestamp")
	}
}

func TestForwardWhileDisconnectedIsNoOp(t *testing.T) {
	p := newTestPublisher(t, "map")

	handler := p.forward(TopicServerStatus)
	event := events.Event{
		Type:    events.EventServerStarted,
		Source:  "map",
		Payload: events.ServerPayload{Role: "map", Addr: "127.0.0.1:2007"},
	}
	if err := handler(context.Background(), event); err != nil {
		t.Fatalf("forward handler error = %v", err)
	}
}
