// Package telemetry publishes server events to an MQTT broker for
// external monitoring.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/seolan-project/seolan/internal/config"
	"github.com/seolan-project/seolan/internal/events"
	"github.com/seolan-project/seolan/internal/util"
)

// Topics. One broker serves all three roles; the publishing role rides
// in the message metadata.
const (
	TopicServerStatus = "server/status"
	TopicServerAdmin  = "server/admin"
	TopicLinkState    = "interserver/link"
	TopicPlayerFlow   = "player/flow"
	TopicAccounts     = "account/activity"
	TopicSecurity     = "security/alert"
)

// Publisher forwards bus events to the MQTT broker as QoS 1 JSON
// messages with host metadata attached.
type Publisher struct {
	cfg      *config.ServerConfig
	role     string
	bus      *events.EventBus
	client   mqtt.Client
	metadata map[string]interface{}
}

// NewPublisher builds the MQTT client from the mqtt config section.
func NewPublisher(cfg *config.ServerConfig, role string, bus *events.EventBus) (*Publisher, error) {
	settings := cfg.MQTT
	if !settings.Enabled {
		return nil, fmt.Errorf("mqtt is disabled")
	}

	sysInfo := util.GetSystemInfo()
	p := &Publisher{
		cfg:  cfg,
		role: role,
		bus:  bus,
		metadata: map[string]interface{}{
			"hostname":  sysInfo.Hostname,
			"os":        sysInfo.OS,
			"cpu_model": sysInfo.CPUModel,
			"cpu_cores": sysInfo.CPUCores,
			"memory_mb": sysInfo.TotalMemory,
			"role":      role,
		},
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", settings.Broker, settings.Port))
	if settings.ClientID != "" {
		opts.SetClientID(settings.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("seolan-%s-%s", role, sysInfo.Hostname))
	}
	if settings.Username != "" {
		opts.SetUsername(settings.Username)
		opts.SetPassword(settings.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info().Str("role", role).Msg("mqtt connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("mqtt connection lost")
	})

	p.client = mqtt.NewClient(opts)
	return p, nil
}

// Start connects to the broker, forwards events until ctx is cancelled,
// then announces the shutdown and disconnects.
func (p *Publisher) Start(ctx context.Context) error {
	log.Info().Str("broker", p.cfg.MQTT.Broker).Int("port", p.cfg.MQTT.Port).
		Msg("connecting to mqtt broker")

	token := p.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt connect failed: %w", token.Error())
	}

	p.subscribeEvents()

	<-ctx.Done()

	p.publishShutdown()
	p.client.Disconnect(5000)
	log.Info().Msg("mqtt disconnected")
	return nil
}

func (p *Publisher) subscribeEvents() {
	status := p.forward(TopicServerStatus)
	p.bus.Subscribe(events.EventServerStarted, "mqtt.started", status)
	p.bus.Subscribe(events.EventServerStopping, "mqtt.stopping", status)

	link := p.forward(TopicLinkState)
	p.bus.Subscribe(events.EventLinkUp, "mqtt.linkUp", link)
	p.bus.Subscribe(events.EventLinkDown, "mqtt.linkDown", link)
	p.bus.Subscribe(events.EventWorkerAttached, "mqtt.workerAttached", link)
	p.bus.Subscribe(events.EventWorkerDetached, "mqtt.workerDetached", link)

	player := p.forward(TopicPlayerFlow)
	p.bus.Subscribe(events.EventPlayerAuthorized, "mqtt.playerAuthorized", player)
	p.bus.Subscribe(events.EventPlayerOnline, "mqtt.playerOnline", player)
	p.bus.Subscribe(events.EventPlayerOffline, "mqtt.playerOffline", player)
	p.bus.Subscribe(events.EventDuplicateLogin, "mqtt.duplicateLogin", player)
	p.bus.Subscribe(events.EventCharSaved, "mqtt.charSaved", player)

	account := p.forward(TopicAccounts)
	p.bus.Subscribe(events.EventAccountRegistered, "mqtt.accountRegistered", account)
	p.bus.Subscribe(events.EventCharCreated, "mqtt.charCreated", account)
	p.bus.Subscribe(events.EventPasswordChanged, "mqtt.passwordChanged", account)

	security := p.forward(TopicSecurity)
	p.bus.Subscribe(events.EventClientLockout, "mqtt.clientLockout", security)
	p.bus.Subscribe(events.EventHandshakeRejected, "mqtt.handshakeRejected", security)
}

// forward returns a handler that publishes the event under topic.
func (p *Publisher) forward(topic string) events.HandlerFunc {
	return func(ctx context.Context, event events.Event) error {
		p.publish(topic, map[string]interface{}{
			"event":   string(event.Type),
			"source":  event.Source,
			"payload": event.Payload,
		})
		return nil
	}
}

func (p *Publisher) publish(topic string, payload interface{}) {
	if !p.client.IsConnected() {
		return
	}

	data, err := json.Marshal(p.buildMessage(payload))
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to marshal mqtt message")
		return
	}

	token := p.client.Publish(topic, 1, false, data) // QoS 1
	go func() {
		token.Wait()
		if token.Error() != nil {
			log.Warn().Err(token.Error()).Str("topic", topic).Msg("mqtt publish failed")
		}
	}()
}

// buildMessage wraps payload with the host metadata and a timestamp.
func (p *Publisher) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(p.metadata)+2)
	for k, v := range p.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}

func (p *Publisher) publishShutdown() {
	p.publish(TopicServerAdmin, map[string]interface{}{
		"event": "shutdown",
		"role":  p.role,
	})
}
