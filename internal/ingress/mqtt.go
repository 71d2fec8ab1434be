package ingress

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/xtxerr/telemetryd/internal/config"
	"github.com/xtxerr/telemetryd/internal/stats"
)

const (
	connectTimeout    = 10 * time.Second
	disconnectQuiesce = 250 // milliseconds, paho's own unit
	eventBufferSize   = 1024
)

// MQTTSource subscribes to the configured topics and forwards every
// publication as an Event. The paho client reconnects on its own;
// subscriptions are re-established in the connect callback so they
// survive broker restarts.
type MQTTSource struct {
	cfg       *config.MQTTConfig
	log       *slog.Logger
	collector *stats.Collector

	client mqtt.Client
	events chan Event

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewMQTT builds an MQTT source. The collector records connection
// churn and active subscriptions; it may be nil.
func NewMQTT(cfg *config.MQTTConfig, collector *stats.Collector, log *slog.Logger) *MQTTSource {
	s := &MQTTSource{
		cfg:       cfg,
		log:       log.With("component", "mqtt"),
		collector: collector,
		events:    make(chan Event, eventBufferSize),
		done:      make(chan struct{}),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port)).
		SetClientID(cfg.ClientID).
		SetKeepAlive(cfg.Keepalive).
		SetAutoReconnect(true).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(s.onConnectionLost)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	s.client = mqtt.NewClient(opts)
	return s
}

// Start connects to the broker. Subscriptions happen in the connect
// callback, which also runs on every reconnect.
func (s *MQTTSource) Start() error {
	token := s.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("connect to %s:%d: timeout", s.cfg.Broker, s.cfg.Port)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to %s:%d: %w", s.cfg.Broker, s.cfg.Port, err)
	}
	return nil
}

func (s *MQTTSource) Events() <-chan Event {
	return s.events
}

func (s *MQTTSource) onConnect(client mqtt.Client) {
	s.log.Info("connected to broker", "broker", s.cfg.Broker, "port", s.cfg.Port)
	if s.collector != nil {
		s.collector.IncConnect()
	}

	for _, topic := range s.cfg.Topics {
		token := client.Subscribe(topic, s.cfg.QoS, s.onMessage)
		if token.WaitTimeout(connectTimeout) && token.Error() == nil {
			s.log.Info("subscribed", "topic", topic, "qos", s.cfg.QoS)
			if s.collector != nil {
				s.collector.AddSubscription(topic)
			}
			continue
		}
		s.log.Error("subscribe failed", "topic", topic, "error", token.Error())
	}
}

func (s *MQTTSource) onConnectionLost(client mqtt.Client, err error) {
	s.log.Warn("connection lost", "error", err)
	if s.collector != nil {
		s.collector.IncDisconnect()
	}
}

func (s *MQTTSource) onMessage(client mqtt.Client, msg mqtt.Message) {
	select {
	case <-s.done:
		return
	default:
	}

	// Copy the payload; paho reuses its buffers after the handler
	// returns.
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())

	ev := Event{
		Topic:      msg.Topic(),
		Payload:    payload,
		ReceivedAt: time.Now(),
	}

	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// Close disconnects and closes the events channel.
func (s *MQTTSource) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	if s.client.IsConnected() {
		s.client.Disconnect(disconnectQuiesce)
	}
	close(s.events)
	s.log.Info("mqtt source closed")
}
