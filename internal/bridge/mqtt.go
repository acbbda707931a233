package bridge

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const mqttPublishTimeout = 5 * time.Second

var errMQTTTimeout = errors.New("mqtt publish timed out")

// mqttPublisher is the part of mqtt.Client the sink uses
type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSink publishes alerts to {prefix}/events/{channel}/{eventType} and the
// retained inventory to {prefix}/inventory
type MQTTSink struct {
	client mqttPublisher
	prefix string
	close  func()
}

// MQTTOptions configures DialMQTT
type MQTTOptions struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Prefix   string
}

// DialMQTT connects to the broker and returns a sink publishing to it
func DialMQTT(opts MQTTOptions, logger *slog.Logger) (*MQTTSink, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	clientOpts := mqtt.NewClientOptions()
	clientOpts.AddBroker(opts.Broker)
	clientOpts.SetClientID(opts.ClientID)
	clientOpts.SetUsername(opts.Username)
	clientOpts.SetPassword(opts.Password)
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", "error", err)
	})
	clientOpts.SetOnConnectHandler(func(_ mqtt.Client) {
		logger.Info("MQTT connected", "broker", opts.Broker)
	})

	client := mqtt.NewClient(clientOpts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connecting to %s: %w", opts.Broker, errMQTTTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", opts.Broker, err)
	}

	sink := NewMQTTSink(client, opts.Prefix)
	sink.close = func() { client.Disconnect(250) }
	return sink, nil
}

// NewMQTTSink wraps an already connected client
func NewMQTTSink(client mqttPublisher, prefix string) *MQTTSink {
	return &MQTTSink{client: client, prefix: prefix}
}

// Name implements Sink
func (s *MQTTSink) Name() string { return "mqtt" }

// PublishAlert implements Sink
func (s *MQTTSink) PublishAlert(ev AlertEvent) error {
	payload, err := encode(ev.Event)
	if err != nil {
		return err
	}
	topic := fmt.Sprintf("%s/events/%s/%s", s.prefix, topicSegment(ev.Channel()), topicSegment(ev.EventType))
	return s.publish(topic, false, payload)
}

// PublishInventory implements Sink
func (s *MQTTSink) PublishInventory(change InventoryChanged) error {
	payload, err := encode(change)
	if err != nil {
		return err
	}
	return s.publish(s.prefix+"/inventory", true, payload)
}

func (s *MQTTSink) publish(topic string, retained bool, payload []byte) error {
	token := s.client.Publish(topic, 1, retained, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return fmt.Errorf("%s: %w", topic, errMQTTTimeout)
	}
	return token.Error()
}

// Close implements Sink
func (s *MQTTSink) Close() {
	if s.close != nil {
		s.close()
	}
}
