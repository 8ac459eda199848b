// ABOUTME: MQTT relay output forwarding pulses to wearables
// ABOUTME: Publishes a vibrate message per pulse with paho
package haptics

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vybe-haptics/micpulse-go/pkg/protocol"
)

// VibrateMessage is the payload wearables act on
type VibrateMessage struct {
	Type  string `json:"type"`
	Style string `json:"style"`
	AtMs  int64  `json:"atMs"`
}

// NewVibrateMessage converts a pulse into a vibrate command
func NewVibrateMessage(p protocol.Pulse) VibrateMessage {
	return VibrateMessage{
		Type:  "vibrate",
		Style: p.Style,
		AtMs:  p.AtMs,
	}
}

// MQTTConfig holds relay configuration
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte

	// PublishTimeout bounds each publish (default: 2s)
	PublishTimeout time.Duration
}

// publisher is the subset of mqtt.Client the relay uses
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTT relays pulses to an MQTT topic
type MQTT struct {
	client  publisher
	topic   string
	qos     byte
	timeout time.Duration
}

// NewMQTT connects to the broker
func NewMQTT(config MQTTConfig) (*MQTT, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)
	opts.SetUsername(config.Username)
	opts.SetPassword(config.Password)
	opts.SetOnConnectHandler(connectHandler)
	opts.SetConnectionLostHandler(connectLostHandler)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	log.Printf("MQTT relay connected to %s, topic %s", config.Broker, config.Topic)
	return newMQTT(client, config), nil
}

func newMQTT(client publisher, config MQTTConfig) *MQTT {
	if config.PublishTimeout == 0 {
		config.PublishTimeout = 2 * time.Second
	}
	return &MQTT{
		client:  client,
		topic:   config.Topic,
		qos:     config.QoS,
		timeout: config.PublishTimeout,
	}
}

// Name returns the output name
func (m *MQTT) Name() string {
	return "mqtt"
}

// Emit publishes a vibrate message for p
func (m *MQTT) Emit(p protocol.Pulse) error {
	payload, err := json.Marshal(NewVibrateMessage(p))
	if err != nil {
		return fmt.Errorf("failed to marshal vibrate message: %w", err)
	}

	token := m.client.Publish(m.topic, m.qos, false, payload)
	if !token.WaitTimeout(m.timeout) {
		return fmt.Errorf("publish to %s timed out after %s", m.topic, m.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish vibrate message: %w", err)
	}
	return nil
}

// Close disconnects from the broker
func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	log.Printf("MQTT relay disconnected")
	return nil
}

var connectHandler mqtt.OnConnectHandler = func(client mqtt.Client) {
	log.Printf("MQTT: Connection established")
}

var connectLostHandler mqtt.ConnectionLostHandler = func(client mqtt.Client, err error) {
	log.Printf("MQTT: Connection lost: %v", err)
}
