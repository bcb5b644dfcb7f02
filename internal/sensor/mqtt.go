package sensor

import (
	"fmt"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/rewired-gh/fallguard/internal/config"
	"github.com/rewired-gh/fallguard/internal/logger"
)

// MQTTSource subscribes to device topics and forwards messages to a Feed.
// Devices publish on <prefix>/<device id>/<message type>.
type MQTTSource struct {
	client mqtt.Client
	cfg    config.MQTTConfig
	feed   *Feed
}

// Topic returns the subscription filter for the configured devices.
func Topic(prefix, deviceID string) string {
	if deviceID == "" {
		deviceID = "+"
	}
	return strings.TrimSuffix(prefix, "/") + "/" + deviceID + "/+"
}

// NewMQTTSource creates a source. Connect must be called before messages flow.
func NewMQTTSource(cfg config.MQTTConfig, feed *Feed) *MQTTSource {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "fallguard-" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	s := &MQTTSource{cfg: cfg, feed: feed}

	// Subscriptions are lost on reconnect with a clean session.
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		topic := Topic(cfg.TopicPrefix, cfg.DeviceID)
		if token := c.Subscribe(topic, cfg.QoS, s.onMessage); token.Wait() && token.Error() != nil {
			logger.Error("Failed to subscribe to %s: %v", topic, token.Error())
			return
		}
		logger.Info("Subscribed to device topic %s", topic)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost: %v", err)
	})

	s.client = mqtt.NewClient(opts)
	return s
}

// Connect connects to the broker.
func (s *MQTTSource) Connect() error {
	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	logger.Info("Connected to MQTT broker %s", s.cfg.Broker)
	return nil
}

// Close disconnects, waiting briefly for in-flight work.
func (s *MQTTSource) Close() {
	if s.client.IsConnected() {
		s.client.Disconnect(250)
	}
}

func (s *MQTTSource) onMessage(_ mqtt.Client, msg mqtt.Message) {
	kind := msg.Topic()
	if i := strings.LastIndex(kind, "/"); i >= 0 {
		kind = kind[i+1:]
	}
	if err := s.feed.HandlePayload(kind, msg.Payload()); err != nil {
		logger.Warn("Dropped device message on %s: %v", msg.Topic(), err)
	}
}
