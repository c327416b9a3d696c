package mqtt

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/khalifapro/crowd.dev/internal/common/config"
)

const (
	connectTimeout    = 10 * time.Second
	disconnectQuiesce = 250
)

// Client publishes sync messages to an MQTT broker.
type Client struct {
	client mqtt.Client
	qos    byte
}

// NewClient connects to the configured broker. Lost connections are logged
// and re-established by paho.
func NewClient(cfg *config.MQTTConfig, logger *zap.Logger) (*Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetConnectTimeout(connectTimeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("MQTT connection lost", zap.String("broker", cfg.Broker), zap.Error(err))
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("timed out connecting to MQTT broker %s", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", cfg.Broker, err)
	}

	return &Client{client: client, qos: cfg.QoS}, nil
}

// Publish sends payload to topic with the configured QoS and waits for the
// broker acknowledgement.
func (c *Client) Publish(topic string, payload []byte) error {
	token := c.client.Publish(topic, c.qos, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}
	return nil
}

// Disconnect closes the connection after in-flight work settles.
func (c *Client) Disconnect() {
	c.client.Disconnect(disconnectQuiesce)
}
