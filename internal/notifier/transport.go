package notifier

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	redisx "github.com/khalifapro/crowd.dev/internal/common/redis"
)

// RedisTransport appends messages to Redis streams under the "data" field.
type RedisTransport struct {
	client *redisx.Client
}

// NewRedisTransport creates a stream transport. The client is owned by the caller.
func NewRedisTransport(client *redisx.Client) *RedisTransport {
	return &RedisTransport{client: client}
}

func (t *RedisTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	_, err := redisx.Publish(ctx, t.client, topic, payload, 0)
	return err
}

func (t *RedisTransport) Close() error {
	return nil
}

// mqttPublisher is implemented by common/mqtt.Client.
type mqttPublisher interface {
	Publish(topic string, payload []byte) error
	Disconnect()
}

// MQTTTransport publishes each message to an MQTT topic.
type MQTTTransport struct {
	client mqttPublisher
}

func NewMQTTTransport(client mqttPublisher) *MQTTTransport {
	return &MQTTTransport{client: client}
}

func (t *MQTTTransport) Publish(_ context.Context, topic string, payload []byte) error {
	return t.client.Publish(topic, payload)
}

func (t *MQTTTransport) Close() error {
	t.client.Disconnect()
	return nil
}

// amqpChannel is the subset of *amqp.Channel used for publishing.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPTransport publishes persistent JSON messages to a topic exchange,
// using the topic as routing key.
type AMQPTransport struct {
	conn     *amqp.Connection
	channel  amqpChannel
	exchange string
}

// DialAMQP connects to url and declares a durable topic exchange.
func DialAMQP(url, exchange string) (*AMQPTransport, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open AMQP channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	return &AMQPTransport{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
	}, nil
}

func (t *AMQPTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	return t.channel.PublishWithContext(ctx,
		t.exchange,
		topic,
		false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         payload,
			Timestamp:    time.Now(),
			DeliveryMode: amqp.Persistent,
		},
	)
}

func (t *AMQPTransport) Close() error {
	err := t.channel.Close()
	if t.conn != nil {
		if cerr := t.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
