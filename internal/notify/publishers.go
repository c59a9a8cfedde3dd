package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/streadway/amqp"

	"github.com/unclebandit/mailqueue-backend/internal/queue"
)

// ====================== In-process broker ======================

type brokerPublisher struct {
	q queue.Queue
}

func (b brokerPublisher) Name() string { return "broker" }

func (b brokerPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.q.Publish(ctx, topic, payload)
}

// NewBrokerPublisher publishes to the in-process queue. Having no live
// subscribers is not a failure.
func NewBrokerPublisher(q queue.Queue) Publisher {
	return ignoreErr{Publisher: brokerPublisher{q: q}, err: queue.ErrNoSubscribers}
}

// ====================== AMQP ======================

// AMQPChannel is the subset of *amqp.Channel used for publishing.
type AMQPChannel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes to a topic exchange with the logical topic as routing key.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       AMQPChannel
	exchange string
}

// DialAMQP connects and declares the exchange.
func DialAMQP(url, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // kind
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

// NewAMQPPublisher publishes on an already declared exchange.
func NewAMQPPublisher(ch AMQPChannel, exchange string) *AMQPPublisher {
	return &AMQPPublisher{ch: ch, exchange: exchange}
}

func (p *AMQPPublisher) Name() string { return "amqp" }

func (p *AMQPPublisher) Publish(_ context.Context, topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.Publish(p.exchange, topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Timestamp:    time.Now(),
		Type:         topic,
		Body:         payload,
	})
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// ====================== Redis ======================

// RedisClient is satisfied by *redis.Client and *redis.ClusterClient.
type RedisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher issues PUBLISH on <prefix><topic>.
type RedisPublisher struct {
	client RedisClient
	prefix string
}

func NewRedisPublisher(client RedisClient, prefix string) *RedisPublisher {
	return &RedisPublisher{client: client, prefix: prefix}
}

func (p *RedisPublisher) Name() string { return "redis" }

func (p *RedisPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	return p.client.Publish(ctx, p.prefix+topic, payload).Err()
}

// ====================== Kafka ======================

// KafkaWriter is satisfied by *kafka.Writer.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes each snapshot to one Kafka topic keyed by the logical topic.
type KafkaPublisher struct {
	w KafkaWriter
}

// NewKafkaWriter builds a writer tuned for small, latency sensitive snapshots.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
}

func NewKafkaPublisher(w KafkaWriter) *KafkaPublisher {
	return &KafkaPublisher{w: w}
}

func (p *KafkaPublisher) Name() string { return "kafka" }

func (p *KafkaPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(topic),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
		},
	})
}

func (p *KafkaPublisher) Close() error { return p.w.Close() }

// describe lists publisher names for startup logging.
func describe(pubs []Publisher) string {
	names := make([]string, 0, len(pubs))
	for _, p := range pubs {
		names = append(names, p.Name())
	}
	return strings.Join(names, ",")
}
