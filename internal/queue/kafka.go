package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// Producer wraps a synchronous Kafka writer bound to one topic.
type Producer struct {
	writer *kafka.Writer
}

// NewProducer creates a new Kafka producer
func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{}, // Partition by key (vehicle)
			RequiredAcks: kafka.RequireOne,
			Async:        false, // Synchronous: the caller needs the outcome
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

// Topic returns the topic the producer writes to.
func (p *Producer) Topic() string {
	return p.writer.Topic
}

// Publish sends a message to Kafka
func (p *Producer) Publish(ctx context.Context, key, value []byte) error {
	return p.PublishMessage(ctx, kafka.Message{Key: key, Value: value})
}

// PublishMessage sends a message that may carry headers.
func (p *Producer) PublishMessage(ctx context.Context, msg kafka.Message) error {
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message to %s: %w", p.writer.Topic, err)
	}
	return nil
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Consumer wraps a consumer-group reader with manual offset commits.
type Consumer struct {
	reader *kafka.Reader
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			Topic:          topic,
			GroupID:        groupID,
			MinBytes:       1,    // 1 byte
			MaxBytes:       10e6, // 10MB
			CommitInterval: 0,    // Offsets are committed explicitly
			StartOffset:    kafka.FirstOffset,
		}),
	}
}

// Fetch blocks until the next message is available. The offset is not
// committed until Commit is called.
func (c *Consumer) Fetch(ctx context.Context) (kafka.Message, error) {
	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to fetch message: %w", err)
	}
	return msg, nil
}

// Commit commits the message offset
func (c *Consumer) Commit(ctx context.Context, msg kafka.Message) error {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to commit message: %w", err)
	}
	return nil
}

// Close closes the consumer
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// Stats returns consumer statistics
func (c *Consumer) Stats() kafka.ReaderStats {
	return c.reader.Stats()
}

// TopicSpec describes a topic to create.
type TopicSpec struct {
	Name              string
	Partitions        int
	ReplicationFactor int
}

// EnsureTopics creates the given topics through the cluster controller.
// Topics that already exist are left untouched.
func EnsureTopics(ctx context.Context, brokers []string, specs ...TopicSpec) error {
	if len(brokers) == 0 {
		return errors.New("no brokers configured")
	}

	var d kafka.Dialer
	conn, err := d.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("failed to dial broker: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("failed to get controller: %w", err)
	}

	controllerConn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("failed to dial controller: %w", err)
	}
	defer controllerConn.Close()

	for _, spec := range specs {
		err := controllerConn.CreateTopics(kafka.TopicConfig{
			Topic:             spec.Name,
			NumPartitions:     spec.Partitions,
			ReplicationFactor: spec.ReplicationFactor,
		})
		if errors.Is(err, kafka.TopicAlreadyExists) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to create topic %s: %w", spec.Name, err)
		}
		slog.Info("created topic", "topic", spec.Name, "partitions", spec.Partitions)
	}
	return nil
}
