package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// kafkaConsumer reads one topic through a consumer group. ReadMessage
// commits each offset synchronously before returning it.
type kafkaConsumer struct {
	r *kafka.Reader
}

func newKafkaConsumer(cfg Config) *kafkaConsumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.Group,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		// A fresh group only sees trades produced after it joins.
		StartOffset: kafka.LastOffset,
		MaxAttempts: cfg.maxRetries(),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.Printf("[kafka] "+msg, args...)
		}),
	})
	log.Printf("[kafka] consumer created (brokers=%v, group=%s, topic=%s)", cfg.Brokers, cfg.Group, cfg.Topic)
	return &kafkaConsumer{r: r}
}

func (c *kafkaConsumer) Fetch(ctx context.Context) (Record, error) {
	m, err := c.r.ReadMessage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Record{}, ctx.Err()
		}
		if errors.Is(err, io.EOF) {
			return Record{}, ErrClosed
		}
		return Record{}, fmt.Errorf("kafka read %s: %w", c.r.Config().Topic, err)
	}
	return Record{
		Topic: m.Topic,
		Key:   m.Key,
		Value: m.Value,
		ID:    strconv.Itoa(m.Partition) + "/" + strconv.FormatInt(m.Offset, 10),
	}, nil
}

func (c *kafkaConsumer) Close() error {
	return c.r.Close()
}

// kafkaProducer writes synchronously, one record per batch, hashing the key
// to pick the partition.
type kafkaProducer struct {
	w *kafka.Writer
}

func newKafkaProducer(cfg Config) *kafkaProducer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchSize:              1,
		BatchTimeout:           5 * time.Millisecond,
		AllowAutoTopicCreation: true,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.Printf("[kafka] "+msg, args...)
		}),
	}
	log.Printf("[kafka] producer created (brokers=%v)", cfg.Brokers)
	return &kafkaProducer{w: w}
}

func (p *kafkaProducer) Produce(ctx context.Context, rec Record) error {
	err := p.w.WriteMessages(ctx, kafka.Message{
		Topic: rec.Topic,
		Key:   rec.Key,
		Value: rec.Value,
	})
	if err != nil {
		return fmt.Errorf("kafka write %s: %w", rec.Topic, err)
	}
	return nil
}

func (p *kafkaProducer) Close() error {
	return p.w.Close()
}

// ensureKafkaTopic creates topic through the cluster controller, treating
// an existing topic as success.
func ensureKafkaTopic(ctx context.Context, brokers []string, topic string, partitions int) error {
	if len(brokers) == 0 {
		return errors.New("kafka: no brokers configured")
	}

	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("kafka dial %s: %w", brokers[0], err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka controller lookup: %w", err)
	}

	addr := net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port))
	cc, err := kafka.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("kafka dial controller %s: %w", addr, err)
	}
	defer cc.Close()

	err = cc.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     partitions,
		ReplicationFactor: 1,
	})
	if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("kafka create topic %s: %w", topic, err)
	}

	log.Printf("[kafka] topic %s ready", topic)
	return nil
}
