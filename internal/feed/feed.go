// Package feed abstracts the message-queue transport used for the inbound
// trade topic and the outbound RSI topic.
//
// Drivers: Kafka (segmentio/kafka-go), Redis Streams (go-redis), NATS and
// an in-process memory bus. Every consumer delivers at most once: records
// are committed or acknowledged as they are handed to the caller.
package feed

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Driver names accepted by NewConsumer, NewProducer and EnsureTopic.
const (
	DriverKafka  = "kafka"
	DriverRedis  = "redis"
	DriverNATS   = "nats"
	DriverMemory = "memory"
)

var (
	// ErrClosed is returned by Fetch once the consumer has been closed.
	ErrClosed = errors.New("feed closed")

	// ErrUnknownDriver is returned for an unsupported Config.Driver.
	ErrUnknownDriver = errors.New("unknown feed driver")
)

// Record is one message on a topic.
type Record struct {
	Topic string
	Key   []byte
	Value []byte
	// ID is the transport position (partition/offset, stream ID, subject)
	// kept for logging only.
	ID string
}

// Consumer delivers records from one topic in transport order.
type Consumer interface {
	// Fetch blocks until the next record is available. Transient transport
	// errors are retried inside the driver; a returned error other than a
	// context error means the feed cannot be recovered.
	Fetch(ctx context.Context) (Record, error)

	// Close releases underlying resources.
	Close() error
}

// Producer writes keyed records.
type Producer interface {
	// Produce writes rec to rec.Topic, partitioned by rec.Key where the
	// transport supports it.
	Produce(ctx context.Context, rec Record) error

	// Close flushes and releases underlying resources.
	Close() error
}

// Config selects and configures a driver.
type Config struct {
	Driver   string
	Brokers  []string
	Password string

	// Consumer side
	Group string
	Topic string

	// ClientID names the connection on the broker side.
	ClientID string

	// MaxRetries bounds consecutive transient failures before Fetch gives up.
	MaxRetries int
	RetryDelay time.Duration

	// Memory is the shared bus for DriverMemory.
	Memory *Memory
}

func (c Config) retryDelay() time.Duration {
	if c.RetryDelay <= 0 {
		return 500 * time.Millisecond
	}
	return c.RetryDelay
}

func (c Config) maxRetries() int {
	if c.MaxRetries <= 0 {
		return 10
	}
	return c.MaxRetries
}

// NewConsumer connects a consumer for cfg.Topic in group cfg.Group.
func NewConsumer(ctx context.Context, cfg Config) (Consumer, error) {
	switch cfg.Driver {
	case DriverKafka:
		return newKafkaConsumer(cfg), nil
	case DriverRedis:
		return newRedisConsumer(ctx, cfg)
	case DriverNATS:
		return newNATSConsumer(cfg)
	case DriverMemory:
		if cfg.Memory == nil {
			return nil, errors.New("memory driver requires Config.Memory")
		}
		return cfg.Memory.Consumer(cfg.Topic), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

// NewProducer connects a producer. Topics are chosen per record.
func NewProducer(ctx context.Context, cfg Config) (Producer, error) {
	switch cfg.Driver {
	case DriverKafka:
		return newKafkaProducer(cfg), nil
	case DriverRedis:
		return newRedisProducer(ctx, cfg)
	case DriverNATS:
		return newNATSProducer(cfg)
	case DriverMemory:
		if cfg.Memory == nil {
			return nil, errors.New("memory driver requires Config.Memory")
		}
		return cfg.Memory, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

// EnsureTopic creates topic on the cluster if the transport needs it.
// For Redis it also creates cfg.Group on the stream when cfg.Group is set.
func EnsureTopic(ctx context.Context, cfg Config, topic string) error {
	switch cfg.Driver {
	case DriverKafka:
		return ensureKafkaTopic(ctx, cfg.Brokers, topic, 1)
	case DriverRedis:
		return ensureRedisStream(ctx, cfg, topic)
	case DriverNATS, DriverMemory:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
