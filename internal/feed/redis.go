package feed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

const (
	// Approximate stream trim length for produced topics.
	redisStreamMaxLen = 100000

	redisReadCount = 100
	redisReadBlock = 2 * time.Second
)

// newRedisClient returns a single-node client for one address and a
// cluster client for several, and pings it.
func newRedisClient(ctx context.Context, cfg Config) (goredis.UniversalClient, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("redis: no addresses configured")
	}
	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:    cfg.Brokers,
		Password: cfg.Password,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis-feed] connected to %v", cfg.Brokers)
	return client, nil
}

// ensureGroup creates group on stream starting at "$" (new entries only).
func ensureGroup(ctx context.Context, client goredis.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create %s: %w", stream, err)
	}
	return nil
}

func ensureRedisStream(ctx context.Context, cfg Config, stream string) error {
	client, err := newRedisClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	if cfg.Group == "" {
		// XADD creates streams lazily; nothing to do without a group.
		return nil
	}
	return ensureGroup(ctx, client, stream, cfg.Group)
}

// redisConsumer reads a stream through a consumer group with XREADGROUP.
// Entries are XACKed as soon as they are read, so nothing is redelivered.
type redisConsumer struct {
	client     goredis.UniversalClient
	stream     string
	group      string
	consumer   string
	maxRetries int
	retryDelay time.Duration

	pending []goredis.XMessage
}

func newRedisConsumer(ctx context.Context, cfg Config) (*redisConsumer, error) {
	client, err := newRedisClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := ensureGroup(ctx, client, cfg.Topic, cfg.Group); err != nil {
		client.Close()
		return nil, err
	}

	name := cfg.ClientID
	if name == "" {
		name, _ = os.Hostname()
	}
	if name == "" {
		name = "worker-1"
	}

	log.Printf("[redis-feed] consuming %s (group=%s, consumer=%s)", cfg.Topic, cfg.Group, name)
	return &redisConsumer{
		client:     client,
		stream:     cfg.Topic,
		group:      cfg.Group,
		consumer:   name,
		maxRetries: cfg.maxRetries(),
		retryDelay: cfg.retryDelay(),
	}, nil
}

func (c *redisConsumer) Fetch(ctx context.Context) (Record, error) {
	failures := 0
	for len(c.pending) == 0 {
		if err := ctx.Err(); err != nil {
			return Record{}, err
		}

		results, err := c.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{c.stream, ">"},
			Count:    redisReadCount,
			Block:    redisReadBlock,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return Record{}, ctx.Err()
			}
			if err == goredis.Nil {
				continue
			}
			if errors.Is(err, goredis.ErrClosed) {
				return Record{}, ErrClosed
			}
			failures++
			if failures > c.maxRetries {
				return Record{}, fmt.Errorf("xreadgroup %s: giving up after %d attempts: %w", c.stream, failures, err)
			}
			log.Printf("[redis-feed] xreadgroup error (%d/%d): %v", failures, c.maxRetries, err)
			if err := sleepCtx(ctx, c.retryDelay); err != nil {
				return Record{}, err
			}
			continue
		}
		failures = 0

		for _, stream := range results {
			if len(stream.Messages) == 0 {
				continue
			}
			ids := make([]string, len(stream.Messages))
			for i, msg := range stream.Messages {
				ids[i] = msg.ID
			}
			if err := c.client.XAck(ctx, stream.Stream, c.group, ids...).Err(); err != nil {
				log.Printf("[redis-feed] xack %s (%d entries): %v", stream.Stream, len(ids), err)
			}
			c.pending = append(c.pending, stream.Messages...)
		}
	}

	msg := c.pending[0]
	c.pending = c.pending[1:]
	return redisRecord(c.stream, msg), nil
}

func (c *redisConsumer) Close() error {
	return c.client.Close()
}

// redisRecord converts a stream entry. A missing or non-string "data" field
// yields an empty Value, which fails trade decoding downstream.
func redisRecord(stream string, msg goredis.XMessage) Record {
	rec := Record{Topic: stream, ID: msg.ID}
	if data, ok := msg.Values["data"].(string); ok {
		rec.Value = []byte(data)
	}
	if key, ok := msg.Values["key"].(string); ok && key != "" {
		rec.Key = []byte(key)
	}
	return rec
}

// redisProducer appends records to streams with XADD.
type redisProducer struct {
	client goredis.UniversalClient
}

func newRedisProducer(ctx context.Context, cfg Config) (*redisProducer, error) {
	client, err := newRedisClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &redisProducer{client: client}, nil
}

func (p *redisProducer) Produce(ctx context.Context, rec Record) error {
	err := p.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: rec.Topic,
		MaxLen: redisStreamMaxLen,
		Approx: true,
		Values: redisValues(rec),
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", rec.Topic, err)
	}
	return nil
}

func (p *redisProducer) Close() error {
	return p.client.Close()
}

func redisValues(rec Record) map[string]interface{} {
	return map[string]interface{}{
		"key":  string(rec.Key),
		"data": string(rec.Value),
	}
}
