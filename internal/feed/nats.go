package feed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS has no record keys: the key becomes the last subject token, so a
// topic "rsi-data" with key "T1" is published on "rsi-data.T1" and consumed
// with the wildcard "rsi-data.>".

const natsUnkeyed = "_"

func natsConnect(cfg Config) (*nats.Conn, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("nats: no servers configured")
	}

	servers := make([]string, len(cfg.Brokers))
	for i, b := range cfg.Brokers {
		if !strings.Contains(b, "://") {
			b = "nats://" + b
		}
		servers[i] = b
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.maxRetries()),
		nats.ReconnectWait(time.Second),
		nats.DisconnectHandler(func(_ *nats.Conn) {
			log.Println("[nats] disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
	}
	if cfg.Password != "" {
		opts = append(opts, nats.Token(cfg.Password))
	}

	nc, err := nats.Connect(strings.Join(servers, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	log.Printf("[nats] connected to %s", nc.ConnectedUrl())
	return nc, nil
}

// natsSubject returns the subject for topic and key.
func natsSubject(topic string, key []byte) string {
	k := string(key)
	if k == "" {
		k = natsUnkeyed
	}
	k = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(k)
	return topic + "." + k
}

// natsKey extracts the key token from a subject produced by natsSubject.
func natsKey(topic, subject string) []byte {
	k := strings.TrimPrefix(subject, topic+".")
	if k == subject || k == natsUnkeyed {
		return nil
	}
	return []byte(k)
}

// natsConsumer is a queue subscription: members of the same group share
// the topic's messages.
type natsConsumer struct {
	nc    *nats.Conn
	sub   *nats.Subscription
	topic string
}

func newNATSConsumer(cfg Config) (*natsConsumer, error) {
	nc, err := natsConnect(cfg)
	if err != nil {
		return nil, err
	}

	sub, err := nc.QueueSubscribeSync(cfg.Topic+".>", cfg.Group)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats queue subscribe %s: %w", cfg.Topic, err)
	}

	log.Printf("[nats] consuming %s.> (queue=%s)", cfg.Topic, cfg.Group)
	return &natsConsumer{nc: nc, sub: sub, topic: cfg.Topic}, nil
}

func (c *natsConsumer) Fetch(ctx context.Context) (Record, error) {
	for {
		msg, err := c.sub.NextMsgWithContext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return Record{}, ctx.Err()
			}
			if errors.Is(err, nats.ErrSlowConsumer) {
				// the client dropped messages for us; keep reading
				log.Printf("[nats] slow consumer on %s.>, messages were dropped", c.topic)
				continue
			}
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				return Record{}, ErrClosed
			}
			return Record{}, fmt.Errorf("nats next msg %s: %w", c.topic, err)
		}
		return Record{
			Topic: c.topic,
			Key:   natsKey(c.topic, msg.Subject),
			Value: msg.Data,
			ID:    msg.Subject,
		}, nil
	}
}

func (c *natsConsumer) Close() error {
	if err := c.sub.Unsubscribe(); err != nil {
		log.Printf("[nats] unsubscribe: %v", err)
	}
	c.nc.Close()
	return nil
}

type natsProducer struct {
	nc *nats.Conn
}

func newNATSProducer(cfg Config) (*natsProducer, error) {
	nc, err := natsConnect(cfg)
	if err != nil {
		return nil, err
	}
	return &natsProducer{nc: nc}, nil
}

func (p *natsProducer) Produce(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	subj := natsSubject(rec.Topic, rec.Key)
	if err := p.nc.Publish(subj, rec.Value); err != nil {
		return fmt.Errorf("nats publish %s: %w", subj, err)
	}
	return nil
}

func (p *natsProducer) Close() error {
	if err := p.nc.Flush(); err != nil {
		log.Printf("[nats] flush on close: %v", err)
	}
	p.nc.Close()
	return nil
}
