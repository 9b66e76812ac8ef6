package rsiengine

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"rsi-stream/config"
	"rsi-stream/internal/feed"
	"rsi-stream/internal/gateway"
	"rsi-stream/internal/metrics"
	"rsi-stream/internal/publisher"
)

// Service wires the feed, engine, publisher and live endpoint together and
// manages their lifecycle.
type Service struct {
	cfg *config.Config
	log *slog.Logger

	reg    *prometheus.Registry
	prom   *metrics.Metrics
	health *metrics.HealthStatus

	consumer feed.Consumer
	pub      *publisher.Publisher
	hub      *gateway.Hub
	engine   *Engine
	server   *gateway.Server
}

// FeedConfig returns the transport settings for cfg.
func FeedConfig(cfg *config.Config) feed.Config {
	host, _ := os.Hostname()
	return feed.Config{
		Driver:     cfg.FeedDriver,
		Brokers:    cfg.BrokerAddrs,
		Password:   cfg.BrokerPassword,
		Group:      cfg.ConsumerGroup,
		Topic:      cfg.TradeTopic,
		ClientID:   "rsiengine-" + host,
		MaxRetries: cfg.FeedMaxRetries,
	}
}

// New connects the inbound consumer and outbound producer described by cfg
// and builds the service.
func New(ctx context.Context, cfg *config.Config, lg *slog.Logger) (*Service, error) {
	fc := FeedConfig(cfg)
	if fc.Driver == feed.DriverMemory {
		fc.Memory = feed.NewMemory(0)
	}

	if cfg.EnsureTopics {
		for _, topic := range []string{cfg.TradeTopic, cfg.RSITopic} {
			if err := feed.EnsureTopic(ctx, fc, topic); err != nil {
				return nil, fmt.Errorf("ensure topic %s: %w", topic, err)
			}
		}
	}

	consumer, err := feed.NewConsumer(ctx, fc)
	if err != nil {
		return nil, fmt.Errorf("inbound feed: %w", err)
	}
	producer, err := feed.NewProducer(ctx, fc)
	if err != nil {
		consumer.Close()
		return nil, fmt.Errorf("outbound feed: %w", err)
	}

	return NewWithFeed(cfg, consumer, producer, lg), nil
}

// NewWithFeed builds the service on an existing consumer and producer.
func NewWithFeed(cfg *config.Config, consumer feed.Consumer, producer feed.Producer, lg *slog.Logger) *Service {
	if lg == nil {
		lg = slog.Default()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	prom := metrics.NewMetrics(reg)
	health := metrics.NewHealthStatus()

	hub := gateway.NewHub(cfg.HubBufferSize, prom)
	pub := publisher.New(producer, publisher.Options{
		Topic:               cfg.RSITopic,
		BreakerMaxFailures:  cfg.BreakerMaxFailures,
		BreakerResetTimeout: cfg.BreakerResetTimeout,
		Async:               cfg.PublishAsync,
		QueueSize:           cfg.PublishQueueSize,
		Metrics:             prom,
		Logger:              lg,
	})

	return &Service{
		cfg:      cfg,
		log:      lg,
		reg:      reg,
		prom:     prom,
		health:   health,
		consumer: consumer,
		pub:      pub,
		hub:      hub,
		engine:   NewEngine(hub, pub, prom, health, lg),
		server: gateway.NewServer(cfg.ListenAddr(), hub, gateway.ServerOptions{
			WriteTimeout: cfg.WSWriteTimeout,
			Health:       health,
			Gatherer:     reg,
			Logger:       lg,
		}),
	}
}

// Run starts the live endpoint, the publish worker and the ingestion loop,
// and blocks until ctx is cancelled or one of them fails. Resources are
// released before it returns.
func (svc *Service) Run(ctx context.Context) error {
	log.Printf("[rsiengine] starting (driver=%s, trades=%s, results=%s, listen=%s, async_publish=%v)",
		svc.cfg.FeedDriver, svc.cfg.TradeTopic, svc.cfg.RSITopic, svc.cfg.ListenAddr(), svc.pub.Async())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.server.Run(gctx)
	})
	g.Go(func() error {
		svc.pub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return svc.engine.Run(gctx, svc.consumer)
	})

	err := g.Wait()
	svc.shutdown()
	return err
}

func (svc *Service) shutdown() {
	if err := svc.consumer.Close(); err != nil {
		log.Printf("[rsiengine] consumer close: %v", err)
	}
	if err := svc.pub.Close(); err != nil {
		log.Printf("[rsiengine] producer close: %v", err)
	}
	log.Println("[rsiengine] shutdown complete.")
}

// Engine returns the ingestion engine.
func (svc *Service) Engine() *Engine { return svc.engine }

// Hub returns the broadcast hub.
func (svc *Service) Hub() *gateway.Hub { return svc.hub }

// Handler returns the live endpoint routes.
func (svc *Service) Handler() http.Handler { return svc.server.Handler() }
