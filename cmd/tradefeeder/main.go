package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"rsi-stream/config"
	"rsi-stream/internal/feed"
	"rsi-stream/internal/feeder"
	"rsi-stream/internal/logger"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	csvPath := flag.String("csv", "trades_data.csv", "Path to the trades CSV export")
	ensure := flag.Bool("ensure-topic", true, "Create the trade topic before publishing")
	flag.Parse()

	cfg := config.Load()
	if cfg.FeedDriver == config.DriverMemory {
		log.Fatal("[tradefeeder] the memory driver cannot reach a running engine; use kafka, redis or nats")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[tradefeeder] invalid config: %v", err)
	}
	lg := logger.Init("tradefeeder", logger.ParseLevel(cfg.LogLevel))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	f, err := os.Open(*csvPath)
	if err != nil {
		log.Fatalf("[tradefeeder] open csv: %v", err)
	}
	trades, err := feeder.ReadTrades(f, nil)
	f.Close()
	if err != nil {
		log.Fatalf("[tradefeeder] read csv: %v", err)
	}
	log.Printf("[tradefeeder] read %d trades from %s", len(trades), *csvPath)

	fc := feed.Config{
		Driver:     cfg.FeedDriver,
		Brokers:    cfg.BrokerAddrs,
		Password:   cfg.BrokerPassword,
		Group:      cfg.ConsumerGroup, // redis: create the engine's group before the first trade
		ClientID:   "trade-ingestor",
		MaxRetries: cfg.FeedMaxRetries,
	}
	if *ensure {
		if err := feed.EnsureTopic(ctx, fc, cfg.TradeTopic); err != nil {
			log.Fatalf("[tradefeeder] ensure topic %s: %v", cfg.TradeTopic, err)
		}
	}

	producer, err := feed.NewProducer(ctx, fc)
	if err != nil {
		log.Fatalf("[tradefeeder] connect: %v", err)
	}
	defer producer.Close()

	st, err := feeder.New(producer, cfg.TradeTopic, lg).Publish(ctx, trades)
	if err != nil {
		log.Printf("[tradefeeder] interrupted: %v", err)
	}
	log.Printf("[tradefeeder] done: %d published, %d failed", st.Sent, st.Failed)
}
