package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"rsi-stream/config"
	"rsi-stream/internal/logger"
	"rsi-stream/internal/rsiengine"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[rsiengine] invalid config: %v", err)
	}
	lg := logger.Init("rsiengine", logger.ParseLevel(cfg.LogLevel))
	log.Printf("[rsiengine] brokers: %v, group: %s", cfg.BrokerAddrs, cfg.ConsumerGroup)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[rsiengine] received %v, shutting down...", sig)
		cancel()
	}()

	svc, err := rsiengine.New(ctx, cfg, lg)
	if err != nil {
		log.Fatalf("[rsiengine] init failed: %v", err)
	}

	if err := svc.Run(ctx); err != nil {
		log.Fatalf("[rsiengine] fatal: %v", err)
	}
}
