package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"rsi-stream/internal/feed"
)

// Supported FEED_DRIVER values.
const (
	DriverKafka  = feed.DriverKafka
	DriverRedis  = feed.DriverRedis
	DriverNATS   = feed.DriverNATS
	DriverMemory = feed.DriverMemory
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Feed
	FeedDriver     string
	BrokerAddrs    []string
	BrokerPassword string
	ConsumerGroup  string
	TradeTopic     string
	RSITopic       string
	FeedMaxRetries int
	EnsureTopics   bool

	// Live endpoint
	ListenPort     int
	HubBufferSize  int
	WSWriteTimeout time.Duration

	// Outbound publish
	PublishAsync        bool
	PublishQueueSize    int
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration

	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is loaded first if present; variables
// already set in the environment win.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("[config] ignoring .env: %v", err)
	}

	return &Config{
		FeedDriver:     strings.ToLower(getEnv("FEED_DRIVER", DriverKafka)),
		BrokerAddrs:    parseList(getEnv("BROKER_ADDRS", "localhost:19092,localhost:29092,localhost:39092")),
		BrokerPassword: getEnv("BROKER_PASSWORD", ""),
		ConsumerGroup:  getEnv("CONSUMER_GROUP", "rsi_service_group"),
		TradeTopic:     getEnv("TRADE_TOPIC", "trade-data"),
		RSITopic:       getEnv("RSI_TOPIC", "rsi-data"),
		FeedMaxRetries: getInt("FEED_MAX_RETRIES", 10),
		EnsureTopics:   getBool("ENSURE_TOPICS", false),

		ListenPort:     getInt("LISTEN_PORT", 4040),
		HubBufferSize:  getInt("HUB_BUFFER_SIZE", 100),
		WSWriteTimeout: getDuration("WS_WRITE_TIMEOUT", 10*time.Second),

		PublishAsync:        getBool("PUBLISH_ASYNC", false),
		PublishQueueSize:    getInt("PUBLISH_QUEUE_SIZE", 1000),
		BreakerMaxFailures:  getInt("BREAKER_MAX_FAILURES", 5),
		BreakerResetTimeout: getDuration("BREAKER_RESET_TIMEOUT", 10*time.Second),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	switch c.FeedDriver {
	case DriverKafka, DriverRedis, DriverNATS, DriverMemory:
	default:
		return fmt.Errorf("unknown FEED_DRIVER %q", c.FeedDriver)
	}
	if c.FeedDriver != DriverMemory && len(c.BrokerAddrs) == 0 {
		return errors.New("BROKER_ADDRS is empty")
	}
	if c.ConsumerGroup == "" {
		return errors.New("CONSUMER_GROUP is empty")
	}
	if c.TradeTopic == "" || c.RSITopic == "" {
		return errors.New("TRADE_TOPIC and RSI_TOPIC are required")
	}
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("LISTEN_PORT %d out of range", c.ListenPort)
	}
	if c.HubBufferSize <= 0 {
		return fmt.Errorf("HUB_BUFFER_SIZE must be positive, got %d", c.HubBufferSize)
	}
	if c.PublishAsync && c.PublishQueueSize <= 0 {
		return fmt.Errorf("PUBLISH_QUEUE_SIZE must be positive, got %d", c.PublishQueueSize)
	}
	return nil
}

// ListenAddr returns the HTTP listen address for the live endpoint.
func (c *Config) ListenAddr() string {
	return ":" + strconv.Itoa(c.ListenPort)
}

// parseList splits a comma-separated list, dropping blanks.
func parseList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return b
}

// getDuration accepts Go duration strings ("10s") or plain seconds ("10").
func getDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	log.Printf("[config] invalid %s=%q, using %v", key, v, fallback)
	return fallback
}
