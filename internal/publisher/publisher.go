// Package publisher republishes RSI results to the outbound topic, keyed by
// token, behind a circuit breaker and an optional bounded async queue.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"rsi-stream/internal/feed"
	"rsi-stream/internal/logger"
	"rsi-stream/internal/metrics"
	"rsi-stream/internal/model"
)

// ErrQueueFull is returned by Publish in async mode when the queue is full.
// The result is dropped.
var ErrQueueFull = errors.New("publish queue full")

// Options configures a Publisher.
type Options struct {
	Topic string

	// BreakerMaxFailures consecutive failures open the breaker for
	// BreakerResetTimeout.
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration

	// Async enables the queued mode; QueueSize bounds the queue.
	Async     bool
	QueueSize int

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type job struct {
	ctx    context.Context
	result model.IndicatorResult
}

// Publisher writes RSI records to a feed.Producer.
type Publisher struct {
	producer feed.Producer
	topic    string
	breaker  *gobreaker.CircuitBreaker[struct{}]
	prom     *metrics.Metrics
	log      *slog.Logger

	queue chan job // nil in inline mode
}

// New creates a publisher. In async mode Run must be started to drain the
// queue.
func New(producer feed.Producer, opts Options) *Publisher {
	p := &Publisher{
		producer: producer,
		topic:    opts.Topic,
		prom:     opts.Metrics,
		log:      opts.Logger,
	}
	if p.prom == nil {
		p.prom = metrics.NewMetrics(nil)
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if opts.Async {
		size := opts.QueueSize
		if size <= 0 {
			size = 1000
		}
		p.queue = make(chan job, size)
	}

	maxFailures := opts.BreakerMaxFailures
	if maxFailures <= 0 {
		maxFailures = 5
	}
	p.breaker = newBreaker("publish:"+opts.Topic, maxFailures, opts.BreakerResetTimeout, p.onBreakerChange)
	return p
}

func (p *Publisher) onBreakerChange(from, to gobreaker.State) {
	p.prom.BreakerState.Set(gaugeValue(to))
	if to == gobreaker.StateOpen {
		p.prom.BreakerTrips.Inc()
	}
	p.log.Warn("publish circuit breaker state change",
		slog.String("from", from.String()),
		slog.String("to", to.String()))
}

// BreakerState reports the breaker position ("closed", "open" or
// "half-open").
func (p *Publisher) BreakerState() string {
	return p.breaker.State().String()
}

// Async reports whether results are queued rather than sent inline.
func (p *Publisher) Async() bool {
	return p.queue != nil
}

// Publish sends the outbound record for r. Inline, it blocks until the
// producer returns. Async, it only enqueues and returns ErrQueueFull when
// the queue has no room.
func (p *Publisher) Publish(ctx context.Context, r model.IndicatorResult) error {
	if p.queue == nil {
		return p.send(ctx, r)
	}

	select {
	case p.queue <- job{ctx: ctx, result: r}:
		return nil
	default:
		p.prom.PublishQueueDrops.Inc()
		return fmt.Errorf("publish %s: %w", r.Token, ErrQueueFull)
	}
}

// Run drains the async queue in FIFO order until ctx is cancelled. It
// returns immediately in inline mode.
func (p *Publisher) Run(ctx context.Context) {
	if p.queue == nil {
		return
	}
	p.log.Info("publish worker started", slog.String("topic", p.topic), slog.Int("queue", cap(p.queue)))
	for {
		select {
		case <-ctx.Done():
			if n := len(p.queue); n > 0 {
				p.log.Warn("publish worker stopped with queued results", slog.Int("dropped", n))
			}
			return
		case j := <-p.queue:
			if err := p.send(ctx, j.result); err != nil && ctx.Err() == nil {
				p.log.Error("publish failed",
					append([]any{slog.String("token", j.result.Token), slog.String("error", err.Error())},
						logger.LogWithTrace(j.ctx)...)...)
			}
		}
	}
}

func (p *Publisher) send(ctx context.Context, r model.IndicatorResult) error {
	rec := r.Record()
	msg := feed.Record{
		Topic: p.topic,
		Key:   []byte(r.Token),
		Value: rec.JSON(),
	}

	start := time.Now()
	_, err := p.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, p.producer.Produce(ctx, msg)
	})
	p.prom.PublishDur.Observe(time.Since(start).Seconds())

	if rejected(err) {
		err = ErrCircuitOpen
	}
	if err != nil {
		p.prom.PublishErrors.Inc()
		return fmt.Errorf("publish %s: %w", r.Token, err)
	}
	return nil
}

// Close closes the underlying producer.
func (p *Publisher) Close() error {
	return p.producer.Close()
}
