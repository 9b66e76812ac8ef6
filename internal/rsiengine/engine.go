// Package rsiengine runs the ingestion loop: trades in, RSI results out to
// live subscribers and the outbound topic.
package rsiengine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"rsi-stream/internal/feed"
	"rsi-stream/internal/gateway"
	"rsi-stream/internal/indicator"
	"rsi-stream/internal/logger"
	"rsi-stream/internal/metrics"
	"rsi-stream/internal/model"
	"rsi-stream/internal/publisher"
)

// Engine owns the per-token price history. Handle and Run must be called
// from a single goroutine.
type Engine struct {
	history *indicator.History
	hub     *gateway.Hub
	pub     *publisher.Publisher
	prom    *metrics.Metrics
	health  *metrics.HealthStatus
	log     *slog.Logger
}

// NewEngine creates an engine with empty history. prom, health and lg may
// be nil.
func NewEngine(hub *gateway.Hub, pub *publisher.Publisher, prom *metrics.Metrics, health *metrics.HealthStatus, lg *slog.Logger) *Engine {
	if prom == nil {
		prom = metrics.NewMetrics(nil)
	}
	if health == nil {
		health = metrics.NewHealthStatus()
	}
	if lg == nil {
		lg = slog.Default()
	}
	return &Engine{
		history: indicator.NewHistory(),
		hub:     hub,
		pub:     pub,
		prom:    prom,
		health:  health,
		log:     lg,
	}
}

// Run fetches trades in delivery order and handles each one. It returns nil
// once ctx is cancelled and a wrapped error when the consumer fails.
func (e *Engine) Run(ctx context.Context, consumer feed.Consumer) error {
	e.health.SetFeedConnected(true)
	defer e.health.SetFeedConnected(false)

	e.log.Info("ingestion loop started")
	for {
		rec, err := consumer.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				e.log.Info("ingestion loop stopped")
				return nil
			}
			return fmt.Errorf("fetch trade: %w", err)
		}
		// errors are logged inside Handle; a bad record never stops the loop
		e.Handle(ctx, rec)
	}
}

// Handle processes one inbound record. A record that does not decode is
// logged and discarded without touching any history. Publish failures are
// logged and do not fail the call.
func (e *Engine) Handle(ctx context.Context, rec feed.Record) (model.IndicatorResult, error) {
	e.prom.TradesTotal.Inc()
	e.health.SetLastTradeTime(time.Now())

	trade, err := model.DecodeTrade(rec.Value)
	if err != nil {
		e.prom.DecodeErrors.Inc()
		e.log.Warn("discarding malformed trade",
			slog.String("id", rec.ID),
			slog.String("payload", string(rec.Value)),
			slog.String("error", err.Error()))
		return model.IndicatorResult{}, err
	}

	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID(trade.TokenAddress, time.Now()))

	start := time.Now()
	prices := e.history.Record(trade.TokenAddress, trade.PriceInSOL)
	rsi := indicator.RSI(prices)
	e.prom.ComputeDur.Observe(time.Since(start).Seconds())
	e.prom.TrackedTokens.Set(float64(e.history.Len()))

	result := model.IndicatorResult{
		Token:     trade.TokenAddress,
		Price:     trade.PriceInSOL,
		RSI:       rsi,
		BlockTime: trade.BlockTime,
	}
	zone := indicator.Classify(rsi)
	e.prom.ResultsTotal.WithLabelValues(string(zone)).Inc()

	e.hub.Publish(result)

	if err := e.pub.Publish(ctx, result); err != nil {
		e.log.Error("rsi publish failed",
			append([]any{slog.String("token", result.Token), slog.String("error", err.Error())},
				logger.LogWithTrace(ctx)...)...)
	}

	attrs := []any{
		slog.String("token", result.Token),
		slog.Float64("price", result.Price),
		slog.Float64("rsi", result.RSI),
		slog.String("block_time", result.BlockTime),
	}
	if zone != indicator.ZoneNeutral {
		attrs = append(attrs, slog.String("zone", string(zone)))
	}
	e.log.Info("rsi computed", append(attrs, logger.LogWithTrace(ctx)...)...)

	return result, nil
}
