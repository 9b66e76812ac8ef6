// Package feeder loads trades from a CSV export and publishes them to the
// trade topic.
package feeder

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"rsi-stream/internal/feed"
	"rsi-stream/internal/model"
)

// Defaults for missing CSV values.
const (
	DefaultToken = "UNKNOWN"
	DefaultPrice = 0.0
)

// ReadTrades parses CSV with a header row naming token_address,
// price_in_sol and block_time in any order. Other columns are ignored and
// absent columns or empty cells take the defaults; a missing block_time is
// set to now.
func ReadTrades(r io.Reader, now func() time.Time) ([]model.Trade, error) {
	if now == nil {
		now = time.Now
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("csv: missing header row")
		}
		return nil, fmt.Errorf("csv header: %w", err)
	}

	col := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimPrefix(name, "\ufeff")
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	field := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var trades []model.Trade
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return trades, fmt.Errorf("csv line %d: %w", line, err)
		}

		t := model.Trade{
			TokenAddress: field(row, "token_address"),
			PriceInSOL:   parsePrice(field(row, "price_in_sol")),
			BlockTime:    field(row, "block_time"),
		}
		if t.TokenAddress == "" {
			t.TokenAddress = DefaultToken
		}
		if t.BlockTime == "" {
			t.BlockTime = now().UTC().Format(time.RFC3339)
		}
		trades = append(trades, t)
	}
	return trades, nil
}

func parsePrice(s string) float64 {
	if s == "" {
		return DefaultPrice
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return DefaultPrice
	}
	return v
}

// Stats summarises a Publish run.
type Stats struct {
	Sent   int
	Failed int
}

// Feeder publishes trades keyed by token.
type Feeder struct {
	producer feed.Producer
	topic    string
	log      *slog.Logger
}

// New creates a feeder writing to topic.
func New(producer feed.Producer, topic string, lg *slog.Logger) *Feeder {
	if lg == nil {
		lg = slog.Default()
	}
	return &Feeder{producer: producer, topic: topic, log: lg}
}

// Publish sends trades in order. A failed send is logged and skipped; only
// context cancellation stops the run early.
func (f *Feeder) Publish(ctx context.Context, trades []model.Trade) (Stats, error) {
	var st Stats
	for i := range trades {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		t := &trades[i]
		err := f.producer.Produce(ctx, feed.Record{
			Topic: f.topic,
			Key:   []byte(t.TokenAddress),
			Value: t.JSON(),
		})
		if err != nil {
			st.Failed++
			f.log.Error("trade publish failed",
				slog.String("token", t.TokenAddress),
				slog.String("block_time", t.BlockTime),
				slog.String("error", err.Error()))
			continue
		}
		st.Sent++
		f.log.Info("published",
			slog.String("token", t.TokenAddress),
			slog.Float64("price", t.PriceInSOL),
			slog.String("block_time", t.BlockTime))
	}
	return st, nil
}
