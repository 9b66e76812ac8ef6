package rsiengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"rsi-stream/config"
	"rsi-stream/internal/feed"
	"rsi-stream/internal/gateway"
	"rsi-stream/internal/metrics"
	"rsi-stream/internal/model"
	"rsi-stream/internal/publisher"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	bus    *feed.Memory
	hub    *gateway.Hub
	prom   *metrics.Metrics
	engine *Engine
	out    feed.Consumer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	bus := feed.NewMemory(256)
	prom := metrics.NewMetrics(nil)
	hub := gateway.NewHub(100, prom)
	pub := publisher.New(bus, publisher.Options{Topic: "rsi-data", Metrics: prom, Logger: quietLogger()})
	return &harness{
		bus:    bus,
		hub:    hub,
		prom:   prom,
		engine: NewEngine(hub, pub, prom, nil, quietLogger()),
		out:    bus.Consumer("rsi-data"),
	}
}

func tradeRecord(token string, price float64, blockTime string) feed.Record {
	payload := fmt.Sprintf(`{"block_time":%q,"token_address":%q,"price_in_sol":%v}`, blockTime, token, price)
	return feed.Record{Topic: "trade-data", Value: []byte(payload)}
}

func (h *harness) nextOutbound(t *testing.T) (key string, rec model.RSIRecord) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r, err := h.out.Fetch(ctx)
	if err != nil {
		t.Fatalf("no outbound record: %v", err)
	}
	if err := json.Unmarshal(r.Value, &rec); err != nil {
		t.Fatalf("outbound body %q: %v", r.Value, err)
	}
	return string(r.Key), rec
}

func TestHandle_WarmupThenRSI(t *testing.T) {
	h := newHarness(t)
	sub := h.hub.Subscribe()
	ctx := context.Background()

	var last model.IndicatorResult
	for i := 1; i <= 15; i++ {
		bt := fmt.Sprintf("2024-01-01T00:00:%02dZ", i)
		res, err := h.engine.Handle(ctx, tradeRecord("T1", float64(i), bt))
		if err != nil {
			t.Fatalf("trade %d: %v", i, err)
		}
		if i < 14 && res.RSI != 0 {
			t.Errorf("trade %d: rsi %v during warm-up, want 0", i, res.RSI)
		}
		last = res
	}

	if last.RSI != 100 {
		t.Errorf("final rsi: got %v, want 100", last.RSI)
	}
	if last.Token != "T1" || last.Price != 15 || last.BlockTime != "2024-01-01T00:00:15Z" {
		t.Errorf("unexpected result: %+v", last)
	}

	// every trade produces one outbound record and one broadcast
	if n := h.bus.Len("rsi-data"); n != 15 {
		t.Fatalf("outbound records: got %d, want 15", n)
	}
	if n := len(sub.C()); n != 15 {
		t.Fatalf("broadcast results: got %d, want 15", n)
	}

	var key string
	var rec model.RSIRecord
	for i := 0; i < 15; i++ {
		key, rec = h.nextOutbound(t)
	}
	if key != "T1" {
		t.Errorf("outbound key: got %q, want T1", key)
	}
	want := model.RSIRecord{TokenAddress: "T1", RSI: 100, BlockTime: "2024-01-01T00:00:15Z"}
	if rec != want {
		t.Errorf("outbound: got %+v, want %+v", rec, want)
	}
}

func TestHandle_MalformedDoesNotTouchHistory(t *testing.T) {
	h := newHarness(t)
	sub := h.hub.Subscribe()
	ctx := context.Background()

	h.engine.Handle(ctx, tradeRecord("T1", 1, "a"))

	_, err := h.engine.Handle(ctx, feed.Record{Value: []byte(`{"token_address":"T1","price_in_sol":"bad"}`)})
	if !errors.Is(err, model.ErrMalformedTrade) {
		t.Fatalf("got %v, want ErrMalformedTrade", err)
	}
	_, err = h.engine.Handle(ctx, feed.Record{Value: []byte{0xff, 0xfe}})
	if !errors.Is(err, model.ErrMalformedTrade) {
		t.Fatalf("non-UTF-8: got %v, want ErrMalformedTrade", err)
	}

	h.engine.Handle(ctx, tradeRecord("T1", 2, "b"))

	if got := h.engine.history.Prices("T1"); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("history: got %v, want [1 2]", got)
	}
	if n := len(sub.C()); n != 2 {
		t.Errorf("broadcasts: got %d, want 2", n)
	}
	if n := h.bus.Len("rsi-data"); n != 2 {
		t.Errorf("outbound: got %d, want 2", n)
	}
}

func TestHandle_TokensAreIndependent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 14; i++ {
		h.engine.Handle(ctx, tradeRecord("UP", float64(100+i), "x"))
		h.engine.Handle(ctx, tradeRecord("DOWN", float64(100-i), "x"))
	}

	up, _ := h.engine.Handle(ctx, tradeRecord("UP", 200, "x"))
	down, _ := h.engine.Handle(ctx, tradeRecord("DOWN", 1, "x"))
	if up.RSI != 100 {
		t.Errorf("UP: got %v, want 100", up.RSI)
	}
	if down.RSI != 0 {
		t.Errorf("DOWN: got %v, want 0", down.RSI)
	}
	if h.engine.history.Len() != 2 {
		t.Errorf("tracked tokens: got %d", h.engine.history.Len())
	}
}

type failingProducer struct{}

func (failingProducer) Produce(context.Context, feed.Record) error {
	return errors.New("broker down")
}

func (failingProducer) Close() error { return nil }

func TestHandle_PublishFailureIsNotFatal(t *testing.T) {
	prom := metrics.NewMetrics(nil)
	hub := gateway.NewHub(10, prom)
	sub := hub.Subscribe()
	pub := publisher.New(failingProducer{}, publisher.Options{Topic: "rsi-data", Metrics: prom, Logger: quietLogger()})
	e := NewEngine(hub, pub, prom, nil, quietLogger())

	res, err := e.Handle(context.Background(), tradeRecord("T1", 1, "x"))
	if err != nil {
		t.Fatalf("publish failure must not fail Handle: %v", err)
	}
	if res.Token != "T1" {
		t.Errorf("got %+v", res)
	}
	if n := len(sub.C()); n != 1 {
		t.Errorf("live subscribers still get the result, got %d", n)
	}
}

func TestRun_ContinuesPastMalformedAndStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	sub := h.hub.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := h.bus.Consumer("trade-data")
	for _, rec := range []feed.Record{
		tradeRecord("T1", 1, "a"),
		{Topic: "trade-data", Value: []byte("not json")},
		tradeRecord("T1", 2, "b"),
	} {
		if err := h.bus.Produce(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx, in) }()

	deadline := time.After(2 * time.Second)
	var got []model.IndicatorResult
	for len(got) < 2 {
		select {
		case r := <-sub.C():
			got = append(got, r)
		case <-deadline:
			t.Fatalf("only %d results", len(got))
		}
	}
	if got[0].BlockTime != "a" || got[1].BlockTime != "b" {
		t.Errorf("order: got %q, %q", got[0].BlockTime, got[1].BlockTime)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run after cancel: got %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRun_FeedFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	in := h.bus.Consumer("trade-data")
	h.bus.Close()

	err := h.engine.Run(context.Background(), in)
	if !errors.Is(err, feed.ErrClosed) {
		t.Errorf("got %v, want wrapped ErrClosed", err)
	}
}

func TestService_EndToEndOnMemoryFeed(t *testing.T) {
	bus := feed.NewMemory(256)
	cfg := &config.Config{
		FeedDriver:          config.DriverMemory,
		ConsumerGroup:       "g",
		TradeTopic:          "trade-data",
		RSITopic:            "rsi-data",
		ListenPort:          0,
		HubBufferSize:       100,
		WSWriteTimeout:      time.Second,
		BreakerMaxFailures:  5,
		BreakerResetTimeout: time.Second,
	}
	svc := NewWithFeed(cfg, bus.Consumer("trade-data"), bus, quietLogger())
	sub := svc.Hub().Subscribe()
	out := bus.Consumer("rsi-data")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	for i := 1; i <= 14; i++ {
		if err := bus.Produce(ctx, tradeRecord("T1", float64(i%3), "t")); err != nil {
			t.Fatal(err)
		}
	}

	var last model.IndicatorResult
	for i := 0; i < 14; i++ {
		select {
		case last = <-sub.C():
		case <-time.After(2 * time.Second):
			t.Fatalf("result %d not broadcast", i)
		}
	}
	// prices 1,2,0,1,2,0,... : 9 rises of 1, 4 falls of 2
	want := 100 - 100/(1+9.0/8.0)
	if math.Abs(last.RSI-want) > 1e-9 {
		t.Errorf("rsi: got %v, want %v", last.RSI, want)
	}

	fetchCtx, fetchCancel := context.WithTimeout(ctx, 2*time.Second)
	defer fetchCancel()
	for i := 0; i < 14; i++ {
		if _, err := out.Fetch(fetchCtx); err != nil {
			t.Fatalf("outbound %d: %v", i, err)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("service did not stop")
	}
}
