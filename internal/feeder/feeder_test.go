package feeder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"rsi-stream/internal/feed"
	"rsi-stream/internal/model"
)

var fixedNow = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

func TestReadTrades(t *testing.T) {
	in := "block_time,token_address,price_in_sol,signature\n" +
		"2024-01-01T00:00:01Z,T1,1.5,sig1\n" +
		"2024-01-01T00:00:02Z,T2,2,sig2\n"

	trades, err := ReadTrades(strings.NewReader(in), fixedNow)
	if err != nil {
		t.Fatalf("ReadTrades: %v", err)
	}
	want := []model.Trade{
		{BlockTime: "2024-01-01T00:00:01Z", TokenAddress: "T1", PriceInSOL: 1.5},
		{BlockTime: "2024-01-01T00:00:02Z", TokenAddress: "T2", PriceInSOL: 2},
	}
	if len(trades) != len(want) {
		t.Fatalf("got %d trades, want %d", len(trades), len(want))
	}
	for i := range want {
		if trades[i] != want[i] {
			t.Errorf("trade %d: got %+v, want %+v", i, trades[i], want[i])
		}
	}
}

func TestReadTrades_Defaults(t *testing.T) {
	in := "\ufeffToken_Address , price_in_sol, block_time\n" +
		",abc,\n" +
		"T9,NaN,2024-01-01T00:00:00Z\n" +
		"T8\n"

	trades, err := ReadTrades(strings.NewReader(in), fixedNow)
	if err != nil {
		t.Fatalf("ReadTrades: %v", err)
	}
	if len(trades) != 3 {
		t.Fatalf("got %d trades, want 3", len(trades))
	}

	if trades[0].TokenAddress != DefaultToken || trades[0].PriceInSOL != 0 || trades[0].BlockTime != "2024-03-01T12:00:00Z" {
		t.Errorf("row 1 defaults: %+v", trades[0])
	}
	if trades[1].PriceInSOL != 0 {
		t.Errorf("NaN price should default to 0, got %v", trades[1].PriceInSOL)
	}
	if trades[2].TokenAddress != "T8" || trades[2].BlockTime != "2024-03-01T12:00:00Z" {
		t.Errorf("short row: %+v", trades[2])
	}
}

func TestReadTrades_MissingColumns(t *testing.T) {
	trades, err := ReadTrades(strings.NewReader("token_address\nT1\n"), fixedNow)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 1 || trades[0].PriceInSOL != 0 || trades[0].BlockTime == "" {
		t.Errorf("got %+v", trades)
	}
}

func TestReadTrades_Empty(t *testing.T) {
	if _, err := ReadTrades(strings.NewReader(""), fixedNow); err == nil {
		t.Error("expected error for missing header")
	}
	trades, err := ReadTrades(strings.NewReader("token_address,price_in_sol,block_time\n"), fixedNow)
	if err != nil || len(trades) != 0 {
		t.Errorf("header only: got %v / %v", trades, err)
	}
}

type flakyProducer struct {
	fail    map[string]bool
	records []feed.Record
}

func (p *flakyProducer) Produce(_ context.Context, rec feed.Record) error {
	if p.fail[string(rec.Key)] {
		return errors.New("broker down")
	}
	p.records = append(p.records, rec)
	return nil
}

func (p *flakyProducer) Close() error { return nil }

func TestPublish_KeyedInOrderAndContinuesPastFailures(t *testing.T) {
	prod := &flakyProducer{fail: map[string]bool{"BAD": true}}
	f := New(prod, "trade-data", slog.New(slog.NewTextHandler(io.Discard, nil)))

	trades := []model.Trade{
		{BlockTime: "1", TokenAddress: "A", PriceInSOL: 1},
		{BlockTime: "2", TokenAddress: "BAD", PriceInSOL: 2},
		{BlockTime: "3", TokenAddress: "B", PriceInSOL: 3},
	}
	st, err := f.Publish(context.Background(), trades)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if st.Sent != 2 || st.Failed != 1 {
		t.Errorf("stats: got %+v", st)
	}
	if len(prod.records) != 2 {
		t.Fatalf("records: got %d", len(prod.records))
	}
	for i, want := range []string{"A", "B"} {
		rec := prod.records[i]
		if rec.Topic != "trade-data" || string(rec.Key) != want {
			t.Errorf("record %d: topic %s key %s", i, rec.Topic, rec.Key)
		}
		tr, err := model.DecodeTrade(rec.Value)
		if err != nil {
			t.Errorf("record %d does not decode: %v", i, err)
		}
		if tr.TokenAddress != want {
			t.Errorf("record %d: token %s", i, tr.TokenAddress)
		}
	}
}

func TestPublish_StopsOnCancel(t *testing.T) {
	prod := &flakyProducer{}
	f := New(prod, "trade-data", slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Publish(ctx, []model.Trade{{TokenAddress: "A"}})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want canceled", err)
	}
	if len(prod.records) != 0 {
		t.Error("nothing should be sent after cancel")
	}
}
