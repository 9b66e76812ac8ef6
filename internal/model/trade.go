package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrMalformedTrade is wrapped by every DecodeTrade failure.
var ErrMalformedTrade = errors.New("malformed trade")

// Trade is a single trade event received from the inbound feed.
// BlockTime is passed through unparsed.
type Trade struct {
	BlockTime    string  `json:"block_time"`
	TokenAddress string  `json:"token_address"`
	PriceInSOL   float64 `json:"price_in_sol"`
}

// wireTrade uses pointers so missing and null fields can be told apart
// from zero values.
type wireTrade struct {
	BlockTime    *string  `json:"block_time"`
	TokenAddress *string  `json:"token_address"`
	PriceInSOL   *float64 `json:"price_in_sol"`
}

// DecodeTrade parses a UTF-8 JSON trade payload. All three fields are
// required; unknown fields are ignored.
func DecodeTrade(payload []byte) (Trade, error) {
	if !utf8.Valid(payload) {
		return Trade{}, fmt.Errorf("%w: invalid UTF-8 payload", ErrMalformedTrade)
	}

	var w wireTrade
	if err := json.Unmarshal(payload, &w); err != nil {
		return Trade{}, fmt.Errorf("%w: %v", ErrMalformedTrade, err)
	}

	switch {
	case w.BlockTime == nil:
		return Trade{}, fmt.Errorf("%w: missing block_time", ErrMalformedTrade)
	case w.TokenAddress == nil:
		return Trade{}, fmt.Errorf("%w: missing token_address", ErrMalformedTrade)
	case w.PriceInSOL == nil:
		return Trade{}, fmt.Errorf("%w: missing price_in_sol", ErrMalformedTrade)
	}

	return Trade{
		BlockTime:    *w.BlockTime,
		TokenAddress: *w.TokenAddress,
		PriceInSOL:   *w.PriceInSOL,
	}, nil
}

// JSON returns the JSON-encoded trade (ignoring errors for hot-path usage).
func (t *Trade) JSON() []byte {
	b, _ := json.Marshal(t)
	return b
}
