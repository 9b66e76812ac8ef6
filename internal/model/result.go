package model

import "encoding/json"

// IndicatorResult is the RSI computed for one processed trade.
// It is the unit delivered to live subscribers.
type IndicatorResult struct {
	Token     string  `json:"token"`
	Price     float64 `json:"price"`
	RSI       float64 `json:"rsi"`
	BlockTime string  `json:"block_time"`
}

// JSON returns the JSON-encoded result as sent on a websocket frame.
func (r *IndicatorResult) JSON() []byte {
	b, _ := json.Marshal(r)
	return b
}

// Record returns the outbound feed body for this result.
func (r *IndicatorResult) Record() RSIRecord {
	return RSIRecord{
		TokenAddress: r.Token,
		RSI:          r.RSI,
		BlockTime:    r.BlockTime,
	}
}

// RSIRecord is the body republished to the outbound topic, keyed by
// TokenAddress.
type RSIRecord struct {
	TokenAddress string  `json:"token_address"`
	RSI          float64 `json:"rsi"`
	BlockTime    string  `json:"block_time"`
}

// JSON returns the JSON-encoded outbound record.
func (r *RSIRecord) JSON() []byte {
	b, _ := json.Marshal(r)
	return b
}
