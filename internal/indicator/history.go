package indicator

// History keeps the last Window prices per token in arrival order.
//
// It is not safe for concurrent use: the ingestion loop is its only writer
// and reader. Entries are never pruned for inactive tokens.
type History struct {
	window int
	prices map[string][]float64
}

// NewHistory creates an empty store bounded at Window prices per token.
func NewHistory() *History {
	return &History{
		window: Window,
		prices: make(map[string][]float64),
	}
}

// Record appends price to token's sequence, evicting the oldest price once
// the sequence grows past the window, and returns the current sequence.
// The returned slice is owned by the store and is only valid until the next
// Record call for the same token.
func (h *History) Record(token string, price float64) []float64 {
	seq, ok := h.prices[token]
	if !ok {
		seq = make([]float64, 0, h.window+1)
	}

	seq = append(seq, price)
	if len(seq) > h.window {
		// shift in place so the backing array never grows past window+1
		copy(seq, seq[1:])
		seq = seq[:h.window]
	}

	h.prices[token] = seq
	return seq
}

// Prices returns a copy of token's sequence, or nil if it has never been seen.
func (h *History) Prices(token string) []float64 {
	seq, ok := h.prices[token]
	if !ok {
		return nil
	}
	out := make([]float64, len(seq))
	copy(out, seq)
	return out
}

// Len returns the number of tracked tokens.
func (h *History) Len() int {
	return len(h.prices)
}
