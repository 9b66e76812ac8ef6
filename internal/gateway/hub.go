package gateway

import (
	"sync"

	"rsi-stream/internal/metrics"
	"rsi-stream/internal/model"
)

// Subscription is one subscriber's handle on the hub. Results arrive on C()
// in publish order; the channel is closed on Unsubscribe.
type Subscription struct {
	ch     chan model.IndicatorResult
	closed bool // guarded by Hub.mu
}

// C returns the delivery channel.
func (s *Subscription) C() <-chan model.IndicatorResult {
	return s.ch
}

// Hub fans every published result out to all current subscribers. Each
// subscriber has its own bounded buffer; when it is full the oldest queued
// result for that subscriber is discarded so Publish never blocks.
type Hub struct {
	bufSize int
	prom    *metrics.Metrics

	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// NewHub creates a hub with a per-subscriber buffer of bufSize results.
// prom may be nil.
func NewHub(bufSize int, prom *metrics.Metrics) *Hub {
	if bufSize < 1 {
		bufSize = 1
	}
	if prom == nil {
		prom = metrics.NewMetrics(nil)
	}
	return &Hub{
		bufSize: bufSize,
		prom:    prom,
		subs:    make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a new subscriber. It receives only results published
// after this call.
func (h *Hub) Subscribe() *Subscription {
	sub := &Subscription{ch: make(chan model.IndicatorResult, h.bufSize)}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()

	h.prom.Subscribers.Set(float64(n))
	return sub
}

// Unsubscribe removes sub and closes its channel. Calling it again is a
// no-op.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	if sub.closed {
		h.mu.Unlock()
		return
	}
	sub.closed = true
	delete(h.subs, sub)
	close(sub.ch)
	n := len(h.subs)
	h.mu.Unlock()

	h.prom.Subscribers.Set(float64(n))
}

// Publish delivers r to every current subscriber without blocking. With no
// subscribers it does nothing.
func (h *Hub) Publish(r model.IndicatorResult) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs {
		if !deliver(sub.ch, r) {
			h.prom.BroadcastDrops.Inc()
		}
	}
}

// deliver pushes r onto ch, evicting the oldest queued item if ch is full.
// It reports false when something was dropped.
func deliver(ch chan model.IndicatorResult, r model.IndicatorResult) bool {
	select {
	case ch <- r:
		return true
	default:
	}

	// full: drop the oldest, then retry once
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- r:
	default:
		// another sender refilled the slot; r itself is lost
	}
	return false
}

// Count returns the number of registered subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
