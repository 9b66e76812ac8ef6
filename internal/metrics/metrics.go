package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the RSI engine.
type Metrics struct {
	TradesTotal   prometheus.Counter
	DecodeErrors  prometheus.Counter
	ResultsTotal  *prometheus.CounterVec // labels: zone
	ComputeDur    prometheus.Histogram
	TrackedTokens prometheus.Gauge

	// Outbound feed
	PublishDur        prometheus.Histogram
	PublishErrors     prometheus.Counter
	PublishQueueDrops prometheus.Counter
	BreakerState      prometheus.Gauge // 0=closed, 1=open, 2=half-open
	BreakerTrips      prometheus.Counter

	// Live subscribers
	BroadcastDrops prometheus.Counter
	Subscribers    prometheus.Gauge
}

// NewMetrics creates all metrics and registers them on reg. A nil reg
// leaves them unregistered, which tests use to avoid collisions.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TradesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rsiengine_trades_total",
			Help: "Total trade records received from the inbound feed",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rsiengine_decode_errors_total",
			Help: "Trade records discarded because they could not be decoded",
		}),
		ResultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rsiengine_results_total",
			Help: "RSI results produced (by zone)",
		}, []string{"zone"}),
		ComputeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rsiengine_compute_duration_seconds",
			Help:    "History update and RSI compute latency per trade",
			Buckets: []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001},
		}),
		TrackedTokens: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rsiengine_tracked_tokens",
			Help: "Distinct tokens with price history",
		}),

		PublishDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rsiengine_publish_duration_seconds",
			Help:    "Outbound RSI record produce latency",
			Buckets: prometheus.DefBuckets,
		}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rsiengine_publish_errors_total",
			Help: "Outbound RSI records that failed to publish",
		}),
		PublishQueueDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rsiengine_publish_queue_drops_total",
			Help: "RSI records dropped because the async publish queue was full",
		}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rsiengine_publish_circuit_breaker_state",
			Help: "Publish circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		BreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rsiengine_publish_circuit_breaker_trips_total",
			Help: "Times the publish circuit breaker tripped open",
		}),

		BroadcastDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rsiengine_broadcast_drops_total",
			Help: "Results dropped for slow websocket subscribers",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rsiengine_subscribers",
			Help: "Connected websocket subscribers",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.TradesTotal,
			m.DecodeErrors,
			m.ResultsTotal,
			m.ComputeDur,
			m.TrackedTokens,
			m.PublishDur,
			m.PublishErrors,
			m.PublishQueueDrops,
			m.BreakerState,
			m.BreakerTrips,
			m.BroadcastDrops,
			m.Subscribers,
		)
	}

	return m
}

// Handler exposes the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// HealthStatus tracks liveness of the ingestion loop.
type HealthStatus struct {
	mu sync.RWMutex

	FeedConnected bool
	LastTradeTime time.Time
	StartedAt     time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetFeedConnected(v bool) {
	h.mu.Lock()
	h.FeedConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTradeTime(t time.Time) {
	h.mu.Lock()
	h.LastTradeTime = t
	h.mu.Unlock()
}

// ServeHTTP handles the /healthz endpoint. The status is "ok" while the
// inbound feed is connected and "degraded" (503) otherwise.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "ok"
	httpCode := http.StatusOK
	if !h.FeedConnected {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	tradeAge := ""
	lastTrade := ""
	if !h.LastTradeTime.IsZero() {
		tradeAge = time.Since(h.LastTradeTime).Round(time.Millisecond).String()
		lastTrade = h.LastTradeTime.Format(time.RFC3339)
	}

	status := struct {
		Status        string `json:"status"`
		Uptime        string `json:"uptime"`
		FeedConnected bool   `json:"feed_connected"`
		LastTradeTime string `json:"last_trade_time"`
		TradeAge      string `json:"trade_age"`
	}{
		Status:        overallStatus,
		Uptime:        time.Since(h.StartedAt).Round(time.Second).String(),
		FeedConnected: h.FeedConnected,
		LastTradeTime: lastTrade,
		TradeAge:      tradeAge,
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}
