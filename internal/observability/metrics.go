package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the underwriting engine.
type Metrics struct {
	// --- Engine operations ---
	OpsApplied  *prometheus.CounterVec
	OpsRejected *prometheus.CounterVec
	OpDuration  *prometheus.HistogramVec

	// --- Pool state ---
	PoolTotalLiquidity     prometheus.Gauge
	PoolTotalCoverage      prometheus.Gauge
	PoolAvailableLiquidity prometheus.Gauge
	PoolUtilizationBps     prometheus.Gauge
	PoliciesActive         prometheus.Gauge

	// --- Protocol flows ---
	PremiumsCollected prometheus.Counter
	ClaimsPaid        prometheus.Counter
	RewardsPaid       prometheus.Counter
	PriceChecks       *prometheus.CounterVec

	// --- Oracle ---
	FeedQueryDuration *prometheus.HistogramVec
	FeedQueryErrors   *prometheus.CounterVec

	// --- Eventing & persistence ---
	EventsEmitted    *prometheus.CounterVec
	PublishDrops     prometheus.Counter
	PersistBatchDur  prometheus.Histogram
	PersistErrors    prometheus.Counter
	PersistLastSeq   prometheus.Gauge
	StreamClients    prometheus.Gauge

	// --- HTTP API ---
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	opBuckets := []float64{
		0.00001, 0.00005, 0.0001, 0.00025, 0.0005,
		0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1,
	}

	return &Metrics{
		OpsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "shield_engine_ops_applied_total",
			Help: "Operations committed by the engine",
		}, []string{"op"}),

		OpsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "shield_engine_ops_rejected_total",
			Help: "Operations rejected (validation, capacity, auth, trigger, external)",
		}, []string{"op", "reason"}),

		OpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shield_engine_op_duration_seconds",
			Help:    "Time spent inside the engine critical section per operation",
			Buckets: opBuckets,
		}, []string{"op"}),

		PoolTotalLiquidity: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "shield_pool_total_liquidity",
			Help: "Total deposited capital (amount scale)",
		}),

		PoolTotalCoverage: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "shield_pool_total_coverage",
			Help: "Capital reserved as coverage backing (amount scale)",
		}),

		PoolAvailableLiquidity: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "shield_pool_available_liquidity",
			Help: "Unreserved capital (amount scale)",
		}),

		PoolUtilizationBps: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "shield_pool_utilization_bps",
			Help: "totalCoverage / totalLiquidity in basis points",
		}),

		PoliciesActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "shield_policies_active",
			Help: "Currently active policies",
		}),

		PremiumsCollected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "shield_premiums_collected_total",
			Help: "Cumulative premium collected (amount scale)",
		}),

		ClaimsPaid: promauto.NewCounter(prometheus.CounterOpts{
			Name: "shield_claims_paid_total",
			Help: "Cumulative claim payouts (amount scale)",
		}),

		RewardsPaid: promauto.NewCounter(prometheus.CounterOpts{
			Name: "shield_rewards_paid_total",
			Help: "Cumulative provider rewards paid (amount scale)",
		}),

		PriceChecks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "shield_price_checks_total",
			Help: "Claim-evaluation price checks by feed and outcome",
		}, []string{"feed_id", "outcome"}),

		FeedQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shield_feed_query_duration_seconds",
			Help:    "Price feed gateway query latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"feed_id"}),

		FeedQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "shield_feed_query_errors_total",
			Help: "Price feed gateway failures",
		}, []string{"feed_id"}),

		EventsEmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "shield_events_emitted_total",
			Help: "Events emitted by type",
		}, []string{"event_type"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "shield_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "shield_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "shield_persist_errors_total",
			Help: "Postgres write failures (retried)",
		}),

		PersistLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "shield_persist_last_sequence",
			Help: "Highest event sequence durably written",
		}),

		StreamClients: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "shield_stream_clients",
			Help: "Connected websocket event-stream clients",
		}),

		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "shield_http_requests_total",
			Help: "HTTP API requests",
		}, []string{"method", "path", "status"}),

		HTTPDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shield_http_request_duration_seconds",
			Help:    "HTTP API request latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"method", "path"}),
	}
}

// SetPoolGauges updates the pool state gauges after a committed operation.
func (m *Metrics) SetPoolGauges(totalLiquidity, totalCoverage, available, utilizationBps int64, activePolicies int) {
	m.PoolTotalLiquidity.Set(float64(totalLiquidity))
	m.PoolTotalCoverage.Set(float64(totalCoverage))
	m.PoolAvailableLiquidity.Set(float64(available))
	m.PoolUtilizationBps.Set(float64(utilizationBps))
	m.PoliciesActive.Set(float64(activePolicies))
}
