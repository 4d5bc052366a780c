package keeper

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes keeper instrumentation.
type Metrics struct {
	ObservationUpdates *prometheus.CounterVec
	PokeFailures       *prometheus.CounterVec
	BucketFailures     prometheus.Counter
	CollateralRatio    prometheus.Gauge
	ReservePrice       prometheus.Gauge
	OracleReady        *prometheus.GaugeVec
	AlertsEmitted      *prometheus.CounterVec
}

// NewMetrics registers keeper metrics against the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ObservationUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stabled",
			Subsystem: "keeper",
			Name:      "observation_updates_total",
			Help:      "Number of accepted accumulator observations per pair.",
		}, []string{"pair"}),
		PokeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stabled",
			Subsystem: "keeper",
			Name:      "poke_failures_total",
			Help:      "Number of failed observation attempts per pair.",
		}, []string{"pair"}),
		BucketFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "stabled",
			Subsystem: "keeper",
			Name:      "bucket_failures_total",
			Help:      "Number of keeper buckets that ended in error.",
		}),
		CollateralRatio: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "stabled",
			Subsystem: "ledger",
			Name:      "collateral_ratio",
			Help:      "Latest sampled collateral ratio.",
		}),
		ReservePrice: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "stabled",
			Subsystem: "oracle",
			Name:      "reserve_price",
			Help:      "Latest trusted reserve asset price.",
		}),
		OracleReady: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "stabled",
			Subsystem: "oracle",
			Name:      "pair_ready",
			Help:      "Whether a pair has a full observation window (1 ready, 0 not).",
		}, []string{"pair"}),
		AlertsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stabled",
			Subsystem: "keeper",
			Name:      "alerts_emitted_total",
			Help:      "Number of alerts dispatched by kind.",
		}, []string{"kind"}),
	}
}
