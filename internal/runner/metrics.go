package runner

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus collectors of one session. Every series carries
// a constant session label so several runners can share a registry.
type Metrics struct {
	cycles        prometheus.Counter
	cycleFailures prometheus.Counter
	cycleDuration prometheus.Histogram
	trades        *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	skipped       *prometheus.CounterVec
	checkpoints   *prometheus.CounterVec
	equity        prometheus.Gauge
	cash          prometheus.Gauge
	halted        prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// gets a private registry.
func NewMetrics(reg prometheus.Registerer, sessionID string) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	labels := prometheus.Labels{"session": sessionID}

	m := &Metrics{
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "papertrader", Name: "cycles_total",
			Help: "Completed trading cycles", ConstLabels: labels,
		}),
		cycleFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "papertrader", Name: "cycle_failures_total",
			Help: "Cycles that fetched no usable data", ConstLabels: labels,
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "papertrader", Name: "cycle_duration_seconds",
			Help: "Wall time of a live cycle", ConstLabels: labels,
			Buckets: prometheus.DefBuckets,
		}),
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "papertrader", Name: "trades_total",
			Help: "Executed simulated trades", ConstLabels: labels,
		}, []string{"symbol", "side"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "papertrader", Name: "rejections_total",
			Help: "Signals rejected by a risk check", ConstLabels: labels,
		}, []string{"check"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "papertrader", Name: "skipped_symbols_total",
			Help: "Symbols skipped for a cycle because of a data or strategy error", ConstLabels: labels,
		}, []string{"symbol"}),
		checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "papertrader", Name: "checkpoints_total",
			Help: "Snapshot saves by result", ConstLabels: labels,
		}, []string{"result"}),
		equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "papertrader", Name: "equity",
			Help: "Total portfolio value after the last cycle", ConstLabels: labels,
		}),
		cash: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "papertrader", Name: "cash",
			Help: "Cash after the last cycle", ConstLabels: labels,
		}),
		halted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "papertrader", Name: "halted",
			Help: "1 while the session is halted by an invariant violation", ConstLabels: labels,
		}),
	}

	for _, c := range []prometheus.Collector{
		m.cycles, m.cycleFailures, m.cycleDuration, m.trades, m.rejections,
		m.skipped, m.checkpoints, m.equity, m.cash, m.halted,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
