package fleet

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the engine's Prometheus instruments. Construct once per
// process; the orchestrator and connection manager tolerate a nil *Metrics
// so tests do not fight over the default registry.
type Metrics struct {
	sweepDuration  prometheus.Histogram
	recordsSynced  prometheus.Counter
	dedupSkips     prometheus.Counter
	discardedBytes prometheus.Counter
	deviceFailures *prometheus.CounterVec
	devicesOnline  prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fleetsync",
			Name:      "sweep_duration_secs",
			Help:      "Duration of one full fleet sweep",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
		recordsSynced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetsync",
			Name:      "records_synced_total",
			Help:      "Access events persisted",
		}),
		dedupSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetsync",
			Name:      "dedup_skips_total",
			Help:      "Harvested records skipped because the dedup key already existed",
		}),
		discardedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetsync",
			Name:      "discarded_bytes_total",
			Help:      "Trailing bytes the record codec could not slice into records",
		}),
		deviceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetsync",
			Name:      "device_failures_total",
			Help:      "Device sweeps that ended in an error",
		}, []string{"stage"}),
		devicesOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleetsync",
			Name:      "devices_online",
			Help:      "Devices reachable during the last sweep",
		}),
	}
	prometheus.MustRegister(
		m.sweepDuration, m.recordsSynced, m.dedupSkips,
		m.discardedBytes, m.deviceFailures, m.devicesOnline,
	)
	return m
}
