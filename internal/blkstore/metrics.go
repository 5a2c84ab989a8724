package blkstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the per-store counters, registered against the engine's
// private registry with the store name as a constant label.
type Metrics struct {
	Reads     prometheus.Counter
	Writes    prometheus.Counter
	Allocs    prometheus.Counter
	Frees     prometheus.Counter
	UsedBytes prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer, store string) *Metrics {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"store": store}
	return &Metrics{
		Reads: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bedrock", Subsystem: "blkstore", Name: "reads_total",
			Help: "Block reads served by this store.", ConstLabels: labels,
		}),
		Writes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bedrock", Subsystem: "blkstore", Name: "writes_total",
			Help: "Block writes issued by this store.", ConstLabels: labels,
		}),
		Allocs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bedrock", Subsystem: "blkstore", Name: "allocs_total",
			Help: "Successful block allocations.", ConstLabels: labels,
		}),
		Frees: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bedrock", Subsystem: "blkstore", Name: "frees_total",
			Help: "Blocks returned to the allocator.", ConstLabels: labels,
		}),
		UsedBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "bedrock", Subsystem: "blkstore", Name: "used_bytes",
			Help: "Bytes currently allocated from this store.", ConstLabels: labels,
		}),
	}
}
