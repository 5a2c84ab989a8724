package logdev

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the log service counters, registered against the engine's
// private registry.
type Metrics struct {
	Appends      prometheus.Counter
	FlushBatches prometheus.Counter
	BytesWritten prometheus.Counter
	Truncations  prometheus.Counter
	Replayed     prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Appends: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bedrock", Subsystem: "logdev", Name: "appends_total",
			Help: "Records queued for append across all log stores.",
		}),
		FlushBatches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bedrock", Subsystem: "logdev", Name: "flush_batches_total",
			Help: "Flush batches committed to the log device.",
		}),
		BytesWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bedrock", Subsystem: "logdev", Name: "bytes_written_total",
			Help: "Bytes written to the log device including headers and padding.",
		}),
		Truncations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bedrock", Subsystem: "logdev", Name: "truncations_total",
			Help: "Device-level truncations performed.",
		}),
		Replayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bedrock", Subsystem: "logdev", Name: "replayed_records_total",
			Help: "Records replayed during recovery.",
		}),
	}
}
