package events

import (
	"fmt"
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// MetricsSink counts events in a VictoriaMetrics set.
type MetricsSink struct {
	set *metrics.Set
}

var _ Sink = &MetricsSink{}

func NewMetricsSink() *MetricsSink {
	return &MetricsSink{set: metrics.NewSet()}
}

func (m *MetricsSink) Emit(e Event) {
	m.set.GetOrCreateCounter(fmt.Sprintf(`shardgate_events_total{kind=%q}`, e.Kind)).Inc()

	switch e.Kind {
	case BatchFlushed:
		m.set.GetOrCreateCounter(fmt.Sprintf(`shardgate_batch_operations_total{priority=%q}`, e.Priority)).Add(e.Size)
	case OperationFailed:
		m.set.GetOrCreateCounter(fmt.Sprintf(`shardgate_operation_failures_total{shard=%q}`, e.Shard)).Inc()
	case PoolResized:
		m.set.GetOrCreateCounter(fmt.Sprintf(`shardgate_pool_size{host=%q}`, e.Host)).Set(uint64(e.To))
	}
}

// Count returns the number of events of a kind seen so far.
func (m *MetricsSink) Count(k Kind) uint64 {
	return m.set.GetOrCreateCounter(fmt.Sprintf(`shardgate_events_total{kind=%q}`, k)).Get()
}

func (m *MetricsSink) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}
