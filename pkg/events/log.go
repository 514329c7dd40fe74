package events

import (
	"github.com/pg-sharding/shardgate/pkg/sglog"
	"github.com/rs/zerolog"
)

// LogSink writes events to the process logger.
type LogSink struct{}

var _ Sink = LogSink{}

func (LogSink) Emit(e Event) {
	var ev *zerolog.Event
	switch e.Kind {
	case ShardSelected, BatchFlushed:
		ev = sglog.Zero.Debug()
	case OperationFailed, ShardUnhealthy, CircuitOpen, HotspotDetected:
		ev = sglog.Zero.Warn()
	case PoolPersistentFailure:
		ev = sglog.Zero.Error()
	default:
		ev = sglog.Zero.Info()
	}

	if e.Shard != "" {
		ev = ev.Str("shard", e.Shard)
	}
	if e.Host != "" {
		ev = ev.Str("host", e.Host)
	}
	if e.Collection != "" {
		ev = ev.Str("collection", e.Collection)
	}
	if e.Priority != "" {
		ev = ev.Str("priority", e.Priority)
	}
	if e.OperationID != "" {
		ev = ev.Str("operation", e.OperationID)
	}

	switch e.Kind {
	case PoolResized:
		ev = ev.Int("from", e.From).Int("to", e.To)
	case BatchFlushed:
		ev = ev.Int("size", e.Size)
	case HotspotDetected:
		ev = ev.Float64("score", e.Score)
	}

	ev.Err(e.Err).Msg(string(e.Kind))
}
