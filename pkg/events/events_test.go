package events_test

import (
	"bytes"
	"sync/atomic"
	"testing"

	"github.com/pg-sharding/shardgate/pkg/events"
	"github.com/stretchr/testify/assert"
)

func TestBusFansOutToSinksAndSubscribers(t *testing.T) {
	rec := &events.Recorder{}
	bus := events.NewBus(rec)

	var unhealthy, all atomic.Int32
	unsub := bus.Subscribe(func(e events.Event) {
		unhealthy.Add(1)
		assert.Equal(t, "sh2", e.Shard)
	}, events.ShardUnhealthy, events.CircuitOpen)
	bus.Subscribe(func(e events.Event) { all.Add(1) })

	bus.Emit(events.Event{Kind: events.ShardUnhealthy, Shard: "sh2"})
	bus.Emit(events.Event{Kind: events.BatchFlushed, Size: 3})

	assert.EqualValues(t, 1, unhealthy.Load())
	assert.EqualValues(t, 2, all.Load())
	assert.Len(t, rec.Events(), 2)
	assert.Len(t, rec.Events(events.BatchFlushed), 1)
	assert.False(t, rec.Events()[0].Time.IsZero())

	unsub()
	bus.Emit(events.Event{Kind: events.ShardUnhealthy, Shard: "sh2"})
	assert.EqualValues(t, 1, unhealthy.Load())
	assert.EqualValues(t, 3, all.Load())
}

func TestEmitNilSink(t *testing.T) {
	assert.NotPanics(t, func() {
		events.Emit(nil, events.Event{Kind: events.PoolResized})
	})
}

func TestMetricsSink(t *testing.T) {
	m := events.NewMetricsSink()
	m.Emit(events.Event{Kind: events.BatchFlushed, Priority: "low", Size: 200})
	m.Emit(events.Event{Kind: events.BatchFlushed, Priority: "low", Size: 1000})
	m.Emit(events.Event{Kind: events.PoolResized, Host: "sh0/primary", From: 2, To: 4})

	assert.EqualValues(t, 2, m.Count(events.BatchFlushed))
	assert.EqualValues(t, 0, m.Count(events.HotspotDetected))

	var buf bytes.Buffer
	m.WritePrometheus(&buf)
	assert.Contains(t, buf.String(), `shardgate_batch_operations_total{priority="low"} 1200`)
	assert.Contains(t, buf.String(), `shardgate_pool_size{host="sh0/primary"} 4`)
}

func TestLogSinkDoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		events.LogSink{}.Emit(events.Event{Kind: events.PoolResized, Host: "h", From: 1, To: 2})
		events.LogSink{}.Emit(events.Event{Kind: events.PoolPersistentFailure, Host: "h"})
	})
}
