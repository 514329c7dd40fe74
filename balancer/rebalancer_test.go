package balancer_test

import (
	"context"
	"testing"
	"time"

	"github.com/pg-sharding/shardgate/balancer"
	"github.com/pg-sharding/shardgate/pkg/config"
	"github.com/pg-sharding/shardgate/pkg/events"
	"github.com/pg-sharding/shardgate/pkg/loadstat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticLoad struct {
	samples []loadstat.Sample
}

func (s *staticLoad) Snapshot() []loadstat.Sample {
	return s.samples
}

func TestDetectHotspots(t *testing.T) {
	load := &staticLoad{}
	rec := &events.Recorder{}
	r := balancer.NewRebalancer(load, config.RebalancerCfg{Threshold: 10, Window: 3}, rec)

	tests := []struct {
		name    string
		samples []loadstat.Sample
		hot     []string
	}{
		{
			name: "first check above threshold",
			samples: []loadstat.Sample{
				{ShardID: "sh1", Score: 12},
				{ShardID: "sh2", Score: 30},
			},
		},
		{
			name: "second check, sh1 cools down",
			samples: []loadstat.Sample{
				{ShardID: "sh1", Score: 10},
				{ShardID: "sh2", Score: 30},
			},
		},
		{
			name: "third check, sh2 sustained",
			samples: []loadstat.Sample{
				{ShardID: "sh1", Score: 11},
				{ShardID: "sh2", Score: 25},
			},
			hot: []string{"sh2"},
		},
		{
			name: "fourth check, still hot",
			samples: []loadstat.Sample{
				{ShardID: "sh1", Score: 11},
				{ShardID: "sh2", Score: 25},
			},
			hot: []string{"sh2"},
		},
		{
			name: "fifth check, sh1 reaches the window",
			samples: []loadstat.Sample{
				{ShardID: "sh1", Score: 40},
				{ShardID: "sh2", Score: 25},
			},
			hot: []string{"sh1", "sh2"},
		},
	}

	for _, tt := range tests {
		load.samples = tt.samples
		got := r.DetectHotspots()
		ids := make([]string, 0, len(got))
		for _, h := range got {
			ids = append(ids, h.ShardID)
		}
		if len(tt.hot) == 0 {
			assert.Empty(t, ids, tt.name)
		} else {
			assert.Equal(t, tt.hot, ids, tt.name)
		}
	}

	evs := rec.Events(events.HotspotDetected)
	require.Len(t, evs, 4)
	assert.Equal(t, "sh2", evs[0].Shard)
	assert.Equal(t, 25.0, evs[0].Score)
}

func TestDetectHotspotsFromRegistry(t *testing.T) {
	reg := loadstat.NewRegistry()
	for i := 0; i < 30; i++ {
		reg.Begin("busy")
	}
	reg.Begin("idle")

	r := balancer.NewRebalancer(reg, config.RebalancerCfg{Threshold: 10, Window: 1}, nil)
	got := r.DetectHotspots()
	require.Len(t, got, 1)
	assert.Equal(t, "busy", got[0].ShardID)
	assert.InDelta(t, 1.5, got[0].Ratio, 1e-9)
}

func TestRunStopsOnCancel(t *testing.T) {
	load := &staticLoad{samples: []loadstat.Sample{{ShardID: "sh1", Score: 100}}}
	rec := &events.Recorder{}
	r := balancer.NewRebalancer(load, config.RebalancerCfg{Threshold: 1, Window: 1, Interval: time.Millisecond}, rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return len(rec.Events(events.HotspotDetected)) > 0
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("rebalancer did not stop")
	}
}
