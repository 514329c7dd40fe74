package balancer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pg-sharding/shardgate/pkg/config"
	"github.com/pg-sharding/shardgate/pkg/events"
	"github.com/pg-sharding/shardgate/pkg/loadstat"
	"github.com/pg-sharding/shardgate/pkg/sglog"
)

// LoadSource is the part of the load registry the rebalancer reads.
type LoadSource interface {
	Snapshot() []loadstat.Sample
}

// Hotspot is a shard whose score stayed above the threshold for the
// whole monitoring window.
type Hotspot struct {
	ShardID string
	Score   float64
	// Ratio is the score divided by the threshold; above 1 means hot.
	Ratio  float64
	Streak int
}

// Rebalancer periodically scans shard load and signals hotspots. It never
// moves data.
type Rebalancer struct {
	load      LoadSource
	sink      events.Sink
	interval  time.Duration
	threshold float64
	window    int

	mu     sync.Mutex
	streak map[string]int
}

func NewRebalancer(load LoadSource, cfg config.RebalancerCfg, sink events.Sink) *Rebalancer {
	if cfg.Window <= 0 {
		cfg.Window = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Rebalancer{
		load:      load,
		sink:      sink,
		interval:  cfg.Interval,
		threshold: cfg.Threshold,
		window:    cfg.Window,
		streak:    map[string]int{},
	}
}

// DetectHotspots runs one monitoring check and returns the shards that
// have been above the threshold for window consecutive checks, hottest
// first. A shard dropping below the threshold restarts its streak.
func (r *Rebalancer) DetectHotspots() []Hotspot {
	samples := r.load.Snapshot()

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{}, len(samples))
	var ret []Hotspot
	for _, s := range samples {
		seen[s.ShardID] = struct{}{}

		ratio := s.Score
		if r.threshold > 0 {
			ratio = s.Score / r.threshold
		}
		if ratio <= 1 {
			delete(r.streak, s.ShardID)
			continue
		}

		r.streak[s.ShardID]++
		if r.streak[s.ShardID] < r.window {
			continue
		}
		ret = append(ret, Hotspot{
			ShardID: s.ShardID,
			Score:   s.Score,
			Ratio:   ratio,
			Streak:  r.streak[s.ShardID],
		})
	}
	for id := range r.streak {
		if _, ok := seen[id]; !ok {
			delete(r.streak, id)
		}
	}

	sort.Slice(ret, func(i, j int) bool {
		return ret[i].Score > ret[j].Score
	})

	for _, h := range ret {
		sglog.Zero.Warn().
			Str("shard", h.ShardID).
			Float64("score", h.Score).
			Float64("ratio", h.Ratio).
			Int("streak", h.Streak).
			Msg("hotspot detected")
		events.Emit(r.sink, events.Event{
			Kind:  events.HotspotDetected,
			Shard: h.ShardID,
			Score: h.Score,
			Size:  h.Streak,
		})
	}
	if len(ret) == 0 {
		sglog.Zero.Debug().Int("shards", len(samples)).Msg("load below the threshold")
	}
	return ret
}

// Run checks every interval until ctx is done.
func (r *Rebalancer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.DetectHotspots()
		}
	}
}
