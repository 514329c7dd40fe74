package pool

import (
	"time"

	"github.com/pg-sharding/shardgate/pkg/events"
	"github.com/pg-sharding/shardgate/pkg/sglog"
)

// TuneOnce runs one auto-tuning pass. A pool grows by one step when it
// waited for connections often and saw few errors since the previous
// pass; it shrinks when most tokens sit unused and the shard is fast.
// Each shard resizes at most one pool per pass.
func (m *Manager) TuneOnce() {
	for _, id := range m.order {
		sp := m.shards[id]

		var latency time.Duration
		if m.shardLd != nil {
			s, _ := m.shardLd.Sample(id)
			latency = s.AvgLatency
		}

		resized := false
		for _, hp := range sp.all() {
			target, ok := m.tuneTarget(hp, latency)
			if !ok || resized {
				continue
			}
			from, to := hp.resize(target)
			if from == to {
				continue
			}
			resized = true

			sglog.Zero.Info().
				Str("shard", id).
				Str("host", hp.host.ID).
				Int("from", from).
				Int("to", to).
				Msg("pool resized")
			events.Emit(m.sink, events.Event{
				Kind:  events.PoolResized,
				Shard: id,
				Host:  hp.host.ID,
				From:  from,
				To:    to,
			})
		}
	}
}

// tuneTarget consumes the counters of the interval and proposes a size.
func (m *Manager) tuneTarget(hp *hostPool, latency time.Duration) (int, bool) {
	waits, errs, acquires := hp.waits.Load(), hp.errors.Load(), hp.acquires.Load()

	hp.mu.Lock()
	defer hp.mu.Unlock()

	dWaits := waits - hp.lastWaits
	dErrs := errs - hp.lastErrors
	dAcq := acquires - hp.lastAcquires
	hp.lastWaits, hp.lastErrors, hp.lastAcquires = waits, errs, acquires

	errRate := 0.0
	if dAcq > 0 {
		errRate = float64(dErrs) / float64(dAcq)
	}
	if dWaits >= m.tuneCfg.GrowWaitThreshold && errRate < m.tuneCfg.MaxErrorRate {
		if hp.size < hp.cfg.MaxSize {
			return hp.size + m.tuneCfg.Step, true
		}
		return 0, false
	}

	if hp.size <= hp.cfg.MinSize {
		return 0, false
	}
	idleRatio := float64(hp.size-len(hp.active)) / float64(hp.size)
	if idleRatio >= m.tuneCfg.ShrinkIdleRatio && latency < m.tuneCfg.LowLatency {
		return hp.size - m.tuneCfg.Step, true
	}
	return 0, false
}

// ReapOnce closes expired idle connections in every pool.
func (m *Manager) ReapOnce() int {
	total := 0
	for _, id := range m.order {
		for _, hp := range m.shards[id].all() {
			total += hp.reap()
		}
	}
	return total
}
