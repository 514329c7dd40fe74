package pool

import (
	"context"

	"github.com/pg-sharding/shardgate/pkg/events"
	"github.com/pg-sharding/shardgate/pkg/sglog"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
)

const maxConcurrentProbes = 16

// CheckOnce probes every pool once. A pool is marked unhealthy after the
// configured number of consecutive failed probes and becomes healthy on
// the next successful one.
func (m *Manager) CheckOnce(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentProbes)

	for _, id := range m.order {
		for _, hp := range m.shards[id].all() {
			if hp.recovering.Load() {
				continue
			}
			g.Go(func() error {
				m.checkPool(gctx, hp)
				return nil
			})
		}
	}
	_ = g.Wait()
}

func (m *Manager) checkPool(ctx context.Context, hp *hostPool) {
	pctx, cancel := context.WithTimeout(ctx, m.healthCfg.ProbeTimeout)
	defer cancel()

	err := hp.probe(pctx)
	if err == nil {
		hp.probeFails.Store(0)
		if !hp.healthy.Swap(true) {
			sglog.Zero.Info().Str("host", hp.host.ID).Msg("host recovered")
			events.Emit(m.sink, events.Event{
				Kind:  events.ShardRecovered,
				Shard: hp.host.ShardID,
				Host:  hp.host.ID,
			})
		}
		return
	}

	fails := hp.probeFails.Inc()
	sglog.Zero.Debug().
		Err(err).
		Str("host", hp.host.ID).
		Int64("failures", fails).
		Msg("health probe failed")
	if fails < int64(m.healthCfg.FailureThreshold) {
		return
	}
	if hp.healthy.Swap(false) {
		sglog.Zero.Warn().Err(err).Str("host", hp.host.ID).Msg("host marked unhealthy")
		events.Emit(m.sink, events.Event{
			Kind:  events.ShardUnhealthy,
			Shard: hp.host.ShardID,
			Host:  hp.host.ID,
			Err:   err,
		})
	}
}

// recover recreates a pool after a fatal error: drop its connections and
// retry a probe with exponential backoff. When retries run out the pool
// stays unhealthy and a persistent failure is signalled.
func (m *Manager) recover(hp *hostPool, cause error) {
	if !hp.recovering.CompareAndSwap(false, true) {
		return
	}
	sglog.Zero.Warn().Err(cause).Str("host", hp.host.ID).Msg("fatal pool error, recreating pool")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer hp.recovering.Store(false)

		ctx := context.Background()
		backoff := retry.WithMaxRetries(m.recoveryCfg.MaxRetries, retry.NewExponential(m.recoveryCfg.BaseBackoff))
		attempt := 0
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			attempt++
			hp.reset()

			pctx, cancel := context.WithTimeout(ctx, m.healthCfg.ProbeTimeout)
			defer cancel()
			if err := hp.probe(pctx); err != nil {
				sglog.Zero.Debug().Err(err).Str("host", hp.host.ID).Int("attempt", attempt).Msg("pool recovery attempt failed")
				return retry.RetryableError(err)
			}
			return nil
		})
		if err != nil {
			hp.healthy.Store(false)
			sglog.Zero.Error().Err(err).Str("host", hp.host.ID).Int("attempts", attempt).Msg("pool recovery failed")
			events.Emit(m.sink, events.Event{
				Kind:  events.PoolPersistentFailure,
				Shard: hp.host.ShardID,
				Host:  hp.host.ID,
				Err:   err,
			})
			return
		}

		hp.probeFails.Store(0)
		hp.healthy.Store(true)
		sglog.Zero.Info().Str("host", hp.host.ID).Int("attempts", attempt).Msg("pool recreated")
	}()
}
