package pool

import (
	"context"
	"sync"
	"time"

	"github.com/pg-sharding/shardgate/pkg/circuit"
	"github.com/pg-sharding/shardgate/pkg/config"
	"github.com/pg-sharding/shardgate/pkg/conn"
	"github.com/pg-sharding/shardgate/pkg/events"
	"github.com/pg-sharding/shardgate/pkg/loadstat"
	"github.com/pg-sharding/shardgate/pkg/models/sgerror"
	"github.com/pg-sharding/shardgate/pkg/models/topology"
	"github.com/pg-sharding/shardgate/pkg/sglog"
	gometrics "github.com/rcrowley/go-metrics"
	"go.uber.org/atomic"
)

type shardPools struct {
	desc     *topology.ShardDescriptor
	primary  *hostPool
	replicas []*hostPool
	rr       atomic.Uint64
	breaker  *circuit.Breaker
}

func (sp *shardPools) all() []*hostPool {
	ret := make([]*hostPool, 0, 1+len(sp.replicas))
	ret = append(ret, sp.primary)
	return append(ret, sp.replicas...)
}

// Manager owns one bounded pool per shard primary and per replica.
type Manager struct {
	poolCfg     config.PoolCfg
	healthCfg   config.HealthCfg
	tuneCfg     config.AutoTuneCfg
	recoveryCfg config.RecoveryCfg

	driver   conn.Driver
	shardLd  *loadstat.Registry
	hostLd   *loadstat.Registry
	sink     events.Sink
	registry gometrics.Registry
	now      func() time.Time

	order  []string
	shards map[string]*shardPools

	wg sync.WaitGroup
}

type Option func(*Manager)

// WithShardLoad supplies the shard registry consulted by auto-tuning.
func WithShardLoad(r *loadstat.Registry) Option {
	return func(m *Manager) {
		m.shardLd = r
	}
}

func WithEvents(s events.Sink) Option {
	return func(m *Manager) {
		m.sink = s
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func WithMetricsRegistry(r gometrics.Registry) Option {
	return func(m *Manager) {
		m.registry = r
	}
}

// NewManager creates the pools for every host of set. No connection is
// dialed until Warm or the first Acquire.
func NewManager(cfg *config.Config, set *topology.ShardSet, driver conn.Driver, opts ...Option) *Manager {
	m := &Manager{
		poolCfg:     cfg.Pool,
		healthCfg:   cfg.Health,
		tuneCfg:     cfg.AutoTune,
		recoveryCfg: cfg.Recovery,
		driver:      driver,
		hostLd:      loadstat.NewRegistry(loadstat.WithAlpha(cfg.Load.Alpha), loadstat.WithLatencyNorm(cfg.Load.LatencyNorm)),
		registry:    gometrics.NewRegistry(),
		now:         time.Now,
		shards:      map[string]*shardPools{},
	}
	for _, o := range opts {
		o(m)
	}

	for _, sh := range set.Shards() {
		sp := &shardPools{
			desc:    sh,
			primary: newHostPool(sh.Primary, driver, m.poolCfg, m.hostLd, m.registry, m.now),
			breaker: circuit.NewBreaker(sh.ID, cfg.Breaker, m.sink),
		}
		for _, r := range sh.Replicas {
			sp.replicas = append(sp.replicas, newHostPool(r, driver, m.poolCfg, m.hostLd, m.registry, m.now))
		}
		m.shards[sh.ID] = sp
		m.order = append(m.order, sh.ID)
	}
	return m
}

// Warm dials the initial connections of every pool. Hosts that cannot be
// reached are logged and left to the health checker.
func (m *Manager) Warm(ctx context.Context) {
	for _, id := range m.order {
		for _, hp := range m.shards[id].all() {
			if err := hp.warm(ctx); err != nil {
				sglog.Zero.Warn().Err(err).Str("host", hp.host.ID).Msg("failed to warm up pool")
			}
		}
	}
}

func (m *Manager) shard(id string) (*shardPools, error) {
	sp, ok := m.shards[id]
	if !ok {
		return nil, sgerror.Newf(sgerror.SG_ROUTING_ERROR, "unknown shard %q", id)
	}
	return sp, nil
}

// Breaker returns the circuit breaker of the shard.
func (m *Manager) Breaker(shardID string) (*circuit.Breaker, error) {
	sp, err := m.shard(shardID)
	if err != nil {
		return nil, err
	}
	return sp.breaker, nil
}

func (m *Manager) nearest(pools []*hostPool) *hostPool {
	var (
		best    *hostPool
		bestLat time.Duration
	)
	for _, hp := range pools {
		s, _ := m.hostLd.Sample(hp.host.ID)
		if best == nil || s.AvgLatency < bestLat {
			best, bestLat = hp, s.AvgLatency
		}
	}
	return best
}

// pick selects the host pool for the read preference. Replica
// preferences fall back to the primary when no replica is healthy.
func (m *Manager) pick(sp *shardPools, pref config.ReadPreference) (*hostPool, error) {
	if pref == config.ReadSecondary || pref == config.ReadNearest {
		healthy := make([]*hostPool, 0, len(sp.replicas))
		for _, hp := range sp.replicas {
			if hp.Healthy() {
				healthy = append(healthy, hp)
			}
		}
		if len(healthy) > 0 {
			if pref == config.ReadNearest {
				return m.nearest(healthy), nil
			}
			return healthy[(sp.rr.Inc()-1)%uint64(len(healthy))], nil
		}
	}
	if sp.primary.Healthy() {
		return sp.primary, nil
	}
	return nil, sgerror.New(sgerror.SG_SHARD_UNAVAILABLE, "all pools unhealthy").WithShard(sp.desc.ID)
}

// Acquire checks out a connection to the shard. It fails fast with
// ShardUnavailableError while the breaker is open or no pool is healthy
// and with ConnectionTimeoutError when no connection frees up in time.
func (m *Manager) Acquire(ctx context.Context, shardID string, opts AcquireOptions) (*PooledConn, error) {
	sp, err := m.shard(shardID)
	if err != nil {
		return nil, err
	}
	if err := sp.breaker.Allow(); err != nil {
		return nil, err
	}
	hp, err := m.pick(sp, opts.ReadPreference)
	if err != nil {
		return nil, err
	}

	pc, err := hp.acquire(ctx, opts.Priority, m.poolCfg.AcquireTimeout)
	if err != nil {
		if !sgerror.Is(err, sgerror.SG_CONNECTION_TIMEOUT) {
			sp.breaker.Failure(err)
			if conn.IsFatal(err) {
				m.recover(hp, err)
			}
		}
		return nil, err
	}

	sglog.Zero.Debug().
		Str("shard", shardID).
		Str("host", hp.host.ID).
		Str("priority", opts.Priority.String()).
		Msg("acquired connection")
	return pc, nil
}

// Release returns the connection to its pool. Connections that saw a
// fatal error are closed and their pool is recovered.
func (m *Manager) Release(pc *PooledConn) {
	if pc.fatal != nil {
		_ = m.Discard(pc)
		return
	}
	pc.pool.put(pc)
}

// Discard closes the connection instead of returning it.
func (m *Manager) Discard(pc *PooledConn) error {
	err := pc.pool.discard(pc)
	if pc.fatal != nil {
		m.recover(pc.pool, pc.fatal)
	}
	return err
}

// ReportResult feeds a statement outcome to the shard breaker.
func (m *Manager) ReportResult(shardID string, err error) {
	sp, ok := m.shards[shardID]
	if !ok {
		return
	}
	if err == nil || !conn.IsTransient(err) && !conn.IsFatal(err) {
		sp.breaker.Success()
		return
	}
	sp.breaker.Failure(err)
}

// HostLoad exposes per-host latency samples used for nearest selection.
func (m *Manager) HostLoad() *loadstat.Registry {
	return m.hostLd
}

// MetricsRegistry holds the acquire-wait histograms.
func (m *Manager) MetricsRegistry() gometrics.Registry {
	return m.registry
}

func (m *Manager) Stats() []Stats {
	var ret []Stats
	for _, id := range m.order {
		for _, hp := range m.shards[id].all() {
			ret = append(ret, hp.stats())
		}
	}
	return ret
}

// Run starts health checking, auto-tuning and idle reaping until ctx is
// done.
func (m *Manager) Run(ctx context.Context) {
	health := time.NewTicker(m.healthCfg.Interval)
	tune := time.NewTicker(m.tuneCfg.Interval)
	reap := time.NewTicker(m.poolCfg.ReapInterval)
	defer health.Stop()
	defer tune.Stop()
	defer reap.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-health.C:
			m.CheckOnce(ctx)
		case <-tune.C:
			m.TuneOnce()
		case <-reap.C:
			m.ReapOnce()
		}
	}
}

// Close closes all idle connections and waits for recoveries in flight.
func (m *Manager) Close() {
	for _, id := range m.order {
		for _, hp := range m.shards[id].all() {
			hp.close()
		}
	}
	m.wg.Wait()
}
