package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pg-sharding/shardgate/pkg/config"
	"github.com/pg-sharding/shardgate/pkg/conn"
	"github.com/pg-sharding/shardgate/pkg/events"
	"github.com/pg-sharding/shardgate/pkg/loadstat"
	"github.com/pg-sharding/shardgate/pkg/models/topology"
	"github.com/pg-sharding/shardgate/pkg/plan"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

type fakeConn struct {
	host   string
	driver *fakeDriver
	closed atomic.Bool
}

func (c *fakeConn) Exec(context.Context, string, ...any) (int64, error) { return 1, nil }
func (c *fakeConn) Query(context.Context, string, ...any) ([]plan.Row, error) {
	return nil, nil
}
func (c *fakeConn) Begin(context.Context) (conn.Tx, error) { return nil, errors.New("no tx") }
func (c *fakeConn) Ping(context.Context) error             { return c.driver.failure(c.host) }
func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeDriver struct {
	mu      sync.Mutex
	failing map[string]error
	dials   map[string]int
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{failing: map[string]error{}, dials: map[string]int{}}
}

func (d *fakeDriver) Name() string { return "fake" }

func (d *fakeDriver) Connect(_ context.Context, host *topology.HostDescriptor) (conn.Conn, error) {
	if err := d.failure(host.ID); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials[host.ID]++
	return &fakeConn{host: host.ID, driver: d}, nil
}

func (d *fakeDriver) fail(host string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.failing, host)
		return
	}
	d.failing[host] = err
}

func (d *fakeDriver) failure(host string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failing[host]
}

func testConfig() *config.Config {
	cfg := &config.Config{
		Pool:   config.PoolCfg{MinSize: 1, MaxSize: 4, InitialSize: 2, AcquireTimeout: 50 * time.Millisecond, IdleTimeout: time.Minute},
		Health: config.HealthCfg{FailureThreshold: 3, ProbeTimeout: time.Second},
		AutoTune: config.AutoTuneCfg{
			GrowWaitThreshold: 5,
			MaxErrorRate:      0.1,
			ShrinkIdleRatio:   0.75,
			LowLatency:        10 * time.Millisecond,
			Step:              2,
		},
		Recovery: config.RecoveryCfg{MaxRetries: 2, BaseBackoff: time.Millisecond},
	}
	cfg.ApplyDefaults()
	return cfg
}

func testHostPool(d *fakeDriver, cfg config.PoolCfg, now func() time.Time) *hostPool {
	host := &topology.HostDescriptor{ID: "sh1/primary", ShardID: "sh1", Role: topology.RolePrimary}
	return newHostPool(host, d, cfg, loadstat.NewRegistry(), gometrics.NewRegistry(), now)
}

func TestHostPoolReusesConnections(t *testing.T) {
	d := newFakeDriver()
	hp := testHostPool(d, testConfig().Pool, time.Now)

	pc, err := hp.acquire(context.Background(), plan.PriorityNormal, time.Second)
	require.NoError(t, err)
	hp.put(pc)

	pc2, err := hp.acquire(context.Background(), plan.PriorityNormal, time.Second)
	require.NoError(t, err)
	assert.Same(t, pc, pc2)
	assert.Equal(t, 1, d.dials["sh1/primary"])

	s := hp.stats()
	assert.Equal(t, 1, s.InUse)
	assert.Equal(t, 0, s.Idle)
	assert.Equal(t, 2, s.Size)
}

func TestHostPoolShrinkDebt(t *testing.T) {
	d := newFakeDriver()
	hp := testHostPool(d, testConfig().Pool, time.Now)

	a, err := hp.acquire(context.Background(), plan.PriorityNormal, time.Second)
	require.NoError(t, err)
	b, err := hp.acquire(context.Background(), plan.PriorityNormal, time.Second)
	require.NoError(t, err)

	from, to := hp.resize(1)
	assert.Equal(t, 2, from)
	assert.Equal(t, 1, to)
	assert.Equal(t, 1, hp.debt)

	hp.put(a)
	assert.Equal(t, 0, len(hp.queue))
	hp.put(b)
	assert.Equal(t, 1, len(hp.queue))

	_, to = hp.resize(100)
	assert.Equal(t, 4, to)
	assert.Equal(t, 4, len(hp.queue))
}

func TestHostPoolReapKeepsMinimum(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d := newFakeDriver()
	cfg := testConfig().Pool
	cfg.MinSize = 1
	hp := testHostPool(d, cfg, func() time.Time { return now })
	require.NoError(t, hp.warm(context.Background()))
	assert.Equal(t, 2, hp.stats().Idle)

	assert.Equal(t, 0, hp.reap())

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, hp.reap())
	assert.Equal(t, 1, hp.stats().Idle)
}

func TestHostPoolResetRetiresConnections(t *testing.T) {
	d := newFakeDriver()
	hp := testHostPool(d, testConfig().Pool, time.Now)

	pc, err := hp.acquire(context.Background(), plan.PriorityNormal, time.Second)
	require.NoError(t, err)
	hp.reset()
	hp.put(pc)

	assert.Equal(t, 0, hp.stats().Idle)
	assert.Eventually(t, func() bool {
		return pc.Conn.(*fakeConn).closed.Load()
	}, time.Second, time.Millisecond)
}

func TestTuneOnceOneResizePerShard(t *testing.T) {
	d := newFakeDriver()
	cfg := testConfig()
	set, err := topology.NewShardSet([]*topology.ShardDescriptor{
		topology.NewShard("sh1", topology.TierHot, "", &topology.HostDescriptor{}, &topology.HostDescriptor{}),
	})
	require.NoError(t, err)
	rec := &events.Recorder{}
	m := NewManager(cfg, set, d, WithEvents(rec), WithShardLoad(loadstat.NewRegistry()))

	sp := m.shards["sh1"]
	sp.primary.waits.Add(10)
	sp.replicas[0].waits.Add(10)

	m.TuneOnce()
	assert.Equal(t, 4, sp.primary.stats().Size)
	assert.Equal(t, 2, sp.replicas[0].stats().Size)

	resized := rec.Events(events.PoolResized)
	require.Len(t, resized, 1)
	assert.Equal(t, "sh1/primary", resized[0].Host)
	assert.Equal(t, 2, resized[0].From)
	assert.Equal(t, 4, resized[0].To)

	// no waits since the last pass, everything idle and fast: shrink
	m.TuneOnce()
	assert.Equal(t, 2, sp.primary.stats().Size)

	m.TuneOnce()
	assert.Equal(t, 1, sp.primary.stats().Size)
	assert.Len(t, rec.Events(events.PoolResized), 3)
}
