package pool_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pg-sharding/shardgate/pkg/config"
	"github.com/pg-sharding/shardgate/pkg/conn"
	mockconn "github.com/pg-sharding/shardgate/pkg/mock/conn"
	"github.com/pg-sharding/shardgate/pkg/models/sgerror"
	"github.com/pg-sharding/shardgate/pkg/models/topology"
	"github.com/pg-sharding/shardgate/pkg/plan"
	"github.com/pg-sharding/shardgate/pkg/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func singleShard(t *testing.T) *topology.ShardSet {
	set, err := topology.NewShardSet([]*topology.ShardDescriptor{
		topology.NewShard("sh1", topology.TierHot, "", &topology.HostDescriptor{Addr: "db1:5432"}),
	})
	require.NoError(t, err)
	return set
}

func poolConfig(max int) *config.Config {
	cfg := &config.Config{
		Pool: config.PoolCfg{MinSize: 1, MaxSize: max, InitialSize: max, AcquireTimeout: 50 * time.Millisecond},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestAcquireTimesOutWhenExhausted(t *testing.T) {
	ctrl := gomock.NewController(t)
	driver := mockconn.NewMockDriver(ctrl)
	c := mockconn.NewMockConn(ctrl)
	driver.EXPECT().Connect(gomock.Any(), gomock.Any()).Return(c, nil).Times(1)

	m := pool.NewManager(poolConfig(1), singleShard(t), driver)
	ctx := context.Background()

	busy, err := m.Acquire(ctx, "sh1", pool.AcquireOptions{Priority: plan.PriorityHigh})
	require.NoError(t, err)

	start := time.Now()
	_, err = m.Acquire(ctx, "sh1", pool.AcquireOptions{Priority: plan.PriorityLow})
	elapsed := time.Since(start)

	assert.True(t, sgerror.Is(err, sgerror.SG_CONNECTION_TIMEOUT))
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, time.Second)

	m.Release(busy)
	again, err := m.Acquire(ctx, "sh1", pool.AcquireOptions{Priority: plan.PriorityLow})
	require.NoError(t, err)
	m.Release(again)

	stats := m.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, int64(1), stats[0].Timeouts)
	assert.Equal(t, int64(1), stats[0].Waits)
	assert.Equal(t, 1, stats[0].Idle)
}

func TestAcquireHonoursContext(t *testing.T) {
	ctrl := gomock.NewController(t)
	driver := mockconn.NewMockDriver(ctrl)
	driver.EXPECT().Connect(gomock.Any(), gomock.Any()).Return(mockconn.NewMockConn(ctrl), nil)

	cfg := poolConfig(1)
	cfg.Pool.AcquireTimeout = time.Hour
	m := pool.NewManager(cfg, singleShard(t), driver)

	_, err := m.Acquire(context.Background(), "sh1", pool.AcquireOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, "sh1", pool.AcquireOptions{})
	assert.True(t, sgerror.Is(err, sgerror.SG_CONNECTION_TIMEOUT))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAcquireUnknownShard(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := pool.NewManager(poolConfig(1), singleShard(t), mockconn.NewMockDriver(ctrl))

	_, err := m.Acquire(context.Background(), "nope", pool.AcquireOptions{})
	assert.True(t, sgerror.Is(err, sgerror.SG_ROUTING_ERROR))
}

func TestWithTransaction(t *testing.T) {
	ctrl := gomock.NewController(t)
	driver := mockconn.NewMockDriver(ctrl)
	c := mockconn.NewMockConn(ctrl)
	tx := mockconn.NewMockTx(ctrl)

	driver.EXPECT().Connect(gomock.Any(), gomock.Any()).Return(c, nil).Times(1)
	c.EXPECT().Begin(gomock.Any()).Return(tx, nil).Times(2)
	tx.EXPECT().Exec(gomock.Any(), "UPDATE accounts SET balance = balance - $1", 10).Return(int64(1), nil)
	tx.EXPECT().Commit(gomock.Any()).Return(nil)
	tx.EXPECT().Rollback(gomock.Any()).Return(nil)

	m := pool.NewManager(poolConfig(1), singleShard(t), driver)
	ctx := context.Background()

	n, err := pool.WithTransaction(ctx, m, "sh1", func(ctx context.Context, tx conn.Tx) (int64, error) {
		return tx.Exec(ctx, "UPDATE accounts SET balance = balance - $1", 10)
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	boom := errors.New("insufficient funds")
	_, err = pool.WithTransaction(ctx, m, "sh1", func(context.Context, conn.Tx) (string, error) {
		return "", boom
	})
	assert.ErrorIs(t, err, boom)

	stats := m.Stats()
	assert.Equal(t, 0, stats[0].InUse)
	assert.Equal(t, 1, stats[0].Idle)
}

func TestBreakerFailsFast(t *testing.T) {
	ctrl := gomock.NewController(t)
	driver := mockconn.NewMockDriver(ctrl)

	cfg := poolConfig(1)
	cfg.Breaker = config.BreakerCfg{FailureThreshold: 2, OpenTimeout: time.Hour, ProbeInterval: time.Second}
	m := pool.NewManager(cfg, singleShard(t), driver)

	deadlock := sgerror.New(sgerror.SG_QUERY_EXECUTION, "deadlock").MarkTransient()
	m.ReportResult("sh1", deadlock)
	m.ReportResult("sh1", deadlock)

	_, err := m.Acquire(context.Background(), "sh1", pool.AcquireOptions{})
	assert.True(t, sgerror.Is(err, sgerror.SG_SHARD_UNAVAILABLE))
}
