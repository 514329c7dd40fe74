package app_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pg-sharding/shardgate/app"
	"github.com/pg-sharding/shardgate/pkg/config"
	"github.com/pg-sharding/shardgate/pkg/conn"
	"github.com/pg-sharding/shardgate/pkg/events"
	"github.com/pg-sharding/shardgate/pkg/models/topology"
	"github.com/pg-sharding/shardgate/pkg/plan"
	"github.com/pg-sharding/shardgate/router/collapser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

// echoConn answers every select with one row per requested id.
type echoConn struct {
	commits   *atomic.Int64
	rollbacks *atomic.Int64
}

func (c *echoConn) Exec(_ context.Context, _ string, args ...any) (int64, error) {
	return int64(len(args) / 2), nil
}

func (c *echoConn) Query(_ context.Context, _ string, args ...any) ([]plan.Row, error) {
	rows := make([]plan.Row, 0, len(args))
	for _, a := range args {
		rows = append(rows, plan.Row{"id": a, "name": "echo"})
	}
	return rows, nil
}

func (c *echoConn) Begin(context.Context) (conn.Tx, error) { return &echoTx{echoConn: c}, nil }
func (c *echoConn) Ping(context.Context) error             { return nil }
func (c *echoConn) Close() error                           { return nil }

type echoTx struct {
	*echoConn
}

func (t *echoTx) Commit(context.Context) error {
	t.commits.Inc()
	return nil
}

func (t *echoTx) Rollback(context.Context) error {
	t.rollbacks.Inc()
	return nil
}

type echoDriver struct {
	commits   atomic.Int64
	rollbacks atomic.Int64
}

func (d *echoDriver) Name() string { return "echo" }

func (d *echoDriver) Connect(context.Context, *topology.HostDescriptor) (conn.Conn, error) {
	return &echoConn{commits: &d.commits, rollbacks: &d.rollbacks}, nil
}

func testConfig() *config.Config {
	cfg := &config.Config{
		LogLevel: "error",
		Shards: []*config.ShardCfg{
			{ID: "0", Primary: config.HostCfg{Addr: "db0:5432"}},
			{ID: "1", Primary: config.HostCfg{Addr: "db1:5432"}},
		},
		Collections: []config.CollectionCfg{
			{Name: "users", CacheTTL: time.Minute},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func newApp(t *testing.T, opts ...app.Option) (*app.App, *echoDriver) {
	d := &echoDriver{}
	a, err := app.NewApp(context.Background(), testConfig(), append([]app.Option{app.WithDriver(d)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Close(ctx)
	})
	return a, d
}

func TestEnqueueAndLoad(t *testing.T) {
	rec := &events.Recorder{}
	a, _ := newApp(t, app.WithSinks(rec))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r, err := a.Enqueue(ctx, "users", plan.OperationSpec{
		Kind: plan.KindInsert,
		Rows: []plan.Row{{"id": 1, "name": "one"}, {"id": 2, "name": "two"}, {"id": 3, "name": "three"}},
	}, plan.PriorityHigh)
	require.NoError(t, err)
	require.NoError(t, a.Executor.Flush(ctx))

	res, err := r.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.RowsAffected)
	assert.NotEmpty(t, rec.Events(events.BatchFlushed))
	assert.NotEmpty(t, rec.Events(events.ShardSelected))

	row, err := a.Load(ctx, "users", 42)
	require.NoError(t, err)
	assert.Equal(t, 42, row["id"])
}

func TestTransactions(t *testing.T) {
	a, d := newApp(t)
	ctx := context.Background()

	n, err := app.Transact(ctx, a, "users", topology.Key("user-42"), func(ctx context.Context, tx conn.Tx) (int64, error) {
		return tx.Exec(ctx, "UPDATE users SET name = $1 WHERE id = $2", "x", "user-42")
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, int64(1), d.commits.Load())

	boom := errors.New("boom")
	err = a.WithTransaction(ctx, "users", topology.Key("user-42"), func(context.Context, conn.Tx) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(1), d.rollbacks.Load())
}

func TestGetMetricsAndEndpoints(t *testing.T) {
	a, _ := newApp(t)

	m := a.GetMetrics()
	require.Len(t, m.PerShard, 2)
	assert.Len(t, m.PerShard["0"].Pools, 1)
	assert.Contains(t, m.QueueDepths, "critical")

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUnknownDriverIsConfigurationError(t *testing.T) {
	cfg := testConfig()
	cfg.Driver = "odbc"
	_, err := app.NewApp(context.Background(), cfg)
	assert.Error(t, err)
}

type countingFetcher struct {
	fetches atomic.Int64
}

func (f *countingFetcher) Fetch(_ context.Context, _ string, ids []any) (map[string]plan.Row, error) {
	n := f.fetches.Inc()
	ret := make(map[string]plan.Row, len(ids))
	for _, id := range ids {
		ret[plan.IDKey(id)] = plan.Row{"id": id, "version": n}
	}
	return ret, nil
}

func TestCustomFetcherLoadsCompositeIDs(t *testing.T) {
	f := &countingFetcher{}
	a, _ := newApp(t, app.WithFetcher(f))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id := collapser.Tuple{"tenant", 7}
	row, err := a.Load(ctx, "users", id)
	require.NoError(t, err)
	assert.Equal(t, id, row["id"])
	assert.Equal(t, int64(1), f.fetches.Load())
}

func TestWriteInvalidatesCacheWhenResolved(t *testing.T) {
	f := &countingFetcher{}
	a, _ := newApp(t, app.WithFetcher(f))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := a.Load(ctx, "users", 7)
	require.NoError(t, err)

	r, err := a.Enqueue(ctx, "users", plan.OperationSpec{
		Kind: plan.KindUpdate,
		ID:   7,
		Set:  plan.Row{"name": "new"},
	}, plan.PriorityNormal)
	require.NoError(t, err)

	// A load between enqueue and commit caches the old row.
	row, err := a.Load(ctx, "users", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(2), row["version"])

	require.NoError(t, a.Executor.Flush(ctx))
	require.NoError(t, r.Err())

	assert.Eventually(t, func() bool {
		row, err := a.Load(ctx, "users", 7)
		return err == nil && row["version"] == int64(3)
	}, 2*time.Second, 10*time.Millisecond)
}
