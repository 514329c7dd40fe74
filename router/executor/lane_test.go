package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pg-sharding/shardgate/pkg/config"
	"github.com/pg-sharding/shardgate/pkg/models/sgerror"
	"github.com/pg-sharding/shardgate/pkg/models/topology"
	"github.com/pg-sharding/shardgate/pkg/plan"
	"github.com/pg-sharding/shardgate/pkg/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type oneShard struct{}

func (oneShard) ResolveCollection(string, topology.RoutingKey) (string, error) {
	return "0", nil
}

type recordingRunner struct {
	mu    sync.Mutex
	stmts []plan.Statement
}

func (r *recordingRunner) Run(_ context.Context, _ string, _ pool.AcquireOptions, st plan.Statement) (plan.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stmts = append(r.stmts, st)
	return plan.Result{RowsAffected: 1}, nil
}

func hourly() config.BatchCfg {
	w := config.WindowCfg{MaxSize: 1000, FlushInterval: time.Hour, MaxWait: time.Hour}
	return config.BatchCfg{Critical: w, High: w, Normal: w, Low: w, MaxRetries: 1, RetryBackoff: time.Millisecond}
}

func executing(op *plan.Operation) *pending {
	req := &request{
		id:        op.Shard + "/" + plan.IDKey(op.Rows[0]["id"]),
		kind:      op.Kind,
		result:    newResult("r"),
		remaining: 1,
		failed:    map[string]error{},
	}
	p := &pending{req: req, op: op, state: StateExecuting}
	req.pendings = []*pending{p}
	return p
}

func insertOp(rows ...plan.Row) *plan.Operation {
	return &plan.Operation{
		Kind:       plan.KindInsert,
		Collection: "users",
		Table:      "users",
		IDColumn:   "id",
		Shard:      "0",
		Rows:       rows,
	}
}

func TestStatementBuildErrorFailsOnlyTheOffender(t *testing.T) {
	runner := &recordingRunner{}
	e := NewExecutor(hourly(), oneShard{}, runner)

	bad := executing(insertOp(plan.Row{"id": 1, "name": "a"}, plan.Row{"id": 2}))
	good := executing(insertOp(plan.Row{"id": 3, "name": "c"}))

	groups := groupOps([]*pending{bad, good})
	require.Len(t, groups, 1)
	e.runStatement(context.Background(), plan.PriorityNormal, groups[0], groups[0].leaders)

	assert.NoError(t, good.req.result.Err())
	assert.True(t, sgerror.Is(bad.req.result.Err(), sgerror.SG_QUERY_EXECUTION))

	require.Len(t, runner.stmts, 1)
	assert.Equal(t, []any{3, "c"}, runner.stmts[0].Args)
}

func TestCancelRewindsWindow(t *testing.T) {
	e := NewExecutor(hourly(), oneShard{}, &recordingRunner{})
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := t0
	e.now = func() time.Time { return now }

	first, err := e.Enqueue(context.Background(), plan.OperationSpec{Kind: plan.KindRead, Collection: "users", ID: 1}, plan.PriorityNormal)
	require.NoError(t, err)
	now = t0.Add(time.Second)
	second, err := e.Enqueue(context.Background(), plan.OperationSpec{Kind: plan.KindRead, Collection: "users", ID: 2}, plan.PriorityNormal)
	require.NoError(t, err)

	l := e.lanes[plan.PriorityNormal]
	gen := l.gen

	require.True(t, e.Cancel(first.ID()))
	assert.Equal(t, t0.Add(time.Second), l.oldest)
	assert.Equal(t, gen, l.gen)

	require.True(t, e.Cancel(second.ID()))
	assert.Empty(t, l.ops)
	assert.True(t, l.oldest.IsZero())
	assert.Equal(t, gen+1, l.gen)
}

func TestStaleTimerOfCancelledWindowIsIgnored(t *testing.T) {
	e := NewExecutor(hourly(), oneShard{}, &recordingRunner{})

	first, err := e.Enqueue(context.Background(), plan.OperationSpec{Kind: plan.KindRead, Collection: "users", ID: 1}, plan.PriorityNormal)
	require.NoError(t, err)
	l := e.lanes[plan.PriorityNormal]
	staleGen := l.gen
	require.True(t, e.Cancel(first.ID()))

	_, err = e.Enqueue(context.Background(), plan.OperationSpec{Kind: plan.KindRead, Collection: "users", ID: 2}, plan.PriorityNormal)
	require.NoError(t, err)

	e.onFlushTimer(l, staleGen)
	assert.Equal(t, 1, e.QueueDepths()["normal"])
	assert.Len(t, l.ops, 1)
}
