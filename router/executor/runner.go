package executor

import (
	"context"

	"github.com/pg-sharding/shardgate/pkg/config"
	"github.com/pg-sharding/shardgate/pkg/plan"
	"github.com/pg-sharding/shardgate/pkg/pool"
)

//go:generate mockgen -source=router/executor/runner.go -destination=router/mock/executor/runner_mock.go -package=mock_executor

// Runner executes one statement on a shard.
type Runner interface {
	Run(ctx context.Context, shardID string, opts pool.AcquireOptions, st plan.Statement) (plan.Result, error)
}

// PoolRunner runs statements on connections from the pool manager.
// Inserts report affected rows; reads, updates and deletes return rows.
type PoolRunner struct {
	Pools *pool.Manager
}

var _ Runner = &PoolRunner{}

func (r *PoolRunner) Run(ctx context.Context, shardID string, opts pool.AcquireOptions, st plan.Statement) (plan.Result, error) {
	if st.Kind.IsWrite() {
		opts.ReadPreference = config.ReadPrimary
	}
	pc, err := r.Pools.Acquire(ctx, shardID, opts)
	if err != nil {
		return plan.Result{}, err
	}
	defer r.Pools.Release(pc)

	var res plan.Result
	if st.Kind == plan.KindInsert {
		res.RowsAffected, err = pc.Exec(ctx, st.SQL, st.Args...)
	} else {
		res.Rows, err = pc.Query(ctx, st.SQL, st.Args...)
		res.RowsAffected = int64(len(res.Rows))
	}
	r.Pools.ReportResult(shardID, err)
	if err != nil {
		return plan.Result{}, err
	}
	return res, nil
}
