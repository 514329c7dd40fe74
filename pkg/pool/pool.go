package pool

import (
	"context"
	"time"

	"github.com/pg-sharding/shardgate/pkg/config"
	"github.com/pg-sharding/shardgate/pkg/conn"
	"github.com/pg-sharding/shardgate/pkg/models/topology"
	"github.com/pg-sharding/shardgate/pkg/plan"
)

// AcquireOptions select the host and tag the request.
type AcquireOptions struct {
	ReadPreference config.ReadPreference
	Priority       plan.Priority
}

// Stats is a snapshot of one host pool.
type Stats struct {
	ShardID  string
	HostID   string
	Role     topology.HostRole
	Size     int
	Min      int
	Max      int
	InUse    int
	Idle     int
	Waits    int64
	Timeouts int64
	Errors   int64
	WaitP99  time.Duration
	Healthy  bool
}

// PooledConn is a connection checked out of a host pool. It must be
// returned with Manager.Release or Manager.Discard.
type PooledConn struct {
	conn.Conn

	ShardID string
	HostID  string
	Role    topology.HostRole

	pool       *hostPool
	gen        uint64
	lastUsed   time.Time
	acquiredAt time.Time
	fatal      error
}

func (pc *PooledConn) observe(start time.Time, err error) {
	pc.pool.observe(time.Since(start), err)
	if conn.IsFatal(err) {
		pc.fatal = err
	}
}

func (pc *PooledConn) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	start := time.Now()
	n, err := pc.Conn.Exec(ctx, sql, args...)
	pc.observe(start, err)
	return n, conn.Classify(err, pc.ShardID)
}

func (pc *PooledConn) Query(ctx context.Context, sql string, args ...any) ([]plan.Row, error) {
	start := time.Now()
	rows, err := pc.Conn.Query(ctx, sql, args...)
	pc.observe(start, err)
	return rows, conn.Classify(err, pc.ShardID)
}

func (pc *PooledConn) Begin(ctx context.Context) (conn.Tx, error) {
	start := time.Now()
	tx, err := pc.Conn.Begin(ctx)
	if err != nil {
		pc.observe(start, err)
		return nil, conn.Classify(err, pc.ShardID)
	}
	return tx, nil
}
