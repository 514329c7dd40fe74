package conn

import (
	"context"

	"github.com/pg-sharding/shardgate/pkg/models/topology"
	"github.com/pg-sharding/shardgate/pkg/plan"
)

//go:generate mockgen -source=pkg/conn/conn.go -destination=pkg/mock/conn/conn_mock.go -package=mock_conn

// Querier runs statements on a connection or inside a transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
	Query(ctx context.Context, sql string, args ...any) ([]plan.Row, error)
}

type Tx interface {
	Querier
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Conn is one physical connection to a shard host. It is not safe for
// concurrent use.
type Conn interface {
	Querier
	Begin(ctx context.Context) (Tx, error)
	Ping(ctx context.Context) error
	Close() error
}

// Driver dials hosts.
type Driver interface {
	Name() string
	Connect(ctx context.Context, host *topology.HostDescriptor) (Conn, error)
}
