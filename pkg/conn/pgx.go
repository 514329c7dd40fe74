package conn

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pg-sharding/shardgate/pkg/models/topology"
	"github.com/pg-sharding/shardgate/pkg/plan"
	"github.com/pg-sharding/shardgate/pkg/sglog"
)

const (
	DriverPgx = "pgx"

	closeTimeout = 5 * time.Second
)

type PgxDriver struct{}

var _ Driver = PgxDriver{}

func (PgxDriver) Name() string {
	return DriverPgx
}

func (PgxDriver) Connect(ctx context.Context, host *topology.HostDescriptor) (Conn, error) {
	sglog.Zero.Debug().Str("host", host.ID).Str("addr", host.Addr).Msg("dialing host with pgx")

	c, err := pgx.Connect(ctx, DSN(host))
	if err != nil {
		return nil, err
	}
	return &pgxConn{conn: c}, nil
}

func collect(rows pgx.Rows, err error) ([]plan.Row, error) {
	if err != nil {
		return nil, err
	}
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, err
	}
	ret := make([]plan.Row, len(maps))
	for i, m := range maps {
		ret[i] = plan.Row(m)
	}
	return ret, nil
}

type pgxConn struct {
	conn *pgx.Conn
}

var _ Conn = &pgxConn{}

func (c *pgxConn) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := c.conn.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (c *pgxConn) Query(ctx context.Context, sql string, args ...any) ([]plan.Row, error) {
	return collect(c.conn.Query(ctx, sql, args...))
}

func (c *pgxConn) Begin(ctx context.Context) (Tx, error) {
	tx, err := c.conn.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &pgxTx{tx: tx}, nil
}

func (c *pgxConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *pgxConn) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return c.conn.Close(ctx)
}

type pgxTx struct {
	tx pgx.Tx
}

var _ Tx = &pgxTx{}

func (t *pgxTx) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *pgxTx) Query(ctx context.Context, sql string, args ...any) ([]plan.Row, error) {
	return collect(t.tx.Query(ctx, sql, args...))
}

func (t *pgxTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *pgxTx) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}
