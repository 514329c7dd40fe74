package conn

import (
	"context"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pg-sharding/shardgate/pkg/models/topology"
	"github.com/pg-sharding/shardgate/pkg/plan"
	"github.com/pg-sharding/shardgate/pkg/sglog"
)

const DriverSqlx = "sqlx"

// SqlxDriver connects through database/sql with lib/pq. Each Conn owns a
// *sqlx.DB limited to one physical connection, so pooling stays with the
// pool manager.
type SqlxDriver struct{}

var _ Driver = SqlxDriver{}

func (SqlxDriver) Name() string {
	return DriverSqlx
}

func (SqlxDriver) Connect(ctx context.Context, host *topology.HostDescriptor) (Conn, error) {
	sglog.Zero.Debug().Str("host", host.ID).Str("addr", host.Addr).Msg("dialing host with lib/pq")

	db, err := sqlx.Open("postgres", DSN(host))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqlxConn{db: db}, nil
}

func scanRows(rows *sqlx.Rows, err error) ([]plan.Row, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ret []plan.Row
	for rows.Next() {
		m := map[string]any{}
		if err := rows.MapScan(m); err != nil {
			return nil, err
		}
		ret = append(ret, plan.Row(m))
	}
	return ret, rows.Err()
}

type sqlxConn struct {
	db *sqlx.DB
}

var _ Conn = &sqlxConn{}

func (c *sqlxConn) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	res, err := c.db.ExecContext(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c *sqlxConn) Query(ctx context.Context, sql string, args ...any) ([]plan.Row, error) {
	return scanRows(c.db.QueryxContext(ctx, sql, args...))
}

func (c *sqlxConn) Begin(ctx context.Context) (Tx, error) {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqlxTx{tx: tx}, nil
}

func (c *sqlxConn) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *sqlxConn) Close() error {
	return c.db.Close()
}

type sqlxTx struct {
	tx *sqlx.Tx
}

var _ Tx = &sqlxTx{}

func (t *sqlxTx) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *sqlxTx) Query(ctx context.Context, sql string, args ...any) ([]plan.Row, error) {
	return scanRows(t.tx.QueryxContext(ctx, sql, args...))
}

func (t *sqlxTx) Commit(context.Context) error {
	return t.tx.Commit()
}

func (t *sqlxTx) Rollback(context.Context) error {
	return t.tx.Rollback()
}
