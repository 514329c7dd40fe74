package pool

import (
	"context"

	"github.com/pg-sharding/shardgate/pkg/config"
	"github.com/pg-sharding/shardgate/pkg/conn"
	"github.com/pg-sharding/shardgate/pkg/sglog"
)

// WithTransaction runs fn in a transaction on the shard primary, holding
// one connection for the whole callback. The transaction commits when fn
// returns nil and rolls back otherwise.
func WithTransaction[T any](ctx context.Context, m *Manager, shardID string, fn func(ctx context.Context, tx conn.Tx) (T, error)) (T, error) {
	var zero T

	pc, err := m.Acquire(ctx, shardID, AcquireOptions{ReadPreference: config.ReadPrimary})
	if err != nil {
		return zero, err
	}

	tx, err := pc.Begin(ctx)
	if err != nil {
		_ = m.Discard(pc)
		m.ReportResult(shardID, err)
		return zero, err
	}

	ret, err := fn(ctx, tx)
	if err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			sglog.Zero.Warn().Err(rbErr).Str("shard", shardID).Msg("rollback failed")
			_ = m.Discard(pc)
			return zero, err
		}
		m.Release(pc)
		return zero, err
	}

	if err := tx.Commit(ctx); err != nil {
		err = conn.Classify(err, shardID)
		_ = m.Discard(pc)
		m.ReportResult(shardID, err)
		return zero, err
	}
	m.Release(pc)
	m.ReportResult(shardID, nil)
	return ret, nil
}
