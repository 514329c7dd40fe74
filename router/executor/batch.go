package executor

import (
	"context"
	"strings"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/pg-sharding/shardgate/pkg/conn"
	"github.com/pg-sharding/shardgate/pkg/events"
	"github.com/pg-sharding/shardgate/pkg/models/sgerror"
	"github.com/pg-sharding/shardgate/pkg/plan"
	"github.com/pg-sharding/shardgate/pkg/pool"
	"github.com/pg-sharding/shardgate/pkg/sglog"
	"golang.org/x/sync/errgroup"
)

type groupKey struct {
	shard      string
	collection string
	kind       plan.Kind
	shape      string
}

// group is the part of a batch that compiles into one statement: same
// shard, collection, kind and column shape. Operations with equal
// fingerprints run once and share the outcome.
type group struct {
	key     groupKey
	leaders []*pending
	dups    map[*pending][]*pending
}

func (g *group) members(p *pending) []*pending {
	return append([]*pending{p}, g.dups[p]...)
}

func groupOps(ops []*pending) []*group {
	var order []*group
	groups := map[groupKey]*group{}
	seen := map[groupKey]map[uint64]*pending{}

	for _, p := range ops {
		k := groupKey{
			shard:      p.op.Shard,
			collection: p.op.Collection,
			kind:       p.op.Kind,
			shape:      p.op.Shape(),
		}
		g, ok := groups[k]
		if !ok {
			g = &group{key: k, dups: map[*pending][]*pending{}}
			groups[k] = g
			seen[k] = map[uint64]*pending{}
			order = append(order, g)
		}
		fp := p.op.Fingerprint()
		if leader, ok := seen[k][fp]; ok {
			g.dups[leader] = append(g.dups[leader], p)
			continue
		}
		seen[k][fp] = p
		g.leaders = append(g.leaders, p)
	}
	return order
}

// rounds splits updates so that an id appears at most once per
// statement. Later updates of the same id run in later rounds.
func rounds(g *group) [][]*pending {
	if g.key.kind != plan.KindUpdate {
		return [][]*pending{g.leaders}
	}
	var ret [][]*pending
	last := map[string]int{}
	for _, p := range g.leaders {
		key := plan.IDKey(p.op.ID)
		i := 0
		if r, ok := last[key]; ok {
			i = r + 1
		}
		if i == len(ret) {
			ret = append(ret, nil)
		}
		ret[i] = append(ret[i], p)
		last[key] = i
	}
	return ret
}

func buildStatement(ops []*pending) (plan.Statement, error) {
	first := ops[0].op
	switch first.Kind {
	case plan.KindInsert:
		var rows []plan.Row
		for _, p := range ops {
			rows = append(rows, p.op.Rows...)
		}
		return plan.BuildInsert(first.Collection, first.Table, rows)
	case plan.KindUpdate:
		updates := make([]plan.Update, 0, len(ops))
		for _, p := range ops {
			updates = append(updates, plan.Update{ID: p.op.ID, Set: p.op.Set})
		}
		return plan.BuildUpdate(first.Collection, first.Table, first.IDColumn, updates)
	case plan.KindDelete:
		return plan.BuildDelete(first.Collection, first.Table, first.IDColumn, ids(ops))
	default:
		return plan.BuildSelect(first.Collection, first.Table, first.IDColumn, ids(ops))
	}
}

func ids(ops []*pending) []any {
	ret := make([]any, 0, len(ops))
	for _, p := range ops {
		ret = append(ret, p.op.ID)
	}
	return ret
}

// distribute splits the statement outcome back to the operations. Reads
// get the rows carrying their id, updates and deletes the count of their
// returned ids.
func distribute(ops []*pending, res plan.Result) []plan.Result {
	ret := make([]plan.Result, len(ops))
	first := ops[0].op
	if first.Kind == plan.KindInsert {
		for i, p := range ops {
			ret[i] = plan.Result{RowsAffected: int64(len(p.op.Rows))}
		}
		return ret
	}

	idColumn := first.IDColumn
	if first.Kind != plan.KindRead {
		idColumn = firstColumn(res.Rows, idColumn)
	}
	byID := map[string][]plan.Row{}
	for _, row := range res.Rows {
		key := plan.IDKey(row[idColumn])
		byID[key] = append(byID[key], row)
	}
	for i, p := range ops {
		rows := byID[plan.IDKey(p.op.ID)]
		ret[i].RowsAffected = int64(len(rows))
		if first.Kind == plan.KindRead {
			ret[i].Rows = rows
		}
	}
	return ret
}

// firstColumn finds the returned id column, which drivers may report in
// a different case.
func firstColumn(rows []plan.Row, idColumn string) string {
	if len(rows) == 0 {
		return idColumn
	}
	if _, ok := rows[0][idColumn]; ok {
		return idColumn
	}
	for c := range rows[0] {
		if strings.EqualFold(c, idColumn) {
			return c
		}
	}
	return idColumn
}

func (e *Executor) runBatch(l *lane, b *batch) {
	defer e.finishBatch(l, b)

	span := e.tracer.StartSpan("executor.batch",
		opentracing.Tag{Key: "priority", Value: b.priority.String()},
		opentracing.Tag{Key: "size", Value: len(b.ops)},
		opentracing.Tag{Key: "reason", Value: b.reason},
	)
	defer span.Finish()
	ctx := opentracing.ContextWithSpan(e.baseCtx, span)

	groups := groupOps(b.ops)

	// Critical and high batches run their shard groups concurrently, the
	// others one group at a time.
	if b.priority <= plan.PriorityHigh && len(groups) > 1 {
		var eg errgroup.Group
		for _, g := range groups {
			eg.Go(func() error {
				e.runGroup(ctx, b.priority, g)
				return nil
			})
		}
		_ = eg.Wait()
		return
	}
	for _, g := range groups {
		e.runGroup(ctx, b.priority, g)
	}
}

func (e *Executor) runGroup(ctx context.Context, priority plan.Priority, g *group) {
	for _, ops := range rounds(g) {
		e.runStatement(ctx, priority, g, ops)
	}
}

func (e *Executor) runStatement(ctx context.Context, priority plan.Priority, g *group, ops []*pending) {
	shard := g.key.shard
	st, err := buildStatement(ops)
	if err != nil {
		if len(ops) > 1 {
			e.isolate(ctx, priority, g, ops)
			return
		}
		for _, m := range g.members(ops[0]) {
			e.fail(m, sgerror.Wrap(sgerror.SG_QUERY_EXECUTION, err))
		}
		return
	}

	span, ctx := opentracing.StartSpanFromContextWithTracer(ctx, e.tracer, "executor.statement",
		opentracing.Tag{Key: "shard", Value: shard},
		opentracing.Tag{Key: "kind", Value: st.Kind.String()},
		opentracing.Tag{Key: "ops", Value: len(ops)},
	)
	defer span.Finish()

	ectx, cancel := context.WithTimeout(ctx, e.execTimeout)
	defer cancel()

	opts := pool.AcquireOptions{ReadPreference: ops[0].pref, Priority: priority}
	if e.load != nil {
		e.load.Begin(shard)
	}
	start := time.Now()
	res, err := e.runner.Run(ectx, shard, opts, st)
	if e.load != nil {
		e.load.End(shard)
		e.load.Record(shard, time.Since(start), err)
	}

	if err != nil {
		span.SetTag("error", true)
		sglog.Zero.Debug().
			Err(err).
			Str("shard", shard).
			Str("collection", st.Collection).
			Str("kind", st.Kind.String()).
			Int("ops", len(ops)).
			Msg("statement failed")
		for _, p := range ops {
			for _, m := range g.members(p) {
				e.retryOrFail(m, err)
			}
		}
		return
	}

	for i, r := range distribute(ops, res) {
		for _, m := range g.members(ops[i]) {
			e.succeed(m, r)
		}
	}
}

// isolate rejects the operations that cannot be compiled on their own
// and runs the rest without them.
func (e *Executor) isolate(ctx context.Context, priority plan.Priority, g *group, ops []*pending) {
	var good []*pending
	for _, p := range ops {
		if _, err := buildStatement([]*pending{p}); err != nil {
			for _, m := range g.members(p) {
				e.fail(m, sgerror.Wrap(sgerror.SG_QUERY_EXECUTION, err))
			}
			continue
		}
		good = append(good, p)
	}
	if len(good) == 0 {
		return
	}
	if len(good) == len(ops) {
		// Each compiles alone but not together.
		for _, p := range good {
			e.runStatement(ctx, priority, g, []*pending{p})
		}
		return
	}
	e.runStatement(ctx, priority, g, good)
}

func (e *Executor) succeed(p *pending, res plan.Result) {
	e.mu.Lock()
	p.state = StateCompleted
	e.mu.Unlock()

	p.req.complete(p.op.Shard, res, nil)
}

// retryOrFail requeues p after a linear backoff while the error is
// transient and retries remain.
func (e *Executor) retryOrFail(p *pending, err error) {
	transient := sgerror.IsTransient(err) || conn.IsTransient(err)
	if !transient || p.retries >= e.cfg.MaxRetries {
		e.fail(p, err)
		return
	}

	e.mu.Lock()
	p.retries++
	p.state = StateQueued
	e.lanes[p.priority].retrying++
	e.mu.Unlock()

	delay := time.Duration(p.retries) * e.cfg.RetryBackoff
	sglog.Zero.Debug().
		Err(err).
		Str("operation", p.req.id).
		Str("shard", p.op.Shard).
		Int("retry", p.retries).
		Dur("backoff", delay).
		Msg("retrying operation")

	time.AfterFunc(delay, func() {
		e.requeue(p)
	})
}

func (e *Executor) requeue(p *pending) {
	e.mu.Lock()
	e.lanes[p.priority].retrying--
	if p.state != StateQueued {
		e.mu.Unlock()
		return
	}
	if e.closed {
		e.mu.Unlock()
		e.fail(p, sgerror.New(sgerror.SG_CANCELLED, "executor is closed"))
		return
	}
	cut := e.queueLocked(p)
	e.mu.Unlock()

	if cut {
		e.dispatch()
	}
}

// fail rejects p terminally. Each pending operation fails at most once.
func (e *Executor) fail(p *pending, err error) {
	e.mu.Lock()
	if p.state == StateFailed || p.state == StateCompleted || p.state == StateCancelled {
		e.mu.Unlock()
		return
	}
	p.state = StateFailed
	e.mu.Unlock()

	annotated := sgerror.Annotate(err, p.op.Shard, p.req.id, p.retries)
	sglog.Zero.Warn().
		Err(annotated).
		Str("operation", p.req.id).
		Str("shard", p.op.Shard).
		Str("collection", p.op.Collection).
		Int("retries", p.retries).
		Msg("operation failed")
	events.Emit(e.sink, events.Event{
		Kind:        events.OperationFailed,
		Shard:       p.op.Shard,
		Collection:  p.op.Collection,
		Priority:    p.priority.String(),
		OperationID: p.req.id,
		Err:         annotated,
	})
	p.req.complete(p.op.Shard, plan.Result{}, annotated)
}
