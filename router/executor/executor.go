package executor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opentracing/opentracing-go"
	"github.com/pg-sharding/shardgate/pkg/circuit"
	"github.com/pg-sharding/shardgate/pkg/config"
	"github.com/pg-sharding/shardgate/pkg/events"
	"github.com/pg-sharding/shardgate/pkg/loadstat"
	"github.com/pg-sharding/shardgate/pkg/models/sgerror"
	"github.com/pg-sharding/shardgate/pkg/models/topology"
	"github.com/pg-sharding/shardgate/pkg/plan"
	"github.com/pg-sharding/shardgate/pkg/sglog"
	"github.com/puzpuzpuz/xsync/v3"
)

type State int

const (
	StateQueued = State(iota)
	StateBatched
	StateExecuting
	StateCompleted
	StateFailed
	StateCancelled
)

// Router resolves the shard of a keyed operation.
type Router interface {
	ResolveCollection(collection string, key topology.RoutingKey) (string, error)
}

// Breakers gives access to per-shard circuit breakers.
type Breakers interface {
	Breaker(shardID string) (*circuit.Breaker, error)
}

// pending is the part of a request bound to one shard.
type pending struct {
	req        *request
	op         *plan.Operation
	priority   plan.Priority
	pref       config.ReadPreference
	enqueuedAt time.Time
	retries    int
	state      State
}

type batch struct {
	priority plan.Priority
	ops      []*pending
	reason   string
	done     chan struct{}
}

// lane is the batch window of one priority class plus the batches cut
// from it that wait for execution. One batch per lane runs at a time, so
// operations of a lane execute in enqueue order.
type lane struct {
	priority plan.Priority
	cfg      config.WindowCfg
	ops      []*pending
	oldest   time.Time
	gen      uint64
	ready    []*batch
	current  *batch
	retrying int
}

// Executor batches operations per priority class and executes each batch
// with as few statements as possible.
type Executor struct {
	router      Router
	runner      Runner
	breakers    Breakers
	load        *loadstat.Registry
	collections func(name string) config.CollectionCfg
	cfg         config.BatchCfg
	execTimeout time.Duration
	sink        events.Sink
	tracer      opentracing.Tracer
	now         func() time.Time

	requests *xsync.MapOf[string, *request]

	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	lanes  []*lane
	closed bool
}

type Option func(*Executor)

func WithBreakers(b Breakers) Option {
	return func(e *Executor) {
		e.breakers = b
	}
}

func WithLoad(r *loadstat.Registry) Option {
	return func(e *Executor) {
		e.load = r
	}
}

func WithEvents(s events.Sink) Option {
	return func(e *Executor) {
		e.sink = s
	}
}

func WithTracer(t opentracing.Tracer) Option {
	return func(e *Executor) {
		e.tracer = t
	}
}

func WithExecTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.execTimeout = d
		}
	}
}

// WithCollections supplies per-collection table, id column and read
// preference.
func WithCollections(f func(name string) config.CollectionCfg) Option {
	return func(e *Executor) {
		e.collections = f
	}
}

func defaultCollection(name string) config.CollectionCfg {
	return config.CollectionCfg{
		Name:           name,
		Table:          name,
		IDColumn:       "id",
		ReadPreference: config.ReadPrimary,
	}
}

func NewExecutor(cfg config.BatchCfg, router Router, runner Runner, opts ...Option) *Executor {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		router:      router,
		runner:      runner,
		collections: defaultCollection,
		cfg:         cfg,
		execTimeout: 30 * time.Second,
		tracer:      opentracing.GlobalTracer(),
		now:         time.Now,
		requests:    xsync.NewMapOf[string, *request](),
		baseCtx:     ctx,
		cancel:      cancel,
	}
	for _, o := range opts {
		o(e)
	}

	windows := []config.WindowCfg{cfg.Critical, cfg.High, cfg.Normal, cfg.Low}
	for _, p := range plan.Priorities {
		e.lanes = append(e.lanes, &lane{priority: p, cfg: windows[p]})
	}
	return e
}

// split binds the spec to shards. Inserted rows are routed one by one, so
// one insert may produce several operations.
func (e *Executor) split(spec plan.OperationSpec, coll config.CollectionCfg) ([]*plan.Operation, error) {
	newOp := func(shard string) *plan.Operation {
		return &plan.Operation{
			Kind:       spec.Kind,
			Collection: spec.Collection,
			Table:      coll.Table,
			IDColumn:   coll.IDColumn,
			Shard:      shard,
			ID:         spec.ID,
			Set:        spec.Set,
		}
	}

	if spec.Kind != plan.KindInsert {
		if spec.ID == nil {
			return nil, sgerror.Newf(sgerror.SG_ROUTING_ERROR, "%s on %s without id", spec.Kind, spec.Collection)
		}
		if spec.Kind == plan.KindUpdate && len(spec.Set) == 0 {
			return nil, sgerror.Newf(sgerror.SG_QUERY_EXECUTION, "update on %s without columns", spec.Collection)
		}
		key := spec.Key
		if key.Primary == nil {
			key.Primary = spec.ID
		}
		shard, err := e.router.ResolveCollection(spec.Collection, key)
		if err != nil {
			return nil, err
		}
		return []*plan.Operation{newOp(shard)}, nil
	}

	if len(spec.Rows) == 0 {
		return nil, sgerror.Newf(sgerror.SG_QUERY_EXECUTION, "insert on %s without rows", spec.Collection)
	}
	shape := spec.Rows[0].Shape()
	for _, row := range spec.Rows[1:] {
		if row.Shape() != shape {
			return nil, sgerror.Newf(sgerror.SG_QUERY_EXECUTION,
				"insert on %s mixes row shapes %q and %q", spec.Collection, shape, row.Shape())
		}
	}

	var ops []*plan.Operation
	byShard := map[string]*plan.Operation{}
	for _, row := range spec.Rows {
		key := spec.Key
		if key.Primary == nil {
			key.Primary = row[coll.IDColumn]
		}
		if key.Primary == nil {
			return nil, sgerror.Newf(sgerror.SG_ROUTING_ERROR, "insert row on %s without %s", spec.Collection, coll.IDColumn)
		}
		shard, err := e.router.ResolveCollection(spec.Collection, key)
		if err != nil {
			return nil, err
		}
		op, ok := byShard[shard]
		if !ok {
			op = newOp(shard)
			byShard[shard] = op
			ops = append(ops, op)
		}
		op.Rows = append(op.Rows, row)
	}
	return ops, nil
}

// Enqueue routes spec and queues it on the priority lane. It fails fast
// with RoutingError when the spec cannot be routed and with
// ShardUnavailableError while a target shard's breaker is open.
func (e *Executor) Enqueue(ctx context.Context, spec plan.OperationSpec, priority plan.Priority) (*Result, error) {
	if !priority.Valid() {
		return nil, sgerror.Newf(sgerror.SG_CONFIGURATION, "unknown priority %d", int(priority))
	}
	coll := e.collections(spec.Collection)
	ops, err := e.split(spec, coll)
	if err != nil {
		return nil, err
	}
	if e.breakers != nil {
		for _, op := range ops {
			if b, err := e.breakers.Breaker(op.Shard); err == nil && b.Rejecting() {
				return nil, sgerror.New(sgerror.SG_SHARD_UNAVAILABLE, "circuit open").WithShard(op.Shard)
			}
		}
	}

	id := uuid.NewString()
	req := &request{
		id:        id,
		kind:      spec.Kind,
		result:    newResult(id),
		onDone:    e.forget,
		remaining: len(ops),
		failed:    map[string]error{},
	}
	now := e.now()
	for _, op := range ops {
		req.pendings = append(req.pendings, &pending{
			req:        req,
			op:         op,
			priority:   priority,
			pref:       coll.ReadPreference,
			enqueuedAt: now,
		})
	}

	if span := opentracing.SpanFromContext(ctx); span != nil {
		span.LogKV("event", "enqueue", "operation", id, "shards", len(ops))
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, sgerror.New(sgerror.SG_CANCELLED, "executor is closed")
	}
	e.requests.Store(id, req)
	cut := false
	for _, p := range req.pendings {
		cut = e.queueLocked(p) || cut
	}
	e.mu.Unlock()

	sglog.Zero.Debug().
		Str("operation", id).
		Str("collection", spec.Collection).
		Str("kind", spec.Kind.String()).
		Str("priority", priority.String()).
		Int("shards", len(ops)).
		Msg("operation enqueued")

	if cut {
		e.dispatch()
	}
	return req.result, nil
}

func (e *Executor) forget(req *request) {
	e.requests.Delete(req.id)
}

// queueLocked appends p to its lane window and reports whether the window
// was cut because it reached its size.
func (e *Executor) queueLocked(p *pending) bool {
	l := e.lanes[p.priority]
	p.state = StateQueued
	l.ops = append(l.ops, p)

	if len(l.ops) == 1 || p.enqueuedAt.Before(l.oldest) {
		l.oldest = p.enqueuedAt
	}
	if len(l.ops) == 1 {
		gen := l.gen
		time.AfterFunc(l.cfg.FlushInterval, func() {
			e.onFlushTimer(l, gen)
		})
	}
	if len(l.ops) >= l.cfg.MaxSize {
		e.cutLocked(l, "size")
		return true
	}
	return false
}

func (e *Executor) onFlushTimer(l *lane, gen uint64) {
	e.mu.Lock()
	cut := false
	if l.gen == gen {
		cut = e.cutLocked(l, "interval") != nil
	}
	e.mu.Unlock()

	if cut {
		e.dispatch()
	}
}

// cutLocked closes the current window of l and moves it to the ready
// queue. Empty windows are not cut.
func (e *Executor) cutLocked(l *lane, reason string) *batch {
	if len(l.ops) == 0 {
		return nil
	}
	b := &batch{
		priority: l.priority,
		ops:      l.ops,
		reason:   reason,
		done:     make(chan struct{}),
	}
	for _, p := range b.ops {
		p.state = StateBatched
	}
	l.ops = nil
	l.gen++
	l.ready = append(l.ready, b)
	return b
}

// checkStale force-cuts windows whose oldest operation has waited longer
// than the lane max wait.
func (e *Executor) checkStale() {
	now := e.now()

	e.mu.Lock()
	cut := false
	for _, l := range e.lanes {
		if len(l.ops) > 0 && now.Sub(l.oldest) >= l.cfg.MaxWait {
			sglog.Zero.Debug().
				Str("priority", l.priority.String()).
				Dur("waited", now.Sub(l.oldest)).
				Msg("max wait exceeded, forcing flush")
			cut = e.cutLocked(l, "max_wait") != nil || cut
		}
	}
	e.mu.Unlock()

	if cut {
		e.dispatch()
	}
}

// dispatch starts the next ready batch of every idle lane, highest
// priority first.
func (e *Executor) dispatch() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, l := range e.lanes {
		if l.current != nil || len(l.ready) == 0 {
			continue
		}
		b := l.ready[0]
		l.ready = l.ready[1:]
		l.current = b
		for _, p := range b.ops {
			p.state = StateExecuting
		}

		sglog.Zero.Debug().
			Str("priority", b.priority.String()).
			Str("reason", b.reason).
			Int("size", len(b.ops)).
			Msg("batch flushed")
		events.Emit(e.sink, events.Event{
			Kind:     events.BatchFlushed,
			Priority: b.priority.String(),
			Size:     len(b.ops),
		})

		go e.runBatch(l, b)
	}
}

func (e *Executor) finishBatch(l *lane, b *batch) {
	e.mu.Lock()
	l.current = nil
	e.mu.Unlock()

	close(b.done)
	e.dispatch()
}

// Cancel removes a queued operation before its window is cut. It returns
// false once any part of the operation is batched or finished.
func (e *Executor) Cancel(id string) bool {
	req, ok := e.requests.Load(id)
	if !ok {
		return false
	}

	e.mu.Lock()
	for _, p := range req.pendings {
		if p.state != StateQueued {
			e.mu.Unlock()
			return false
		}
	}
	for _, p := range req.pendings {
		p.state = StateCancelled
		l := e.lanes[p.priority]
		for i, q := range l.ops {
			if q == p {
				l.ops = append(l.ops[:i], l.ops[i+1:]...)
				break
			}
		}
		e.rewindLocked(l)
	}
	e.mu.Unlock()

	sglog.Zero.Debug().Str("operation", id).Msg("operation cancelled")
	req.reject(sgerror.New(sgerror.SG_CANCELLED, "operation cancelled").WithOperation(id, 0))
	return true
}

// rewindLocked resets the window bookkeeping after operations left it.
// An emptied window drops its pending flush timer.
func (e *Executor) rewindLocked(l *lane) {
	if len(l.ops) == 0 {
		l.gen++
		l.oldest = time.Time{}
		return
	}
	l.oldest = l.ops[0].enqueuedAt
	for _, p := range l.ops[1:] {
		if p.enqueuedAt.Before(l.oldest) {
			l.oldest = p.enqueuedAt
		}
	}
}

// Flush cuts every window, highest priority first, and waits until the
// cut batches and the ones already queued have executed.
func (e *Executor) Flush(ctx context.Context) error {
	e.mu.Lock()
	var wait []*batch
	for _, l := range e.lanes {
		if l.current != nil {
			wait = append(wait, l.current)
		}
		wait = append(wait, l.ready...)
		if b := e.cutLocked(l, "flush"); b != nil {
			wait = append(wait, b)
		}
	}
	e.mu.Unlock()

	if len(wait) == 0 {
		return nil
	}
	e.dispatch()

	for _, b := range wait {
		select {
		case <-b.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// QueueDepths counts operations not yet executing, per priority.
func (e *Executor) QueueDepths() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()

	ret := make(map[string]int, len(e.lanes))
	for _, l := range e.lanes {
		n := len(l.ops) + l.retrying
		for _, b := range l.ready {
			n += len(b.ops)
		}
		ret[l.priority.String()] = n
	}
	return ret
}

func (e *Executor) watchdogInterval() time.Duration {
	d := time.Duration(0)
	for _, l := range e.lanes {
		if d == 0 || l.cfg.MaxWait < d {
			d = l.cfg.MaxWait
		}
	}
	d /= 2
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

// Run drives the max-wait watchdog until ctx is done.
func (e *Executor) Run(ctx context.Context) {
	ticker := time.NewTicker(e.watchdogInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.checkStale()
		}
	}
}

// Close stops accepting operations and drains the windows. Operations
// waiting for a retry when the executor closes are rejected.
func (e *Executor) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	err := e.Flush(ctx)
	e.cancel()
	return err
}
