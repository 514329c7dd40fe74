package app

import (
	"context"
	"io"
	"sync"

	"github.com/pg-sharding/shardgate/balancer"
	"github.com/pg-sharding/shardgate/pkg/config"
	"github.com/pg-sharding/shardgate/pkg/conn"
	"github.com/pg-sharding/shardgate/pkg/events"
	"github.com/pg-sharding/shardgate/pkg/loadstat"
	"github.com/pg-sharding/shardgate/pkg/models/topology"
	"github.com/pg-sharding/shardgate/pkg/plan"
	"github.com/pg-sharding/shardgate/pkg/pool"
	"github.com/pg-sharding/shardgate/pkg/sglog"
	"github.com/pg-sharding/shardgate/pkg/topodb"
	"github.com/pg-sharding/shardgate/router/collapser"
	"github.com/pg-sharding/shardgate/router/executor"
	"github.com/pg-sharding/shardgate/router/routing"
)

// App wires the data-access layer together: router, pools, executor,
// collapser and rebalancer share one event bus and one load registry.
type App struct {
	cfg *config.Config

	bus     *events.Bus
	counter *events.MetricsSink
	source  topodb.Source
	tracer  io.Closer

	Router       *routing.ShardRouter
	LoadRegistry *loadstat.Registry
	Pools        *pool.Manager
	Executor     *executor.Executor
	Collapser    *collapser.Collapser
	Rebalancer   *balancer.Rebalancer

	stop context.CancelFunc
	wg   sync.WaitGroup
}

type options struct {
	driver  conn.Driver
	source  topodb.Source
	sinks   []events.Sink
	routing []routing.RouterOption
	fetcher collapser.Fetcher
	tracing bool
}

type Option func(*options)

// WithDriver replaces the driver named in the configuration.
func WithDriver(d conn.Driver) Option {
	return func(o *options) {
		o.driver = d
	}
}

// WithSource replaces the topology source named in the configuration.
func WithSource(s topodb.Source) Option {
	return func(o *options) {
		o.source = s
	}
}

// WithSinks adds observability collaborators next to the log and
// metrics sinks.
func WithSinks(s ...events.Sink) Option {
	return func(o *options) {
		o.sinks = append(o.sinks, s...)
	}
}

func WithRouterOptions(ro ...routing.RouterOption) Option {
	return func(o *options) {
		o.routing = append(o.routing, ro...)
	}
}

// WithFetcher replaces the shard fetcher behind Load, for example to
// read composite ids.
func WithFetcher(f collapser.Fetcher) Option {
	return func(o *options) {
		o.fetcher = f
	}
}

// WithTracing initializes the jaeger tracer from the configuration.
func WithTracing() Option {
	return func(o *options) {
		o.tracing = true
	}
}

func NewApp(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	if err := sglog.UpdateZeroLogLevel(cfg.LogLevel); err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, counter: events.NewMetricsSink()}
	a.bus = events.NewBus(append([]events.Sink{events.LogSink{}, a.counter}, o.sinks...)...)

	if o.tracing {
		closer, err := InitTracer(cfg.Jaeger)
		if err != nil {
			return nil, err
		}
		a.tracer = closer
	}

	a.source = o.source
	if a.source == nil {
		src, err := topodb.NewSource(cfg)
		if err != nil {
			return nil, err
		}
		a.source = src
	}
	lctx, cancel := context.WithTimeout(ctx, cfg.Topology.LoadTimeout)
	defer cancel()
	set, err := topodb.LoadShardSet(lctx, a.source)
	if err != nil {
		return nil, err
	}

	a.Router, err = routing.NewRouter(set, cfg.Collections, append([]routing.RouterOption{routing.WithEvents(a.bus)}, o.routing...)...)
	if err != nil {
		return nil, err
	}

	driver := o.driver
	if driver == nil {
		driver, err = conn.DriverByName(cfg.Driver)
		if err != nil {
			return nil, err
		}
	}

	a.LoadRegistry = loadstat.NewRegistry(loadstat.WithAlpha(cfg.Load.Alpha), loadstat.WithLatencyNorm(cfg.Load.LatencyNorm))
	a.Pools = pool.NewManager(cfg, set, driver, pool.WithShardLoad(a.LoadRegistry), pool.WithEvents(a.bus))

	runner := &executor.PoolRunner{Pools: a.Pools}
	a.Executor = executor.NewExecutor(cfg.Batch, a.Router, runner,
		executor.WithBreakers(a.Pools),
		executor.WithLoad(a.LoadRegistry),
		executor.WithEvents(a.bus),
		executor.WithExecTimeout(cfg.Timeouts.Exec),
		executor.WithCollections(cfg.Collection),
	)
	fetcher := o.fetcher
	if fetcher == nil {
		fetcher = &collapser.ShardFetcher{
			Router:      a.Router,
			Runner:      runner,
			Collections: cfg.Collection,
			Shards: func() []string {
				return a.Router.ShardSet().IDs()
			},
		}
	}
	a.Collapser = collapser.New(fetcher, cfg.Collapser.Tick,
		collapser.WithCollections(cfg.Collection),
		collapser.WithFetchTimeout(cfg.Timeouts.Exec),
	)
	a.Rebalancer = balancer.NewRebalancer(a.LoadRegistry, cfg.Rebalancer, a.bus)

	sglog.Zero.Info().
		Int("shards", set.Len()).
		Str("driver", driver.Name()).
		Str("topology", cfg.Topology.Source).
		Msg("shardgate initialized")
	return a, nil
}

// Start warms the pools and runs the background loops until ctx is done
// or the app is closed.
func (a *App) Start(ctx context.Context) {
	ctx, a.stop = context.WithCancel(ctx)
	a.Pools.Warm(ctx)

	for _, run := range []func(context.Context){a.Pools.Run, a.Executor.Run, a.Rebalancer.Run} {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			run(ctx)
		}()
	}
}

// Subscribe registers an alerting callback, see events.Bus.Subscribe.
func (a *App) Subscribe(fn func(events.Event), kinds ...events.Kind) func() {
	return a.bus.Subscribe(fn, kinds...)
}

// Enqueue queues an operation on collection. Writes drop the cached rows
// they touch when queued and again when they resolve, so that a load
// racing the write does not keep the old row.
func (a *App) Enqueue(ctx context.Context, collection string, spec plan.OperationSpec, priority plan.Priority) (*executor.Result, error) {
	spec.Collection = collection
	if !spec.Kind.IsWrite() {
		return a.Executor.Enqueue(ctx, spec, priority)
	}

	var ids []any
	if spec.ID != nil {
		ids = append(ids, spec.ID)
	}
	idColumn := a.cfg.Collection(collection).IDColumn
	for _, row := range spec.Rows {
		if id, ok := row[idColumn]; ok {
			ids = append(ids, id)
		}
	}
	invalidate := func() {
		for _, id := range ids {
			a.Collapser.Invalidate(collection, id)
		}
	}

	invalidate()
	r, err := a.Executor.Enqueue(ctx, spec, priority)
	if err != nil {
		return nil, err
	}
	go func() {
		<-r.Done()
		invalidate()
	}()
	return r, nil
}

// Load reads one row through the request collapser. A missing row is nil
// with no error.
func (a *App) Load(ctx context.Context, collection string, id any) (plan.Row, error) {
	return a.Collapser.Load(ctx, collection, id)
}

// WithTransaction runs fn in a transaction on the shard owning key.
func (a *App) WithTransaction(ctx context.Context, collection string, key topology.RoutingKey, fn func(ctx context.Context, tx conn.Tx) error) error {
	_, err := Transact(ctx, a, collection, key, func(ctx context.Context, tx conn.Tx) (struct{}, error) {
		return struct{}{}, fn(ctx, tx)
	})
	return err
}

// Transact is WithTransaction for callbacks returning a value.
func Transact[T any](ctx context.Context, a *App, collection string, key topology.RoutingKey, fn func(ctx context.Context, tx conn.Tx) (T, error)) (T, error) {
	shard, err := a.Router.ResolveCollection(collection, key)
	if err != nil {
		var zero T
		return zero, err
	}
	return pool.WithTransaction(ctx, a.Pools, shard, fn)
}

// ShardMetrics is the load and pool state of one shard.
type ShardMetrics struct {
	Load  loadstat.Sample
	Pools []pool.Stats
}

type Metrics struct {
	PerShard    map[string]ShardMetrics
	QueueDepths map[string]int
}

func (a *App) GetMetrics() Metrics {
	ret := Metrics{
		PerShard:    map[string]ShardMetrics{},
		QueueDepths: a.Executor.QueueDepths(),
	}
	for _, id := range a.Router.ShardSet().IDs() {
		s, ok := a.LoadRegistry.Sample(id)
		if !ok {
			s = loadstat.Sample{ShardID: id}
		}
		ret.PerShard[id] = ShardMetrics{Load: s}
	}
	for _, st := range a.Pools.Stats() {
		m := ret.PerShard[st.ShardID]
		m.Pools = append(m.Pools, st)
		ret.PerShard[st.ShardID] = m
	}
	return ret
}

// Close drains the executor, stops the background loops, then closes
// pools, the topology source and the tracer.
func (a *App) Close(ctx context.Context) error {
	err := a.Executor.Close(ctx)
	if a.stop != nil {
		a.stop()
	}
	a.wg.Wait()
	a.Pools.Close()
	if cerr := a.source.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if a.tracer != nil {
		if cerr := a.tracer.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	sglog.Zero.Info().Msg("shardgate closed")
	return err
}
