package routing

import (
	"sync"

	"github.com/pg-sharding/shardgate/pkg/config"
	"github.com/pg-sharding/shardgate/pkg/events"
	"github.com/pg-sharding/shardgate/pkg/models/hashfunction"
	"github.com/pg-sharding/shardgate/pkg/models/sgerror"
	"github.com/pg-sharding/shardgate/pkg/models/topology"
	"github.com/pg-sharding/shardgate/pkg/sglog"
)

// ShardRouter resolves routing keys to shard ids. It holds no mutable
// state besides the current shard set and strategy caches.
type ShardRouter struct {
	mu  sync.RWMutex
	set *topology.ShardSet

	factories   map[string]Factory
	defaults    map[string]Strategy
	collections map[string]Strategy
	sink        events.Sink
	opts        Options
}

type RouterOption func(*ShardRouter)

// WithClock replaces the wall clock used by tier classification.
func WithClock(c Clock) RouterOption {
	return func(r *ShardRouter) {
		r.opts.Clock = c
	}
}

func WithEvents(s events.Sink) RouterOption {
	return func(r *ShardRouter) {
		r.sink = s
	}
}

// WithStrategy registers an additional named strategy.
func WithStrategy(name string, f Factory) RouterOption {
	return func(r *ShardRouter) {
		r.factories[name] = f
	}
}

func WithVirtualNodes(n int) RouterOption {
	return func(r *ShardRouter) {
		r.opts.VirtualNodes = n
	}
}

// NewRouter builds a router over set. Every collection strategy is
// instantiated up front, so an unknown name fails here with
// ConfigurationError instead of at the first request.
func NewRouter(set *topology.ShardSet, collections []config.CollectionCfg, opts ...RouterOption) (*ShardRouter, error) {
	if set == nil || set.Len() == 0 {
		return nil, sgerror.New(sgerror.SG_CONFIGURATION, "router requires at least one shard")
	}
	r := &ShardRouter{
		set:         set,
		factories:   builtinFactories(),
		defaults:    map[string]Strategy{},
		collections: map[string]Strategy{},
	}
	for _, o := range opts {
		o(r)
	}
	r.opts = r.opts.withDefaults()

	for name, f := range r.factories {
		r.defaults[name] = f(r.opts)
	}

	for _, c := range collections {
		st, err := r.build(c)
		if err != nil {
			return nil, err
		}
		r.collections[c.Name] = st
	}

	sglog.Zero.Info().
		Int("shards", set.Len()).
		Int("collections", len(r.collections)).
		Msg("shard router initialized")
	return r, nil
}

func (r *ShardRouter) build(c config.CollectionCfg) (Strategy, error) {
	name := c.Strategy
	if name == "" {
		name = StrategyHash
	}
	f, ok := r.factories[name]
	if !ok {
		return nil, sgerror.Newf(sgerror.SG_CONFIGURATION, "collection %s: unknown routing strategy %q", c.Name, name)
	}
	hf, err := hashfunction.HashFunctionByName(c.HashFunction)
	if err != nil {
		return nil, sgerror.Wrap(sgerror.SG_CONFIGURATION, err)
	}
	o := r.opts
	o.HashFunction = hf
	if c.HotAge > 0 {
		o.HotAge = c.HotAge
	}
	if c.WarmAge > 0 {
		o.WarmAge = c.WarmAge
	}
	return f(o), nil
}

// ShardSet returns the current topology snapshot.
func (r *ShardRouter) ShardSet() *topology.ShardSet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.set
}

// UpdateShardSet swaps the topology. Consistent-hash rings are keyed by
// set version and rebuilt lazily.
func (r *ShardRouter) UpdateShardSet(set *topology.ShardSet) error {
	if set == nil || set.Len() == 0 {
		return sgerror.New(sgerror.SG_CONFIGURATION, "router requires at least one shard")
	}
	r.mu.Lock()
	r.set = set
	r.mu.Unlock()
	return nil
}

// Resolve routes key with the named strategy over set.
func (r *ShardRouter) Resolve(key topology.RoutingKey, strategy string, set *topology.ShardSet) (string, error) {
	st, ok := r.defaults[strategy]
	if !ok {
		return "", sgerror.Newf(sgerror.SG_CONFIGURATION, "unknown routing strategy %q", strategy)
	}
	return r.resolve(st, "", key, set)
}

// ResolveCollection routes key with the strategy configured for the
// collection. Collections without configuration use hash routing.
func (r *ShardRouter) ResolveCollection(collection string, key topology.RoutingKey) (string, error) {
	st, ok := r.collections[collection]
	if !ok {
		st = r.defaults[StrategyHash]
	}
	return r.resolve(st, collection, key, r.ShardSet())
}

func (r *ShardRouter) resolve(st Strategy, collection string, key topology.RoutingKey, set *topology.ShardSet) (string, error) {
	if set == nil || set.Len() == 0 {
		return "", sgerror.New(sgerror.SG_ROUTING_ERROR, "empty shard set")
	}
	id, err := st.Resolve(key, set)
	if err != nil {
		sglog.Zero.Debug().
			Err(err).
			Str("strategy", st.Name()).
			Str("collection", collection).
			Msg("routing failed")
		return "", err
	}

	sglog.Zero.Debug().
		Str("strategy", st.Name()).
		Str("collection", collection).
		Str("shard", id).
		Msg("shard selected")
	events.Emit(r.sink, events.Event{
		Kind:       events.ShardSelected,
		Shard:      id,
		Collection: collection,
	})
	return id, nil
}
