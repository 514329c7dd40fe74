package routing

import (
	"time"

	"github.com/pg-sharding/shardgate/pkg/models/hashfunction"
	"github.com/pg-sharding/shardgate/pkg/models/sgerror"
	"github.com/pg-sharding/shardgate/pkg/models/topology"
)

const (
	StrategyHash           = "hash"
	StrategyTimeRange      = "time_range"
	StrategyComposite      = "composite"
	StrategyConsistentHash = "consistent_hash"
	StrategyGeo            = "geo"
)

// Strategy maps a routing key to one shard of the set. Implementations
// must be pure: the same key and set always give the same shard.
type Strategy interface {
	Name() string
	Resolve(key topology.RoutingKey, set *topology.ShardSet) (string, error)
}

// Clock is injected so that age-based strategies are testable.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Options parameterize a strategy instance.
type Options struct {
	HashFunction hashfunction.HashFunctionType
	Clock        Clock
	HotAge       time.Duration
	WarmAge      time.Duration
	VirtualNodes int
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = realClock{}
	}
	if o.HotAge <= 0 {
		o.HotAge = 7 * 24 * time.Hour
	}
	if o.WarmAge <= 0 {
		o.WarmAge = 30 * 24 * time.Hour
	}
	if o.VirtualNodes <= 0 {
		o.VirtualNodes = 160
	}
	return o
}

// Factory builds a strategy for the given options.
type Factory func(opts Options) Strategy

func builtinFactories() map[string]Factory {
	return map[string]Factory{
		StrategyHash: func(o Options) Strategy {
			return &HashStrategy{hf: o.HashFunction}
		},
		StrategyTimeRange: func(o Options) Strategy {
			return &TimeRangeStrategy{tiers: newTierClassifier(o), hf: o.HashFunction}
		},
		StrategyComposite: func(o Options) Strategy {
			return &CompositeStrategy{tiers: newTierClassifier(o), hf: o.HashFunction}
		},
		StrategyConsistentHash: func(o Options) Strategy {
			return NewConsistentHashStrategy(o.HashFunction, o.VirtualNodes)
		},
		StrategyGeo: func(o Options) Strategy {
			return &GeoStrategy{hf: o.HashFunction}
		},
	}
}

// pickByHash hashes v and selects one shard of the subset by modulo.
func pickByHash(v any, hf hashfunction.HashFunctionType, subset []*topology.ShardDescriptor) (string, error) {
	if len(subset) == 0 {
		return "", sgerror.New(sgerror.SG_ROUTING_ERROR, "empty shard subset")
	}
	if v == nil {
		return "", sgerror.New(sgerror.SG_ROUTING_ERROR, "routing key has no value")
	}
	h, err := hashfunction.ApplyHashFunction(v, hf)
	if err != nil {
		return "", sgerror.Wrap(sgerror.SG_ROUTING_ERROR, err)
	}
	return subset[h%uint32(len(subset))].ID, nil
}
