package routing

import (
	"time"

	"github.com/pg-sharding/shardgate/pkg/models/hashfunction"
	"github.com/pg-sharding/shardgate/pkg/models/sgerror"
	"github.com/pg-sharding/shardgate/pkg/models/topology"
)

type tierClassifier struct {
	clock   Clock
	hotAge  time.Duration
	warmAge time.Duration
}

func newTierClassifier(o Options) tierClassifier {
	o = o.withDefaults()
	return tierClassifier{
		clock:   o.Clock,
		hotAge:  o.HotAge,
		warmAge: o.WarmAge,
	}
}

// classify maps the age of ts relative to now onto a tier. Timestamps in
// the future are hot.
func (c tierClassifier) classify(ts time.Time) (topology.Tier, error) {
	if ts.IsZero() {
		return "", sgerror.New(sgerror.SG_ROUTING_ERROR, "routing key has no timestamp")
	}
	age := c.clock.Now().Sub(ts)
	switch {
	case age < c.hotAge:
		return topology.TierHot, nil
	case age < c.warmAge:
		return topology.TierWarm, nil
	default:
		return topology.TierCold, nil
	}
}

func (c tierClassifier) subset(ts time.Time, set *topology.ShardSet) ([]*topology.ShardDescriptor, error) {
	tier, err := c.classify(ts)
	if err != nil {
		return nil, err
	}
	subset := set.ByTier(tier)
	if len(subset) == 0 {
		return nil, sgerror.Newf(sgerror.SG_ROUTING_ERROR, "no shards in tier %s", tier)
	}
	return subset, nil
}

// TimeRangeStrategy picks the tier from the key timestamp and hashes the
// secondary key (or the primary key when there is none) inside the tier.
type TimeRangeStrategy struct {
	tiers tierClassifier
	hf    hashfunction.HashFunctionType
}

var _ Strategy = &TimeRangeStrategy{}

func (s *TimeRangeStrategy) Name() string {
	return StrategyTimeRange
}

func (s *TimeRangeStrategy) Resolve(key topology.RoutingKey, set *topology.ShardSet) (string, error) {
	subset, err := s.tiers.subset(key.Timestamp, set)
	if err != nil {
		return "", err
	}
	v := key.Secondary
	if v == nil {
		v = key.Primary
	}
	return pickByHash(v, s.hf, subset)
}

// CompositeStrategy picks the tier from the key timestamp and hashes the
// primary key inside the tier.
type CompositeStrategy struct {
	tiers tierClassifier
	hf    hashfunction.HashFunctionType
}

var _ Strategy = &CompositeStrategy{}

func (s *CompositeStrategy) Name() string {
	return StrategyComposite
}

func (s *CompositeStrategy) Resolve(key topology.RoutingKey, set *topology.ShardSet) (string, error) {
	subset, err := s.tiers.subset(key.Timestamp, set)
	if err != nil {
		return "", err
	}
	return pickByHash(key.Primary, s.hf, subset)
}
