package routing

import (
	"github.com/pg-sharding/shardgate/pkg/models/hashfunction"
	"github.com/pg-sharding/shardgate/pkg/models/topology"
)

// HashStrategy routes by a 32-bit digest of the primary key modulo the
// number of shards.
type HashStrategy struct {
	hf hashfunction.HashFunctionType
}

var _ Strategy = &HashStrategy{}

func (s *HashStrategy) Name() string {
	return StrategyHash
}

func (s *HashStrategy) Resolve(key topology.RoutingKey, set *topology.ShardSet) (string, error) {
	return pickByHash(key.Primary, s.hf, set.Shards())
}

// GeoStrategy routes within the shards of the key region. Keys from a
// region without shards, or without a region, use the whole set.
type GeoStrategy struct {
	hf hashfunction.HashFunctionType
}

var _ Strategy = &GeoStrategy{}

func (s *GeoStrategy) Name() string {
	return StrategyGeo
}

func (s *GeoStrategy) Resolve(key topology.RoutingKey, set *topology.ShardSet) (string, error) {
	subset := set.ByRegion(key.Region)
	if key.Region == "" || len(subset) == 0 {
		subset = set.Shards()
	}
	return pickByHash(key.Primary, s.hf, subset)
}
