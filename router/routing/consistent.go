package routing

import (
	"sort"
	"strconv"
	"sync"

	"github.com/pg-sharding/shardgate/pkg/models/hashfunction"
	"github.com/pg-sharding/shardgate/pkg/models/sgerror"
	"github.com/pg-sharding/shardgate/pkg/models/topology"
	"github.com/spaolacci/murmur3"
)

type ringPoint struct {
	hash  uint32
	shard string
}

type ring []ringPoint

// lookup returns the owner of the first point clockwise from h.
func (r ring) lookup(h uint32) string {
	i := sort.Search(len(r), func(i int) bool { return r[i].hash >= h })
	if i == len(r) {
		i = 0
	}
	return r[i].shard
}

// ConsistentHashStrategy places every shard on a hash ring at a number of
// virtual points. Adding a shard only moves keys that fall between its new
// points and their predecessors.
type ConsistentHashStrategy struct {
	hf     hashfunction.HashFunctionType
	vnodes int

	mu    sync.Mutex
	rings map[string]ring
}

var _ Strategy = &ConsistentHashStrategy{}

func NewConsistentHashStrategy(hf hashfunction.HashFunctionType, vnodes int) *ConsistentHashStrategy {
	if vnodes <= 0 {
		vnodes = 160
	}
	return &ConsistentHashStrategy{
		hf:     hf,
		vnodes: vnodes,
		rings:  map[string]ring{},
	}
}

func (s *ConsistentHashStrategy) Name() string {
	return StrategyConsistentHash
}

func (s *ConsistentHashStrategy) ring(set *topology.ShardSet) ring {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.rings[set.Version()]; ok {
		return r
	}

	r := make(ring, 0, set.Len()*s.vnodes)
	for _, sh := range set.Shards() {
		for i := 0; i < s.vnodes; i++ {
			r = append(r, ringPoint{
				hash:  murmur3.Sum32([]byte(sh.ID + "#" + strconv.Itoa(i))),
				shard: sh.ID,
			})
		}
	}
	sort.Slice(r, func(i, j int) bool {
		if r[i].hash == r[j].hash {
			return r[i].shard < r[j].shard
		}
		return r[i].hash < r[j].hash
	})

	s.rings[set.Version()] = r
	return r
}

func (s *ConsistentHashStrategy) Resolve(key topology.RoutingKey, set *topology.ShardSet) (string, error) {
	if set.Len() == 0 {
		return "", sgerror.New(sgerror.SG_ROUTING_ERROR, "empty shard set")
	}
	if key.Primary == nil {
		return "", sgerror.New(sgerror.SG_ROUTING_ERROR, "routing key has no value")
	}
	h, err := hashfunction.ApplyHashFunction(key.Primary, s.hf)
	if err != nil {
		return "", sgerror.Wrap(sgerror.SG_ROUTING_ERROR, err)
	}
	return s.ring(set).lookup(h), nil
}
