package topology

import (
	"fmt"
	"strings"
)

// ShardSet is an immutable, ordered view of the shard topology.
type ShardSet struct {
	shards   []*ShardDescriptor
	byID     map[string]*ShardDescriptor
	byTier   map[Tier][]*ShardDescriptor
	byRegion map[string][]*ShardDescriptor
	version  string
}

func NewShardSet(shards []*ShardDescriptor) (*ShardSet, error) {
	s := &ShardSet{
		shards:   make([]*ShardDescriptor, 0, len(shards)),
		byID:     make(map[string]*ShardDescriptor, len(shards)),
		byTier:   map[Tier][]*ShardDescriptor{},
		byRegion: map[string][]*ShardDescriptor{},
	}

	ids := make([]string, 0, len(shards))
	for _, sh := range shards {
		if sh.ID == "" {
			return nil, fmt.Errorf("shard without id")
		}
		if _, ok := s.byID[sh.ID]; ok {
			return nil, fmt.Errorf("duplicate shard id %q", sh.ID)
		}
		if sh.Primary == nil {
			return nil, fmt.Errorf("shard %q has no primary", sh.ID)
		}
		s.shards = append(s.shards, sh)
		s.byID[sh.ID] = sh
		s.byTier[sh.Tier] = append(s.byTier[sh.Tier], sh)
		s.byRegion[sh.Region] = append(s.byRegion[sh.Region], sh)
		ids = append(ids, sh.ID)
	}
	s.version = strings.Join(ids, ",")

	return s, nil
}

func (s *ShardSet) Len() int {
	return len(s.shards)
}

func (s *ShardSet) Shards() []*ShardDescriptor {
	return s.shards
}

func (s *ShardSet) IDs() []string {
	ret := make([]string, len(s.shards))
	for i, sh := range s.shards {
		ret[i] = sh.ID
	}
	return ret
}

func (s *ShardSet) Get(id string) (*ShardDescriptor, bool) {
	sh, ok := s.byID[id]
	return sh, ok
}

func (s *ShardSet) ByTier(t Tier) []*ShardDescriptor {
	return s.byTier[t]
}

func (s *ShardSet) ByRegion(region string) []*ShardDescriptor {
	return s.byRegion[region]
}

// Version identifies the membership and order of the set.
func (s *ShardSet) Version() string {
	return s.version
}
