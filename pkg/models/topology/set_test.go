package topology_test

import (
	"testing"

	"github.com/pg-sharding/shardgate/pkg/models/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shard(id string, tier topology.Tier, region string, replicas int) *topology.ShardDescriptor {
	rs := make([]*topology.HostDescriptor, replicas)
	for i := range rs {
		rs[i] = &topology.HostDescriptor{Addr: id + "-r"}
	}
	return topology.NewShard(id, tier, region, &topology.HostDescriptor{Addr: id + "-p"}, rs...)
}

func TestNewShardAssignsHostIdentity(t *testing.T) {
	sh := shard("sh1", topology.TierHot, "eu", 2)

	assert.Equal(t, "sh1/primary", sh.Primary.ID)
	assert.Equal(t, topology.RolePrimary, sh.Primary.Role)
	assert.Equal(t, "eu", sh.Primary.Region)
	assert.Equal(t, "sh1/replica-1", sh.Replicas[1].ID)
	assert.Equal(t, topology.RoleReplica, sh.Replicas[1].Role)
	assert.Len(t, sh.Hosts(), 3)
}

func TestShardSetIndexes(t *testing.T) {
	set, err := topology.NewShardSet([]*topology.ShardDescriptor{
		shard("a", topology.TierHot, "eu", 0),
		shard("b", topology.TierCold, "us", 1),
		shard("c", topology.TierHot, "us", 0),
	})
	require.NoError(t, err)

	assert.Equal(t, 3, set.Len())
	assert.Equal(t, []string{"a", "b", "c"}, set.IDs())
	assert.Len(t, set.ByTier(topology.TierHot), 2)
	assert.Empty(t, set.ByTier(topology.TierWarm))
	assert.Len(t, set.ByRegion("us"), 2)
	assert.Equal(t, "a,b,c", set.Version())

	b, ok := set.Get("b")
	assert.True(t, ok)
	assert.Equal(t, topology.TierCold, b.Tier)
}

func TestShardSetRejectsDuplicates(t *testing.T) {
	_, err := topology.NewShardSet([]*topology.ShardDescriptor{
		shard("a", topology.TierHot, "", 0),
		shard("a", topology.TierHot, "", 0),
	})
	assert.Error(t, err)
}

func TestParseTier(t *testing.T) {
	tier, err := topology.ParseTier("WARM")
	assert.NoError(t, err)
	assert.Equal(t, topology.TierWarm, tier)

	tier, err = topology.ParseTier("")
	assert.NoError(t, err)
	assert.Equal(t, topology.TierHot, tier)

	_, err = topology.ParseTier("lukewarm")
	assert.Error(t, err)
}
