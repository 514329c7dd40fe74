package topology

import (
	"fmt"
	"strings"
)

type Tier string

const (
	TierHot  = Tier("hot")
	TierWarm = Tier("warm")
	TierCold = Tier("cold")
)

func ParseTier(s string) (Tier, error) {
	switch Tier(strings.ToLower(s)) {
	case TierHot, "":
		return TierHot, nil
	case TierWarm:
		return TierWarm, nil
	case TierCold:
		return TierCold, nil
	default:
		return "", fmt.Errorf("unknown shard tier %q", s)
	}
}

type HostRole string

const (
	RolePrimary = HostRole("primary")
	RoleReplica = HostRole("replica")
)

// HostDescriptor is one connectable endpoint of a shard.
type HostDescriptor struct {
	ID       string
	ShardID  string
	Role     HostRole
	Addr     string
	Region   string
	Database string
	User     string
	Password string
}

// ShardDescriptor is the static description of a shard. Replicas are
// kept in configuration order.
type ShardDescriptor struct {
	ID       string
	Tier     Tier
	Region   string
	Priority int
	Primary  *HostDescriptor
	Replicas []*HostDescriptor
}

// Hosts returns the primary followed by the replicas.
func (s *ShardDescriptor) Hosts() []*HostDescriptor {
	ret := make([]*HostDescriptor, 0, 1+len(s.Replicas))
	ret = append(ret, s.Primary)
	return append(ret, s.Replicas...)
}

func PrimaryHostID(shardID string) string {
	return shardID + "/primary"
}

func ReplicaHostID(shardID string, n int) string {
	return fmt.Sprintf("%s/replica-%d", shardID, n)
}

// NewShard fills host identities from the shard id.
func NewShard(id string, tier Tier, region string, primary *HostDescriptor, replicas ...*HostDescriptor) *ShardDescriptor {
	primary.ID = PrimaryHostID(id)
	primary.ShardID = id
	primary.Role = RolePrimary
	if primary.Region == "" {
		primary.Region = region
	}
	for i, r := range replicas {
		r.ID = ReplicaHostID(id, i)
		r.ShardID = id
		r.Role = RoleReplica
		if r.Region == "" {
			r.Region = region
		}
	}
	return &ShardDescriptor{
		ID:       id,
		Tier:     tier,
		Region:   region,
		Primary:  primary,
		Replicas: replicas,
	}
}
