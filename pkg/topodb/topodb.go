package topodb

import (
	"context"

	"github.com/pg-sharding/shardgate/pkg/config"
	"github.com/pg-sharding/shardgate/pkg/models/sgerror"
	"github.com/pg-sharding/shardgate/pkg/models/topology"
)

// Source provides the shard descriptors the data-access layer starts
// with.
type Source interface {
	Shards(ctx context.Context) ([]*topology.ShardDescriptor, error)
	Close() error
}

// StaticSource serves the shards listed in the configuration file.
type StaticSource struct {
	shards []*config.ShardCfg
}

var _ Source = &StaticSource{}

func NewStaticSource(shards []*config.ShardCfg) *StaticSource {
	return &StaticSource{shards: shards}
}

func (s *StaticSource) Shards(context.Context) ([]*topology.ShardDescriptor, error) {
	return descriptors(s.shards)
}

func (s *StaticSource) Close() error {
	return nil
}

func descriptors(shards []*config.ShardCfg) ([]*topology.ShardDescriptor, error) {
	ret := make([]*topology.ShardDescriptor, 0, len(shards))
	for _, sh := range shards {
		d, err := sh.Descriptor()
		if err != nil {
			return nil, err
		}
		ret = append(ret, d)
	}
	return ret, nil
}

// NewSource picks the topology source named in the configuration.
func NewSource(cfg *config.Config) (Source, error) {
	switch cfg.Topology.Source {
	case "static", "":
		return NewStaticSource(cfg.Shards), nil
	case "etcd":
		return NewEtcdSource(cfg.Topology.EtcdEndpoints, cfg.Topology.EtcdPrefix)
	default:
		return nil, sgerror.Newf(sgerror.SG_CONFIGURATION, "unknown topology source %q", cfg.Topology.Source)
	}
}

// LoadShardSet reads src once and indexes the result.
func LoadShardSet(ctx context.Context, src Source) (*topology.ShardSet, error) {
	shards, err := src.Shards(ctx)
	if err != nil {
		return nil, err
	}
	if len(shards) == 0 {
		return nil, sgerror.New(sgerror.SG_CONFIGURATION, "topology source returned no shards")
	}
	set, err := topology.NewShardSet(shards)
	if err != nil {
		return nil, sgerror.Wrap(sgerror.SG_CONFIGURATION, err)
	}
	return set, nil
}
