package topodb

import (
	"context"
	"encoding/json"
	"path"
	"sort"
	"time"

	"github.com/pg-sharding/shardgate/pkg/config"
	"github.com/pg-sharding/shardgate/pkg/models/sgerror"
	"github.com/pg-sharding/shardgate/pkg/models/topology"
	"github.com/pg-sharding/shardgate/pkg/sglog"
	retry "github.com/sethvargo/go-retry"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdSource reads shard descriptors stored as JSON under
// <prefix><shard id>.
type EtcdSource struct {
	cli    *clientv3.Client
	prefix string
}

var _ Source = &EtcdSource{}

func NewEtcdSource(endpoints []string, prefix string) (*EtcdSource, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, sgerror.Wrap(sgerror.SG_CONFIGURATION, err)
	}

	sglog.Zero.Debug().
		Strs("endpoints", endpoints).
		Uint("client", sglog.GetPointer(cli)).
		Msg("topodb: etcd client created")

	return &EtcdSource{cli: cli, prefix: prefix}, nil
}

func (s *EtcdSource) shardPath(id string) string {
	return path.Join(s.prefix, id)
}

func (s *EtcdSource) Shards(ctx context.Context) ([]*topology.ShardDescriptor, error) {
	var resp *clientv3.GetResponse
	err := retry.Do(ctx, retry.WithMaxRetries(7, retry.NewFibonacci(500*time.Millisecond)), func(ctx context.Context) error {
		var err error
		resp, err = s.cli.Get(ctx, s.prefix, clientv3.WithPrefix())
		if err != nil {
			sglog.Zero.Debug().Err(err).Msg("topodb: list shards failed, retrying")
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return nil, sgerror.Wrap(sgerror.SG_CONFIGURATION, err)
	}

	cfgs := make([]*config.ShardCfg, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		sh, err := decodeShard(string(kv.Key), kv.Value)
		if err != nil {
			return nil, err
		}
		cfgs = append(cfgs, sh)
	}
	sort.Slice(cfgs, func(i, j int) bool {
		return cfgs[i].ID < cfgs[j].ID
	})

	sglog.Zero.Info().
		Int("shards", len(cfgs)).
		Str("prefix", s.prefix).
		Msg("topodb: loaded shards from etcd")
	return descriptors(cfgs)
}

// PutShard stores a shard descriptor.
func (s *EtcdSource) PutShard(ctx context.Context, sh *config.ShardCfg) error {
	raw, err := json.Marshal(sh)
	if err != nil {
		return err
	}
	_, err = s.cli.Put(ctx, s.shardPath(sh.ID), string(raw))
	return err
}

func (s *EtcdSource) Close() error {
	return s.cli.Close()
}

// decodeShard parses one stored descriptor. The shard id defaults to the
// last key segment.
func decodeShard(key string, value []byte) (*config.ShardCfg, error) {
	sh := &config.ShardCfg{}
	if err := json.Unmarshal(value, sh); err != nil {
		return nil, sgerror.Newf(sgerror.SG_CONFIGURATION, "shard %s: %v", key, err)
	}
	if sh.ID == "" {
		sh.ID = path.Base(key)
	}
	if sh.Primary.Addr == "" {
		return nil, sgerror.New(sgerror.SG_CONFIGURATION, "shard primary has no address").WithShard(sh.ID)
	}
	return sh, nil
}
