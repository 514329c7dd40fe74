package config

import (
	"github.com/pg-sharding/shardgate/pkg/models/sgerror"
	"github.com/pg-sharding/shardgate/pkg/models/topology"
)

type HostCfg struct {
	Addr     string `json:"addr" toml:"addr" yaml:"addr"`
	Region   string `json:"region" toml:"region" yaml:"region"`
	Database string `json:"database" toml:"database" yaml:"database"`
	User     string `json:"user" toml:"user" yaml:"user"`
	Password string `json:"password" toml:"password" yaml:"password"`
}

type ShardCfg struct {
	ID       string    `json:"id" toml:"id" yaml:"id"`
	Tier     string    `json:"tier" toml:"tier" yaml:"tier"`
	Region   string    `json:"region" toml:"region" yaml:"region"`
	Priority int       `json:"priority" toml:"priority" yaml:"priority"`
	Database string    `json:"database" toml:"database" yaml:"database"`
	User     string    `json:"user" toml:"user" yaml:"user"`
	Password string    `json:"password" toml:"password" yaml:"password"`
	Primary  HostCfg   `json:"primary" toml:"primary" yaml:"primary"`
	Replicas []HostCfg `json:"replicas" toml:"replicas" yaml:"replicas"`
}

func (sh *ShardCfg) validate() error {
	if _, err := topology.ParseTier(sh.Tier); err != nil {
		return sgerror.Wrap(sgerror.SG_CONFIGURATION, err).WithShard(sh.ID)
	}
	if sh.Primary.Addr == "" {
		return sgerror.New(sgerror.SG_CONFIGURATION, "shard primary has no address").WithShard(sh.ID)
	}
	for _, r := range sh.Replicas {
		if r.Addr == "" {
			return sgerror.New(sgerror.SG_CONFIGURATION, "shard replica has no address").WithShard(sh.ID)
		}
	}
	return nil
}

// host fills credentials missing on the host from the shard level.
func (sh *ShardCfg) host(h HostCfg) *topology.HostDescriptor {
	d := &topology.HostDescriptor{
		Addr:     h.Addr,
		Region:   h.Region,
		Database: h.Database,
		User:     h.User,
		Password: h.Password,
	}
	if d.Database == "" {
		d.Database = sh.Database
	}
	if d.User == "" {
		d.User = sh.User
	}
	if d.Password == "" {
		d.Password = sh.Password
	}
	return d
}

func (sh *ShardCfg) Descriptor() (*topology.ShardDescriptor, error) {
	tier, err := topology.ParseTier(sh.Tier)
	if err != nil {
		return nil, sgerror.Wrap(sgerror.SG_CONFIGURATION, err).WithShard(sh.ID)
	}
	replicas := make([]*topology.HostDescriptor, len(sh.Replicas))
	for i, r := range sh.Replicas {
		replicas[i] = sh.host(r)
	}
	d := topology.NewShard(sh.ID, tier, sh.Region, sh.host(sh.Primary), replicas...)
	d.Priority = sh.Priority
	return d, nil
}

// ShardDescriptors converts the static shard list in configuration order.
func (c *Config) ShardDescriptors() ([]*topology.ShardDescriptor, error) {
	ret := make([]*topology.ShardDescriptor, 0, len(c.Shards))
	for _, sh := range c.Shards {
		d, err := sh.Descriptor()
		if err != nil {
			return nil, err
		}
		ret = append(ret, d)
	}
	return ret, nil
}

func (sh *ShardCfg) redacted() *ShardCfg {
	cp := *sh
	if cp.Password != "" {
		cp.Password = "****"
	}
	if cp.Primary.Password != "" {
		cp.Primary.Password = "****"
	}
	cp.Replicas = make([]HostCfg, len(sh.Replicas))
	for i, r := range sh.Replicas {
		if r.Password != "" {
			r.Password = "****"
		}
		cp.Replicas[i] = r
	}
	return &cp
}
