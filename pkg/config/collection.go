package config

import (
	"time"

	"github.com/pg-sharding/shardgate/pkg/models/hashfunction"
	"github.com/pg-sharding/shardgate/pkg/models/sgerror"
)

type ReadPreference string

const (
	ReadPrimary   = ReadPreference("primary")
	ReadSecondary = ReadPreference("secondary")
	ReadNearest   = ReadPreference("nearest")
)

type CollectionCfg struct {
	Name           string         `json:"name" toml:"name" yaml:"name"`
	Table          string         `json:"table" toml:"table" yaml:"table"`
	IDColumn       string         `json:"id_column" toml:"id_column" yaml:"id_column"`
	Strategy       string         `json:"strategy" toml:"strategy" yaml:"strategy"`
	HashFunction   string         `json:"hash_function" toml:"hash_function" yaml:"hash_function"`
	ReadPreference ReadPreference `json:"read_preference" toml:"read_preference" yaml:"read_preference"`
	CacheTTL       time.Duration  `json:"cache_ttl" toml:"cache_ttl" yaml:"cache_ttl"`
	HotAge         time.Duration  `json:"hot_age" toml:"hot_age" yaml:"hot_age"`
	WarmAge        time.Duration  `json:"warm_age" toml:"warm_age" yaml:"warm_age"`
}

func (c *CollectionCfg) applyDefaults() {
	if c.Table == "" {
		c.Table = c.Name
	}
	if c.IDColumn == "" {
		c.IDColumn = "id"
	}
	if c.Strategy == "" {
		c.Strategy = "hash"
	}
	if c.ReadPreference == "" {
		c.ReadPreference = ReadPrimary
	}
	setDuration(&c.HotAge, 7*24*time.Hour)
	setDuration(&c.WarmAge, 30*24*time.Hour)
}

func (c *CollectionCfg) validate() error {
	if c.Name == "" {
		return sgerror.New(sgerror.SG_CONFIGURATION, "collection without name")
	}
	if _, err := hashfunction.HashFunctionByName(c.HashFunction); err != nil {
		return sgerror.Wrap(sgerror.SG_CONFIGURATION, err)
	}
	switch c.ReadPreference {
	case ReadPrimary, ReadSecondary, ReadNearest:
	default:
		return sgerror.Newf(sgerror.SG_CONFIGURATION, "collection %s: unknown read preference %q", c.Name, c.ReadPreference)
	}
	if c.WarmAge < c.HotAge {
		return sgerror.Newf(sgerror.SG_CONFIGURATION, "collection %s: warm_age shorter than hot_age", c.Name)
	}
	return nil
}
