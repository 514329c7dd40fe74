package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pg-sharding/shardgate/pkg/models/sgerror"
	"github.com/pg-sharding/shardgate/pkg/sglog"
	"golang.org/x/xerrors"
)

type Config struct {
	LogLevel    string `json:"log_level" toml:"log_level" yaml:"log_level"`
	LogFile     string `json:"log_file" toml:"log_file" yaml:"log_file"`
	PrettyLogs  bool   `json:"pretty_logs" toml:"pretty_logs" yaml:"pretty_logs"`
	MetricsAddr string `json:"metrics_addr" toml:"metrics_addr" yaml:"metrics_addr"`
	Driver      string `json:"driver" toml:"driver" yaml:"driver"`

	Topology    TopologyCfg     `json:"topology" toml:"topology" yaml:"topology"`
	Shards      []*ShardCfg     `json:"shards" toml:"shards" yaml:"shards"`
	Collections []CollectionCfg `json:"collections" toml:"collections" yaml:"collections"`

	Timeouts   TimeoutsCfg   `json:"timeouts" toml:"timeouts" yaml:"timeouts"`
	Pool       PoolCfg       `json:"pool" toml:"pool" yaml:"pool"`
	Health     HealthCfg     `json:"health" toml:"health" yaml:"health"`
	AutoTune   AutoTuneCfg   `json:"auto_tune" toml:"auto_tune" yaml:"auto_tune"`
	Recovery   RecoveryCfg   `json:"recovery" toml:"recovery" yaml:"recovery"`
	Breaker    BreakerCfg    `json:"breaker" toml:"breaker" yaml:"breaker"`
	Batch      BatchCfg      `json:"batch" toml:"batch" yaml:"batch"`
	Load       LoadCfg       `json:"load" toml:"load" yaml:"load"`
	Rebalancer RebalancerCfg `json:"rebalancer" toml:"rebalancer" yaml:"rebalancer"`
	Collapser  CollapserCfg  `json:"collapser" toml:"collapser" yaml:"collapser"`
	Jaeger     JaegerCfg     `json:"jaeger" toml:"jaeger" yaml:"jaeger"`
}

type TopologyCfg struct {
	Source        string        `json:"source" toml:"source" yaml:"source"` // static or etcd
	EtcdEndpoints []string      `json:"etcd_endpoints" toml:"etcd_endpoints" yaml:"etcd_endpoints"`
	EtcdPrefix    string        `json:"etcd_prefix" toml:"etcd_prefix" yaml:"etcd_prefix"`
	LoadTimeout   time.Duration `json:"load_timeout" toml:"load_timeout" yaml:"load_timeout"`
}

type TimeoutsCfg struct {
	Acquire      time.Duration `json:"acquire" toml:"acquire" yaml:"acquire"`
	Exec         time.Duration `json:"exec" toml:"exec" yaml:"exec"`
	BatchMaxWait time.Duration `json:"batch_max_wait" toml:"batch_max_wait" yaml:"batch_max_wait"`
}

type LoadCfg struct {
	LatencyNorm time.Duration `json:"latency_norm" toml:"latency_norm" yaml:"latency_norm"`
	Alpha       float64       `json:"alpha" toml:"alpha" yaml:"alpha"`
}

type RebalancerCfg struct {
	Interval  time.Duration `json:"interval" toml:"interval" yaml:"interval"`
	Threshold float64       `json:"threshold" toml:"threshold" yaml:"threshold"`
	Window    int           `json:"window" toml:"window" yaml:"window"`
}

type CollapserCfg struct {
	Tick time.Duration `json:"tick" toml:"tick" yaml:"tick"`
}

type JaegerCfg struct {
	URL         string `json:"url" toml:"url" yaml:"url"`
	ServiceName string `json:"service_name" toml:"service_name" yaml:"service_name"`
}

// LoadConfig reads, defaults and validates the configuration file.
// The returned error is a ConfigurationError.
func LoadConfig(cfgPath string) (*Config, error) {
	file, err := os.Open(cfgPath)
	if err != nil {
		return nil, sgerror.Wrap(sgerror.SG_CONFIGURATION, err)
	}
	defer file.Close()

	cfg := &Config{}
	if err := initConfig(file, cfg); err != nil {
		return nil, sgerror.Wrap(sgerror.SG_CONFIGURATION, xerrors.Errorf("decode %s: %w", cfgPath, err))
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configBytes, err := json.Marshal(cfg.redacted())
	if err == nil {
		sglog.Zero.Debug().RawJSON("config", configBytes).Msg("running config")
	}
	return cfg, nil
}

func (c *Config) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Driver == "" {
		c.Driver = "pgx"
	}
	if c.Topology.Source == "" {
		c.Topology.Source = "static"
	}
	if c.Topology.EtcdPrefix == "" {
		c.Topology.EtcdPrefix = "/shards/"
	}
	if c.Topology.LoadTimeout == 0 {
		c.Topology.LoadTimeout = 10 * time.Second
	}

	setDuration(&c.Timeouts.Acquire, 5*time.Second)
	setDuration(&c.Timeouts.Exec, 30*time.Second)
	setDuration(&c.Timeouts.BatchMaxWait, time.Second)

	c.Pool.applyDefaults(c.Timeouts.Acquire)
	c.Health.applyDefaults()
	c.AutoTune.applyDefaults()
	c.Recovery.applyDefaults()
	c.Breaker.applyDefaults()
	c.Batch.applyDefaults(c.Timeouts.BatchMaxWait)

	setDuration(&c.Load.LatencyNorm, 100*time.Millisecond)
	if c.Load.Alpha <= 0 || c.Load.Alpha > 1 {
		c.Load.Alpha = 0.2
	}

	setDuration(&c.Rebalancer.Interval, 30*time.Second)
	if c.Rebalancer.Threshold == 0 {
		c.Rebalancer.Threshold = 10
	}
	if c.Rebalancer.Window == 0 {
		c.Rebalancer.Window = 3
	}

	setDuration(&c.Collapser.Tick, time.Millisecond)

	for i := range c.Collections {
		c.Collections[i].applyDefaults()
	}
}

func (c *Config) Validate() error {
	if c.Topology.Source != "static" && c.Topology.Source != "etcd" {
		return sgerror.Newf(sgerror.SG_CONFIGURATION, "unknown topology source %q", c.Topology.Source)
	}
	if c.Topology.Source == "static" && len(c.Shards) == 0 {
		return sgerror.New(sgerror.SG_CONFIGURATION, "no shards configured")
	}
	if c.Topology.Source == "etcd" && len(c.Topology.EtcdEndpoints) == 0 {
		return sgerror.New(sgerror.SG_CONFIGURATION, "etcd topology source requires etcd_endpoints")
	}
	if c.Driver != "pgx" && c.Driver != "sqlx" {
		return sgerror.Newf(sgerror.SG_CONFIGURATION, "unknown driver %q", c.Driver)
	}

	seen := map[string]struct{}{}
	for _, sh := range c.Shards {
		if sh.ID == "" {
			return sgerror.New(sgerror.SG_CONFIGURATION, "shard without id")
		}
		if _, ok := seen[sh.ID]; ok {
			return sgerror.Newf(sgerror.SG_CONFIGURATION, "duplicate shard id %q", sh.ID)
		}
		seen[sh.ID] = struct{}{}
		if err := sh.validate(); err != nil {
			return err
		}
	}

	if err := c.Pool.validate(); err != nil {
		return err
	}
	if err := c.Batch.validate(); err != nil {
		return err
	}

	names := map[string]struct{}{}
	for _, coll := range c.Collections {
		if _, ok := names[coll.Name]; ok {
			return sgerror.Newf(sgerror.SG_CONFIGURATION, "duplicate collection %q", coll.Name)
		}
		names[coll.Name] = struct{}{}
		if err := coll.validate(); err != nil {
			return err
		}
	}
	return nil
}

// Collection returns the settings of a collection, or defaults for an
// unconfigured one.
func (c *Config) Collection(name string) CollectionCfg {
	for _, coll := range c.Collections {
		if coll.Name == name {
			return coll
		}
	}
	coll := CollectionCfg{Name: name}
	coll.applyDefaults()
	return coll
}

func (c *Config) redacted() Config {
	cp := *c
	cp.Shards = make([]*ShardCfg, len(c.Shards))
	for i, sh := range c.Shards {
		cp.Shards[i] = sh.redacted()
	}
	return cp
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}
