package config

import (
	"time"

	"github.com/pg-sharding/shardgate/pkg/models/sgerror"
)

type PoolCfg struct {
	MinSize        int           `json:"min_size" toml:"min_size" yaml:"min_size"`
	MaxSize        int           `json:"max_size" toml:"max_size" yaml:"max_size"`
	InitialSize    int           `json:"initial_size" toml:"initial_size" yaml:"initial_size"`
	IdleTimeout    time.Duration `json:"idle_timeout" toml:"idle_timeout" yaml:"idle_timeout"`
	AcquireTimeout time.Duration `json:"acquire_timeout" toml:"acquire_timeout" yaml:"acquire_timeout"`
	ReapInterval   time.Duration `json:"reap_interval" toml:"reap_interval" yaml:"reap_interval"`
}

type HealthCfg struct {
	Interval         time.Duration `json:"interval" toml:"interval" yaml:"interval"`
	FailureThreshold int           `json:"failure_threshold" toml:"failure_threshold" yaml:"failure_threshold"`
	ProbeTimeout     time.Duration `json:"probe_timeout" toml:"probe_timeout" yaml:"probe_timeout"`
}

type AutoTuneCfg struct {
	Interval          time.Duration `json:"interval" toml:"interval" yaml:"interval"`
	GrowWaitThreshold int64         `json:"grow_wait_threshold" toml:"grow_wait_threshold" yaml:"grow_wait_threshold"`
	MaxErrorRate      float64       `json:"max_error_rate" toml:"max_error_rate" yaml:"max_error_rate"`
	ShrinkIdleRatio   float64       `json:"shrink_idle_ratio" toml:"shrink_idle_ratio" yaml:"shrink_idle_ratio"`
	LowLatency        time.Duration `json:"low_latency" toml:"low_latency" yaml:"low_latency"`
	Step              int           `json:"step" toml:"step" yaml:"step"`
}

type RecoveryCfg struct {
	MaxRetries  uint64        `json:"max_retries" toml:"max_retries" yaml:"max_retries"`
	BaseBackoff time.Duration `json:"base_backoff" toml:"base_backoff" yaml:"base_backoff"`
}

type BreakerCfg struct {
	FailureThreshold int           `json:"failure_threshold" toml:"failure_threshold" yaml:"failure_threshold"`
	OpenTimeout      time.Duration `json:"open_timeout" toml:"open_timeout" yaml:"open_timeout"`
	ProbeInterval    time.Duration `json:"probe_interval" toml:"probe_interval" yaml:"probe_interval"`
}

func (p *PoolCfg) applyDefaults(acquire time.Duration) {
	if p.MinSize <= 0 {
		p.MinSize = 1
	}
	if p.MaxSize <= 0 {
		p.MaxSize = 20
	}
	if p.InitialSize <= 0 {
		p.InitialSize = p.MinSize
	}
	setDuration(&p.IdleTimeout, 5*time.Minute)
	setDuration(&p.AcquireTimeout, acquire)
	setDuration(&p.ReapInterval, 30*time.Second)
}

func (p *PoolCfg) validate() error {
	if p.MinSize > p.MaxSize {
		return sgerror.Newf(sgerror.SG_CONFIGURATION, "pool min_size %d exceeds max_size %d", p.MinSize, p.MaxSize)
	}
	if p.InitialSize < p.MinSize || p.InitialSize > p.MaxSize {
		return sgerror.Newf(sgerror.SG_CONFIGURATION, "pool initial_size %d outside [%d, %d]", p.InitialSize, p.MinSize, p.MaxSize)
	}
	return nil
}

func (h *HealthCfg) applyDefaults() {
	setDuration(&h.Interval, 5*time.Second)
	setDuration(&h.ProbeTimeout, time.Second)
	if h.FailureThreshold <= 0 {
		h.FailureThreshold = 3
	}
}

func (a *AutoTuneCfg) applyDefaults() {
	setDuration(&a.Interval, 10*time.Second)
	setDuration(&a.LowLatency, 10*time.Millisecond)
	if a.GrowWaitThreshold <= 0 {
		a.GrowWaitThreshold = 5
	}
	if a.MaxErrorRate <= 0 {
		a.MaxErrorRate = 0.05
	}
	if a.ShrinkIdleRatio <= 0 {
		a.ShrinkIdleRatio = 0.75
	}
	if a.Step <= 0 {
		a.Step = 2
	}
}

func (r *RecoveryCfg) applyDefaults() {
	if r.MaxRetries == 0 {
		r.MaxRetries = 5
	}
	setDuration(&r.BaseBackoff, 100*time.Millisecond)
}

func (b *BreakerCfg) applyDefaults() {
	if b.FailureThreshold <= 0 {
		b.FailureThreshold = 5
	}
	setDuration(&b.OpenTimeout, 5*time.Second)
	setDuration(&b.ProbeInterval, time.Second)
}
