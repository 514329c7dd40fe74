package config

import (
	"time"

	"github.com/pg-sharding/shardgate/pkg/models/sgerror"
)

type WindowCfg struct {
	MaxSize       int           `json:"max_size" toml:"max_size" yaml:"max_size"`
	FlushInterval time.Duration `json:"flush_interval" toml:"flush_interval" yaml:"flush_interval"`
	MaxWait       time.Duration `json:"max_wait" toml:"max_wait" yaml:"max_wait"`
}

// BatchCfg is the per-priority batching table. Critical flushes small and
// fast, low flushes large and slow.
type BatchCfg struct {
	Critical WindowCfg `json:"critical" toml:"critical" yaml:"critical"`
	High     WindowCfg `json:"high" toml:"high" yaml:"high"`
	Normal   WindowCfg `json:"normal" toml:"normal" yaml:"normal"`
	Low      WindowCfg `json:"low" toml:"low" yaml:"low"`

	MaxRetries   int           `json:"max_retries" toml:"max_retries" yaml:"max_retries"`
	RetryBackoff time.Duration `json:"retry_backoff" toml:"retry_backoff" yaml:"retry_backoff"`
}

// applyDefaults fills unset fields from def. A window never waits longer
// than the global batch max-wait, nor less than its own flush interval.
func (w *WindowCfg) applyDefaults(def WindowCfg, maxWait time.Duration) {
	if w.MaxSize <= 0 {
		w.MaxSize = def.MaxSize
	}
	setDuration(&w.FlushInterval, def.FlushInterval)
	setDuration(&w.MaxWait, def.MaxWait)
	if maxWait > 0 && w.MaxWait > maxWait {
		w.MaxWait = maxWait
	}
	if w.MaxWait < w.FlushInterval {
		w.MaxWait = w.FlushInterval
	}
}

func (b *BatchCfg) applyDefaults(maxWait time.Duration) {
	b.Critical.applyDefaults(WindowCfg{MaxSize: 10, FlushInterval: 2 * time.Millisecond, MaxWait: 10 * time.Millisecond}, maxWait)
	b.High.applyDefaults(WindowCfg{MaxSize: 50, FlushInterval: 10 * time.Millisecond, MaxWait: 50 * time.Millisecond}, maxWait)
	b.Normal.applyDefaults(WindowCfg{MaxSize: 200, FlushInterval: 50 * time.Millisecond, MaxWait: 250 * time.Millisecond}, maxWait)
	b.Low.applyDefaults(WindowCfg{MaxSize: 1000, FlushInterval: 200 * time.Millisecond, MaxWait: time.Second}, maxWait)

	if b.MaxRetries < 0 {
		b.MaxRetries = 0
	} else if b.MaxRetries == 0 {
		b.MaxRetries = 3
	}
	setDuration(&b.RetryBackoff, 50*time.Millisecond)
}

func (b *BatchCfg) validate() error {
	for name, w := range map[string]WindowCfg{
		"critical": b.Critical,
		"high":     b.High,
		"normal":   b.Normal,
		"low":      b.Low,
	} {
		if w.MaxWait < w.FlushInterval {
			return sgerror.Newf(sgerror.SG_CONFIGURATION, "batch %s: max_wait %s is shorter than flush_interval %s", name, w.MaxWait, w.FlushInterval)
		}
	}
	return nil
}
