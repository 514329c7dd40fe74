package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pg-sharding/shardgate/pkg/config"
	"github.com/pg-sharding/shardgate/pkg/models/sgerror"
	"github.com/pg-sharding/shardgate/pkg/models/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const yamlConfig = `
log_level: debug
shards:
  - id: sh0
    tier: hot
    region: eu
    user: app
    password: secret
    database: orders
    primary:
      addr: 10.0.0.1:5432
    replicas:
      - addr: 10.0.0.2:5432
      - addr: 10.0.0.3:5432
        region: us
  - id: sh1
    tier: cold
    primary:
      addr: 10.0.1.1:5432
pool:
  min_size: 2
  max_size: 8
  idle_timeout: 1m
timeouts:
  acquire: 250ms
batch:
  low:
    max_size: 1000
    flush_interval: 1s
    max_wait: 3s
  max_retries: 4
collections:
  - name: trades
    strategy: composite
    hash_function: city
    read_preference: nearest
    cache_ttl: 2s
`

func TestLoadYAML(t *testing.T) {
	cfg, err := config.LoadConfig(writeConfig(t, "cfg.yaml", yamlConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "pgx", cfg.Driver)
	assert.Equal(t, 2, cfg.Pool.MinSize)
	assert.Equal(t, 2, cfg.Pool.InitialSize)
	assert.Equal(t, time.Minute, cfg.Pool.IdleTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Pool.AcquireTimeout)
	assert.Equal(t, 4, cfg.Batch.MaxRetries)

	// global batch max-wait caps the low window
	assert.Equal(t, time.Second, cfg.Batch.Low.MaxWait)
	assert.Equal(t, 10, cfg.Batch.Critical.MaxSize)

	trades := cfg.Collection("trades")
	assert.Equal(t, "composite", trades.Strategy)
	assert.Equal(t, config.ReadNearest, trades.ReadPreference)
	assert.Equal(t, "trades", trades.Table)
	assert.Equal(t, "id", trades.IDColumn)
	assert.Equal(t, 2*time.Second, trades.CacheTTL)

	other := cfg.Collection("users")
	assert.Equal(t, "hash", other.Strategy)
	assert.Equal(t, config.ReadPrimary, other.ReadPreference)

	shards, err := cfg.ShardDescriptors()
	require.NoError(t, err)
	require.Len(t, shards, 2)
	assert.Equal(t, topology.TierHot, shards[0].Tier)
	assert.Equal(t, "app", shards[0].Primary.User)
	assert.Equal(t, "orders", shards[0].Replicas[0].Database)
	assert.Equal(t, "us", shards[0].Replicas[1].Region)
	assert.Equal(t, "eu", shards[0].Replicas[0].Region)
	assert.Equal(t, topology.TierCold, shards[1].Tier)
}

const tomlConfig = `
driver = "sqlx"

[[shards]]
id = "a"
[shards.primary]
addr = "localhost:5432"

[health]
interval = "2s"
failure_threshold = 3
`

func TestLoadTOML(t *testing.T) {
	cfg, err := config.LoadConfig(writeConfig(t, "cfg.toml", tomlConfig))
	require.NoError(t, err)

	assert.Equal(t, "sqlx", cfg.Driver)
	assert.Equal(t, 2*time.Second, cfg.Health.Interval)
	assert.Equal(t, 3, cfg.Health.FailureThreshold)
	assert.Len(t, cfg.Shards, 1)
}

func TestLoadErrorsAreConfigurationErrors(t *testing.T) {
	for name, tt := range map[string]struct {
		file string
		body string
	}{
		"unknown suffix":   {"cfg.ini", "x=1"},
		"no shards":        {"cfg.yaml", "log_level: info\n"},
		"bad tier":         {"cfg.yaml", "shards:\n  - id: a\n    tier: lukewarm\n    primary:\n      addr: x\n"},
		"duplicate shard":  {"cfg.yaml", "shards:\n  - id: a\n    primary:\n      addr: x\n  - id: a\n    primary:\n      addr: y\n"},
		"no primary addr":  {"cfg.yaml", "shards:\n  - id: a\n"},
		"bad pool bounds":  {"cfg.yaml", "shards:\n  - id: a\n    primary:\n      addr: x\npool:\n  min_size: 9\n  max_size: 3\n"},
		"bad read pref":    {"cfg.yaml", "shards:\n  - id: a\n    primary:\n      addr: x\ncollections:\n  - name: c\n    read_preference: closest\n"},
		"bad hash":         {"cfg.yaml", "shards:\n  - id: a\n    primary:\n      addr: x\ncollections:\n  - name: c\n    hash_function: md5\n"},
		"bad driver":       {"cfg.yaml", "driver: mysql\nshards:\n  - id: a\n    primary:\n      addr: x\n"},
		"etcd w/o servers": {"cfg.yaml", "topology:\n  source: etcd\n"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := config.LoadConfig(writeConfig(t, tt.file, tt.body))
			require.Error(t, err)
			assert.True(t, sgerror.Is(err, sgerror.SG_CONFIGURATION), err.Error())
		})
	}
}

func TestMissingFile(t *testing.T) {
	_, err := config.LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.True(t, sgerror.Is(err, sgerror.SG_CONFIGURATION))
}
