package circuit

import (
	"errors"
	"testing"
	"time"

	"github.com/pg-sharding/shardgate/pkg/config"
	"github.com/pg-sharding/shardgate/pkg/events"
	"github.com/pg-sharding/shardgate/pkg/models/sgerror"
	"github.com/stretchr/testify/assert"
)

func TestBreakerLifecycle(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := &events.Recorder{}
	b := newBreaker("sh1", config.BreakerCfg{
		FailureThreshold: 3,
		OpenTimeout:      5 * time.Second,
		ProbeInterval:    time.Second,
	}, rec, func() time.Time { return now })

	boom := errors.New("boom")
	b.Failure(boom)
	b.Failure(boom)
	assert.NoError(t, b.Allow())
	b.Success()
	b.Failure(boom)
	b.Failure(boom)
	assert.Equal(t, StateClosed, b.State())

	b.Failure(boom)
	assert.Equal(t, StateOpen, b.State())
	err := b.Allow()
	assert.True(t, sgerror.Is(err, sgerror.SG_SHARD_UNAVAILABLE))

	now = now.Add(5 * time.Second)
	assert.NoError(t, b.Allow(), "first probe is admitted")
	assert.Equal(t, StateHalfOpen, b.State())
	assert.Error(t, b.Allow(), "second probe waits for the probe interval")

	b.Failure(boom)
	assert.Equal(t, StateOpen, b.State())

	now = now.Add(5 * time.Second)
	assert.NoError(t, b.Allow())
	b.Success()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())

	assert.Len(t, rec.Events(events.CircuitOpen), 2)
	assert.Len(t, rec.Events(events.CircuitClosed), 1)
}
