package loadstat_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pg-sharding/shardgate/pkg/loadstat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time { return c.now }

func (c *manualClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newRegistry() (*loadstat.Registry, *manualClock) {
	clock := &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return loadstat.NewRegistry(
		loadstat.WithClock(clock),
		loadstat.WithAlpha(0.5),
		loadstat.WithLatencyNorm(100*time.Millisecond),
	), clock
}

func TestScoreWeights(t *testing.T) {
	r, clock := newRegistry()

	r.Begin("sh1")
	r.Begin("sh1")
	clock.Advance(time.Millisecond)
	r.Record("sh1", 100*time.Millisecond, errors.New("boom"))

	// 0.5*2 + 0.3*1 + 0.2*1
	assert.InDelta(t, 1.5, r.Score("sh1"), 1e-9)
	assert.Equal(t, 0.0, r.Score("unknown"))

	r.End("sh1")
	r.End("sh1")
	r.End("sh1")
	s, ok := r.Sample("sh1")
	require.True(t, ok)
	assert.Equal(t, int64(0), s.Active)
}

func TestEWMA(t *testing.T) {
	r, clock := newRegistry()

	clock.Advance(time.Millisecond)
	r.Record("sh1", 100*time.Millisecond, nil)
	clock.Advance(time.Millisecond)
	r.Record("sh1", 300*time.Millisecond, errors.New("x"))

	s, ok := r.Sample("sh1")
	require.True(t, ok)
	assert.Equal(t, 200*time.Millisecond, s.AvgLatency)
	assert.InDelta(t, 0.5, s.ErrorRate, 1e-9)
	assert.Equal(t, int64(2), s.Requests)
	assert.Equal(t, int64(1), s.Errors)
	assert.Equal(t, clock.Now(), s.LastUpdated)
	assert.Greater(t, s.P99Latency, 100*time.Millisecond)
}

func TestRecordAtRejectsStale(t *testing.T) {
	r, _ := newRegistry()
	ts := time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC)

	assert.True(t, r.RecordAt("sh1", ts, 10*time.Millisecond, nil))
	assert.False(t, r.RecordAt("sh1", ts, 900*time.Millisecond, nil))
	assert.False(t, r.RecordAt("sh1", ts.Add(-time.Second), 900*time.Millisecond, nil))
	assert.True(t, r.RecordAt("sh2", ts.Add(-time.Second), 900*time.Millisecond, nil))

	s, _ := r.Sample("sh1")
	assert.Equal(t, 10*time.Millisecond, s.AvgLatency)
	assert.Equal(t, int64(1), s.Requests)
}

func TestRecordKeepsSamplesOnTheSameInstant(t *testing.T) {
	r, clock := newRegistry()

	clock.Advance(time.Millisecond)
	r.Record("sh1", 10*time.Millisecond, nil)
	r.Record("sh1", 10*time.Millisecond, errors.New("timeout"))
	r.Record("sh1", 10*time.Millisecond, errors.New("timeout"))

	s, _ := r.Sample("sh1")
	assert.Equal(t, int64(3), s.Requests)
	assert.Equal(t, int64(2), s.Errors)
	assert.InDelta(t, 0.75, s.ErrorRate, 1e-9)
	assert.Equal(t, clock.Now(), s.LastUpdated)
}

func TestConcurrentRecordLosesNothing(t *testing.T) {
	r := loadstat.NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Record("sh1", time.Millisecond, errors.New("x"))
			}
		}()
	}
	wg.Wait()

	s, _ := r.Sample("sh1")
	assert.Equal(t, int64(800), s.Requests)
	assert.Equal(t, int64(800), s.Errors)
}

func TestRequestRateWindow(t *testing.T) {
	r, clock := newRegistry()

	for i := 0; i < 20; i++ {
		clock.Advance(10 * time.Millisecond)
		r.Record("sh1", time.Millisecond, nil)
	}
	s, _ := r.Sample("sh1")
	assert.InDelta(t, 20, s.RPS, 1e-9)
	assert.InDelta(t, 20, s.PeakRPS, 1e-9)

	clock.Advance(5 * time.Second)
	s, _ = r.Sample("sh1")
	assert.Equal(t, 0.0, s.RPS)
	assert.InDelta(t, 20, s.PeakRPS, 1e-9)
}

func TestSnapshotAndReset(t *testing.T) {
	r, clock := newRegistry()

	for _, id := range []string{"c", "a", "b"} {
		clock.Advance(time.Millisecond)
		r.Record(id, time.Millisecond, nil)
	}
	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "a", snap[0].ShardID)
	assert.Equal(t, "c", snap[2].ShardID)

	r.Reset()
	assert.Empty(t, r.Snapshot())
	_, ok := r.Sample("a")
	assert.False(t, ok)
}
