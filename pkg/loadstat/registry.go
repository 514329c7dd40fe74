package loadstat

import (
	"sort"
	"sync"
	"time"

	"github.com/caio/go-tdigest"
	"go.uber.org/atomic"
)

const (
	weightActive  = 0.5
	weightLatency = 0.3
	weightErrors  = 0.2

	rateWindowSize    = time.Second
	rateWindowBuckets = 10
)

// Clock interface for time injection.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Sample is a point-in-time view of one shard's load.
type Sample struct {
	ShardID     string
	Active      int64
	AvgLatency  time.Duration
	ErrorRate   float64
	P99Latency  time.Duration
	RPS         float64
	PeakRPS     float64
	Requests    int64
	Errors      int64
	LastUpdated time.Time
	Score       float64
}

type shardLoad struct {
	active   atomic.Int64
	requests atomic.Int64
	errors   atomic.Int64

	mu          sync.Mutex
	avgLatency  float64
	errorRate   float64
	lastUpdated time.Time
	seeded      bool
	digest      *tdigest.TDigest
	rate        *rateWindow
}

// Registry tracks per-shard load. Records for one shard must carry
// strictly increasing timestamps; older ones are dropped.
type Registry struct {
	clock       Clock
	alpha       float64
	latencyNorm time.Duration

	mu     sync.RWMutex
	shards map[string]*shardLoad
}

type Option func(*Registry)

func WithClock(c Clock) Option {
	return func(r *Registry) {
		r.clock = c
	}
}

// WithAlpha sets the EWMA smoothing factor in (0, 1].
func WithAlpha(alpha float64) Option {
	return func(r *Registry) {
		if alpha > 0 && alpha <= 1 {
			r.alpha = alpha
		}
	}
}

// WithLatencyNorm sets the latency that counts as 1.0 in the score.
func WithLatencyNorm(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.latencyNorm = d
		}
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		clock:       realClock{},
		alpha:       0.2,
		latencyNorm: 100 * time.Millisecond,
		shards:      map[string]*shardLoad{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Registry) get(id string) *shardLoad {
	r.mu.RLock()
	s, ok := r.shards[id]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok = r.shards[id]; ok {
		return s
	}
	td, _ := tdigest.New()
	s = &shardLoad{
		digest: td,
		rate:   newRateWindow(r.clock.Now(), rateWindowSize, rateWindowBuckets),
	}
	r.shards[id] = s
	return s
}

// Begin marks a query as active on the shard.
func (r *Registry) Begin(id string) {
	r.get(id).active.Inc()
}

// End releases an active slot taken by Begin.
func (r *Registry) End(id string) {
	s := r.get(id)
	if s.active.Dec() < 0 {
		s.active.Store(0)
	}
}

// Record adds a sample stamped with the registry clock. The clock is read
// under the shard lock, and samples that land on the same instant as the
// previous one are still counted.
func (r *Registry) Record(id string, latency time.Duration, err error) {
	s := r.get(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	ts := r.clock.Now()
	if s.seeded && ts.Before(s.lastUpdated) {
		ts = s.lastUpdated
	}
	r.addLocked(s, ts, latency, err)
}

// RecordAt adds a sample taken at ts. It returns false when ts is not
// after the last accepted sample of the shard.
func (r *Registry) RecordAt(id string, ts time.Time, latency time.Duration, err error) bool {
	s := r.get(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seeded && !ts.After(s.lastUpdated) {
		return false
	}
	r.addLocked(s, ts, latency, err)
	return true
}

func (r *Registry) addLocked(s *shardLoad, ts time.Time, latency time.Duration, err error) {
	failed := 0.0
	if err != nil {
		failed = 1.0
		s.errors.Inc()
	}
	s.requests.Inc()

	if !s.seeded {
		s.avgLatency = float64(latency)
		s.errorRate = failed
		s.seeded = true
	} else {
		s.avgLatency += r.alpha * (float64(latency) - s.avgLatency)
		s.errorRate += r.alpha * (failed - s.errorRate)
	}
	s.lastUpdated = ts
	_ = s.digest.Add(float64(latency))
	s.rate.add(ts)
}

func (r *Registry) score(active int64, avgLatency, errorRate float64) float64 {
	return weightActive*float64(active) +
		weightLatency*(avgLatency/float64(r.latencyNorm)) +
		weightErrors*errorRate
}

// Score returns the weighted load of the shard; unknown shards score 0.
func (r *Registry) Score(id string) float64 {
	r.mu.RLock()
	s, ok := r.shards[id]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return r.score(s.active.Load(), s.avgLatency, s.errorRate)
}

func (r *Registry) sample(id string, s *shardLoad, now time.Time) Sample {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := s.active.Load()
	cur, peak := s.rate.rate(now)
	ret := Sample{
		ShardID:     id,
		Active:      active,
		AvgLatency:  time.Duration(s.avgLatency),
		ErrorRate:   s.errorRate,
		RPS:         cur,
		PeakRPS:     peak,
		Requests:    s.requests.Load(),
		Errors:      s.errors.Load(),
		LastUpdated: s.lastUpdated,
		Score:       r.score(active, s.avgLatency, s.errorRate),
	}
	if s.seeded {
		ret.P99Latency = time.Duration(s.digest.Quantile(0.99))
	}
	return ret
}

// Sample returns the current view of one shard.
func (r *Registry) Sample(id string) (Sample, bool) {
	r.mu.RLock()
	s, ok := r.shards[id]
	r.mu.RUnlock()
	if !ok {
		return Sample{ShardID: id}, false
	}
	return r.sample(id, s, r.clock.Now()), true
}

// Snapshot returns every known shard ordered by id.
func (r *Registry) Snapshot() []Sample {
	r.mu.RLock()
	ids := make([]string, 0, len(r.shards))
	loads := make(map[string]*shardLoad, len(r.shards))
	for id, s := range r.shards {
		ids = append(ids, id)
		loads[id] = s
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	now := r.clock.Now()
	ret := make([]Sample, 0, len(ids))
	for _, id := range ids {
		ret = append(ret, r.sample(id, loads[id], now))
	}
	return ret
}

// Reset forgets every shard.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shards = map[string]*shardLoad{}
}
