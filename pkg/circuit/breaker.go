package circuit

import (
	"sync"
	"time"

	"github.com/pg-sharding/shardgate/pkg/config"
	"github.com/pg-sharding/shardgate/pkg/events"
	"github.com/pg-sharding/shardgate/pkg/models/sgerror"
	"github.com/pg-sharding/shardgate/pkg/sglog"
	"golang.org/x/time/rate"
)

type State int

const (
	StateClosed = State(iota)
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker guards one shard. It opens after FailureThreshold consecutive
// failures, rejects everything while open, and after OpenTimeout admits
// probe requests at most once per ProbeInterval until one succeeds.
type Breaker struct {
	shard string
	cfg   config.BreakerCfg
	sink  events.Sink
	now   func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probes   *rate.Limiter
}

func NewBreaker(shard string, cfg config.BreakerCfg, sink events.Sink) *Breaker {
	return newBreaker(shard, cfg, sink, time.Now)
}

func newBreaker(shard string, cfg config.BreakerCfg, sink events.Sink, now func() time.Time) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = time.Second
	}
	return &Breaker{
		shard: shard,
		cfg:   cfg,
		sink:  sink,
		now:   now,
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Rejecting reports whether the breaker is open and still inside its
// open timeout. Unlike Allow it never admits a probe.
func (b *Breaker) Rejecting() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateOpen && b.now().Sub(b.openedAt) < b.cfg.OpenTimeout
}

// Allow reports whether a request may go to the shard. While the breaker
// is open it returns ShardUnavailableError.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		now := b.now()
		if now.Sub(b.openedAt) < b.cfg.OpenTimeout {
			return b.unavailable()
		}
		b.state = StateHalfOpen
		b.probes = rate.NewLimiter(rate.Every(b.cfg.ProbeInterval), 1)
		sglog.Zero.Info().Str("shard", b.shard).Msg("circuit half-open")
		fallthrough
	default:
		if b.probes.AllowN(b.now(), 1) {
			return nil
		}
		return b.unavailable()
	}
}

func (b *Breaker) unavailable() error {
	return sgerror.Newf(sgerror.SG_SHARD_UNAVAILABLE, "circuit %s", b.state).WithShard(b.shard)
}

// Success closes a half-open breaker and resets the failure count.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == StateClosed {
		return
	}
	b.state = StateClosed
	b.probes = nil

	sglog.Zero.Info().Str("shard", b.shard).Msg("circuit closed")
	events.Emit(b.sink, events.Event{Kind: events.CircuitClosed, Shard: b.shard})
}

// Failure counts a failed request. A failed probe reopens the breaker.
func (b *Breaker) Failure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	switch b.state {
	case StateClosed:
		if b.failures < b.cfg.FailureThreshold {
			return
		}
	case StateOpen:
		return
	}

	b.state = StateOpen
	b.openedAt = b.now()
	b.probes = nil

	sglog.Zero.Warn().
		Err(err).
		Str("shard", b.shard).
		Int("failures", b.failures).
		Msg("circuit open")
	events.Emit(b.sink, events.Event{Kind: events.CircuitOpen, Shard: b.shard, Err: err})
}
