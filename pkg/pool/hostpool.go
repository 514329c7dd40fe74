package pool

import (
	"context"
	"sync"
	"time"

	"github.com/pg-sharding/shardgate/pkg/config"
	"github.com/pg-sharding/shardgate/pkg/conn"
	"github.com/pg-sharding/shardgate/pkg/loadstat"
	"github.com/pg-sharding/shardgate/pkg/models/sgerror"
	"github.com/pg-sharding/shardgate/pkg/models/topology"
	"github.com/pg-sharding/shardgate/pkg/plan"
	"github.com/pg-sharding/shardgate/pkg/sglog"
	gometrics "github.com/rcrowley/go-metrics"
	"go.uber.org/atomic"
)

/* pool for single host */

// hostPool bounds connections to one host with a token queue: the
// channel holds one token per connection that may be checked out. Resize
// adds tokens or takes them back; tokens that are checked out when the
// pool shrinks are recorded as debt and dropped on return.
type hostPool struct {
	host   *topology.HostDescriptor
	driver conn.Driver
	cfg    config.PoolCfg
	now    func() time.Time

	mu     sync.Mutex
	idle   []*PooledConn
	active map[*PooledConn]struct{}
	queue  chan struct{}
	size   int
	debt   int
	gen    uint64

	waits    atomic.Int64
	timeouts atomic.Int64
	errors   atomic.Int64
	acquires atomic.Int64
	waitHist gometrics.Histogram

	load *loadstat.Registry

	healthy    atomic.Bool
	probeFails atomic.Int64
	recovering atomic.Bool

	// counters at the previous tuning pass
	lastWaits    int64
	lastErrors   int64
	lastAcquires int64
}

func newHostPool(host *topology.HostDescriptor, driver conn.Driver, cfg config.PoolCfg, load *loadstat.Registry, reg gometrics.Registry, now func() time.Time) *hostPool {
	hp := &hostPool{
		host:   host,
		driver: driver,
		cfg:    cfg,
		now:    now,
		load:   load,
		active: map[*PooledConn]struct{}{},
		queue:  make(chan struct{}, cfg.MaxSize),
		size:   cfg.InitialSize,
		waitHist: gometrics.GetOrRegisterHistogram(
			"pool."+host.ID+".acquire_wait", reg, gometrics.NewExpDecaySample(1028, 0.015)),
	}
	for tok := 0; tok < hp.size; tok++ {
		hp.queue <- struct{}{}
	}
	hp.healthy.Store(true)

	sglog.Zero.Debug().
		Uint("pool", sglog.GetPointer(hp)).
		Str("host", host.ID).
		Int("tokens", hp.size).
		Msg("initialized pool queue with tokens")
	return hp
}

func (hp *hostPool) Healthy() bool {
	return hp.healthy.Load()
}

// warm dials connections up to the initial size.
func (hp *hostPool) warm(ctx context.Context) error {
	for i := 0; i < hp.cfg.InitialSize; i++ {
		c, err := hp.driver.Connect(ctx, hp.host)
		if err != nil {
			hp.errors.Inc()
			return err
		}
		hp.mu.Lock()
		hp.idle = append(hp.idle, hp.wrap(c))
		hp.mu.Unlock()
	}
	return nil
}

// wrap must be called with the lock held or before the pool is shared.
func (hp *hostPool) wrap(c conn.Conn) *PooledConn {
	return &PooledConn{
		Conn:     c,
		ShardID:  hp.host.ShardID,
		HostID:   hp.host.ID,
		Role:     hp.host.Role,
		pool:     hp,
		gen:      hp.gen,
		lastUsed: hp.now(),
	}
}

func (hp *hostPool) acquire(ctx context.Context, priority plan.Priority, timeout time.Duration) (*PooledConn, error) {
	start := time.Now()
	hp.acquires.Inc()

	select {
	case <-hp.queue:
	default:
		hp.waits.Inc()
		sglog.Zero.Debug().
			Str("host", hp.host.ID).
			Str("priority", priority.String()).
			Msg("pool exhausted, waiting for a connection")

		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-hp.queue:
		case <-timer.C:
			hp.timeouts.Inc()
			return nil, sgerror.Newf(sgerror.SG_CONNECTION_TIMEOUT,
				"no connection to %s within %s", hp.host.ID, timeout).WithShard(hp.host.ShardID)
		case <-ctx.Done():
			hp.timeouts.Inc()
			return nil, sgerror.Wrap(sgerror.SG_CONNECTION_TIMEOUT, ctx.Err()).WithShard(hp.host.ShardID)
		}
	}
	hp.waitHist.Update(int64(time.Since(start)))

	/* reuse cached connection, if any */
	hp.mu.Lock()
	for len(hp.idle) > 0 {
		pc := hp.idle[len(hp.idle)-1]
		hp.idle = hp.idle[:len(hp.idle)-1]
		if pc.gen != hp.gen {
			go pc.Conn.Close()
			continue
		}
		pc.acquiredAt = hp.now()
		hp.active[pc] = struct{}{}
		hp.mu.Unlock()
		return pc, nil
	}
	hp.mu.Unlock()

	// do not hold the lock while dialing
	c, err := hp.driver.Connect(ctx, hp.host)
	if err != nil {
		hp.errors.Inc()
		hp.mu.Lock()
		hp.returnToken()
		hp.mu.Unlock()
		return nil, conn.Classify(err, hp.host.ShardID)
	}

	hp.mu.Lock()
	defer hp.mu.Unlock()
	pc := hp.wrap(c)
	pc.acquiredAt = hp.now()
	hp.active[pc] = struct{}{}
	return pc, nil
}

// returnToken must be called with the lock held.
func (hp *hostPool) returnToken() {
	if hp.debt > 0 {
		hp.debt--
		return
	}
	hp.queue <- struct{}{}
}

func (hp *hostPool) put(pc *PooledConn) {
	hp.mu.Lock()
	defer hp.mu.Unlock()

	if _, ok := hp.active[pc]; !ok {
		// double free
		return
	}
	delete(hp.active, pc)
	hp.returnToken()

	if pc.gen != hp.gen {
		go pc.Conn.Close()
		return
	}
	pc.lastUsed = hp.now()
	hp.idle = append(hp.idle, pc)
}

func (hp *hostPool) discard(pc *PooledConn) error {
	sglog.Zero.Debug().
		Str("host", hp.host.ID).
		Msg("discard connection from pool")

	/* do not hold mutex while closing the connection */
	err := pc.Conn.Close()

	hp.mu.Lock()
	defer hp.mu.Unlock()
	if _, ok := hp.active[pc]; !ok {
		return nil
	}
	delete(hp.active, pc)
	hp.returnToken()
	return err
}

func (hp *hostPool) observe(latency time.Duration, err error) {
	if err != nil {
		hp.errors.Inc()
	}
	if hp.load != nil {
		hp.load.Record(hp.host.ID, latency, err)
	}
}

// resize moves the token limit to n within [min, max] and returns the
// previous and new sizes.
func (hp *hostPool) resize(n int) (int, int) {
	hp.mu.Lock()
	defer hp.mu.Unlock()

	n = max(hp.cfg.MinSize, min(hp.cfg.MaxSize, n))
	from := hp.size
	for ; hp.size < n; hp.size++ {
		if hp.debt > 0 {
			hp.debt--
			continue
		}
		hp.queue <- struct{}{}
	}
	for ; hp.size > n; hp.size-- {
		select {
		case <-hp.queue:
		default:
			hp.debt++
		}
	}
	return from, hp.size
}

// reap closes idle connections unused for the idle timeout, keeping at
// least the minimum size open.
func (hp *hostPool) reap() int {
	hp.mu.Lock()
	now := hp.now()
	open := len(hp.idle) + len(hp.active)
	var keep, drop []*PooledConn
	for _, pc := range hp.idle {
		if open > hp.cfg.MinSize && now.Sub(pc.lastUsed) >= hp.cfg.IdleTimeout {
			drop = append(drop, pc)
			open--
			continue
		}
		keep = append(keep, pc)
	}
	hp.idle = keep
	hp.mu.Unlock()

	for _, pc := range drop {
		_ = pc.Conn.Close()
	}
	if len(drop) > 0 {
		sglog.Zero.Debug().Str("host", hp.host.ID).Int("closed", len(drop)).Msg("reaped idle connections")
	}
	return len(drop)
}

// probe pings an idle connection, or a fresh one when none is idle.
func (hp *hostPool) probe(ctx context.Context) error {
	hp.mu.Lock()
	var pc *PooledConn
	if n := len(hp.idle); n > 0 {
		pc = hp.idle[n-1]
		hp.idle = hp.idle[:n-1]
	}
	hp.mu.Unlock()

	if pc == nil {
		c, err := hp.driver.Connect(ctx, hp.host)
		if err != nil {
			return err
		}
		hp.mu.Lock()
		pc = hp.wrap(c)
		hp.mu.Unlock()
	}

	if err := pc.Conn.Ping(ctx); err != nil {
		_ = pc.Conn.Close()
		return err
	}

	hp.mu.Lock()
	defer hp.mu.Unlock()
	if pc.gen != hp.gen {
		go pc.Conn.Close()
		return nil
	}
	hp.idle = append(hp.idle, pc)
	return nil
}

// reset drops every idle connection and retires checked out ones, so
// they are closed on return.
func (hp *hostPool) reset() {
	hp.mu.Lock()
	hp.gen++
	idle := hp.idle
	hp.idle = nil
	hp.mu.Unlock()

	for _, pc := range idle {
		_ = pc.Conn.Close()
	}
}

func (hp *hostPool) close() {
	hp.reset()
}

func (hp *hostPool) stats() Stats {
	hp.mu.Lock()
	inUse, idle, size := len(hp.active), len(hp.idle), hp.size
	hp.mu.Unlock()

	return Stats{
		ShardID:  hp.host.ShardID,
		HostID:   hp.host.ID,
		Role:     hp.host.Role,
		Size:     size,
		Min:      hp.cfg.MinSize,
		Max:      hp.cfg.MaxSize,
		InUse:    inUse,
		Idle:     idle,
		Waits:    hp.waits.Load(),
		Timeouts: hp.timeouts.Load(),
		Errors:   hp.errors.Load(),
		WaitP99:  time.Duration(hp.waitHist.Percentile(0.99)),
		Healthy:  hp.healthy.Load(),
	}
}
