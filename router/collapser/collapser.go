package collapser

import (
	"context"
	"sync"
	"time"

	"github.com/pg-sharding/shardgate/pkg/config"
	"github.com/pg-sharding/shardgate/pkg/plan"
	"github.com/pg-sharding/shardgate/pkg/sglog"
	"github.com/puzpuzpuz/xsync/v3"
)

type outcome struct {
	row plan.Row
	err error
}

// window gathers the Load calls of one collection during one tick.
type window struct {
	ids     []any
	waiters map[string][]chan outcome
}

func (w *window) add(key string, id any) chan outcome {
	ch := make(chan outcome, 1)
	if _, ok := w.waiters[key]; !ok {
		w.ids = append(w.ids, id)
	}
	w.waiters[key] = append(w.waiters[key], ch)
	return ch
}

type cached struct {
	row     plan.Row
	expires time.Time
}

// Collapser merges concurrent point reads of a collection into one fetch
// per tick.
type Collapser struct {
	fetcher      Fetcher
	tick         time.Duration
	fetchTimeout time.Duration
	collections  func(name string) config.CollectionCfg
	now          func() time.Time

	cache *xsync.MapOf[string, cached]

	mu      sync.Mutex
	windows map[string]*window
}

type Option func(*Collapser)

// WithCollections enables per-collection caching for collections with a
// cache TTL.
func WithCollections(f func(name string) config.CollectionCfg) Option {
	return func(c *Collapser) {
		c.collections = f
	}
}

func WithFetchTimeout(d time.Duration) Option {
	return func(c *Collapser) {
		c.fetchTimeout = d
	}
}

func New(fetcher Fetcher, tick time.Duration, opts ...Option) *Collapser {
	c := &Collapser{
		fetcher:      fetcher,
		tick:         tick,
		fetchTimeout: 30 * time.Second,
		now:          time.Now,
		cache:        xsync.NewMapOf[string, cached](),
		windows:      map[string]*window{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func cacheKey(collection, key string) string {
	return collection + "\x00" + key
}

func (c *Collapser) ttl(collection string) time.Duration {
	if c.collections == nil {
		return 0
	}
	return c.collections(collection).CacheTTL
}

// Load returns the row with the given id, or nil when it does not exist.
// Calls for one collection within a tick share a single fetch.
func (c *Collapser) Load(ctx context.Context, collection string, id any) (plan.Row, error) {
	key := plan.IDKey(id)

	if e, ok := c.cache.Load(cacheKey(collection, key)); ok {
		if c.now().Before(e.expires) {
			return e.row, nil
		}
		c.cache.Delete(cacheKey(collection, key))
	}

	c.mu.Lock()
	w, ok := c.windows[collection]
	if !ok {
		w = &window{waiters: map[string][]chan outcome{}}
		c.windows[collection] = w
		time.AfterFunc(c.tick, func() {
			c.fire(collection, w)
		})
	}
	ch := w.add(key, id)
	c.mu.Unlock()

	select {
	case o := <-ch:
		return o.row, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Collapser) fire(collection string, w *window) {
	c.mu.Lock()
	if c.windows[collection] == w {
		delete(c.windows, collection)
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.fetchTimeout)
	defer cancel()

	sglog.Zero.Debug().
		Str("collection", collection).
		Int("ids", len(w.ids)).
		Msg("collapsed fetch")

	rows, err := c.fetcher.Fetch(ctx, collection, w.ids)
	if err != nil {
		sglog.Zero.Debug().Err(err).Str("collection", collection).Msg("collapsed fetch failed")
	}

	ttl := c.ttl(collection)
	expires := c.now().Add(ttl)
	for key, chs := range w.waiters {
		o := outcome{err: err}
		if err == nil {
			o.row = rows[key]
			if ttl > 0 {
				c.cache.Store(cacheKey(collection, key), cached{row: o.row, expires: expires})
			}
		}
		for _, ch := range chs {
			ch <- o
		}
	}
}

// Invalidate drops the cached row of id, after a write to it.
func (c *Collapser) Invalidate(collection string, id any) {
	c.cache.Delete(cacheKey(collection, plan.IDKey(id)))
}
