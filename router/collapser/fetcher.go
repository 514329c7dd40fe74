package collapser

import (
	"context"
	"sync"

	"github.com/pg-sharding/shardgate/pkg/config"
	"github.com/pg-sharding/shardgate/pkg/models/sgerror"
	"github.com/pg-sharding/shardgate/pkg/models/topology"
	"github.com/pg-sharding/shardgate/pkg/plan"
	"github.com/pg-sharding/shardgate/pkg/pool"
	"github.com/pg-sharding/shardgate/router/executor"
	"github.com/pg-sharding/shardgate/router/routing"
	"golang.org/x/sync/errgroup"
)

//go:generate mockgen -source=router/collapser/fetcher.go -destination=router/mock/collapser/fetcher_mock.go -package=mock_collapser

// Fetcher loads rows by id. The result is keyed by plan.IDKey of the
// id; missing ids are absent.
type Fetcher interface {
	Fetch(ctx context.Context, collection string, ids []any) (map[string]plan.Row, error)
}

// ShardFetcher routes ids to shards and reads each shard with one
// SELECT, honoring the collection read preference. Collections whose
// strategy needs more than the id (time tiers, regions) are read from
// every shard Shards lists.
type ShardFetcher struct {
	Router      executor.Router
	Runner      executor.Runner
	Collections func(name string) config.CollectionCfg
	Shards      func() []string
}

var _ Fetcher = &ShardFetcher{}

func scatters(strategy string) bool {
	switch strategy {
	case routing.StrategyTimeRange, routing.StrategyComposite, routing.StrategyGeo:
		return true
	default:
		return false
	}
}

func (f *ShardFetcher) Fetch(ctx context.Context, collection string, ids []any) (map[string]plan.Row, error) {
	coll := f.Collections(collection)

	var order []string
	byShard := map[string][]any{}
	add := func(shard string, id any) {
		if _, ok := byShard[shard]; !ok {
			order = append(order, shard)
		}
		byShard[shard] = append(byShard[shard], id)
	}

	var scattered []any
	for _, id := range ids {
		if _, ok := id.(Tuple); ok {
			return nil, sgerror.Newf(sgerror.SG_QUERY_EXECUTION, "collection %s: composite ids need a custom fetcher", collection)
		}
		shard, err := f.Router.ResolveCollection(collection, topology.Key(id))
		if err != nil {
			if f.Shards == nil || !scatters(coll.Strategy) || !sgerror.Is(err, sgerror.SG_ROUTING_ERROR) {
				return nil, err
			}
			scattered = append(scattered, id)
			continue
		}
		add(shard, id)
	}
	if len(scattered) > 0 {
		for _, shard := range f.Shards() {
			for _, id := range scattered {
				add(shard, id)
			}
		}
	}

	var mu sync.Mutex
	ret := make(map[string]plan.Row, len(ids))
	eg, ctx := errgroup.WithContext(ctx)
	for _, shard := range order {
		eg.Go(func() error {
			st, err := plan.BuildSelect(collection, coll.Table, coll.IDColumn, byShard[shard])
			if err != nil {
				return err
			}
			res, err := f.Runner.Run(ctx, shard, pool.AcquireOptions{
				ReadPreference: coll.ReadPreference,
				Priority:       plan.PriorityHigh,
			}, st)
			if err != nil {
				return sgerror.Annotate(err, shard, "", 0)
			}

			mu.Lock()
			defer mu.Unlock()
			for _, row := range res.Rows {
				key := plan.IDKey(row[coll.IDColumn])
				if _, ok := ret[key]; !ok {
					ret[key] = row
				}
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return ret, nil
}
