package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/pg-sharding/shardgate/pkg/sglog"
)

// writeGauges renders the current shard and pool state in Prometheus
// text format.
func (a *App) writeGauges(w http.ResponseWriter) {
	set := metrics.NewSet()
	m := a.GetMetrics()

	ids := make([]string, 0, len(m.PerShard))
	for id := range m.PerShard {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		sm := m.PerShard[id]
		l := sm.Load
		set.GetOrCreateGauge(fmt.Sprintf(`shardgate_shard_score{shard=%q}`, id), func() float64 { return l.Score })
		set.GetOrCreateGauge(fmt.Sprintf(`shardgate_shard_active{shard=%q}`, id), func() float64 { return float64(l.Active) })
		set.GetOrCreateGauge(fmt.Sprintf(`shardgate_shard_latency_seconds{shard=%q}`, id), func() float64 { return l.AvgLatency.Seconds() })
		set.GetOrCreateGauge(fmt.Sprintf(`shardgate_shard_latency_p99_seconds{shard=%q}`, id), func() float64 { return l.P99Latency.Seconds() })
		set.GetOrCreateGauge(fmt.Sprintf(`shardgate_shard_error_rate{shard=%q}`, id), func() float64 { return l.ErrorRate })
		set.GetOrCreateGauge(fmt.Sprintf(`shardgate_shard_rps{shard=%q}`, id), func() float64 { return l.RPS })

		for _, ps := range sm.Pools {
			labels := fmt.Sprintf(`{shard=%q,host=%q,role=%q}`, ps.ShardID, ps.HostID, ps.Role)
			set.GetOrCreateGauge("shardgate_pool_size"+labels, func() float64 { return float64(ps.Size) })
			set.GetOrCreateGauge("shardgate_pool_in_use"+labels, func() float64 { return float64(ps.InUse) })
			set.GetOrCreateGauge("shardgate_pool_idle"+labels, func() float64 { return float64(ps.Idle) })
			set.GetOrCreateGauge("shardgate_pool_acquire_wait_p99_seconds"+labels, func() float64 { return ps.WaitP99.Seconds() })
			set.GetOrCreateGauge("shardgate_pool_healthy"+labels, func() float64 {
				if ps.Healthy {
					return 1
				}
				return 0
			})
		}
	}
	for prio, depth := range m.QueueDepths {
		set.GetOrCreateGauge(fmt.Sprintf(`shardgate_queue_depth{priority=%q}`, prio), func() float64 { return float64(depth) })
	}
	set.WritePrometheus(w)
}

// unhealthyShards lists shards without a single healthy pool.
func (a *App) unhealthyShards() []string {
	var ret []string
	for id, sm := range a.GetMetrics().PerShard {
		healthy := false
		for _, ps := range sm.Pools {
			healthy = healthy || ps.Healthy
		}
		if !healthy {
			ret = append(ret, id)
		}
	}
	sort.Strings(ret)
	return ret
}

func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
		a.counter.WritePrometheus(w)
		a.writeGauges(w)
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if bad := a.unhealthyShards(); len(bad) > 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("unhealthy shards: " + strings.Join(bad, ",")))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return mux
}

// ServeMetrics serves /metrics and /health on the configured address
// until ctx is done.
func (a *App) ServeMetrics(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	sglog.Zero.Info().
		Str("addr", srv.Addr).
		Msg("starting metrics server")

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		sglog.Zero.Error().Err(err).Msg("metrics server failed")
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	}
}
