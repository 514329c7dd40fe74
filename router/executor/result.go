package executor

import (
	"context"
	"sync"

	"github.com/pg-sharding/shardgate/pkg/models/sgerror"
	"github.com/pg-sharding/shardgate/pkg/plan"
)

// Result is the handle of an enqueued operation. It resolves exactly
// once.
type Result struct {
	id   string
	done chan struct{}
	val  plan.Result
	err  error
}

func newResult(id string) *Result {
	return &Result{id: id, done: make(chan struct{})}
}

func (r *Result) ID() string {
	return r.id
}

func (r *Result) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the operation resolves or ctx is done. Giving up on
// the wait does not cancel the operation.
func (r *Result) Wait(ctx context.Context) (plan.Result, error) {
	select {
	case <-r.done:
		return r.val, r.err
	case <-ctx.Done():
		return plan.Result{}, ctx.Err()
	}
}

// Err returns the outcome of a resolved operation.
func (r *Result) Err() error {
	<-r.done
	return r.err
}

// request is one caller operation, split into one pending operation per
// shard it touches.
type request struct {
	id       string
	kind     plan.Kind
	result   *Result
	onDone   func(*request)
	pendings []*pending

	mu        sync.Mutex
	remaining int
	rows      []plan.Row
	affected  int64
	succeeded []string
	failed    map[string]error
	resolved  bool
}

// complete records the outcome of one shard part and resolves the
// request when every part is done.
func (r *request) complete(shardID string, res plan.Result, err error) {
	r.mu.Lock()
	if r.resolved {
		r.mu.Unlock()
		return
	}
	if err != nil {
		r.failed[shardID] = err
	} else {
		r.succeeded = append(r.succeeded, shardID)
		r.rows = append(r.rows, res.Rows...)
		r.affected += res.RowsAffected
	}
	r.remaining--
	if r.remaining > 0 {
		r.mu.Unlock()
		return
	}
	r.resolved = true
	r.mu.Unlock()

	switch {
	case len(r.failed) == 0:
		r.result.val = plan.Result{Rows: r.rows, RowsAffected: r.affected}
	case len(r.pendings) == 1:
		r.result.err = r.failed[shardID]
	default:
		r.result.err = sgerror.NewPartialFailure(r.id, r.succeeded, r.failed)
	}
	close(r.result.done)
	if r.onDone != nil {
		r.onDone(r)
	}
}

// reject resolves the whole request without running it.
func (r *request) reject(err error) {
	r.mu.Lock()
	if r.resolved {
		r.mu.Unlock()
		return
	}
	r.resolved = true
	r.mu.Unlock()

	r.result.err = err
	close(r.result.done)
	if r.onDone != nil {
		r.onDone(r)
	}
}
