package sgerror_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/pg-sharding/shardgate/pkg/models/sgerror"
	"github.com/stretchr/testify/assert"
)

func TestErrorMessageCarriesContext(t *testing.T) {
	err := sgerror.New(sgerror.SG_SHARD_UNAVAILABLE, "all pools unhealthy").
		WithShard("sh2").
		WithOperation("op-1", 3)

	assert.Equal(t,
		"Code: SGA. Name: ShardUnavailableError. Description: all pools unhealthy. Shard: sh2. Operation: op-1. Retries: 3.",
		err.Error())
}

func TestIsFollowsWrappedChain(t *testing.T) {
	inner := sgerror.New(sgerror.SG_CONNECTION_TIMEOUT, "pool exhausted")
	outer := sgerror.Wrap(sgerror.SG_QUERY_EXECUTION, fmt.Errorf("exec: %w", inner))

	assert.True(t, sgerror.Is(outer, sgerror.SG_QUERY_EXECUTION))
	assert.True(t, sgerror.Is(outer, sgerror.SG_CONNECTION_TIMEOUT))
	assert.False(t, sgerror.Is(outer, sgerror.SG_ROUTING_ERROR))
	assert.False(t, sgerror.Is(errors.New("plain"), sgerror.SG_ROUTING_ERROR))
	assert.Equal(t, sgerror.SG_QUERY_EXECUTION, sgerror.CodeOf(outer))
	assert.Equal(t, sgerror.SG_UNEXPECTED, sgerror.CodeOf(errors.New("plain")))
}

func TestWrapSameCodeIsIdentity(t *testing.T) {
	err := sgerror.New(sgerror.SG_ROUTING_ERROR, "no shard")
	assert.Same(t, err, sgerror.Wrap(sgerror.SG_ROUTING_ERROR, err))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, sgerror.IsTransient(sgerror.New(sgerror.SG_CONNECTION_TIMEOUT, "x")))
	assert.True(t, sgerror.IsTransient(sgerror.New(sgerror.SG_QUERY_EXECUTION, "deadlock").MarkTransient()))
	assert.False(t, sgerror.IsTransient(sgerror.New(sgerror.SG_QUERY_EXECUTION, "syntax")))
	assert.False(t, sgerror.IsTransient(errors.New("plain")))
}

func TestPartialFailure(t *testing.T) {
	err := sgerror.NewPartialFailure("op-7", []string{"sh2", "sh0"}, map[string]error{
		"sh1": errors.New("boom"),
	})

	assert.True(t, sgerror.Is(err, sgerror.SG_PARTIAL_FAILURE))

	pf, ok := sgerror.AsPartialFailure(err)
	assert.True(t, ok)
	assert.Equal(t, []string{"sh0", "sh2"}, pf.Succeeded)
	assert.Contains(t, pf.Failed, "sh1")
	assert.Contains(t, err.Error(), "failed on shards [sh1]")
}

func TestAnnotate(t *testing.T) {
	orig := sgerror.New(sgerror.SG_CONNECTION_TIMEOUT, "acquire timed out").WithShard("sh0")

	got := sgerror.Annotate(orig, "", "op-1", 2)
	assert.Equal(t, sgerror.SG_CONNECTION_TIMEOUT, got.ErrorCode)
	assert.Equal(t, "sh0", got.ShardID)
	assert.Equal(t, "op-1", got.OperationID)
	assert.Equal(t, 2, got.RetryCount)
	assert.Empty(t, orig.OperationID)

	plain := errors.New("relation does not exist")
	got = sgerror.Annotate(plain, "sh3", "op-2", 0)
	assert.Equal(t, sgerror.SG_QUERY_EXECUTION, got.ErrorCode)
	assert.Equal(t, "sh3", got.ShardID)
	assert.ErrorIs(t, got, plain)
}
