package cachelock

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeHooks_InstanceDefaultRunsBeforePerCall(t *testing.T) {
	var order []string

	instance := Hooks{
		OnHit: func(context.Context, HitInfo) error {
			order = append(order, "instance")
			return nil
		},
	}
	perCall := Hooks{
		OnHit: func(context.Context, HitInfo) error {
			order = append(order, "perCall")
			return nil
		},
	}

	merged := mergeHooks(instance, perCall)
	err := runHit(context.Background(), PhaseRunner{}, merged, HitInfo{Key: "k"})
	require.NoError(t, err)
	assert.Equal(t, []string{"instance", "perCall"}, order)
}

func TestMergeHooks_OnlyOneSidePassesThroughUnchanged(t *testing.T) {
	called := false
	instance := Hooks{OnLeader: func(context.Context, LeaderInfo) error {
		called = true
		return nil
	}}

	merged := mergeHooks(instance, Hooks{})
	err := runLeader(context.Background(), PhaseRunner{}, merged, LeaderInfo{Key: "k"})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestMergeHooks_InstanceErrorShortCircuitsPerCall(t *testing.T) {
	perCallCalled := false
	instance := Hooks{OnFollowerWait: func(context.Context, FollowerWaitInfo) error {
		return errors.New("instance failed")
	}}
	perCall := Hooks{OnFollowerWait: func(context.Context, FollowerWaitInfo) error {
		perCallCalled = true
		return nil
	}}

	merged := mergeHooks(instance, perCall)
	err := runFollowerWait(context.Background(), PhaseRunner{}, merged, FollowerWaitInfo{Key: "k"})

	require.Error(t, err)
	var tagged *Error
	require.ErrorAs(t, err, &tagged)
	assert.Equal(t, KindHookFailed, tagged.Kind)
	assert.False(t, perCallCalled, "per-call hook must not run once the instance-default hook fails")
}

func TestRunFallback_NilHookIsNoop(t *testing.T) {
	err := runFallback(context.Background(), PhaseRunner{}, Hooks{}, FallbackInfo{Key: "k"})
	require.NoError(t, err)
}

func TestRunCacheSetError_NilHookIsNoop(t *testing.T) {
	assert.NotPanics(t, func() {
		runCacheSetError(context.Background(), Hooks{}, "k", errors.New("boom"))
	})
}

func TestRunCacheSetError_InvokesBothSidesInOrder(t *testing.T) {
	var order []string
	instance := Hooks{OnCacheSetError: func(_ context.Context, key string, err error) {
		order = append(order, "instance:"+key+":"+err.Error())
	}}
	perCall := Hooks{OnCacheSetError: func(_ context.Context, key string, err error) {
		order = append(order, "perCall:"+key+":"+err.Error())
	}}

	merged := mergeHooks(instance, perCall)
	runCacheSetError(context.Background(), merged, "k", errors.New("boom"))

	assert.Equal(t, []string{"instance:k:boom", "perCall:k:boom"}, order)
}

func TestMergeHooks_OnCacheSetErrorOnlyOneSidePassesThroughUnchanged(t *testing.T) {
	called := false
	instance := Hooks{OnCacheSetError: func(context.Context, string, error) {
		called = true
	}}

	merged := mergeHooks(instance, Hooks{})
	runCacheSetError(context.Background(), merged, "k", errors.New("boom"))
	assert.True(t, called)
}
