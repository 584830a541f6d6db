package cachelock

import (
	"context"
	"time"
)

// HitInfo describes a cache hit passed to OnHit.
type HitInfo struct {
	Key string
}

// LeaderInfo describes the leader path passed to OnLeader, fired after
// fetch and any cache-set, before release completes.
type LeaderInfo struct {
	Key        string
	OwnerId    string
	LeaseUntil int64
	Cached     bool
}

// FollowerWaitInfo is fired exactly once after the follower wait loop ends,
// regardless of which way it exits.
type FollowerWaitInfo struct {
	Key        string
	LeaseUntil int64
	Waited     time.Duration
	Outcome    string // "HIT" or "FALLBACK"
}

// FallbackInfo describes a follower giving up and falling through to a
// direct fetch, passed to OnFallback.
type FallbackInfo struct {
	Key        string
	LeaseUntil int64
	Waited     time.Duration
}

// Hooks are observer callbacks invoked at fixed points in the coordination
// flow. A nil field is simply skipped. Hook errors are never swallowed: a
// failing OnHit/OnLeader/OnFollowerWait/OnFallback hook surfaces as a
// KindHookFailed error from GetOrSet rather than being dropped.
type Hooks struct {
	OnHit          func(context.Context, HitInfo) error
	OnLeader       func(context.Context, LeaderInfo) error
	OnFollowerWait func(context.Context, FollowerWaitInfo) error
	OnFallback     func(context.Context, FallbackInfo) error

	// OnCacheSetError fires when the leader's cache.set fails, just before
	// that failure is returned to the caller as a tagged error. It is a
	// notification only: it has no error return and cannot suppress or
	// replace the error.
	OnCacheSetError func(ctx context.Context, key string, err error)
}

// mergeHooks returns a Hooks where a field set on only one side is used as
// is, and a field set on both sides runs both in sequence: instance default
// first, then the per-call hook.
func mergeHooks(instanceDefault, perCall Hooks) Hooks {
	return Hooks{
		OnHit:           chainHitHooks(instanceDefault.OnHit, perCall.OnHit),
		OnLeader:        chainLeaderHooks(instanceDefault.OnLeader, perCall.OnLeader),
		OnFollowerWait:  chainFollowerWaitHooks(instanceDefault.OnFollowerWait, perCall.OnFollowerWait),
		OnFallback:      chainFallbackHooks(instanceDefault.OnFallback, perCall.OnFallback),
		OnCacheSetError: chainCacheSetErrorHooks(instanceDefault.OnCacheSetError, perCall.OnCacheSetError),
	}
}

func chainCacheSetErrorHooks(a, b func(context.Context, string, error)) func(context.Context, string, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx context.Context, key string, err error) {
		a(ctx, key, err)
		b(ctx, key, err)
	}
}

func chainHitHooks(a, b func(context.Context, HitInfo) error) func(context.Context, HitInfo) error {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx context.Context, info HitInfo) error {
		if err := a(ctx, info); err != nil {
			return err
		}
		return b(ctx, info)
	}
}

func chainLeaderHooks(a, b func(context.Context, LeaderInfo) error) func(context.Context, LeaderInfo) error {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx context.Context, info LeaderInfo) error {
		if err := a(ctx, info); err != nil {
			return err
		}
		return b(ctx, info)
	}
}

func chainFollowerWaitHooks(a, b func(context.Context, FollowerWaitInfo) error) func(context.Context, FollowerWaitInfo) error {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx context.Context, info FollowerWaitInfo) error {
		if err := a(ctx, info); err != nil {
			return err
		}
		return b(ctx, info)
	}
}

func chainFallbackHooks(a, b func(context.Context, FallbackInfo) error) func(context.Context, FallbackInfo) error {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx context.Context, info FallbackInfo) error {
		if err := a(ctx, info); err != nil {
			return err
		}
		return b(ctx, info)
	}
}

// runHit invokes the OnHit hook, if set, tagging any failure as a
// KindHookFailed error through the given PhaseRunner.
func runHit(ctx context.Context, r PhaseRunner, h Hooks, info HitInfo) error {
	if h.OnHit == nil {
		return nil
	}
	return r.Run(ctx, PhaseHookOnHit, func(ctx context.Context) error {
		return h.OnHit(ctx, info)
	})
}

func runLeader(ctx context.Context, r PhaseRunner, h Hooks, info LeaderInfo) error {
	if h.OnLeader == nil {
		return nil
	}
	return r.Run(ctx, PhaseHookOnLeader, func(ctx context.Context) error {
		return h.OnLeader(ctx, info)
	})
}

func runFollowerWait(ctx context.Context, r PhaseRunner, h Hooks, info FollowerWaitInfo) error {
	if h.OnFollowerWait == nil {
		return nil
	}
	return r.Run(ctx, PhaseHookOnWait, func(ctx context.Context) error {
		return h.OnFollowerWait(ctx, info)
	})
}

func runFallback(ctx context.Context, r PhaseRunner, h Hooks, info FallbackInfo) error {
	if h.OnFallback == nil {
		return nil
	}
	return r.Run(ctx, PhaseHookOnFallback, func(ctx context.Context) error {
		return h.OnFallback(ctx, info)
	})
}

// runCacheSetError fires OnCacheSetError, if set. Unlike the other hooks it
// cannot fail the call: it has no error return and is invoked purely for
// observability immediately before the caller sees the tagged error.
func runCacheSetError(ctx context.Context, h Hooks, key string, err error) {
	if h.OnCacheSetError != nil {
		h.OnCacheSetError(ctx, key, err)
	}
}
