package cachelock

import (
	"context"
	"fmt"
	"time"
)

// runGetOrSet drives the full getOrSet state machine for one call: cache
// probe, lease acquisition, leader fetch/set/markReady/release, or follower
// wait/classify/fallback. It assumes validation already happened in resolve
// and that ctx has already absorbed the cancellation race (see
// cancellation.go) — runGetOrSet itself never touches the abort signal.
func runGetOrSet(ctx context.Context, key string, fetch Fetcher, opts resolvedOptions) (Result, error) {
	phases := PhaseRunner{Key: key}

	// 1. CacheProbe.
	if value, ok, err := cacheGet(ctx, phases, opts.cache, key); err != nil {
		return Result{}, err
	} else if ok {
		if err := runHit(ctx, phases, opts.hooks, HitInfo{Key: key}); err != nil {
			return Result{}, err
		}
		return Result{Value: value, Meta: Meta{Outcome: OutcomeHit}}, nil
	}

	// 2. Acquire.
	acquireResult, err := leaseAcquire(ctx, phases, opts.leases, key, opts.ownerId, opts.leaseTtl)
	if err != nil {
		return Result{}, err
	}

	if acquireResult.Leader {
		return runLeaderPath(ctx, phases, key, fetch, opts, acquireResult.LeaseUntil)
	}
	return runFollowerPath(ctx, phases, key, fetch, opts, acquireResult.LeaseUntil)
}

func runLeaderPath(ctx context.Context, phases PhaseRunner, key string, fetch Fetcher, opts resolvedOptions, leaseUntil int64) (Result, error) {
	// Release always runs, on every exit path, regardless of fetch/cache/
	// hook outcome; its own errors are swallowed save for a warning log.
	defer func() {
		if err := opts.leases.Release(detach(ctx), key, opts.ownerId); err != nil {
			logWarn(opts.logger, "cache-locking: lease release failed", "key", key, "owner", opts.ownerId, "error", err)
		}
	}()

	value, fetchErr := runFetcher(ctx, phases, fetch)
	if fetchErr != nil {
		return Result{}, fetchErr
	}

	cached := opts.shouldCache(value)
	outcome := OutcomeMissLeaderNoCache
	if cached {
		ttl := applyTTLJitter(clampNonNegative(ttlOrZero(opts.cacheTtl)), opts.ttlJitter)
		if err := cacheSet(ctx, phases, opts.cache, key, value, ttl); err != nil {
			runCacheSetError(ctx, opts.hooks, key, err)
			return Result{}, err
		}
		outcome = OutcomeMissLeader
	}

	if rc, ok := opts.leases.(ReadyCapable); ok {
		if err := phases.Run(ctx, PhaseLeaseMarkReady, func(ctx context.Context) error {
			return rc.MarkReady(ctx, key)
		}); err != nil {
			return Result{}, err
		}
	}

	leaseUntilCopy := leaseUntil
	if err := runLeader(ctx, phases, opts.hooks, LeaderInfo{
		Key:        key,
		OwnerId:    opts.ownerId,
		LeaseUntil: leaseUntil,
		Cached:     cached,
	}); err != nil {
		return Result{}, err
	}

	return Result{Value: value, Meta: Meta{Outcome: outcome, LeaseUntil: &leaseUntilCopy}}, nil
}

func runFollowerPath(ctx context.Context, phases PhaseRunner, key string, fetch Fetcher, opts resolvedOptions, leaseUntil int64) (Result, error) {
	value, waited, hitInLoop, err := followerWaitLoop(ctx, phases, key, opts)
	if err != nil {
		return Result{}, err
	}

	waitedCopy := waited
	leaseUntilCopy := leaseUntil

	waitOutcome := "FALLBACK"
	if hitInLoop {
		waitOutcome = "HIT"
	}
	if err := runFollowerWait(ctx, phases, opts.hooks, FollowerWaitInfo{
		Key:        key,
		LeaseUntil: leaseUntil,
		Waited:     waited,
		Outcome:    waitOutcome,
	}); err != nil {
		return Result{}, err
	}

	if hitInLoop {
		return Result{Value: value, Meta: Meta{
			Outcome:    OutcomeMissFollowerHit,
			LeaseUntil: &leaseUntilCopy,
			Waited:     &waitedCopy,
		}}, nil
	}

	logInfo(opts.logger, "cache-locking: follower gave up waiting, fetching directly", "key", key, "waited", waited)

	// FALLBACK: fetch directly, no lease, no cache write, no markReady.
	fallbackValue, fetchErr := runFetcher(ctx, phases, fetch)
	if fetchErr != nil {
		return Result{}, fetchErr
	}
	if err := runFallback(ctx, phases, opts.hooks, FallbackInfo{Key: key, LeaseUntil: leaseUntil, Waited: waited}); err != nil {
		return Result{}, err
	}

	return Result{Value: fallbackValue, Meta: Meta{
		Outcome:    OutcomeMissFollowerFallback,
		LeaseUntil: &leaseUntilCopy,
		Waited:     &waitedCopy,
	}}, nil
}

// followerWaitLoop is a bounded retry loop: each iteration probes the cache
// and, if supported, the lease's readiness state, then sleeps for a delay
// computed by the configured WaitStrategy before trying again, using
// explicit attempt/start/elapsed state rather than recursion. It performs
// the mandatory final cache read after exit.
func followerWaitLoop(ctx context.Context, phases PhaseRunner, key string, opts resolvedOptions) ([]byte, time.Duration, bool, error) {
	start := opts.clock.NowMillis()
	attempt := 0

	for {
		if value, ok, err := cacheGet(ctx, phases, opts.cache, key); err != nil {
			return nil, 0, false, err
		} else if ok {
			return value, elapsedSince(opts.clock, start), true, nil
		}

		if rc, ok := opts.leases.(ReadyCapable); ok {
			var state ReadyState
			var supported bool
			if err := phases.Run(ctx, PhaseLeaseIsReady, func(ctx context.Context) error {
				s, sup, err := rc.IsReady(ctx, key)
				state, supported = s, sup
				return err
			}); err != nil {
				return nil, 0, false, err
			}
			if supported && (state.Ready || state.Expired) {
				break
			}
		}

		elapsed := elapsedSince(opts.clock, start)
		remaining := opts.waitMax - elapsed
		if remaining <= 0 {
			break
		}

		delay, err := phaseWaitStrategy(ctx, phases, opts.waitStrategy, WaitParams{
			Attempt:   attempt,
			Elapsed:   elapsed,
			Remaining: remaining,
			WaitMax:   opts.waitMax,
			WaitStep:  opts.waitStep,
		})
		if err != nil {
			return nil, 0, false, err
		}
		if delay > remaining {
			delay = remaining
		}
		if delay < 0 {
			delay = 0
		}

		attempt++
		if err := phases.Run(ctx, PhaseWaitSleep, func(ctx context.Context) error {
			opts.clock.Sleep(delay)
			return nil
		}); err != nil {
			return nil, 0, false, err
		}
	}

	// Final belt-and-suspenders cache read.
	value, ok, err := cacheGet(ctx, phases, opts.cache, key)
	if err != nil {
		return nil, 0, false, err
	}
	waited := elapsedSince(opts.clock, start)
	return value, waited, ok, nil
}

func phaseWaitStrategy(ctx context.Context, phases PhaseRunner, ws WaitStrategy, p WaitParams) (time.Duration, error) {
	var delay time.Duration
	err := phases.Run(ctx, PhaseWaitStrategy, func(ctx context.Context) error {
		d, err := ws(p)
		delay = d
		return err
	})
	return delay, err
}

func cacheGet(ctx context.Context, phases PhaseRunner, cache Cache, key string) ([]byte, bool, error) {
	var value []byte
	var ok bool
	err := phases.Run(ctx, PhaseCacheGet, func(ctx context.Context) error {
		v, present, err := cache.Get(ctx, key)
		value, ok = v, present
		return err
	})
	return value, ok, err
}

func cacheSet(ctx context.Context, phases PhaseRunner, cache Cache, key string, value []byte, ttl time.Duration) error {
	return phases.Run(ctx, PhaseCacheSet, func(ctx context.Context) error {
		return cache.Set(ctx, key, value, ttl)
	})
}

func leaseAcquire(ctx context.Context, phases PhaseRunner, leases Leases, key, owner string, ttl time.Duration) (AcquireResult, error) {
	var result AcquireResult
	err := phases.Run(ctx, PhaseLeaseAcquire, func(ctx context.Context) error {
		r, err := leases.Acquire(ctx, key, owner, ttl)
		result = r
		return err
	})
	return result, err
}

// runFetcher invokes the user fetcher, converting a panic into a tagged
// FetcherFailed error instead of crashing the caller.
func runFetcher(ctx context.Context, phases PhaseRunner, fetch Fetcher) (value []byte, err error) {
	runErr := phases.Run(ctx, PhaseFetcher, func(ctx context.Context) (fnErr error) {
		defer func() {
			if r := recover(); r != nil {
				fnErr = fmt.Errorf("fetcher panicked: %v", r)
			}
		}()
		v, e := fetch(ctx)
		value = v
		return e
	})
	return value, runErr
}

func ttlOrZero(ttl *time.Duration) time.Duration {
	if ttl == nil {
		return 0
	}
	return *ttl
}

// detach returns a context that carries ctx's values but ignores its
// cancellation, so a best-effort release that must still happen on an
// already-cancelled/timed-out call isn't aborted along with it.
func detach(ctx context.Context) context.Context {
	return detachedContext{parent: ctx}
}

type detachedContext struct {
	parent context.Context
}

func (detachedContext) Deadline() (time.Time, bool) { return time.Time{}, false }
func (detachedContext) Done() <-chan struct{}        { return nil }
func (detachedContext) Err() error                   { return nil }
func (d detachedContext) Value(key any) any          { return d.parent.Value(key) }
