// Package cachelock coordinates concurrent cache-miss fetches behind a
// distributed lease so that, for any one key, only a single caller pays the
// cost of a slow fetch while the rest wait a bounded time and reuse its
// result.
package cachelock

import "context"

// Locker is built once via New and reused across calls; it holds the
// instance-level default Options and the adapter registry/intern table, the
// same "construct once, call many times" shape as a loader built by
// NewLoader. Each GetOrSet call merges its per-call options over these
// defaults and resolves the result afresh.
type Locker struct {
	defaults *Options
	registry *adapterRegistry
}

// New builds a Locker from instance-level defaults. Per-call options passed
// to GetOrSet override these on a field-by-field basis.
func New(opts ...Option) *Locker {
	defaults := defaultOptions()
	for _, opt := range opts {
		opt(defaults)
	}
	registry := newAdapterRegistry()
	return &Locker{defaults: defaults, registry: registry}
}

// RegisterAdapter adds or replaces a named adapter factory, used to resolve
// AdapterDescriptor{Type: name}. adapters/memory exposes a Factory of this
// shape, and adapters/rediscache and adapters/etcdlease each expose a
// NewFactory(client) that returns one; register the ones a given
// deployment needs.
func (l *Locker) RegisterAdapter(name string, factory AdapterFactory) {
	l.registry.register(name, factory)
}

// GetOrSet is the single entry point: cache lookup, lease acquisition,
// leader fetch or follower wait, fallback, and outcome classification, all
// behind one call.
func (l *Locker) GetOrSet(ctx context.Context, key string, fetch Fetcher, opts ...Option) (Result, error) {
	perCall := &Options{}
	for _, opt := range opts {
		opt(perCall)
	}

	validate := true
	if perCall.ValidateOptions != nil {
		validate = *perCall.ValidateOptions
	} else if l.defaults.ValidateOptions != nil {
		validate = *l.defaults.ValidateOptions
	}

	if validate {
		if key == "" {
			return Result{}, newError(KindValidation, "key must not be empty", Context{Phase: PhaseValidation}, ErrEmptyKey)
		}
		if fetch == nil {
			return Result{}, newError(KindValidation, "fetcher must not be nil", Context{Phase: PhaseValidation}, ErrNilFetcher)
		}
	}

	resolved, err := resolve(l.defaults, perCall, l.registry)
	if err != nil {
		return Result{}, err
	}

	return withAbortSignal(ctx, resolved.signal, func(ctx context.Context) (Result, error) {
		return runGetOrSet(ctx, key, fetch, resolved)
	})
}
