package cachelock

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	koanfjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	defaultLeaseTtl = 15 * time.Second
	defaultWaitMax  = 4 * time.Second
	defaultWaitStep = 250 * time.Millisecond
)

// Fetcher performs the expensive work the cache protects. ctx carries the
// same cancel handle passed to GetOrSet so a cooperative fetcher can abort
// early.
type Fetcher func(ctx context.Context) ([]byte, error)

// ShouldCacheFunc decides, once per leader fetch, whether the fetched value
// is written to the cache. It must be side-effect-free.
type ShouldCacheFunc func(value []byte) bool

func alwaysCache([]byte) bool { return true }

// AdapterPair is a ready-made {cache, leases?} bundle, the first accepted
// shape for adapter resolution.
type AdapterPair struct {
	Cache  Cache
	Leases Leases
}

// AdapterDescriptor is the second accepted shape for adapter resolution: a
// named type plus backend-specific options, resolved through a registered
// AdapterFactory and interned by descriptor identity (not value) so repeated
// calls with the same descriptor reuse one built adapter.
type AdapterDescriptor struct {
	Type    string
	Options map[string]any
}

// AdapterFactory builds an AdapterPair from a descriptor's raw Options,
// decoded into whatever shape the factory expects via DecodeAdapterOptions.
type AdapterFactory func(d *AdapterDescriptor) (AdapterPair, error)

// DecodeAdapterOptions round-trips a descriptor's options map through JSON
// into target, the same marshal-then-koanf-unmarshal path xconf uses to turn
// arbitrary config bytes into a typed struct. Adapter packages call this
// from their Factory to recover their own options type from the descriptor's
// generic map.
func DecodeAdapterOptions(opts map[string]any, target any) error {
	if opts == nil {
		return nil
	}
	raw, err := json.Marshal(opts)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(raw), koanfjson.Parser()); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := k.Unmarshal("", target); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Options configures one GetOrSet call, or — when passed to New — the
// instance-level defaults every call inherits. Fields left nil/zero on a
// per-call Options fall back to the instance defaults.
type Options struct {
	Adapter           *AdapterPair
	AdapterDescriptor *AdapterDescriptor
	Leases            Leases
	Clock             Clock
	LeaseTtl          *time.Duration
	WaitMax           *time.Duration
	WaitStep          *time.Duration
	CacheTtl          *time.Duration
	OwnerId           string
	ShouldCache       ShouldCacheFunc
	WaitStrategy      WaitStrategy
	Signal            <-chan struct{}
	Hooks             Hooks
	ValidateOptions   *bool
	Logger            *slog.Logger
	TTLJitter         float64
}

// Option mutates an Options in place, following the functional-options shape
// used throughout the adapted loader code.
type Option func(*Options)

func WithAdapter(pair AdapterPair) Option {
	return func(o *Options) { o.Adapter = &pair }
}

func WithAdapterDescriptor(descriptorType string, options map[string]any) Option {
	return func(o *Options) { o.AdapterDescriptor = &AdapterDescriptor{Type: descriptorType, Options: options} }
}

func WithLeases(l Leases) Option {
	return func(o *Options) { o.Leases = l }
}

func WithClock(c Clock) Option {
	return func(o *Options) { o.Clock = c }
}

func WithLeaseTtl(d time.Duration) Option {
	return func(o *Options) { o.LeaseTtl = &d }
}

func WithWaitMax(d time.Duration) Option {
	return func(o *Options) { o.WaitMax = &d }
}

func WithWaitStep(d time.Duration) Option {
	return func(o *Options) { o.WaitStep = &d }
}

func WithCacheTtl(d time.Duration) Option {
	return func(o *Options) { o.CacheTtl = &d }
}

func WithOwnerId(id string) Option {
	return func(o *Options) { o.OwnerId = id }
}

func WithShouldCache(fn ShouldCacheFunc) Option {
	return func(o *Options) { o.ShouldCache = fn }
}

func WithWaitStrategy(ws WaitStrategy) Option {
	return func(o *Options) { o.WaitStrategy = ws }
}

func WithSignal(sig <-chan struct{}) Option {
	return func(o *Options) { o.Signal = sig }
}

func WithHooks(h Hooks) Option {
	return func(o *Options) { o.Hooks = h }
}

func WithValidateOptions(v bool) Option {
	return func(o *Options) { o.ValidateOptions = &v }
}

// WithLogger sets the *slog.Logger used for the Warn/Info-level diagnostics
// the runtime emits (a swallowed lease release failure, a follower falling
// back). Pass nil to disable logging entirely.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

// WithTTLJitter randomizes cacheTtl by +/- factor/2 before each cache.Set,
// so keys sharing a TTL don't all expire at once. factor must be in (0, 1];
// values <= 0 disable jitter (the default).
func WithTTLJitter(factor float64) Option {
	return func(o *Options) { o.TTLJitter = factor }
}

func defaultOptions() *Options {
	leaseTtl := defaultLeaseTtl
	waitMax := defaultWaitMax
	waitStep := defaultWaitStep
	validate := true
	return &Options{
		Clock:           SystemClock,
		LeaseTtl:        &leaseTtl,
		WaitMax:         &waitMax,
		WaitStep:        &waitStep,
		ShouldCache:     alwaysCache,
		WaitStrategy:    Fixed(),
		ValidateOptions: &validate,
		Logger:          slog.Default(),
	}
}

// resolvedOptions is the immutable, fully-merged configuration the runtime
// actually drives a call with.
type resolvedOptions struct {
	cache        Cache
	leases       Leases
	clock        Clock
	leaseTtl     time.Duration
	waitMax      time.Duration
	waitStep     time.Duration
	cacheTtl     *time.Duration
	ownerId      string
	shouldCache  ShouldCacheFunc
	waitStrategy WaitStrategy
	signal       <-chan struct{}
	hooks        Hooks
	logger       *slog.Logger
	ttlJitter    float64
}

// adapterRegistry resolves named descriptors to factories, and interns
// built adapters by descriptor pointer identity.
type adapterRegistry struct {
	factories map[string]AdapterFactory
	interned  sync.Map // *AdapterDescriptor -> AdapterPair
}

func newAdapterRegistry() *adapterRegistry {
	return &adapterRegistry{factories: make(map[string]AdapterFactory)}
}

func (r *adapterRegistry) register(name string, f AdapterFactory) {
	r.factories[name] = f
}

func (r *adapterRegistry) resolve(d *AdapterDescriptor) (AdapterPair, error) {
	if cached, ok := r.interned.Load(d); ok {
		return cached.(AdapterPair), nil
	}
	factory, ok := r.factories[d.Type]
	if !ok {
		return AdapterPair{}, fmt.Errorf("%w: unknown adapter type %q", ErrInvalidConfig, d.Type)
	}
	pair, err := factory(d)
	if err != nil {
		return AdapterPair{}, err
	}
	actual, _ := r.interned.LoadOrStore(d, pair)
	return actual.(AdapterPair), nil
}

// resolve validates and merges perCall over instanceDefault, consulting the
// registry for descriptor-shaped adapters. validate controls whether shape
// errors are raised eagerly (the default) or deferred to first downstream
// misuse.
func resolve(instanceDefault, perCall *Options, registry *adapterRegistry) (resolvedOptions, error) {
	validate := true
	if perCall.ValidateOptions != nil {
		validate = *perCall.ValidateOptions
	} else if instanceDefault.ValidateOptions != nil {
		validate = *instanceDefault.ValidateOptions
	}

	var out resolvedOptions

	out.clock = firstNonNilClock(perCall.Clock, instanceDefault.Clock, SystemClock)
	out.leaseTtl = firstNonNilDuration(perCall.LeaseTtl, instanceDefault.LeaseTtl, defaultLeaseTtl)
	out.waitMax = firstNonNilDuration(perCall.WaitMax, instanceDefault.WaitMax, defaultWaitMax)
	out.waitStep = firstNonNilDuration(perCall.WaitStep, instanceDefault.WaitStep, defaultWaitStep)
	out.cacheTtl = firstNonNilDurationPtr(perCall.CacheTtl, instanceDefault.CacheTtl)

	out.ownerId = perCall.OwnerId
	if out.ownerId == "" {
		out.ownerId = instanceDefault.OwnerId
	}
	if out.ownerId == "" {
		out.ownerId = uuid.NewString()
	}

	out.shouldCache = perCall.ShouldCache
	if out.shouldCache == nil {
		out.shouldCache = instanceDefault.ShouldCache
	}
	if out.shouldCache == nil {
		out.shouldCache = alwaysCache
	}

	out.waitStrategy = perCall.WaitStrategy
	if out.waitStrategy == nil {
		out.waitStrategy = instanceDefault.WaitStrategy
	}
	if out.waitStrategy == nil {
		out.waitStrategy = Fixed()
	}

	out.signal = perCall.Signal
	if out.signal == nil {
		out.signal = instanceDefault.Signal
	}

	out.hooks = mergeHooks(instanceDefault.Hooks, perCall.Hooks)

	out.logger = perCall.Logger
	if out.logger == nil {
		out.logger = instanceDefault.Logger
	}

	out.ttlJitter = perCall.TTLJitter
	if out.ttlJitter == 0 {
		out.ttlJitter = instanceDefault.TTLJitter
	}

	out.leases = perCall.Leases
	if out.leases == nil {
		out.leases = instanceDefault.Leases
	}

	cachePair, leasesFromAdapter, err := resolveAdapter(perCall, instanceDefault, registry, validate)
	if err != nil {
		return resolvedOptions{}, err
	}
	out.cache = cachePair
	if out.leases == nil {
		out.leases = leasesFromAdapter
	}

	if validate {
		if out.cache == nil {
			return resolvedOptions{}, validationErr("adapter must provide a cache")
		}
		if out.leases == nil {
			return resolvedOptions{}, validationErr("no lease backend: adapter did not provide one and none was set explicitly")
		}
		if out.leaseTtl < 0 || out.waitMax < 0 || out.waitStep < 0 {
			return resolvedOptions{}, validationErr("durations must be non-negative")
		}
	}

	out.leaseTtl = clampNonNegative(out.leaseTtl)
	out.waitMax = clampNonNegative(out.waitMax)
	out.waitStep = clampNonNegative(out.waitStep)

	return out, nil
}

func resolveAdapter(perCall, instanceDefault *Options, registry *adapterRegistry, validate bool) (Cache, Leases, error) {
	if perCall.Adapter != nil {
		return perCall.Adapter.Cache, perCall.Adapter.Leases, nil
	}
	if perCall.AdapterDescriptor != nil {
		pair, err := registry.resolve(perCall.AdapterDescriptor)
		if err != nil {
			return nil, nil, err
		}
		return pair.Cache, pair.Leases, nil
	}
	if instanceDefault.Adapter != nil {
		return instanceDefault.Adapter.Cache, instanceDefault.Adapter.Leases, nil
	}
	if instanceDefault.AdapterDescriptor != nil {
		pair, err := registry.resolve(instanceDefault.AdapterDescriptor)
		if err != nil {
			return nil, nil, err
		}
		return pair.Cache, pair.Leases, nil
	}
	if validate {
		return nil, nil, validationErr("adapter is required: provide AdapterPair or AdapterDescriptor")
	}
	return nil, nil, nil
}

func firstNonNilClock(vals ...Clock) Clock {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return SystemClock
}

func firstNonNilDuration(primary *time.Duration, fallback *time.Duration, def time.Duration) time.Duration {
	if primary != nil {
		return *primary
	}
	if fallback != nil {
		return *fallback
	}
	return def
}

func firstNonNilDurationPtr(primary, fallback *time.Duration) *time.Duration {
	if primary != nil {
		return primary
	}
	return fallback
}
