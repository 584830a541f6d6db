// Package memory provides an in-process Cache and Leases pair: a
// ristretto-backed value cache and a mutex-guarded lease table implementing
// compare-and-set directly, the single-threaded-shard style of CAS the
// cachelock contract explicitly allows in place of a networked backend.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/jbt95/cache-locking"
)

const (
	// MinMaxCost matches the floor xcache.Memory enforces: below this the
	// cache thrashes under eviction pressure.
	MinMaxCost = 1 * 1024 * 1024

	defaultNumCounters = 1e7
	defaultMaxCost     = 100 * 1024 * 1024
	defaultBufferItems = 64
)

// Options configures New.
type Options struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
}

// Option mutates Options. Factory builds these from an AdapterDescriptor's
// raw map after decoding it with cachelock.DecodeAdapterOptions.
type Option func(*Options)

func WithNumCounters(n int64) Option {
	return func(o *Options) {
		if n > 0 {
			o.NumCounters = n
		}
	}
}

func WithMaxCost(cost int64) Option {
	return func(o *Options) {
		if cost > 0 {
			if cost < MinMaxCost {
				cost = MinMaxCost
			}
			o.MaxCost = cost
		}
	}
}

func WithBufferItems(n int64) Option {
	return func(o *Options) {
		if n > 0 {
			o.BufferItems = n
		}
	}
}

func defaultOptions() *Options {
	return &Options{NumCounters: defaultNumCounters, MaxCost: defaultMaxCost, BufferItems: defaultBufferItems}
}

// Cache is a ristretto-backed cachelock.Cache. Ristretto applies writes
// asynchronously; Set calls the client's Wait() before returning so the
// write buffer is flushed before a subsequent Get.
type Cache struct {
	client *ristretto.Cache[string, []byte]
}

// New builds a Cache, sized according to opts.
func New(opts ...Option) (*Cache, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	client, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: options.NumCounters,
		MaxCost:     options.MaxCost,
		BufferItems: options.BufferItems,
		Metrics:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("memory: create cache: %w", err)
	}
	return &Cache{client: client}, nil
}

func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	value, ok := c.client.Get(key)
	if !ok {
		return nil, false, nil
	}
	return value, true, nil
}

func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		c.client.Set(key, value, int64(len(value)))
	} else {
		c.client.SetWithTTL(key, value, int64(len(value)), ttl)
	}
	c.client.Wait()
	return nil
}

// Close releases the underlying ristretto cache.
func (c *Cache) Close() { c.client.Close() }

type leaseRecord struct {
	owner     string
	expiresAt int64 // epoch millis
	ready     bool
}

// Leases is an in-process, mutex-guarded lease table. Every key's record
// lives behind the same lock; this is the "CAS on a single-threaded shard"
// acceptable implementation the lease contract names explicitly, chosen
// here because no cache/locking library in reach of this module offers a
// bare in-memory CAS primitive of its own — ristretto is a value cache, not
// a mutual-exclusion primitive.
type Leases struct {
	clock cachelock.Clock

	mu      sync.Mutex
	records map[string]leaseRecord
}

// NewLeases builds a Leases table. clock defaults to cachelock.SystemClock
// when nil.
func NewLeases(clock cachelock.Clock) *Leases {
	if clock == nil {
		clock = cachelock.SystemClock
	}
	return &Leases{clock: clock, records: make(map[string]leaseRecord)}
}

func (l *Leases) Acquire(_ context.Context, key, owner string, ttl time.Duration) (cachelock.AcquireResult, error) {
	now := l.clock.NowMillis()

	l.mu.Lock()
	defer l.mu.Unlock()

	if rec, ok := l.records[key]; ok && rec.expiresAt > now {
		return cachelock.AcquireResult{Leader: false, LeaseUntil: rec.expiresAt}, nil
	}

	expiresAt := now + ttl.Milliseconds()
	l.records[key] = leaseRecord{owner: owner, expiresAt: expiresAt, ready: false}
	return cachelock.AcquireResult{Leader: true, LeaseUntil: expiresAt}, nil
}

func (l *Leases) Release(_ context.Context, key, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec, ok := l.records[key]; ok && rec.owner == owner {
		delete(l.records, key)
	}
	return nil
}

func (l *Leases) MarkReady(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec, ok := l.records[key]; ok {
		rec.ready = true
		l.records[key] = rec
	}
	return nil
}

func (l *Leases) IsReady(_ context.Context, key string) (cachelock.ReadyState, bool, error) {
	now := l.clock.NowMillis()

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[key]
	if !ok || rec.expiresAt <= now {
		return cachelock.ReadyState{Ready: false, Expired: true}, true, nil
	}
	return cachelock.ReadyState{Ready: rec.ready, Expired: false}, true, nil
}

var _ cachelock.Cache = (*Cache)(nil)
var _ cachelock.Leases = (*Leases)(nil)
var _ cachelock.ReadyCapable = (*Leases)(nil)

// Factory builds a cachelock.AdapterPair from an AdapterDescriptor's raw
// options, for registration via Locker.RegisterAdapter("memory", Factory).
func Factory(d *cachelock.AdapterDescriptor) (cachelock.AdapterPair, error) {
	var opts struct {
		NumCounters int64 `koanf:"numCounters"`
		MaxCost     int64 `koanf:"maxCost"`
		BufferItems int64 `koanf:"bufferItems"`
	}
	if err := cachelock.DecodeAdapterOptions(d.Options, &opts); err != nil {
		return cachelock.AdapterPair{}, err
	}

	var cacheOpts []Option
	if opts.NumCounters > 0 {
		cacheOpts = append(cacheOpts, WithNumCounters(opts.NumCounters))
	}
	if opts.MaxCost > 0 {
		cacheOpts = append(cacheOpts, WithMaxCost(opts.MaxCost))
	}
	if opts.BufferItems > 0 {
		cacheOpts = append(cacheOpts, WithBufferItems(opts.BufferItems))
	}

	cache, err := New(cacheOpts...)
	if err != nil {
		return cachelock.AdapterPair{}, err
	}
	return cachelock.AdapterPair{Cache: cache, Leases: NewLeases(nil)}, nil
}
