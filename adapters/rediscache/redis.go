// Package rediscache provides a Redis-backed Cache and Leases pair. Cache
// is a thin GET/SET wrapper; Leases stores each key's lease as a three-field
// hash (owner, expiresAt, ready) mutated only through Lua scripts, so every
// acquire/release/markReady/isReady is a single atomic round trip — the
// same shape rockscache uses for its lock-and-value hash, adapted here to
// a lease record with no stored value.
package rediscache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jbt95/cache-locking"
)

// acquireScript performs the compare-and-set described in the lease
// contract: create the record iff absent or expired, else report the
// incumbent. Returns {leader(0/1), owner, expiresAt}.
var acquireScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'owner')
local expiresAt = redis.call('HGET', KEYS[1], 'expiresAt')
local now = tonumber(ARGV[2])
if owner and expiresAt and tonumber(expiresAt) > now then
	return {0, owner, expiresAt}
end
redis.call('HSET', KEYS[1], 'owner', ARGV[1], 'expiresAt', ARGV[3], 'ready', '0')
redis.call('PEXPIREAT', KEYS[1], ARGV[3])
return {1, ARGV[1], ARGV[3]}
`)

// releaseScript deletes the record only if owner still matches
// (compare-and-delete); a mismatch or missing record is a no-op.
var releaseScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'owner')
if owner == ARGV[1] then
	redis.call('DEL', KEYS[1])
	return 1
end
return 0
`)

// markReadyScript flips the ready flag, only if a record still exists.
var markReadyScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	redis.call('HSET', KEYS[1], 'ready', '1')
	return 1
end
return 0
`)

// isReadyScript reports {expired(0/1), ready(0/1)} for the active record.
var isReadyScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'owner')
local expiresAt = redis.call('HGET', KEYS[1], 'expiresAt')
if not owner or not expiresAt or tonumber(expiresAt) <= tonumber(ARGV[1]) then
	return {1, 0}
end
local ready = redis.call('HGET', KEYS[1], 'ready')
if ready == '1' then
	return {0, 1}
end
return {0, 0}
`)

// Cache is a plain GET/SET cachelock.Cache over a redis.UniversalClient.
type Cache struct {
	client redis.UniversalClient
}

// NewCache wraps an already-constructed redis.UniversalClient.
func NewCache(client redis.UniversalClient) (*Cache, error) {
	if client == nil {
		return nil, cachelock.ErrNilClient
	}
	return &Cache{client: client}, nil
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, msClampedTTL(ttl)).Err()
}

// msClampedTTL enforces the wire contract's minimum-1s rule for sub-second
// positive TTLs: backends expressed in seconds must not round a positive ttl
// down to zero. A zero ttl still means "no expiry".
func msClampedTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0
	}
	if ttl < time.Second {
		return time.Second
	}
	return ttl
}

// Leases is a Redis hash-backed cachelock.Leases.
type Leases struct {
	client redis.UniversalClient
	clock  cachelock.Clock
}

// NewLeases wraps an already-constructed redis.UniversalClient. clock
// defaults to cachelock.SystemClock when nil.
func NewLeases(client redis.UniversalClient, clock cachelock.Clock) (*Leases, error) {
	if client == nil {
		return nil, cachelock.ErrNilClient
	}
	if clock == nil {
		clock = cachelock.SystemClock
	}
	return &Leases{client: client, clock: clock}, nil
}

func (l *Leases) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (cachelock.AcquireResult, error) {
	now := l.clock.NowMillis()
	expiresAt := now + ttl.Milliseconds()

	res, err := acquireScript.Run(ctx, l.client, []string{key}, owner, now, expiresAt).Result()
	if err != nil {
		return cachelock.AcquireResult{}, err
	}
	fields, ok := res.([]interface{})
	if !ok || len(fields) != 3 {
		return cachelock.AcquireResult{}, fmt.Errorf("rediscache: unexpected acquire script result %v", res)
	}
	leader, err := toInt64(fields[0])
	if err != nil {
		return cachelock.AcquireResult{}, err
	}
	leaseUntil, err := toInt64(fields[2])
	if err != nil {
		return cachelock.AcquireResult{}, err
	}
	return cachelock.AcquireResult{Leader: leader == 1, LeaseUntil: leaseUntil}, nil
}

// PeekRecord reads the raw lease hash for diagnostics (used by
// cachelockctl); it never mutates state. found is false when no hash
// exists for key.
func (l *Leases) PeekRecord(ctx context.Context, key string) (owner string, expiresAt int64, ready bool, found bool, err error) {
	vals, err := l.client.HGetAll(ctx, key).Result()
	if err != nil {
		return "", 0, false, false, err
	}
	if len(vals) == 0 {
		return "", 0, false, false, nil
	}
	owner = vals["owner"]
	if _, scanErr := fmt.Sscan(vals["expiresAt"], &expiresAt); scanErr != nil {
		return "", 0, false, false, fmt.Errorf("rediscache: parse expiresAt: %w", scanErr)
	}
	ready = vals["ready"] == "1"
	return owner, expiresAt, ready, true, nil
}

func (l *Leases) Release(ctx context.Context, key, owner string) error {
	return releaseScript.Run(ctx, l.client, []string{key}, owner).Err()
}

func (l *Leases) MarkReady(ctx context.Context, key string) error {
	return markReadyScript.Run(ctx, l.client, []string{key}).Err()
}

func (l *Leases) IsReady(ctx context.Context, key string) (cachelock.ReadyState, bool, error) {
	now := l.clock.NowMillis()
	res, err := isReadyScript.Run(ctx, l.client, []string{key}, now).Result()
	if err != nil {
		return cachelock.ReadyState{}, true, err
	}
	fields, ok := res.([]interface{})
	if !ok || len(fields) != 2 {
		return cachelock.ReadyState{}, true, fmt.Errorf("rediscache: unexpected isReady script result %v", res)
	}
	expired, err := toInt64(fields[0])
	if err != nil {
		return cachelock.ReadyState{}, true, err
	}
	ready, err := toInt64(fields[1])
	if err != nil {
		return cachelock.ReadyState{}, true, err
	}
	return cachelock.ReadyState{Ready: ready == 1, Expired: expired == 1}, true, nil
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		var out int64
		if _, err := fmt.Sscan(n, &out); err != nil {
			return 0, fmt.Errorf("rediscache: parse script field %q: %w", n, err)
		}
		return out, nil
	default:
		return 0, fmt.Errorf("rediscache: unexpected script field type %T", v)
	}
}

var _ cachelock.Cache = (*Cache)(nil)
var _ cachelock.Leases = (*Leases)(nil)
var _ cachelock.ReadyCapable = (*Leases)(nil)

// NewFactory returns a cachelock.AdapterFactory that builds a Cache and
// Leases pair over an already-constructed client, for registration via
// Locker.RegisterAdapter("redis", rediscache.NewFactory(client)). The
// descriptor's Options are not read.
func NewFactory(client redis.UniversalClient) cachelock.AdapterFactory {
	return func(d *cachelock.AdapterDescriptor) (cachelock.AdapterPair, error) {
		cache, err := NewCache(client)
		if err != nil {
			return cachelock.AdapterPair{}, err
		}
		leases, err := NewLeases(client, nil)
		if err != nil {
			return cachelock.AdapterPair{}, err
		}
		return cachelock.AdapterPair{Cache: cache, Leases: leases}, nil
	}
}
