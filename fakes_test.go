package cachelock

import (
	"context"
	"sync"
	"time"
)

// fakeCache is an in-memory Cache with call counters, used across the core
// package's tests in place of a real backend.
type fakeCache struct {
	mu       sync.Mutex
	values   map[string][]byte
	getCalls int
	setCalls int
}

func newFakeCache() *fakeCache {
	return &fakeCache{values: make(map[string][]byte)}
}

func (c *fakeCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getCalls++
	v, ok := c.values[key]
	return v, ok, nil
}

func (c *fakeCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setCalls++
	c.values[key] = value
	return nil
}

func (c *fakeCache) seed(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

type fakeLeaseRecord struct {
	owner     string
	expiresAt int64
	ready     bool
}

// fakeLeases is an in-memory Leases with an injectable clock, atomic CAS
// acquisition, and a call counter used to assert acquire was never invoked
// on a pure cache hit.
type fakeLeases struct {
	clock Clock

	mu            sync.Mutex
	records       map[string]fakeLeaseRecord
	acquireCalls  int
	supportsReady bool
}

func newFakeLeases(clock Clock) *fakeLeases {
	if clock == nil {
		clock = SystemClock
	}
	return &fakeLeases{clock: clock, records: make(map[string]fakeLeaseRecord), supportsReady: true}
}

func (l *fakeLeases) Acquire(_ context.Context, key, owner string, ttl time.Duration) (AcquireResult, error) {
	now := l.clock.NowMillis()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquireCalls++

	if rec, ok := l.records[key]; ok && rec.expiresAt > now {
		return AcquireResult{Leader: false, LeaseUntil: rec.expiresAt}, nil
	}

	expiresAt := now + ttl.Milliseconds()
	l.records[key] = fakeLeaseRecord{owner: owner, expiresAt: expiresAt, ready: false}
	return AcquireResult{Leader: true, LeaseUntil: expiresAt}, nil
}

func (l *fakeLeases) Release(_ context.Context, key, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.records[key]; ok && rec.owner == owner {
		delete(l.records, key)
	}
	return nil
}

func (l *fakeLeases) MarkReady(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.records[key]; ok {
		rec.ready = true
		l.records[key] = rec
	}
	return nil
}

func (l *fakeLeases) IsReady(_ context.Context, key string) (ReadyState, bool, error) {
	if !l.supportsReady {
		return ReadyState{}, false, nil
	}
	now := l.clock.NowMillis()

	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[key]
	if !ok || rec.expiresAt <= now {
		return ReadyState{Ready: false, Expired: true}, true, nil
	}
	return ReadyState{Ready: rec.ready, Expired: false}, true, nil
}

func (l *fakeLeases) seedExternal(key, owner string, expiresAt int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[key] = fakeLeaseRecord{owner: owner, expiresAt: expiresAt, ready: false}
}

var _ Cache = (*fakeCache)(nil)
var _ Leases = (*fakeLeases)(nil)
var _ ReadyCapable = (*fakeLeases)(nil)
