// Package etcdlease provides a Leases-only adapter over a raw
// go.etcd.io/etcd/client/v3 client: lease grant plus Txn-based
// compare-and-put/compare-and-delete. It deliberately bypasses
// concurrency.Mutex, which hides the current holder's key/value from a
// losing acquirer — the cachelock lease contract needs that incumbent's
// recorded expiry for a follower's diagnostics, which concurrency.Mutex
// never surfaces.
package etcdlease

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/jbt95/cache-locking"
)

type record struct {
	Owner     string `json:"owner"`
	ExpiresAt int64  `json:"expiresAt"`
	Ready     bool   `json:"ready"`
}

// Leases stores each key as a single etcd value under an etcd-managed
// lease, so a dead leader's record disappears on its own once the grant
// expires, same liveness bound the lease contract requires.
type Leases struct {
	client *clientv3.Client
	clock  cachelock.Clock
}

// New wraps an already-constructed *clientv3.Client. clock defaults to
// cachelock.SystemClock when nil.
func New(client *clientv3.Client, clock cachelock.Clock) (*Leases, error) {
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

	ttlSeconds := int64(ttl.Seconds())
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}
	grant, err := l.client.Grant(ctx, ttlSeconds)
	if err != nil {
		return cachelock.AcquireResult{}, fmt.Errorf("etcdlease: grant lease: %w", err)
	}

	value, err := json.Marshal(record{Owner: owner, ExpiresAt: expiresAt, Ready: false})
	if err != nil {
		return cachelock.AcquireResult{}, fmt.Errorf("etcdlease: encode record: %w", err)
	}

	txnResp, err := l.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(value), clientv3.WithLease(grant.ID))).
		Else(clientv3.OpGet(key)).
		Commit()
	if err != nil {
		_, _ = l.client.Revoke(ctx, grant.ID)
		return cachelock.AcquireResult{}, fmt.Errorf("etcdlease: acquire txn: %w", err)
	}

	if txnResp.Succeeded {
		return cachelock.AcquireResult{Leader: true, LeaseUntil: expiresAt}, nil
	}

	// Lost the race: this caller's lease grant is unused, release it.
	_, _ = l.client.Revoke(ctx, grant.ID)

	getResp := txnResp.Responses[0].GetResponseRange()
	if len(getResp.Kvs) == 0 {
		// The incumbent vanished between the If-check and our read
		// (expired concurrently); treat as an uncontended acquire attempt
		// by the caller's next call rather than guessing a stale state.
		return cachelock.AcquireResult{Leader: false, LeaseUntil: now}, nil
	}

	var incumbent record
	if err := json.Unmarshal(getResp.Kvs[0].Value, &incumbent); err != nil {
		return cachelock.AcquireResult{}, fmt.Errorf("etcdlease: decode incumbent record: %w", err)
	}
	return cachelock.AcquireResult{Leader: false, LeaseUntil: incumbent.ExpiresAt}, nil
}

func (l *Leases) Release(ctx context.Context, key, owner string) error {
	getResp, err := l.client.Get(ctx, key)
	if err != nil {
		return err
	}
	if len(getResp.Kvs) == 0 {
		return nil
	}

	kv := getResp.Kvs[0]
	var rec record
	if err := json.Unmarshal(kv.Value, &rec); err != nil {
		return err
	}
	if rec.Owner != owner {
		return nil
	}

	_, err = l.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(key), "=", string(kv.Value))).
		Then(clientv3.OpDelete(key)).
		Commit()
	return err
}

func (l *Leases) MarkReady(ctx context.Context, key string) error {
	getResp, err := l.client.Get(ctx, key)
	if err != nil {
		return err
	}
	if len(getResp.Kvs) == 0 {
		return nil
	}

	kv := getResp.Kvs[0]
	var rec record
	if err := json.Unmarshal(kv.Value, &rec); err != nil {
		return err
	}
	rec.Ready = true

	value, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	_, err = l.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(key), "=", string(kv.Value))).
		Then(clientv3.OpPut(key, string(value), clientv3.WithIgnoreLease())).
		Commit()
	return err
}

func (l *Leases) IsReady(ctx context.Context, key string) (cachelock.ReadyState, bool, error) {
	getResp, err := l.client.Get(ctx, key)
	if err != nil {
		return cachelock.ReadyState{}, true, err
	}
	if len(getResp.Kvs) == 0 {
		return cachelock.ReadyState{Ready: false, Expired: true}, true, nil
	}

	var rec record
	if err := json.Unmarshal(getResp.Kvs[0].Value, &rec); err != nil {
		return cachelock.ReadyState{}, true, err
	}
	return cachelock.ReadyState{Ready: rec.Ready, Expired: false}, true, nil
}

var _ cachelock.Leases = (*Leases)(nil)
var _ cachelock.ReadyCapable = (*Leases)(nil)

// NewFactory builds a cachelock.AdapterFactory over an already-constructed
// client. The factory only ever returns the Leases half of the pair, since
// this package has no opinion on where values are cached. Option resolution
// takes the cache and the leases from a single adapter source, so a
// descriptor resolved through this factory has no Cache and fails
// validation; pairing these Leases with a cache is done by building an
// AdapterPair with New and passing it via WithAdapter.
func NewFactory(client *clientv3.Client) cachelock.AdapterFactory {
	return func(d *cachelock.AdapterDescriptor) (cachelock.AdapterPair, error) {
		leases, err := New(client, nil)
		if err != nil {
			return cachelock.AdapterPair{}, err
		}
		return cachelock.AdapterPair{Leases: leases}, nil
	}
}
