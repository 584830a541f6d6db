package cachelock

import (
	"context"
	"time"
)

// AcquireResult reports whether the caller became the leader or found an
// incumbent holder. LeaseUntil is the epoch-millisecond expiry: the new
// lease's for a leader, the incumbent's for a follower. A follower must not
// assume the incumbent is still alive at that instant — it is diagnostic
// context only.
type AcquireResult struct {
	Leader     bool
	LeaseUntil int64
}

// ReadyState is the result of an optional IsReady poll.
type ReadyState struct {
	Ready   bool
	Expired bool
}

// Leases is the distributed mutual-exclusion contract. Acquire must be an
// atomic compare-and-set: an expired record is logically absent and may be
// overwritten by any new acquirer.
type Leases interface {
	// Acquire creates (owner, now+ttl, ready=false) and returns
	// {Leader:true} iff no active record exists for key; otherwise returns
	// {Leader:false, LeaseUntil:<incumbent expiry>} and creates nothing.
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (AcquireResult, error)

	// Release deletes the record only if its current owner equals owner
	// (compare-and-delete); a mismatch or absent record is a no-op, not an
	// error. Callers of the runtime never see Release failures: they are
	// swallowed (logged at most) because a dead holder expires naturally.
	Release(ctx context.Context, key, owner string) error
}

// ReadyCapable is an optional extension to Leases. An adapter that cannot
// support it simply does not implement the interface; the runtime checks
// with a type assertion rather than requiring every adapter to stub it out.
type ReadyCapable interface {
	// MarkReady flips the ready flag on the active record for key. Called
	// only by the leader, never by a follower.
	MarkReady(ctx context.Context, key string) error

	// IsReady reports the current readiness of the active record. The
	// second return is false when the capability is unsupported at all
	// (equivalent to the exported contract's Optional<ReadyState> = None).
	IsReady(ctx context.Context, key string) (ReadyState, bool, error)
}
