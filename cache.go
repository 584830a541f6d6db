package cachelock

import (
	"context"
	"time"
)

// Cache is the storage-backend contract the coordination runtime probes
// before ever touching a lease, and writes to after a successful leader
// fetch. The core never inspects value bytes beyond presence/absence.
type Cache interface {
	// Get returns (value, true, nil) when present, (nil, false, nil) when
	// absent or expired. A non-nil error means the backend itself failed;
	// it is distinct from "not found".
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key. ttl == 0 means no expiry. Negative ttl
	// must never reach an adapter: the runtime clamps before calling.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}
