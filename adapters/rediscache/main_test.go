package rediscache

import (
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// miniredis and go-redis both keep background goroutines (connection
		// pool maintenance, the in-memory server's event loop) alive past a
		// single test's teardown; ignored the same way xcache's suite does.
		goleak.IgnoreTopFunction("github.com/redis/go-redis/v9/internal/pool.(*ConnPool).tryDial"),
		goleak.IgnoreTopFunction("time.Sleep"),
	)
}
