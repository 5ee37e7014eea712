package leases

import (
	"sync"
	"testing"
	"time"

	"github.com/tolitius/kinetic/clientlibrary/config"
)

type fakeClock struct {
	mux sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.now = c.now.Add(d)
}

func testConfig(workerID string) *config.KinesisClientLibConfiguration {
	return config.NewKinesisClientLibConfig("appName", "stream", "us-west-2", workerID).
		WithFailoverTimeMillis(10000).
		WithLeaseRefreshPeriodMillis(5000)
}

func newTestStore(t *testing.T, backend Backend) (*Store, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	return NewStore(backend, testConfig("worker-a")).WithClock(clock.Now), clock
}
