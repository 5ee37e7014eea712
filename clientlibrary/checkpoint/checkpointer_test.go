package checkpoint

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolitius/kinetic/clientlibrary/config"
	"github.com/tolitius/kinetic/clientlibrary/leases"
	par "github.com/tolitius/kinetic/clientlibrary/partition"
	"github.com/tolitius/kinetic/clientlibrary/utils"
)

// flakyBackend fails the next `failures` swaps with a dependency error.
type flakyBackend struct {
	*leases.MemoryBackend

	mux      sync.Mutex
	failures int
	swaps    int
}

func (f *flakyBackend) Swap(ctx context.Context, next *leases.Lease, expectedCounter int64) error {
	f.mux.Lock()
	f.swaps++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mux.Unlock()

	if fail {
		return utils.NewDependencyError("memory", "Swap", errors.New("connection refused"))
	}
	return f.MemoryBackend.Swap(ctx, next, expectedCounter)
}

func testConfig() *config.KinesisClientLibConfiguration {
	return config.NewKinesisClientLibConfig("appName", "stream", "us-west-2", "worker-a").
		WithFailoverTimeMillis(10000).
		WithLeaseRefreshPeriodMillis(5000).
		WithCheckpointRetryMillis(1000)
}

func takeLease(t *testing.T, backend leases.Backend) (*leases.Store, *leases.HeldLease) {
	t.Helper()
	ctx := context.Background()
	kclConfig := testConfig()
	store := leases.NewStore(backend, kclConfig)
	manager := leases.NewManager(store, kclConfig)

	_, err := manager.CreateLeases(ctx, []par.Partition{{ID: "shard-1"}})
	require.NoError(t, err)
	taken, err := manager.TakeLeases(ctx)
	require.NoError(t, err)
	require.Len(t, taken, 1)
	return store, taken[0]
}

func TestCheckpointLargestPermitted(t *testing.T) {
	store, held := takeLease(t, leases.NewMemoryBackend())
	rc := NewRecordProcessorCheckpointer(context.Background(), held, testConfig())

	// nothing delivered, nothing to write
	require.NoError(t, rc.Checkpoint(nil))

	rc.SetLargestPermitted("300")
	require.NoError(t, rc.Checkpoint(nil))
	assert.Equal(t, "300", rc.LastCheckpoint())

	lease, err := store.Get(context.Background(), "shard-1")
	require.NoError(t, err)
	assert.Equal(t, "300", lease.Checkpoint)
}

func TestCheckpointExplicitPosition(t *testing.T) {
	_, held := takeLease(t, leases.NewMemoryBackend())
	rc := NewRecordProcessorCheckpointer(context.Background(), held, testConfig())
	rc.SetLargestPermitted("300")

	pos := "200"
	require.NoError(t, rc.Checkpoint(&pos))
	assert.Equal(t, "200", held.Snapshot().Checkpoint)

	beyond := "301"
	assert.ErrorIs(t, rc.Checkpoint(&beyond), ErrPositionNotPermitted)

	back := "100"
	assert.ErrorIs(t, rc.Checkpoint(&back), leases.ErrCheckpointRegression)

	junk := "abc"
	var invalid par.ErrInvalidSequenceNumber
	assert.ErrorAs(t, rc.Checkpoint(&junk), &invalid)
}

func TestCheckpointShardEnd(t *testing.T) {
	_, held := takeLease(t, leases.NewMemoryBackend())
	rc := NewRecordProcessorCheckpointer(context.Background(), held, testConfig())
	rc.SetLargestPermitted("500")
	require.NoError(t, rc.Checkpoint(nil))

	rc.SetLargestPermitted(par.ShardEnd)
	require.NoError(t, rc.Checkpoint(nil))
	assert.Equal(t, par.ShardEnd, held.Snapshot().Checkpoint)
}

func TestCheckpointAfterLeaseLoss(t *testing.T) {
	store, held := takeLease(t, leases.NewMemoryBackend())
	rc := NewRecordProcessorCheckpointer(context.Background(), held, testConfig())
	rc.SetLargestPermitted("300")

	// another worker takes the lease
	current := held.Snapshot()
	_, err := store.TransferOwnership(context.Background(), current, "worker-b", current.Counter)
	require.NoError(t, err)

	err = rc.Checkpoint(nil)
	assert.ErrorIs(t, err, ErrLeaseNoLongerHeld)
	assert.ErrorIs(t, err, leases.ErrLeaseLost)
	assert.ErrorIs(t, err, leases.ErrStaleLease)
	assert.True(t, held.IsLost())

	// no further store round trip once lost
	err = rc.Checkpoint(nil)
	assert.ErrorIs(t, err, ErrLeaseNoLongerHeld)
}

func TestCheckpointRetriesDependencyFailures(t *testing.T) {
	backend := &flakyBackend{MemoryBackend: leases.NewMemoryBackend()}
	_, held := takeLease(t, backend)
	rc := NewRecordProcessorCheckpointer(context.Background(), held, testConfig())
	rc.SetLargestPermitted("300")

	backend.mux.Lock()
	backend.failures = 2
	before := backend.swaps
	backend.mux.Unlock()

	require.NoError(t, rc.Checkpoint(nil))
	assert.Equal(t, before+3, backend.swaps)
	assert.Equal(t, "300", held.Snapshot().Checkpoint)
}

func TestCheckpointGivesUpOnLongOutage(t *testing.T) {
	backend := &flakyBackend{MemoryBackend: leases.NewMemoryBackend()}
	_, held := takeLease(t, backend)
	kclConfig := testConfig().WithCheckpointRetryMillis(300)
	rc := NewRecordProcessorCheckpointer(context.Background(), held, kclConfig)
	rc.SetLargestPermitted("300")

	backend.mux.Lock()
	backend.failures = 1000
	backend.mux.Unlock()

	err := rc.Checkpoint(nil)
	assert.True(t, utils.IsDependencyUnavailable(err))
	assert.False(t, held.IsLost())
}

func TestCheckpointHonoursContext(t *testing.T) {
	backend := &flakyBackend{MemoryBackend: leases.NewMemoryBackend()}
	_, held := takeLease(t, backend)
	ctx, cancel := context.WithCancel(context.Background())
	rc := NewRecordProcessorCheckpointer(ctx, held, testConfig())
	rc.SetLargestPermitted("300")

	backend.mux.Lock()
	backend.failures = 1000
	backend.mux.Unlock()
	cancel()

	assert.Error(t, rc.Checkpoint(nil))
}
