package leases

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolitius/kinetic/logger"
)

func startJetStream(t *testing.T) jetstream.JetStream {
	t.Helper()

	ns, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
	})
	require.NoError(t, err)

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("embedded NATS server not ready")
	}

	nc, err := nats.Connect(ns.ClientURL(), nats.Timeout(2*time.Second))
	require.NoError(t, err)
	t.Cleanup(func() {
		nc.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	})

	js, err := jetstream.New(nc)
	require.NoError(t, err)
	return js
}

func TestNATSBackendContract(t *testing.T) {
	js := startJetStream(t)
	testBackendContract(t, NewNATSBackend(js, "leases", logger.GetDefaultLogger()))
}

func TestNATSBackendEmptyBucket(t *testing.T) {
	js := startJetStream(t)
	backend := NewNATSBackend(js, "leases", logger.GetDefaultLogger())
	require.NoError(t, backend.Init(context.Background()))

	all, err := backend.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestNATSBackendReopensBucket(t *testing.T) {
	js := startJetStream(t)
	ctx := context.Background()

	first := NewNATSBackend(js, "leases", logger.GetDefaultLogger())
	require.NoError(t, first.Init(ctx))
	require.NoError(t, first.Insert(ctx, &Lease{PartitionID: "shard-1", Counter: 1}))

	second := NewNATSBackend(js, "leases", logger.GetDefaultLogger())
	require.NoError(t, second.Init(ctx))
	lease, err := second.Load(ctx, "shard-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), lease.Counter)
}

func TestNATSStoreRace(t *testing.T) {
	js := startJetStream(t)
	ctx := context.Background()

	backend := NewNATSBackend(js, "leases", logger.GetDefaultLogger())
	require.NoError(t, backend.Init(ctx))
	storeA, _ := newTestStore(t, backend)
	storeB, _ := newTestStore(t, backend)

	lease := createOwned(t, storeA, "shard-1", "worker-a")

	_, err := storeA.Renew(ctx, lease, lease.Counter)
	require.NoError(t, err)
	_, err = storeB.TransferOwnership(ctx, lease, "worker-b", lease.Counter)
	assert.ErrorIs(t, err, ErrStaleLease)
}
