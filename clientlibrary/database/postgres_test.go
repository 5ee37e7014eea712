package database

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolitius/kinetic/clientlibrary/database/models"
)

func newMockDatastore(t *testing.T) (*PostgresDatastore, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresDatastore(db, "leases"), mock
}

func TestPostgresCreateTable(t *testing.T) {
	ds, mock := newMockDatastore(t)
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "leases"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.NoError(t, ds.CreateTable(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetLease(t *testing.T) {
	ds, mock := newMockDatastore(t)
	timeout := time.Date(2024, 1, 1, 0, 0, 10, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"shard_id", "stream_name", "sequence_number", "lease_owner", "lease_counter", "parent_ids", "lease_timeout", "checkpointed_at"}).
		AddRow("shard-1", "orders", "49590338271490256608559692538361571095921575989136588898", "worker-a", int64(4), "{shard-0}", timeout, nil)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT shard_id, stream_name`)).
		WithArgs("shard-1", "orders").
		WillReturnRows(rows)

	lease, err := ds.GetLease(context.Background(), "shard-1", "orders")
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.Equal(t, "worker-a", lease.LeaseOwner)
	assert.Equal(t, int64(4), lease.LeaseCounter)
	assert.Equal(t, []string{"shard-0"}, lease.ParentIDs)
	require.NotNil(t, lease.LeaseTimeout)
	assert.True(t, timeout.Equal(*lease.LeaseTimeout))
	assert.Nil(t, lease.CheckpointedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetLeaseMissing(t *testing.T) {
	ds, mock := newMockDatastore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT shard_id, stream_name`)).
		WithArgs("shard-9", "orders").
		WillReturnRows(sqlmock.NewRows([]string{"shard_id"}))

	lease, err := ds.GetLease(context.Background(), "shard-9", "orders")
	assert.NoError(t, err)
	assert.Nil(t, lease)
}

func TestPostgresInsertLease(t *testing.T) {
	ds, mock := newMockDatastore(t)
	lease := &models.Lease{ShardID: "shard-1", StreamName: "orders", LeaseCounter: 1}

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "leases"`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "leases"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	created, err := ds.InsertLease(context.Background(), lease)
	assert.NoError(t, err)
	assert.True(t, created)

	created, err = ds.InsertLease(context.Background(), lease)
	assert.NoError(t, err)
	assert.False(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateLeaseIsConditional(t *testing.T) {
	ds, mock := newMockDatastore(t)
	lease := &models.Lease{ShardID: "shard-1", StreamName: "orders", LeaseOwner: "worker-a", LeaseCounter: 6}

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "leases" SET`)).
		WithArgs("shard-1", "orders", sqlmock.AnyArg(), sqlmock.AnyArg(), int64(6), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "leases" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := ds.UpdateLease(context.Background(), lease, 5)
	assert.NoError(t, err)
	assert.True(t, ok)

	ok, err = ds.UpdateLease(context.Background(), lease, 5)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetLeasesAndRemove(t *testing.T) {
	ds, mock := newMockDatastore(t)
	rows := sqlmock.NewRows([]string{"shard_id", "stream_name", "sequence_number", "lease_owner", "lease_counter", "parent_ids", "lease_timeout", "checkpointed_at"}).
		AddRow("shard-0", "orders", "SHARD_END", nil, int64(9), nil, nil, nil).
		AddRow("shard-1", "orders", nil, "worker-a", int64(2), "{shard-0}", nil, nil)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT shard_id, stream_name`)).
		WithArgs("orders").
		WillReturnRows(rows)
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "leases"`)).
		WithArgs("shard-0", "orders", int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	leases, err := ds.GetLeases(context.Background(), "orders")
	require.NoError(t, err)
	require.Len(t, leases, 2)
	assert.Equal(t, "SHARD_END", leases[0].SequenceNumber)
	assert.Equal(t, "", leases[0].LeaseOwner)
	assert.Nil(t, leases[0].ParentIDs)

	removed, err := ds.RemoveLease(context.Background(), "shard-0", "orders", 9)
	assert.NoError(t, err)
	assert.True(t, removed)
	assert.NoError(t, mock.ExpectationsWereMet())
}
