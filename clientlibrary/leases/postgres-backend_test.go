package leases

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolitius/kinetic/clientlibrary/database"
	"github.com/tolitius/kinetic/clientlibrary/utils"
	"github.com/tolitius/kinetic/logger"
)

var leaseRowColumns = []string{"shard_id", "stream_name", "sequence_number", "lease_owner", "lease_counter", "parent_ids", "lease_timeout", "checkpointed_at"}

var (
	createTableSQL = regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "leases"`)
	selectLeaseSQL = regexp.QuoteMeta(`SELECT shard_id, stream_name, sequence_number, lease_owner, lease_counter, parent_ids, lease_timeout, checkpointed_at FROM "leases" WHERE shard_id = $1`)
	selectAllSQL   = regexp.QuoteMeta(`SELECT shard_id, stream_name, sequence_number, lease_owner, lease_counter, parent_ids, lease_timeout, checkpointed_at FROM "leases" WHERE stream_name = $1`)
	insertLeaseSQL = regexp.QuoteMeta(`INSERT INTO "leases"`)
	updateLeaseSQL = regexp.QuoteMeta(`UPDATE "leases"`)
	deleteLeaseSQL = regexp.QuoteMeta(`DELETE FROM "leases"`)
)

func newMockPostgresBackend(t *testing.T) (*PostgresBackend, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresBackend(database.NewPostgresDatastore(db, "leases"), "stream", logger.GetDefaultLogger()), mock
}

func TestPostgresBackendContract(t *testing.T) {
	backend, mock := newMockPostgresBackend(t)

	const (
		shard0     = "shardId-000000000000"
		shard1     = "shardId-000000000001"
		checkpoint = "49590338271490256608559692538361571095921575989136588898"
	)
	expiry := time.Date(2024, 3, 1, 12, 0, 10, 0, time.UTC)

	mock.ExpectExec(createTableSQL).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(selectLeaseSQL).WithArgs(shard0, "stream").WillReturnRows(sqlmock.NewRows(leaseRowColumns))

	// a fresh lease has no owner, checkpoint or expiry
	mock.ExpectExec(insertLeaseSQL).
		WithArgs(shard0, "stream", nil, nil, int64(1), sqlmock.AnyArg(), nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insertLeaseSQL).WillReturnResult(sqlmock.NewResult(0, 0))

	mock.ExpectExec(updateLeaseSQL).
		WithArgs(shard0, "stream", checkpoint, "worker-a", int64(2), sqlmock.AnyArg(), expiry, nil, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(updateLeaseSQL).WillReturnResult(sqlmock.NewResult(0, 0))

	mock.ExpectQuery(selectLeaseSQL).WithArgs(shard0, "stream").WillReturnRows(
		sqlmock.NewRows(leaseRowColumns).AddRow(shard0, "stream", checkpoint, "worker-a", int64(2), "{shardId-parent}", expiry, nil))

	mock.ExpectExec(insertLeaseSQL).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(selectAllSQL).WithArgs("stream").WillReturnRows(
		sqlmock.NewRows(leaseRowColumns).
			AddRow(shard0, "stream", checkpoint, "worker-a", int64(2), "{shardId-parent}", expiry, nil).
			AddRow(shard1, "stream", nil, nil, int64(1), nil, nil, nil))

	mock.ExpectExec(deleteLeaseSQL).WithArgs(shard0, "stream", int64(1)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(deleteLeaseSQL).WithArgs(shard0, "stream", int64(2)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(selectLeaseSQL).WithArgs(shard0, "stream").WillReturnRows(sqlmock.NewRows(leaseRowColumns))
	mock.ExpectExec(insertLeaseSQL).WillReturnResult(sqlmock.NewResult(0, 1))

	testBackendContract(t, backend)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackendScanKeepsEmptyFields(t *testing.T) {
	backend, mock := newMockPostgresBackend(t)

	mock.ExpectQuery(selectAllSQL).WithArgs("stream").WillReturnRows(
		sqlmock.NewRows(leaseRowColumns).AddRow("shardId-000000000001", "stream", nil, nil, int64(1), nil, nil, nil))

	all, err := backend.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Empty(t, all[0].Owner)
	assert.Empty(t, all[0].Checkpoint)
	assert.True(t, all[0].Expiry.IsZero())
	assert.True(t, all[0].CheckpointedAt.IsZero())
	assert.Empty(t, all[0].ParentIDs)
}

func TestPostgresBackendWrapsDriverErrors(t *testing.T) {
	backend, mock := newMockPostgresBackend(t)
	refused := errors.New("connection refused")

	mock.ExpectExec(createTableSQL).WillReturnError(refused)
	mock.ExpectExec(updateLeaseSQL).WillReturnError(refused)

	err := backend.Init(context.Background())
	assert.True(t, utils.IsDependencyUnavailable(err))
	assert.ErrorIs(t, err, refused)

	err = backend.Swap(context.Background(), &Lease{PartitionID: "shardId-000000000000", Counter: 2}, 1)
	assert.True(t, utils.IsDependencyUnavailable(err))
	assert.NotErrorIs(t, err, ErrStaleLease)
	assert.NoError(t, mock.ExpectationsWereMet())
}
