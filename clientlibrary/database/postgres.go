/*
 * Copyright (c) 2019 VMware, Inc.
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy of this software and
 * associated documentation files (the "Software"), to deal in the Software without restriction, including
 * without limitation the rights to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is furnished to do
 * so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all copies or substantial
 * portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR IMPLIED, INCLUDING BUT
 * NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.
 * IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY,
 * WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE
 * SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
 */
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/tolitius/kinetic/clientlibrary/database/models"
)

const leaseColumns = "shard_id, stream_name, sequence_number, lease_owner, lease_counter, parent_ids, lease_timeout, checkpointed_at"

// PostgresDatastore stores leases in a Postgres table keyed by shard and stream.
type PostgresDatastore struct {
	db    *sql.DB
	table string
}

func NewPostgresDatastore(db *sql.DB, table string) *PostgresDatastore {
	return &PostgresDatastore{
		db:    db,
		table: pq.QuoteIdentifier(table),
	}
}

// OpenPostgres opens a connection pool for the given DSN and verifies it.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func (p *PostgresDatastore) CreateTable(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	shard_id TEXT NOT NULL,
	stream_name TEXT NOT NULL,
	sequence_number TEXT,
	lease_owner TEXT,
	lease_counter BIGINT NOT NULL,
	parent_ids TEXT[],
	lease_timeout TIMESTAMPTZ,
	checkpointed_at TIMESTAMPTZ,
	PRIMARY KEY (shard_id, stream_name)
)`, p.table))
	return err
}

func (p *PostgresDatastore) GetLease(ctx context.Context, shardID, streamName string) (*models.Lease, error) {
	row := p.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE shard_id = $1 AND stream_name = $2", leaseColumns, p.table),
		shardID, streamName)

	lease, err := scanLease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return lease, err
}

func (p *PostgresDatastore) InsertLease(ctx context.Context, lease *models.Lease) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT (shard_id, stream_name) DO NOTHING", p.table, leaseColumns),
		leaseArgs(lease)...)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

func (p *PostgresDatastore) UpdateLease(ctx context.Context, lease *models.Lease, expectedCounter int64) (bool, error) {
	args := append(leaseArgs(lease), expectedCounter)
	res, err := p.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET sequence_number = $3, lease_owner = $4, lease_counter = $5, parent_ids = $6, lease_timeout = $7, checkpointed_at = $8
WHERE shard_id = $1 AND stream_name = $2 AND lease_counter = $9`, p.table),
		args...)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

func (p *PostgresDatastore) GetLeases(ctx context.Context, streamName string) ([]*models.Lease, error) {
	rows, err := p.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE stream_name = $1 ORDER BY shard_id", leaseColumns, p.table),
		streamName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var leases []*models.Lease
	for rows.Next() {
		lease, err := scanLease(rows)
		if err != nil {
			return nil, err
		}
		leases = append(leases, lease)
	}
	return leases, rows.Err()
}

func (p *PostgresDatastore) RemoveLease(ctx context.Context, shardID, streamName string, expectedCounter int64) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE shard_id = $1 AND stream_name = $2 AND lease_counter = $3", p.table),
		shardID, streamName, expectedCounter)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanLease(s scanner) (*models.Lease, error) {
	var (
		lease          models.Lease
		sequenceNumber sql.NullString
		owner          sql.NullString
		parents        pq.StringArray
		leaseTimeout   sql.NullTime
		checkpointedAt sql.NullTime
	)
	err := s.Scan(&lease.ShardID, &lease.StreamName, &sequenceNumber, &owner, &lease.LeaseCounter, &parents, &leaseTimeout, &checkpointedAt)
	if err != nil {
		return nil, err
	}

	lease.SequenceNumber = sequenceNumber.String
	lease.LeaseOwner = owner.String
	if len(parents) > 0 {
		lease.ParentIDs = []string(parents)
	}
	if leaseTimeout.Valid {
		t := leaseTimeout.Time
		lease.LeaseTimeout = &t
	}
	if checkpointedAt.Valid {
		t := checkpointedAt.Time
		lease.CheckpointedAt = &t
	}
	return &lease, nil
}

func leaseArgs(lease *models.Lease) []interface{} {
	return []interface{}{
		lease.ShardID,
		lease.StreamName,
		nullString(lease.SequenceNumber),
		nullString(lease.LeaseOwner),
		lease.LeaseCounter,
		pq.Array(lease.ParentIDs),
		nullTime(lease.LeaseTimeout),
		nullTime(lease.CheckpointedAt),
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
