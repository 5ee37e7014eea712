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
package leases

import (
	"context"
	"time"

	"github.com/tolitius/kinetic/clientlibrary/database"
	"github.com/tolitius/kinetic/clientlibrary/database/models"
	"github.com/tolitius/kinetic/clientlibrary/utils"
	"github.com/tolitius/kinetic/logger"
)

// PostgresBackend keeps the leases of one stream in a relational table.
type PostgresBackend struct {
	log        logger.Logger
	streamName string
	Datastore  database.LeaseDatastore
}

func NewPostgresBackend(ds database.LeaseDatastore, streamName string, log logger.Logger) *PostgresBackend {
	return &PostgresBackend{
		log:        log,
		streamName: streamName,
		Datastore:  ds,
	}
}

func (b *PostgresBackend) Init(ctx context.Context) error {
	return utils.NewDependencyError("postgres", "CreateTable", b.Datastore.CreateTable(ctx))
}

func (b *PostgresBackend) Load(ctx context.Context, partitionID string) (*Lease, error) {
	row, err := b.Datastore.GetLease(ctx, partitionID, b.streamName)
	if err != nil {
		return nil, utils.NewDependencyError("postgres", "GetLease", err)
	}
	if row == nil {
		return nil, ErrLeaseNotFound
	}
	return fromRow(row), nil
}

func (b *PostgresBackend) Insert(ctx context.Context, lease *Lease) error {
	created, err := b.Datastore.InsertLease(ctx, b.toRow(lease))
	if err != nil {
		return utils.NewDependencyError("postgres", "InsertLease", err)
	}
	if !created {
		return ErrLeaseExists
	}
	return nil
}

func (b *PostgresBackend) Swap(ctx context.Context, next *Lease, expectedCounter int64) error {
	ok, err := b.Datastore.UpdateLease(ctx, b.toRow(next), expectedCounter)
	if err != nil {
		return utils.NewDependencyError("postgres", "UpdateLease", err)
	}
	if !ok {
		return ErrStaleLease
	}
	return nil
}

func (b *PostgresBackend) Scan(ctx context.Context) ([]*Lease, error) {
	rows, err := b.Datastore.GetLeases(ctx, b.streamName)
	if err != nil {
		return nil, utils.NewDependencyError("postgres", "GetLeases", err)
	}
	all := make([]*Lease, 0, len(rows))
	for _, row := range rows {
		all = append(all, fromRow(row))
	}
	return all, nil
}

func (b *PostgresBackend) Remove(ctx context.Context, partitionID string, expectedCounter int64) error {
	ok, err := b.Datastore.RemoveLease(ctx, partitionID, b.streamName, expectedCounter)
	if err != nil {
		return utils.NewDependencyError("postgres", "RemoveLease", err)
	}
	if !ok {
		return ErrStaleLease
	}

	b.log.Infof("Lease info for shard: %s has been removed.", partitionID)
	return nil
}

func (b *PostgresBackend) toRow(l *Lease) *models.Lease {
	return &models.Lease{
		ShardID:        l.PartitionID,
		StreamName:     b.streamName,
		SequenceNumber: l.Checkpoint,
		LeaseOwner:     l.Owner,
		LeaseCounter:   l.Counter,
		ParentIDs:      l.ParentIDs,
		LeaseTimeout:   timePtr(l.Expiry),
		CheckpointedAt: timePtr(l.CheckpointedAt),
	}
}

func fromRow(row *models.Lease) *Lease {
	l := &Lease{
		PartitionID: row.ShardID,
		Owner:       row.LeaseOwner,
		Counter:     row.LeaseCounter,
		Checkpoint:  row.SequenceNumber,
		ParentIDs:   row.ParentIDs,
	}
	if row.LeaseTimeout != nil {
		l.Expiry = *row.LeaseTimeout
	}
	if row.CheckpointedAt != nil {
		l.CheckpointedAt = *row.CheckpointedAt
	}
	return l
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
