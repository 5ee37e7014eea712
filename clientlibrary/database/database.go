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
// Package database holds the relational lease table used by the Postgres lease backend.
package database

import (
	"context"

	"github.com/tolitius/kinetic/clientlibrary/database/models"
)

// LeaseDatastore persists lease rows. Writes other than InsertLease are
// conditional on the lease counter and report false when it does not match.
type LeaseDatastore interface {
	CreateTable(ctx context.Context) error
	// GetLease returns nil when the row does not exist.
	GetLease(ctx context.Context, shardID, streamName string) (*models.Lease, error)
	// InsertLease reports false when the row already exists.
	InsertLease(ctx context.Context, lease *models.Lease) (bool, error)
	UpdateLease(ctx context.Context, lease *models.Lease, expectedCounter int64) (bool, error)
	GetLeases(ctx context.Context, streamName string) ([]*models.Lease, error)
	RemoveLease(ctx context.Context, shardID, streamName string, expectedCounter int64) (bool, error)
}
