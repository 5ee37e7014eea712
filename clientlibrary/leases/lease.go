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
// Package leases implements time-bounded, versioned ownership claims over
// stream partitions: the lease store contract, its backends and the lease
// manager that renews, takes and balances leases across a fleet of workers.
package leases

import (
	"time"

	par "github.com/tolitius/kinetic/clientlibrary/partition"
)

// Lease is the durable ownership record of one partition. Every mutation of a
// lease is conditional on Counter and increments it by one.
type Lease struct {
	PartitionID string
	// Owner is the worker holding the lease. Empty means unowned.
	Owner string
	// Counter is the optimistic concurrency version of the record.
	Counter int64
	// Expiry is the instant after which the lease may be taken by another worker.
	Expiry time.Time
	// Checkpoint is the last durably processed position of the partition.
	Checkpoint     string
	CheckpointedAt time.Time
	ParentIDs      []string
}

// IsExpired tells whether the lease is free to be taken at now.
func (l *Lease) IsExpired(now time.Time) bool {
	return l.Owner == "" || now.After(l.Expiry)
}

// IsHeldBy tells whether owner holds a live lease at now.
func (l *Lease) IsHeldBy(owner string, now time.Time) bool {
	return l.Owner == owner && !l.IsExpired(now)
}

// IsCompleted tells whether every record of the partition has been processed.
func (l *Lease) IsCompleted() bool {
	return par.StatusOf(l.Checkpoint) == par.Completed
}

// IsClaimed tells whether the lease has ever been worked on.
func (l *Lease) IsClaimed() bool {
	return l.Owner != "" || l.Checkpoint != ""
}

// Status of the leased partition.
func (l *Lease) Status() par.Status {
	return par.StatusOf(l.Checkpoint)
}

// Copy returns a deep copy of the lease.
func (l *Lease) Copy() *Lease {
	c := *l
	if l.ParentIDs != nil {
		c.ParentIDs = append([]string(nil), l.ParentIDs...)
	}
	return &c
}
