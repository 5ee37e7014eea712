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
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/tolitius/kinetic/clientlibrary/config"
	par "github.com/tolitius/kinetic/clientlibrary/partition"
	"github.com/tolitius/kinetic/logger"
)

// LeaseStore is the single source of truth for who may read which partition.
// All mutating operations are conditional on the lease counter the caller
// last observed and fail with ErrStaleLease on a mismatch.
type LeaseStore interface {
	// Init provisions the backing storage if needed.
	Init(ctx context.Context) error

	// Get returns the lease of the partition or ErrLeaseNotFound.
	Get(ctx context.Context, partitionID string) (*Lease, error)

	// CreateIfAbsent inserts a new lease. It reports false when a lease for the
	// partition already exists.
	CreateIfAbsent(ctx context.Context, lease *Lease) (bool, error)

	// Renew extends the expiry of a lease still held by lease.Owner.
	Renew(ctx context.Context, lease *Lease, expectedCounter int64) (*Lease, error)

	// TransferOwnership hands the lease to newOwner. An empty newOwner releases it.
	TransferOwnership(ctx context.Context, lease *Lease, newOwner string, expectedCounter int64) (*Lease, error)

	// Checkpoint records the last processed position of the partition.
	Checkpoint(ctx context.Context, partitionID, position string, expectedCounter int64) (*Lease, error)

	// ListAll returns every lease ordered by partition.
	ListAll(ctx context.Context) ([]*Lease, error)

	// Delete retires the lease.
	Delete(ctx context.Context, partitionID string, expectedCounter int64) error
}

// Backend is a durable table of lease records offering a compare-and-swap on
// the lease counter. Transport failures are reported as utils.DependencyError.
type Backend interface {
	Init(ctx context.Context) error

	// Load returns ErrLeaseNotFound when the record is absent.
	Load(ctx context.Context, partitionID string) (*Lease, error)

	// Insert returns ErrLeaseExists when the record is present.
	Insert(ctx context.Context, lease *Lease) error

	// Swap replaces the record if its counter equals expectedCounter and
	// returns ErrStaleLease otherwise.
	Swap(ctx context.Context, next *Lease, expectedCounter int64) error

	Scan(ctx context.Context) ([]*Lease, error)

	// Remove deletes the record if its counter equals expectedCounter.
	Remove(ctx context.Context, partitionID string, expectedCounter int64) error
}

// Store implements LeaseStore on top of any Backend.
type Store struct {
	backend       Backend
	leaseDuration time.Duration
	log           logger.Logger
	now           func() time.Time
}

// NewStore creates a lease store whose leases last FailoverTimeMillis.
func NewStore(backend Backend, kclConfig *config.KinesisClientLibConfiguration) *Store {
	return &Store{
		backend:       backend,
		leaseDuration: time.Duration(kclConfig.FailoverTimeMillis) * time.Millisecond,
		log:           kclConfig.Logger,
		now:           time.Now,
	}
}

// WithClock replaces the wall clock, for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// LeaseDuration is how long a renewed or transferred lease stays valid.
func (s *Store) LeaseDuration() time.Duration {
	return s.leaseDuration
}

func (s *Store) Init(ctx context.Context) error {
	return s.backend.Init(ctx)
}

func (s *Store) Get(ctx context.Context, partitionID string) (*Lease, error) {
	return s.backend.Load(ctx, partitionID)
}

func (s *Store) CreateIfAbsent(ctx context.Context, lease *Lease) (bool, error) {
	next := lease.Copy()
	next.Counter = 1
	err := s.backend.Insert(ctx, next)
	if errors.Is(err, ErrLeaseExists) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.log.Debugf("Created lease for partition: %s", lease.PartitionID)
	return true, nil
}

func (s *Store) Renew(ctx context.Context, lease *Lease, expectedCounter int64) (*Lease, error) {
	return s.update(ctx, lease.PartitionID, expectedCounter, func(next *Lease, now time.Time) error {
		if next.Owner != lease.Owner {
			return fmt.Errorf("%w: partition %s is owned by %q", ErrLeaseLost, next.PartitionID, next.Owner)
		}
		if now.After(next.Expiry) {
			return fmt.Errorf("%w: partition %s expired at %s", ErrLeaseExpired, next.PartitionID, next.Expiry.Format(time.RFC3339Nano))
		}
		next.Expiry = now.Add(s.leaseDuration)
		return nil
	})
}

func (s *Store) TransferOwnership(ctx context.Context, lease *Lease, newOwner string, expectedCounter int64) (*Lease, error) {
	return s.update(ctx, lease.PartitionID, expectedCounter, func(next *Lease, now time.Time) error {
		next.Owner = newOwner
		if newOwner == "" {
			next.Expiry = time.Time{}
		} else {
			next.Expiry = now.Add(s.leaseDuration)
		}
		return nil
	})
}

func (s *Store) Checkpoint(ctx context.Context, partitionID, position string, expectedCounter int64) (*Lease, error) {
	return s.update(ctx, partitionID, expectedCounter, func(next *Lease, now time.Time) error {
		if next.Owner == "" || now.After(next.Expiry) {
			return fmt.Errorf("%w: partition %s", ErrLeaseExpired, partitionID)
		}
		before, err := par.IsBefore(position, next.Checkpoint)
		if err != nil {
			return err
		}
		if before {
			return fmt.Errorf("%w: %s < %s", ErrCheckpointRegression, position, next.Checkpoint)
		}
		next.Checkpoint = position
		next.CheckpointedAt = now
		return nil
	})
}

func (s *Store) ListAll(ctx context.Context) ([]*Lease, error) {
	all, err := s.backend.Scan(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].PartitionID < all[j].PartitionID })
	return all, nil
}

func (s *Store) Delete(ctx context.Context, partitionID string, expectedCounter int64) error {
	return s.backend.Remove(ctx, partitionID, expectedCounter)
}

// update reads the lease, verifies the counter, applies the mutation and
// writes it back conditionally on the same counter.
func (s *Store) update(ctx context.Context, partitionID string, expectedCounter int64, apply func(next *Lease, now time.Time) error) (*Lease, error) {
	current, err := s.backend.Load(ctx, partitionID)
	if err != nil {
		return nil, err
	}
	if current.Counter != expectedCounter {
		return nil, fmt.Errorf("%w: partition %s expected %d, found %d", ErrStaleLease, partitionID, expectedCounter, current.Counter)
	}

	next := current.Copy()
	if err := apply(next, s.now()); err != nil {
		return nil, err
	}
	next.Counter = expectedCounter + 1

	if err := s.backend.Swap(ctx, next, expectedCounter); err != nil {
		return nil, err
	}
	return next.Copy(), nil
}
