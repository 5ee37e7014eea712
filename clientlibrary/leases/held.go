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
	"fmt"
	"sync"
	"time"
)

// HeldLease is one acquisition of a lease by this worker. Renewals,
// checkpoints and the release of the acquisition are serialized and each
// carries the counter produced by the previous write. Once lost, a HeldLease
// never becomes valid again.
type HeldLease struct {
	store LeaseStore
	now   func() time.Time

	mux   sync.Mutex
	lease *Lease

	lost     chan struct{}
	lostOnce sync.Once
}

func newHeldLease(store LeaseStore, lease *Lease, now func() time.Time) *HeldLease {
	return &HeldLease{
		store: store,
		now:   now,
		lease: lease.Copy(),
		lost:  make(chan struct{}),
	}
}

func (h *HeldLease) PartitionID() string {
	return h.lease.PartitionID
}

// Snapshot returns a copy of the lease as last written by this acquisition.
func (h *HeldLease) Snapshot() *Lease {
	h.mux.Lock()
	defer h.mux.Unlock()
	return h.lease.Copy()
}

// Lost is closed when the acquisition ends.
func (h *HeldLease) Lost() <-chan struct{} {
	return h.lost
}

func (h *HeldLease) IsLost() bool {
	select {
	case <-h.lost:
		return true
	default:
		return false
	}
}

func (h *HeldLease) markLost() {
	h.lostOnce.Do(func() { close(h.lost) })
}

// Expired tells whether the locally known expiry has passed.
func (h *HeldLease) Expired() bool {
	h.mux.Lock()
	defer h.mux.Unlock()
	return h.now().After(h.lease.Expiry)
}

// Renew extends the lease. A lease loss error ends the acquisition.
func (h *HeldLease) Renew(ctx context.Context) error {
	h.mux.Lock()
	defer h.mux.Unlock()

	if err := h.checkHeld(); err != nil {
		return err
	}
	next, err := h.store.Renew(ctx, h.lease, h.lease.Counter)
	return h.apply(next, err)
}

// Checkpoint durably records position for the partition.
func (h *HeldLease) Checkpoint(ctx context.Context, position string) error {
	h.mux.Lock()
	defer h.mux.Unlock()

	if err := h.checkHeld(); err != nil {
		return err
	}
	next, err := h.store.Checkpoint(ctx, h.lease.PartitionID, position, h.lease.Counter)
	return h.apply(next, err)
}

// Release gives the lease up so any worker can take it immediately.
func (h *HeldLease) Release(ctx context.Context) error {
	h.mux.Lock()
	defer h.mux.Unlock()

	if err := h.checkHeld(); err != nil {
		return err
	}
	next, err := h.store.TransferOwnership(ctx, h.lease, "", h.lease.Counter)
	if err := h.apply(next, err); err != nil {
		return err
	}
	h.markLost()
	return nil
}

// checkHeld must be called with mux held.
func (h *HeldLease) checkHeld() error {
	if h.IsLost() {
		return fmt.Errorf("%w: partition %s", ErrLeaseLost, h.lease.PartitionID)
	}
	if h.now().After(h.lease.Expiry) {
		h.markLost()
		return fmt.Errorf("%w: partition %s expired at %s", ErrLeaseExpired, h.lease.PartitionID, h.lease.Expiry.Format(time.RFC3339Nano))
	}
	return nil
}

// apply must be called with mux held.
func (h *HeldLease) apply(next *Lease, err error) error {
	if err != nil {
		if IsLeaseLoss(err) {
			h.markLost()
		}
		return err
	}
	h.lease = next
	return nil
}
