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
	"sort"
	"sync"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/tolitius/kinetic/clientlibrary/config"
	par "github.com/tolitius/kinetic/clientlibrary/partition"
	"github.com/tolitius/kinetic/clientlibrary/utils"
	"github.com/tolitius/kinetic/logger"
)

// Manager acquires, renews and gives up the leases of one worker.
type Manager struct {
	store     LeaseStore
	workerID  string
	kclConfig *config.KinesisClientLibConfiguration
	log       logger.Logger
	now       func() time.Time

	mux         sync.Mutex
	held        map[string]*HeldLease
	quarantined map[string]struct{}
}

func NewManager(store LeaseStore, kclConfig *config.KinesisClientLibConfiguration) *Manager {
	return &Manager{
		store:       store,
		workerID:    kclConfig.WorkerID,
		kclConfig:   kclConfig,
		log:         kclConfig.Logger,
		now:         time.Now,
		held:        make(map[string]*HeldLease),
		quarantined: make(map[string]struct{}),
	}
}

// WithClock replaces the wall clock, for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func (m *Manager) WorkerID() string {
	return m.workerID
}

// Held returns the live leases of this worker ordered by partition.
func (m *Manager) Held() []*HeldLease {
	m.mux.Lock()
	defer m.mux.Unlock()

	held := make([]*HeldLease, 0, len(m.held))
	for _, h := range m.held {
		held = append(held, h)
	}
	sort.Slice(held, func(i, j int) bool { return held[i].PartitionID() < held[j].PartitionID() })
	return held
}

// Get returns the held lease of the partition or nil.
func (m *Manager) Get(partitionID string) *HeldLease {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.held[partitionID]
}

// CreateLeases makes sure every partition has a lease. A partition that
// already has a descendant lease is skipped, its records were consumed
// before the descendant was created.
func (m *Manager) CreateLeases(ctx context.Context, partitions []par.Partition) (int, error) {
	all, err := m.store.ListAll(ctx)
	if err != nil {
		return 0, err
	}

	existing := make(map[string]bool, len(all))
	hasChild := make(map[string]bool)
	for _, l := range all {
		existing[l.PartitionID] = true
		for _, parent := range l.ParentIDs {
			hasChild[parent] = true
		}
	}

	created := 0
	for _, p := range partitions {
		if existing[p.ID] || hasChild[p.ID] {
			continue
		}
		ok, err := m.store.CreateIfAbsent(ctx, &Lease{
			PartitionID: p.ID,
			ParentIDs:   p.ParentIDs,
		})
		if err != nil {
			return created, err
		}
		if ok {
			m.log.Infof("Created lease for new shard: %s", p.ID)
			created++
		}
	}
	return created, nil
}

// RemoveOrphans deletes expired leases of partitions that no longer exist in the stream.
func (m *Manager) RemoveOrphans(ctx context.Context, partitions []par.Partition) (int, error) {
	all, err := m.store.ListAll(ctx)
	if err != nil {
		return 0, err
	}

	known := make(map[string]bool, len(partitions))
	for _, p := range partitions {
		known[p.ID] = true
	}

	now := m.now()
	removed := 0
	for _, l := range all {
		if known[l.PartitionID] || !l.IsExpired(now) {
			continue
		}
		if err := m.store.Delete(ctx, l.PartitionID, l.Counter); err != nil {
			if errors.Is(err, ErrStaleLease) || errors.Is(err, ErrLeaseNotFound) {
				continue
			}
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// RetireLeases deletes completed leases whose children have all been claimed.
func (m *Manager) RetireLeases(ctx context.Context) (int, error) {
	all, err := m.store.ListAll(ctx)
	if err != nil {
		return 0, err
	}

	children := make(map[string][]*Lease)
	for _, l := range all {
		for _, parent := range l.ParentIDs {
			children[parent] = append(children[parent], l)
		}
	}

	retired := 0
	for _, l := range all {
		if !l.IsCompleted() || len(children[l.PartitionID]) == 0 {
			continue
		}
		claimed := true
		for _, child := range children[l.PartitionID] {
			if !child.IsClaimed() {
				claimed = false
				break
			}
		}
		if !claimed {
			continue
		}
		if err := m.store.Delete(ctx, l.PartitionID, l.Counter); err != nil {
			if errors.Is(err, ErrStaleLease) || errors.Is(err, ErrLeaseNotFound) {
				continue
			}
			return retired, err
		}
		m.log.Infof("Retired completed lease for shard: %s", l.PartitionID)
		retired++
	}
	return retired, nil
}

// TakeLeases acquires expired or unowned leases until this worker holds its
// fair share, then steals from the most loaded worker if stealing is enabled.
// It returns the newly acquired leases.
func (m *Manager) TakeLeases(ctx context.Context) ([]*HeldLease, error) {
	all, err := m.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	now := m.now()
	byID := make(map[string]*Lease, len(all))
	for _, l := range all {
		byID[l.PartitionID] = l
	}

	var active []*Lease
	owners := map[string]int{m.workerID: 0}
	for _, l := range all {
		if l.IsCompleted() {
			continue
		}
		active = append(active, l)
		if !l.IsExpired(now) && l.Owner != m.workerID {
			owners[l.Owner]++
		}
	}

	held := m.heldCount()
	owners[m.workerID] = held
	target := fairShare(len(active), len(owners), m.kclConfig.MaxLeasesForWorker)
	needed := target - held
	if needed <= 0 {
		return nil, nil
	}
	if limit := m.kclConfig.MaxLeasesToTakeAtOneTime; limit > 0 && needed > limit {
		needed = limit
	}

	var candidates []*Lease
	for _, l := range active {
		if l.IsExpired(now) && m.takeable(l, byID) {
			candidates = append(candidates, l)
		}
	}
	m.orderByAffinity(candidates)

	var taken []*HeldLease
	var firstErr error
	for _, l := range candidates {
		if len(taken) >= needed {
			break
		}
		h, err := m.take(ctx, l)
		if err != nil {
			if firstErr == nil && !IsLeaseLoss(err) {
				firstErr = err
			}
			continue
		}
		taken = append(taken, h)
	}

	if len(taken) < needed && m.kclConfig.EnableLeaseStealing {
		stolen, err := m.steal(ctx, active, byID, owners, target, needed-len(taken))
		taken = append(taken, stolen...)
		if firstErr == nil {
			firstErr = err
		}
	}

	return taken, firstErr
}

// steal transfers leases from the most loaded owner when it holds more than
// its fair share and giving one up does not leave it below this worker.
func (m *Manager) steal(ctx context.Context, active []*Lease, byID map[string]*Lease, owners map[string]int, target, wanted int) ([]*HeldLease, error) {
	now := m.now()
	victim, most := "", 0
	for owner, n := range owners {
		if owner == m.workerID {
			continue
		}
		if n > most || (n == most && owner < victim) {
			victim, most = owner, n
		}
	}
	if victim == "" || most <= target || most-1 <= owners[m.workerID] {
		return nil, nil
	}

	limit := m.kclConfig.MaxLeasesToStealAtOneTime
	if limit <= 0 || limit > wanted {
		limit = wanted
	}
	if limit > most-target {
		limit = most - target
	}

	var candidates []*Lease
	for _, l := range active {
		if l.Owner == victim && !l.IsExpired(now) && m.takeable(l, byID) {
			candidates = append(candidates, l)
		}
	}
	m.orderByAffinity(candidates)

	var stolen []*HeldLease
	for _, l := range candidates {
		if len(stolen) >= limit {
			break
		}
		h, err := m.take(ctx, l)
		if err != nil {
			if IsLeaseLoss(err) {
				continue
			}
			return stolen, err
		}
		m.log.Infof("Stole lease for shard: %s from worker: %s", l.PartitionID, victim)
		stolen = append(stolen, h)
	}
	return stolen, nil
}

func (m *Manager) take(ctx context.Context, l *Lease) (*HeldLease, error) {
	next, err := m.store.TransferOwnership(ctx, l, m.workerID, l.Counter)
	if err != nil {
		if IsLeaseLoss(err) {
			m.log.Debugf("Lease for shard: %s was taken by another worker", l.PartitionID)
		} else {
			m.log.Errorf("Cannot get lease for shard: %s Error: %+v", l.PartitionID, err)
		}
		return nil, err
	}

	h := newHeldLease(m.store, next, m.now)
	m.mux.Lock()
	m.held[l.PartitionID] = h
	m.mux.Unlock()

	m.log.Infof("Took lease for shard: %s counter: %d", l.PartitionID, next.Counter)
	return h, nil
}

// takeable tells whether this worker may acquire the lease. A child is not
// taken while any of its parents still has an unfinished lease.
func (m *Manager) takeable(l *Lease, byID map[string]*Lease) bool {
	m.mux.Lock()
	_, isHeld := m.held[l.PartitionID]
	_, isQuarantined := m.quarantined[l.PartitionID]
	m.mux.Unlock()
	if isHeld || isQuarantined {
		return false
	}

	for _, parentID := range l.ParentIDs {
		if parent, ok := byID[parentID]; ok && !parent.IsCompleted() {
			return false
		}
	}
	return true
}

// orderByAffinity sorts leases by a per-worker hash so that workers racing
// for the same expired leases mostly go after different ones.
func (m *Manager) orderByAffinity(leases []*Lease) {
	sort.Slice(leases, func(i, j int) bool {
		hi := xxh3.HashString(m.workerID + "/" + leases[i].PartitionID)
		hj := xxh3.HashString(m.workerID + "/" + leases[j].PartitionID)
		if hi != hj {
			return hi < hj
		}
		return leases[i].PartitionID < leases[j].PartitionID
	})
}

// RenewLeases renews every held lease and returns the partitions whose
// leases were lost. When the store is unreachable a lease is only given up
// once its local expiry has passed.
func (m *Manager) RenewLeases(ctx context.Context) []string {
	var lost []string
	for _, h := range m.Held() {
		err := h.Renew(ctx)
		if err == nil {
			continue
		}

		switch {
		case IsLeaseLoss(err):
			m.log.Infof("Lost lease for shard: %s Error: %+v", h.PartitionID(), err)
		case utils.IsDependencyUnavailable(err) && !h.Expired():
			m.log.Warnf("Cannot renew lease for shard: %s, will retry. Error: %+v", h.PartitionID(), err)
			continue
		case utils.IsDependencyUnavailable(err):
			m.log.Errorf("Lease for shard: %s expired while the lease store was unavailable", h.PartitionID())
		default:
			m.log.Errorf("Error renewing lease for shard: %s Error: %+v", h.PartitionID(), err)
			continue
		}

		h.markLost()
		m.forget(h)
		lost = append(lost, h.PartitionID())
	}
	return lost
}

// Release gives the lease up in the store so another worker can take it at once.
func (m *Manager) Release(ctx context.Context, partitionID string) error {
	h := m.Get(partitionID)
	if h == nil {
		return nil
	}
	defer m.forget(h)
	return h.Release(ctx)
}

// Drop forgets the lease locally and leaves it to expire in the store.
func (m *Manager) Drop(partitionID string) {
	h := m.Get(partitionID)
	if h == nil {
		return
	}
	h.markLost()
	m.forget(h)
}

// Quarantine drops the lease and never takes it again in this process.
func (m *Manager) Quarantine(partitionID string) {
	m.mux.Lock()
	m.quarantined[partitionID] = struct{}{}
	m.mux.Unlock()

	m.log.Warnf("Shard: %s is quarantined on worker: %s", partitionID, m.workerID)
	m.Drop(partitionID)
}

func (m *Manager) IsQuarantined(partitionID string) bool {
	m.mux.Lock()
	defer m.mux.Unlock()
	_, ok := m.quarantined[partitionID]
	return ok
}

func (m *Manager) heldCount() int {
	m.mux.Lock()
	defer m.mux.Unlock()
	return len(m.held)
}

// forget removes h unless the partition has since been re-acquired.
func (m *Manager) forget(h *HeldLease) {
	m.mux.Lock()
	defer m.mux.Unlock()
	if m.held[h.PartitionID()] == h {
		delete(m.held, h.PartitionID())
	}
}

// fairShare is ceil(leases/workers) capped by maxPerWorker.
func fairShare(leases, workers, maxPerWorker int) int {
	if workers <= 0 {
		workers = 1
	}
	target := (leases + workers - 1) / workers
	if maxPerWorker > 0 && target > maxPerWorker {
		target = maxPerWorker
	}
	return target
}
