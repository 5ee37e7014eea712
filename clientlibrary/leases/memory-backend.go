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
	"sync"
)

// MemoryBackend keeps leases in process memory. It coordinates goroutines of
// a single process only and is meant for tests and local runs.
type MemoryBackend struct {
	mux    sync.Mutex
	leases map[string]*Lease
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{leases: make(map[string]*Lease)}
}

func (m *MemoryBackend) Init(ctx context.Context) error {
	return nil
}

func (m *MemoryBackend) Load(ctx context.Context, partitionID string) (*Lease, error) {
	m.mux.Lock()
	defer m.mux.Unlock()

	lease, ok := m.leases[partitionID]
	if !ok {
		return nil, ErrLeaseNotFound
	}
	return lease.Copy(), nil
}

func (m *MemoryBackend) Insert(ctx context.Context, lease *Lease) error {
	m.mux.Lock()
	defer m.mux.Unlock()

	if _, ok := m.leases[lease.PartitionID]; ok {
		return ErrLeaseExists
	}
	m.leases[lease.PartitionID] = lease.Copy()
	return nil
}

func (m *MemoryBackend) Swap(ctx context.Context, next *Lease, expectedCounter int64) error {
	m.mux.Lock()
	defer m.mux.Unlock()

	current, ok := m.leases[next.PartitionID]
	if !ok {
		return ErrLeaseNotFound
	}
	if current.Counter != expectedCounter {
		return ErrStaleLease
	}
	m.leases[next.PartitionID] = next.Copy()
	return nil
}

func (m *MemoryBackend) Scan(ctx context.Context) ([]*Lease, error) {
	m.mux.Lock()
	defer m.mux.Unlock()

	all := make([]*Lease, 0, len(m.leases))
	for _, lease := range m.leases {
		all = append(all, lease.Copy())
	}
	return all, nil
}

func (m *MemoryBackend) Remove(ctx context.Context, partitionID string, expectedCounter int64) error {
	m.mux.Lock()
	defer m.mux.Unlock()

	current, ok := m.leases[partitionID]
	if !ok {
		return ErrLeaseNotFound
	}
	if current.Counter != expectedCounter {
		return ErrStaleLease
	}
	delete(m.leases, partitionID)
	return nil
}
