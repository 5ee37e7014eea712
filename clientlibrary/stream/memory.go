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
package stream

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	par "github.com/tolitius/kinetic/clientlibrary/partition"
)

// MemorySource is an in-process stream used by tests and local runs.
// Sequence numbers are increasing decimals shared by all partitions.
type MemorySource struct {
	mux        sync.Mutex
	partitions map[string]*memoryPartition
	next       *big.Int
	now        func() time.Time
	listErr    error
}

type memoryPartition struct {
	partition par.Partition
	records   []*Record
	closed    bool
	readErrs  []error
}

func NewMemorySource() *MemorySource {
	return &MemorySource{
		partitions: map[string]*memoryPartition{},
		next:       big.NewInt(49600000000000000),
		now:        time.Now,
	}
}

func (s *MemorySource) Init(ctx context.Context) error {
	return nil
}

// AddPartition registers an open partition with the given parents.
func (s *MemorySource) AddPartition(id string, parentIDs ...string) {
	s.mux.Lock()
	defer s.mux.Unlock()
	if _, ok := s.partitions[id]; ok {
		return
	}
	s.partitions[id] = &memoryPartition{
		partition: par.Partition{
			ID:                     id,
			ParentIDs:              parentIDs,
			StartingSequenceNumber: s.next.String(),
		},
	}
}

// RemovePartition makes a partition vanish from listings, as when it ages out of retention.
func (s *MemorySource) RemovePartition(id string) {
	s.mux.Lock()
	defer s.mux.Unlock()
	delete(s.partitions, id)
}

// Put appends records to an open partition and returns their sequence numbers.
func (s *MemorySource) Put(partitionID string, data ...[]byte) ([]string, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	p, ok := s.partitions[partitionID]
	if !ok {
		return nil, fmt.Errorf("unknown partition %s", partitionID)
	}
	if p.closed {
		return nil, fmt.Errorf("partition %s is closed", partitionID)
	}

	seqs := make([]string, 0, len(data))
	for _, d := range data {
		seq := s.next.String()
		s.next.Add(s.next, big.NewInt(1))
		p.records = append(p.records, &Record{
			SequenceNumber:              seq,
			PartitionKey:                partitionID,
			Data:                        d,
			ApproximateArrivalTimestamp: s.now(),
		})
		seqs = append(seqs, seq)
	}
	return seqs, nil
}

// Close ends a partition. Readers see End after its last record.
func (s *MemorySource) Close(partitionID string) {
	s.mux.Lock()
	defer s.mux.Unlock()
	if p, ok := s.partitions[partitionID]; ok && !p.closed {
		p.closed = true
		if n := len(p.records); n > 0 {
			p.partition.EndingSequenceNumber = p.records[n-1].SequenceNumber
		} else {
			p.partition.EndingSequenceNumber = p.partition.StartingSequenceNumber
		}
	}
}

// FailReads makes the next reads of a partition return errs, one per read.
func (s *MemorySource) FailReads(partitionID string, errs ...error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	if p, ok := s.partitions[partitionID]; ok {
		p.readErrs = append(p.readErrs, errs...)
	}
}

// FailList makes ListPartitions return err until cleared with nil.
func (s *MemorySource) FailList(err error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.listErr = err
}

func (s *MemorySource) ListPartitions(ctx context.Context) ([]par.Partition, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]par.Partition, 0, len(s.partitions))
	for _, p := range s.partitions {
		out = append(out, p.partition)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemorySource) Open(ctx context.Context, partitionID string, from StartingPosition) (Reader, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	p, ok := s.partitions[partitionID]
	if !ok {
		return nil, fmt.Errorf("unknown partition %s", partitionID)
	}

	var cursor int
	switch from.Type {
	case TrimHorizon, "":
		cursor = 0
	case Latest:
		cursor = len(p.records)
	case AtTimestamp:
		if from.Timestamp == nil {
			return nil, fmt.Errorf("AT_TIMESTAMP without a timestamp")
		}
		cursor = sort.Search(len(p.records), func(i int) bool {
			return !p.records[i].ApproximateArrivalTimestamp.Before(*from.Timestamp)
		})
	case AfterSequenceNumber, AtSequenceNumber:
		if from.SequenceNumber == par.ShardEnd {
			cursor = len(p.records)
			break
		}
		idx, err := searchSequence(p.records, from.SequenceNumber)
		if err != nil {
			return nil, err
		}
		cursor = idx
		if from.Type == AfterSequenceNumber && idx < len(p.records) && p.records[idx].SequenceNumber == from.SequenceNumber {
			cursor++
		}
	default:
		return nil, fmt.Errorf("unsupported position type %s", from.Type)
	}
	return &memoryReader{source: s, partitionID: partitionID, cursor: cursor}, nil
}

func searchSequence(records []*Record, seq string) (int, error) {
	var searchErr error
	idx := sort.Search(len(records), func(i int) bool {
		cmp, err := par.CompareSequenceNumbers(records[i].SequenceNumber, seq)
		if err != nil {
			searchErr = err
			return true
		}
		return cmp >= 0
	})
	return idx, searchErr
}

type memoryReader struct {
	source      *MemorySource
	partitionID string
	cursor      int
}

func (r *memoryReader) Read(ctx context.Context, maxRecords int) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := r.source
	s.mux.Lock()
	defer s.mux.Unlock()

	p, ok := s.partitions[r.partitionID]
	if !ok {
		return nil, fmt.Errorf("partition %s no longer exists", r.partitionID)
	}
	if len(p.readErrs) > 0 {
		err := p.readErrs[0]
		p.readErrs = p.readErrs[1:]
		return nil, err
	}

	end := r.cursor + maxRecords
	if end > len(p.records) || maxRecords <= 0 {
		end = len(p.records)
	}
	batch := &Batch{Records: append([]*Record(nil), p.records[r.cursor:end]...)}
	r.cursor = end
	if r.cursor < len(p.records) {
		batch.MillisBehindLatest = s.now().Sub(p.records[r.cursor].ApproximateArrivalTimestamp).Milliseconds()
	}
	batch.End = p.closed && r.cursor == len(p.records)
	return batch, nil
}
