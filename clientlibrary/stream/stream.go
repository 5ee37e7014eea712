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
// Package stream reads partitioned streams: it lists the partitions of a
// stream and reads ordered batches of records from a position in one of them.
package stream

import (
	"context"
	"time"

	par "github.com/tolitius/kinetic/clientlibrary/partition"
)

// PositionType tells how a StartingPosition is interpreted.
type PositionType string

const (
	// AfterSequenceNumber starts right after a checkpointed record.
	AfterSequenceNumber PositionType = "AFTER_SEQUENCE_NUMBER"
	// AtSequenceNumber starts at a given record.
	AtSequenceNumber PositionType = "AT_SEQUENCE_NUMBER"
	// TrimHorizon starts at the oldest retained record.
	TrimHorizon PositionType = "TRIM_HORIZON"
	// Latest starts after the most recent record.
	Latest PositionType = "LATEST"
	// AtTimestamp starts at the first record arriving at or after Timestamp.
	AtTimestamp PositionType = "AT_TIMESTAMP"
)

// StartingPosition is where a Reader begins.
type StartingPosition struct {
	Type           PositionType
	SequenceNumber string
	Timestamp      *time.Time
}

// Record is one de-aggregated data record. The user records of a KPL aggregate
// share the sequence number of the aggregate, so checkpoints are at aggregate
// granularity: a checkpoint always covers every user record of its aggregate.
type Record struct {
	SequenceNumber              string
	PartitionKey                string
	Data                        []byte
	ApproximateArrivalTimestamp time.Time
}

// Batch is the result of one read.
type Batch struct {
	Records            []*Record
	MillisBehindLatest int64
	// End is set once the partition is closed and its last record has been
	// delivered. No further reads are possible.
	End bool
}

// LastSequenceNumber returns the position of the last record in the batch or "".
func (b *Batch) LastSequenceNumber() string {
	if len(b.Records) == 0 {
		return ""
	}
	return b.Records[len(b.Records)-1].SequenceNumber
}

// Bytes is the total payload size of the batch.
func (b *Batch) Bytes() int64 {
	var n int64
	for _, r := range b.Records {
		n += int64(len(r.Data))
	}
	return n
}

// Source is a partitioned stream. Transient failures are reported as
// utils.DependencyError, other errors are not worth retrying.
type Source interface {
	Init(ctx context.Context) error
	ListPartitions(ctx context.Context) ([]par.Partition, error)
	Open(ctx context.Context, partitionID string, from StartingPosition) (Reader, error)
}

// Reader reads one partition forward.
type Reader interface {
	Read(ctx context.Context, maxRecords int) (*Batch, error)
}
