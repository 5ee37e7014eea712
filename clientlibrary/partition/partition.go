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
// Package partition models the ordered, independently readable subdivisions
// of a stream and the positions within them.
package partition

import "strings"

// Status of a partition as seen through its checkpoint.
type Status int

const (
	// NotStarted means no record of the partition has been checkpointed yet.
	NotStarted Status = iota
	// InProgress means the partition has a checkpoint before its end.
	InProgress
	// Completed means every record of a closed partition has been processed.
	Completed
)

func (s Status) String() string {
	switch s {
	case NotStarted:
		return "NOT_STARTED"
	case InProgress:
		return "IN_PROGRESS"
	case Completed:
		return "COMPLETED"
	default:
		return "UNKNOWN"
	}
}

// Partition is a shard of the stream together with its re-sharding lineage.
type Partition struct {
	ID string
	// ParentIDs holds the parent shard and, after a merge, the adjacent parent.
	ParentIDs []string
	// Shard range. A closed shard has an ending sequence number, an open one does not.
	StartingSequenceNumber string
	EndingSequenceNumber   string
}

// IsClosed tells whether the partition will never receive new records.
func (p Partition) IsClosed() bool {
	return p.EndingSequenceNumber != ""
}

// StatusOf derives the partition status from a checkpointed position.
func StatusOf(checkpoint string) Status {
	switch strings.TrimSpace(checkpoint) {
	case "":
		return NotStarted
	case ShardEnd:
		return Completed
	default:
		return InProgress
	}
}
