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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/tolitius/kinetic/clientlibrary/utils"
	"github.com/tolitius/kinetic/logger"
)

// natsLease is the JSON value stored under each partition key.
type natsLease struct {
	Owner          string    `json:"owner,omitempty"`
	Counter        int64     `json:"counter"`
	Expiry         time.Time `json:"expiry,omitempty"`
	Checkpoint     string    `json:"checkpoint,omitempty"`
	CheckpointedAt time.Time `json:"checkpointedAt,omitempty"`
	ParentIDs      []string  `json:"parentIds,omitempty"`
}

// NATSBackend keeps leases in a JetStream key-value bucket. The lease counter
// travels in the value while the conditional write relies on the KV revision.
type NATSBackend struct {
	js     jetstream.JetStream
	bucket string
	kv     jetstream.KeyValue
	log    logger.Logger
}

func NewNATSBackend(js jetstream.JetStream, bucket string, log logger.Logger) *NATSBackend {
	return &NATSBackend{
		js:     js,
		bucket: bucket,
		log:    log,
	}
}

// Init opens the bucket, creating it when it does not exist.
func (b *NATSBackend) Init(ctx context.Context) error {
	kv, err := b.js.KeyValue(ctx, b.bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		b.log.Infof("Creating lease bucket: %s", b.bucket)
		kv, err = b.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      b.bucket,
			Description: "partition leases",
			History:     1,
		})
	}
	if err != nil {
		return utils.NewDependencyError("nats", "KeyValue", err)
	}
	b.kv = kv
	return nil
}

func (b *NATSBackend) Load(ctx context.Context, partitionID string) (*Lease, error) {
	lease, _, err := b.load(ctx, partitionID)
	return lease, err
}

func (b *NATSBackend) Insert(ctx context.Context, lease *Lease) error {
	value, err := encodeNATSLease(lease)
	if err != nil {
		return err
	}
	if _, err := b.kv.Create(ctx, lease.PartitionID, value); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return ErrLeaseExists
		}
		return utils.NewDependencyError("nats", "Create", err)
	}
	return nil
}

func (b *NATSBackend) Swap(ctx context.Context, next *Lease, expectedCounter int64) error {
	current, revision, err := b.load(ctx, next.PartitionID)
	if errors.Is(err, ErrLeaseNotFound) {
		return ErrStaleLease
	}
	if err != nil {
		return err
	}
	if current.Counter != expectedCounter {
		return ErrStaleLease
	}

	value, err := encodeNATSLease(next)
	if err != nil {
		return err
	}
	if _, err := b.kv.Update(ctx, next.PartitionID, value, revision); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return ErrStaleLease
		}
		return utils.NewDependencyError("nats", "Update", err)
	}
	return nil
}

func (b *NATSBackend) Scan(ctx context.Context) ([]*Lease, error) {
	keys, err := b.kv.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, utils.NewDependencyError("nats", "Keys", err)
	}

	all := make([]*Lease, 0, len(keys))
	for _, key := range keys {
		lease, _, err := b.load(ctx, key)
		if errors.Is(err, ErrLeaseNotFound) {
			// deleted between listing and reading
			continue
		}
		if err != nil {
			return nil, err
		}
		all = append(all, lease)
	}
	return all, nil
}

func (b *NATSBackend) Remove(ctx context.Context, partitionID string, expectedCounter int64) error {
	current, revision, err := b.load(ctx, partitionID)
	if err != nil {
		return err
	}
	if current.Counter != expectedCounter {
		return ErrStaleLease
	}
	if err := b.kv.Delete(ctx, partitionID, jetstream.LastRevision(revision)); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return ErrStaleLease
		}
		return utils.NewDependencyError("nats", "Delete", err)
	}

	b.log.Infof("Lease info for shard: %s has been removed.", partitionID)
	return nil
}

func (b *NATSBackend) load(ctx context.Context, partitionID string) (*Lease, uint64, error) {
	entry, err := b.kv.Get(ctx, partitionID)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, 0, ErrLeaseNotFound
	}
	if err != nil {
		return nil, 0, utils.NewDependencyError("nats", "Get", err)
	}

	var nl natsLease
	if err := json.Unmarshal(entry.Value(), &nl); err != nil {
		return nil, 0, fmt.Errorf("decode lease %s: %w", partitionID, err)
	}
	return &Lease{
		PartitionID:    partitionID,
		Owner:          nl.Owner,
		Counter:        nl.Counter,
		Expiry:         nl.Expiry,
		Checkpoint:     nl.Checkpoint,
		CheckpointedAt: nl.CheckpointedAt,
		ParentIDs:      nl.ParentIDs,
	}, entry.Revision(), nil
}

func encodeNATSLease(l *Lease) ([]byte, error) {
	return json.Marshal(natsLease{
		Owner:          l.Owner,
		Counter:        l.Counter,
		Expiry:         l.Expiry,
		Checkpoint:     l.Checkpoint,
		CheckpointedAt: l.CheckpointedAt,
		ParentIDs:      l.ParentIDs,
	})
}
