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
// Package checkpoint lets a record processor durably record its progress on
// the shard it is bound to.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tolitius/kinetic/clientlibrary/config"
	"github.com/tolitius/kinetic/clientlibrary/interfaces"
	"github.com/tolitius/kinetic/clientlibrary/leases"
	par "github.com/tolitius/kinetic/clientlibrary/partition"
	"github.com/tolitius/kinetic/clientlibrary/utils"
	"github.com/tolitius/kinetic/logger"
)

var (
	// ErrLeaseNoLongerHeld is returned once the lease this checkpointer is bound to was lost.
	ErrLeaseNoLongerHeld = fmt.Errorf("lease no longer held: %w", leases.ErrLeaseLost)

	// ErrPositionNotPermitted is returned for a position beyond the last record delivered to the processor.
	ErrPositionNotPermitted = errors.New("checkpoint position is beyond the largest permitted position")
)

var _ interfaces.IRecordProcessorCheckpointer = (*RecordProcessorCheckpointer)(nil)

// RecordProcessorCheckpointer checkpoints one shard through one lease acquisition.
type RecordProcessorCheckpointer struct {
	ctx       context.Context
	held      *leases.HeldLease
	kclConfig *config.KinesisClientLibConfiguration
	log       logger.Logger

	mux              sync.Mutex
	largestPermitted string
	lastCheckpoint   string
}

// NewRecordProcessorCheckpointer binds a checkpointer to held. Writes are
// abandoned once ctx is done.
func NewRecordProcessorCheckpointer(ctx context.Context, held *leases.HeldLease, kclConfig *config.KinesisClientLibConfiguration) *RecordProcessorCheckpointer {
	current := held.Snapshot().Checkpoint
	return &RecordProcessorCheckpointer{
		ctx:            ctx,
		held:           held,
		kclConfig:      kclConfig,
		log:            kclConfig.Logger.WithFields(logger.Fields{"shardID": held.PartitionID(), "workerID": kclConfig.WorkerID}),
		lastCheckpoint: current,
	}
}

// SetLargestPermitted records the position of the last record delivered to the processor.
func (rc *RecordProcessorCheckpointer) SetLargestPermitted(position string) {
	rc.mux.Lock()
	defer rc.mux.Unlock()
	rc.largestPermitted = position
}

func (rc *RecordProcessorCheckpointer) LargestPermitted() string {
	rc.mux.Lock()
	defer rc.mux.Unlock()
	return rc.largestPermitted
}

// LastCheckpoint is the last position written by this checkpointer, or the
// one found on the lease when it was taken.
func (rc *RecordProcessorCheckpointer) LastCheckpoint() string {
	rc.mux.Lock()
	defer rc.mux.Unlock()
	return rc.lastCheckpoint
}

// Checkpoint records position, or the largest permitted position when nil.
func (rc *RecordProcessorCheckpointer) Checkpoint(sequenceNumber *string) error {
	return rc.CheckpointContext(rc.ctx, sequenceNumber)
}

func (rc *RecordProcessorCheckpointer) CheckpointContext(ctx context.Context, sequenceNumber *string) error {
	rc.mux.Lock()
	defer rc.mux.Unlock()

	if rc.held.IsLost() {
		return fmt.Errorf("%w: shard %s", ErrLeaseNoLongerHeld, rc.held.PartitionID())
	}

	position := rc.largestPermitted
	if sequenceNumber != nil {
		position = *sequenceNumber
		if err := rc.validate(position); err != nil {
			return err
		}
	}
	if position == "" {
		// nothing delivered yet
		return nil
	}
	if position == rc.lastCheckpoint {
		return nil
	}

	err := rc.write(ctx, position)
	if err != nil {
		if leases.IsLeaseLoss(err) {
			return fmt.Errorf("%w: %w", ErrLeaseNoLongerHeld, err)
		}
		return err
	}
	rc.lastCheckpoint = position
	return nil
}

// validate must be called with mux held.
func (rc *RecordProcessorCheckpointer) validate(position string) error {
	if !rc.kclConfig.ValidateSequenceNumberBeforeCheckpointing {
		return nil
	}
	if rc.largestPermitted == "" {
		return fmt.Errorf("%w: %s, nothing was delivered yet", ErrPositionNotPermitted, position)
	}
	cmp, err := par.CompareSequenceNumbers(position, rc.largestPermitted)
	if err != nil {
		return err
	}
	if cmp > 0 {
		return fmt.Errorf("%w: %s > %s", ErrPositionNotPermitted, position, rc.largestPermitted)
	}
	return nil
}

func (rc *RecordProcessorCheckpointer) write(ctx context.Context, position string) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = time.Duration(rc.kclConfig.CheckpointRetryMillis) * time.Millisecond

	op := func() error {
		err := rc.held.Checkpoint(ctx, position)
		if err != nil && !utils.IsDependencyUnavailable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		rc.log.Warnf("Checkpoint at %s failed, retrying in %s: %+v", position, wait, err)
	}
	return backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify)
}
