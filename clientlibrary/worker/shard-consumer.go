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
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/cenkalti/backoff/v4"

	chk "github.com/tolitius/kinetic/clientlibrary/checkpoint"
	"github.com/tolitius/kinetic/clientlibrary/config"
	kcl "github.com/tolitius/kinetic/clientlibrary/interfaces"
	"github.com/tolitius/kinetic/clientlibrary/leases"
	"github.com/tolitius/kinetic/clientlibrary/metrics"
	par "github.com/tolitius/kinetic/clientlibrary/partition"
	"github.com/tolitius/kinetic/clientlibrary/stream"
	"github.com/tolitius/kinetic/clientlibrary/utils"
	"github.com/tolitius/kinetic/logger"
)

// ShardConsumerState is the lifecycle state of a ShardConsumer.
type ShardConsumerState int

const (
	Initializing ShardConsumerState = iota
	Polling
	ShardEnded
	LeaseLost
	ShutdownRequested
	Terminated
)

var consumerStateNames = map[ShardConsumerState]string{
	Initializing:      "INITIALIZING",
	Polling:           "POLLING",
	ShardEnded:        "SHARD_ENDED",
	LeaseLost:         "LEASE_LOST",
	ShutdownRequested: "SHUTDOWN_REQUESTED",
	Terminated:        "TERMINATED",
}

func (s ShardConsumerState) String() string {
	return consumerStateNames[s]
}

// errStopped interrupts a wait when the consumer has to leave polling.
var errStopped = errors.New("shard consumer stopped")

// ShardConsumer reads one shard under one lease acquisition and feeds its
// batches to a Dispatcher.
type ShardConsumer struct {
	shardID      string
	held         *leases.HeldLease
	manager      *leases.Manager
	source       stream.Source
	dispatcher   *Dispatcher
	checkpointer *chk.RecordProcessorCheckpointer
	kclConfig    *config.KinesisClientLibConfiguration
	mService     metrics.MonitoringService
	log          logger.Logger
	stop         <-chan struct{}

	state ShardConsumerState
	done  chan struct{}
	// last position of a batch the processor completed
	processed string
}

func (sc *ShardConsumer) State() ShardConsumerState {
	return sc.state
}

// run consumes the shard until it ends, the lease is lost, shutdown is
// requested or the processor fails. A FatalProcessingError is returned as is.
func (sc *ShardConsumer) run(ctx context.Context) error {
	log := sc.log
	sc.state = Initializing

	reader, err := sc.open(ctx)
	if errors.Is(err, errStopped) {
		return sc.terminate(ctx, nil)
	}
	if err != nil {
		return sc.terminate(ctx, err)
	}

	input := &kcl.InitializationInput{
		ShardId:                sc.shardID,
		ExtendedSequenceNumber: &kcl.ExtendedSequenceNumber{SequenceNumber: aws.String(sc.held.Snapshot().Checkpoint)},
	}
	if err := sc.dispatcher.Initialize(input); err != nil {
		sc.state = Terminated
		return err
	}

	sc.state = Polling
	bo := sc.newBackOff()
	for {
		if next := sc.interrupted(); next != Polling {
			sc.state = next
			return sc.terminate(ctx, nil)
		}

		getRecordsStartTime := time.Now()
		batch, err := reader.Read(ctx, sc.kclConfig.MaxRecords)
		if err != nil {
			if ctx.Err() != nil {
				sc.state = Terminated
				return ctx.Err()
			}
			if utils.IsDependencyUnavailable(err) {
				wait := bo.NextBackOff()
				log.Warnf("Error getting records, retrying in %s: %+v", wait, err)
				if werr := sc.wait(ctx, wait); werr != nil {
					sc.state = sc.interrupted()
					return sc.terminate(ctx, nil)
				}
				continue
			}
			log.Errorf("Error getting records that cannot be retried: %+v", err)
			return sc.terminate(ctx, err)
		}
		bo.Reset()

		outcome, err := sc.processRecords(ctx, getRecordsStartTime, batch)
		if err != nil {
			if _, ok := isFatal(err); ok {
				sc.state = Terminated
				return err
			}
			if isLeaseLost(err) {
				sc.state = LeaseLost
				return sc.terminate(ctx, nil)
			}
			return sc.terminate(ctx, err)
		}

		if batch.End {
			log.Infof("Shard %s closed", sc.shardID)
			sc.state = ShardEnded
			return sc.terminate(ctx, nil)
		}

		// Idle between each read, the user is responsible for checkpoint the progress
		// This value is only used when no records are returned; if records are returned, it should immediately
		// retrieve the next set of records.
		idle := outcome.Backoff
		if idle == 0 && len(batch.Records) == 0 {
			idle = time.Duration(sc.kclConfig.IdleTimeBetweenReadsInMillis) * time.Millisecond
		}
		if idle > 0 {
			if err := sc.wait(ctx, idle); err != nil {
				sc.state = sc.interrupted()
				return sc.terminate(ctx, nil)
			}
		}
	}
}

func (sc *ShardConsumer) processRecords(ctx context.Context, getRecordsStartTime time.Time, batch *stream.Batch) (kcl.ProcessingOutcome, error) {
	log := sc.log

	getRecordsTime := time.Since(getRecordsStartTime).Milliseconds()
	sc.mService.RecordGetRecordsTime(sc.shardID, float64(getRecordsTime))

	last := batch.LastSequenceNumber()
	if last != "" {
		sc.checkpointer.SetLargestPermitted(last)
	}

	recordLength := len(batch.Records)
	log.Debugf("Received %d de-aggregated records, MillisBehindLatest: %v", recordLength, batch.MillisBehindLatest)

	var outcome kcl.ProcessingOutcome
	if recordLength > 0 || sc.kclConfig.CallProcessRecordsEvenForEmptyRecordList {
		processRecordsStartTime := time.Now()
		input := &kcl.ProcessRecordsInput{
			Records:            batch.Records,
			MillisBehindLatest: batch.MillisBehindLatest,
			Checkpointer:       sc.checkpointer,
			CacheEntryTime:     &getRecordsStartTime,
			CacheExitTime:      &processRecordsStartTime,
		}

		var err error
		outcome, err = sc.dispatcher.ProcessRecords(ctx, input, last)
		if err != nil {
			return outcome, err
		}

		processedRecordsTiming := time.Since(processRecordsStartTime).Milliseconds()
		sc.mService.RecordProcessRecordsTime(sc.shardID, float64(processedRecordsTiming))
	}
	if last != "" {
		sc.processed = last
	}

	sc.mService.IncrRecordsProcessed(sc.shardID, recordLength)
	sc.mService.IncrBytesProcessed(sc.shardID, batch.Bytes())
	sc.mService.MillisBehindLatest(sc.shardID, float64(batch.MillisBehindLatest))
	return outcome, nil
}

// open resolves the starting position and opens the reader, retrying while
// the source is unavailable.
func (sc *ShardConsumer) open(ctx context.Context) (stream.Reader, error) {
	from := sc.startingPosition()
	bo := sc.newBackOff()
	for {
		reader, err := sc.source.Open(ctx, sc.shardID, from)
		if err == nil {
			return reader, nil
		}
		if !utils.IsDependencyUnavailable(err) {
			sc.log.Errorf("Unable to open shard %s: %+v", sc.shardID, err)
			return nil, err
		}

		wait := bo.NextBackOff()
		sc.log.Warnf("Unable to open shard %s, retrying in %s: %+v", sc.shardID, wait, err)
		if err := sc.wait(ctx, wait); err != nil {
			return nil, err
		}
	}
}

func (sc *ShardConsumer) startingPosition() stream.StartingPosition {
	checkpoint := sc.held.Snapshot().Checkpoint
	if checkpoint != "" && checkpoint != par.ShardEnd {
		sc.log.Debugf("Start shard: %v at checkpoint: %v", sc.shardID, checkpoint)
		return stream.StartingPosition{Type: stream.AfterSequenceNumber, SequenceNumber: checkpoint}
	}

	shardIteratorType := aws.StringValue(config.InitalPositionInStreamToShardIteratorType(sc.kclConfig.InitialPositionInStream))
	sc.log.Debugf("No checkpoint recorded for shard: %v, starting with: %v", sc.shardID, shardIteratorType)

	from := stream.StartingPosition{Type: stream.PositionType(shardIteratorType)}
	if sc.kclConfig.InitialPositionInStream == config.AT_TIMESTAMP {
		from.Timestamp = sc.kclConfig.InitialPositionInStreamExtended.Timestamp
	}
	return from
}

// terminate runs the callbacks of the final state, writes the final
// checkpoint and gives the lease back when it is still held.
func (sc *ShardConsumer) terminate(ctx context.Context, cause error) error {
	log := sc.log
	log.Infof("Shard consumer leaving state %s", sc.state)

	switch sc.state {
	case ShardEnded:
		sc.checkpointer.SetLargestPermitted(par.ShardEnd)
		sc.dispatcher.ShardEnded(sc.checkpointer)
		sc.finalCheckpoint(par.ShardEnd)
		sc.release(ctx)

	case LeaseLost:
		sc.dispatcher.LeaseLost()
		sc.finalCheckpoint(sc.processed)

	case Initializing:
		// the processor was never initialized
		sc.release(ctx)

	default:
		// shutdown requested, or the shard cannot be read any further
		sc.state = ShutdownRequested
		sc.dispatcher.ShutdownRequested(sc.checkpointer)
		sc.finalCheckpoint(sc.processed)
		sc.release(ctx)
	}

	sc.state = Terminated
	return cause
}

func (sc *ShardConsumer) finalCheckpoint(position string) {
	if position == "" {
		return
	}
	err := sc.checkpointer.Checkpoint(&position)
	switch {
	case err == nil:
		sc.log.Debugf("Final checkpoint at %s", position)
	case isLeaseLost(err):
		sc.log.Infof("Final checkpoint at %s skipped, lease no longer held", position)
	default:
		sc.log.Warnf("Final checkpoint at %s failed: %+v", position, err)
	}
}

func (sc *ShardConsumer) release(ctx context.Context) {
	if sc.manager.Get(sc.shardID) != sc.held {
		// already forgotten, the shard may have been taken again since
		return
	}
	if sc.held.IsLost() {
		sc.manager.Drop(sc.shardID)
		return
	}
	// Note: we don't need to do anything in case of error here and shard lease will eventually be expired.
	if err := sc.manager.Release(ctx, sc.shardID); err != nil {
		sc.log.Warnf("Failed to release lease: %+v", err)
		sc.manager.Drop(sc.shardID)
		return
	}
	sc.log.Infof("Released lease for shard %s", sc.shardID)
}

// interrupted reports the state the consumer has to move to, or Polling.
func (sc *ShardConsumer) interrupted() ShardConsumerState {
	select {
	case <-sc.held.Lost():
		return LeaseLost
	default:
	}
	select {
	case <-sc.stop:
		return ShutdownRequested
	default:
	}
	return Polling
}

// wait sleeps for d unless the lease is lost, shutdown is requested or ctx is done.
func (sc *ShardConsumer) wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-sc.held.Lost():
		return errStopped
	case <-sc.stop:
		return errStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (sc *ShardConsumer) newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(sc.kclConfig.TaskBackoffTimeMillis) * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0
	return bo
}

func isLeaseLost(err error) bool {
	return errors.Is(err, chk.ErrLeaseNoLongerHeld) || leases.IsLeaseLoss(err)
}
