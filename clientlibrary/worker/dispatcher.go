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
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tolitius/kinetic/clientlibrary/config"
	kcl "github.com/tolitius/kinetic/clientlibrary/interfaces"
	"github.com/tolitius/kinetic/clientlibrary/metrics"
	"github.com/tolitius/kinetic/logger"
)

type dispatcherState int

const (
	dispatcherInitializing dispatcherState = iota
	dispatcherProcessing
	dispatcherShuttingDown
	dispatcherEnded
	dispatcherLost
)

// Dispatcher drives one record processor through its lifecycle and applies
// the failure policy to the batches it fails on.
type Dispatcher struct {
	shardID   string
	processor kcl.IRecordProcessor
	kclConfig *config.KinesisClientLibConfiguration
	mService  metrics.MonitoringService
	log       logger.Logger

	state dispatcherState
}

func newDispatcher(shardID string, processor kcl.IRecordProcessor, kclConfig *config.KinesisClientLibConfiguration, mService metrics.MonitoringService, log logger.Logger) *Dispatcher {
	return &Dispatcher{
		shardID:   shardID,
		processor: processor,
		kclConfig: kclConfig,
		mService:  mService,
		log:       log,
		state:     dispatcherInitializing,
	}
}

// Initialize hands the starting position to the processor. A failure is
// subject to the failure policy like a failed batch.
func (d *Dispatcher) Initialize(input *kcl.InitializationInput) error {
	err := d.call("Initialize", func() error {
		d.processor.Initialize(input)
		return nil
	})
	if err != nil {
		return d.fail(err)
	}
	d.state = dispatcherProcessing
	return nil
}

// ProcessRecords delivers a batch. On success it checkpoints at the last
// record of the batch when the processor asks for it. Checkpoint failures
// other than the loss of the lease are logged and the batch counts as
// processed.
func (d *Dispatcher) ProcessRecords(ctx context.Context, input *kcl.ProcessRecordsInput, last string) (kcl.ProcessingOutcome, error) {
	outcome, err := d.processWithPolicy(ctx, input)
	if err != nil {
		return outcome, err
	}

	if outcome.Checkpoint && last != "" {
		if err := input.Checkpointer.Checkpoint(&last); err != nil {
			if isLeaseLost(err) {
				return outcome, err
			}
			d.log.Warnf("Checkpoint at %s after processing failed: %+v", last, err)
		}
	}
	return outcome, nil
}

func (d *Dispatcher) processWithPolicy(ctx context.Context, input *kcl.ProcessRecordsInput) (kcl.ProcessingOutcome, error) {
	var outcome kcl.ProcessingOutcome
	process := func() error {
		return d.call("ProcessRecords", func() error {
			var err error
			outcome, err = d.processor.ProcessRecords(input)
			return err
		})
	}

	err := process()
	if err == nil {
		return outcome, nil
	}
	d.mService.ProcessingFailed(d.shardID)

	if d.kclConfig.FailurePolicy == config.RetryNTimes {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = time.Duration(d.kclConfig.TaskBackoffTimeMillis) * time.Millisecond
		bo.MaxElapsedTime = 0

		for retry := 1; retry <= d.kclConfig.MaxProcessingRetries; retry++ {
			wait := bo.NextBackOff()
			d.log.Warnf("Processing failed, retry %d of %d in %s: %+v", retry, d.kclConfig.MaxProcessingRetries, wait, err)
			select {
			case <-ctx.Done():
				return outcome, d.fail(err)
			case <-time.After(wait):
			}

			if err = process(); err == nil {
				d.log.Infof("Processing succeeded on retry %d", retry)
				return outcome, nil
			}
			d.mService.ProcessingFailed(d.shardID)
		}
	}
	return outcome, d.fail(err)
}

// fail turns a processor failure into the error of the failure policy.
func (d *Dispatcher) fail(err error) error {
	halt := d.kclConfig.FailurePolicy != config.IsolatePartition
	d.log.Errorf("Record processor failed, policy %s: %+v", d.kclConfig.FailurePolicy, err)
	return &kcl.FatalProcessingError{ShardId: d.shardID, Err: err, Halt: halt}
}

func (d *Dispatcher) LeaseLost() {
	d.state = dispatcherLost
	if err := d.call("LeaseLost", func() error {
		d.processor.LeaseLost(&kcl.LeaseLostInput{ShardId: d.shardID})
		return nil
	}); err != nil {
		d.log.Errorf("%+v", err)
	}
}

func (d *Dispatcher) ShardEnded(checkpointer kcl.IRecordProcessorCheckpointer) {
	d.state = dispatcherShuttingDown
	if err := d.call("ShardEnded", func() error {
		d.processor.ShardEnded(&kcl.ShardEndedInput{ShardId: d.shardID, Checkpointer: checkpointer})
		return nil
	}); err != nil {
		d.log.Errorf("%+v", err)
	}
	d.state = dispatcherEnded
}

func (d *Dispatcher) ShutdownRequested(checkpointer kcl.IRecordProcessorCheckpointer) {
	d.state = dispatcherShuttingDown
	if err := d.call("ShutdownRequested", func() error {
		d.processor.ShutdownRequested(&kcl.ShutdownRequestedInput{ShardId: d.shardID, Checkpointer: checkpointer})
		return nil
	}); err != nil {
		d.log.Errorf("%+v", err)
	}
	d.state = dispatcherEnded
}

// call runs a processor callback, turning a panic into an error.
func (d *Dispatcher) call(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Debugf("Panic in %s: %s", name, debug.Stack())
			err = fmt.Errorf("record processor %s panicked: %v", name, r)
		}
	}()
	return fn()
}

func isFatal(err error) (*kcl.FatalProcessingError, bool) {
	var fatal *kcl.FatalProcessingError
	ok := errors.As(err, &fatal)
	return fatal, ok
}
