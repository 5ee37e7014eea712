/*
 * Copyright (c) 2018 VMware, Inc.
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
// The implementation is derived from https://github.com/patrobinson/gokini
//
// Copyright 2018 Patrick robinson
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of this software and associated documentation files (the "Software"), to deal in the Software without restriction, including without limitation the rights to use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies of the Software, and to permit persons to whom the Software is furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
package worker

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/service/kinesis/kinesisiface"
	"github.com/puzpuzpuz/xsync/v4"

	chk "github.com/tolitius/kinetic/clientlibrary/checkpoint"
	"github.com/tolitius/kinetic/clientlibrary/config"
	kcl "github.com/tolitius/kinetic/clientlibrary/interfaces"
	"github.com/tolitius/kinetic/clientlibrary/leases"
	"github.com/tolitius/kinetic/clientlibrary/metrics"
	"github.com/tolitius/kinetic/clientlibrary/stream"
	"github.com/tolitius/kinetic/logger"
)

/**
 * Worker is the high level class that Kinesis applications use to start processing data. It initializes and oversees
 * different components (e.g. syncing shard and lease information, tracking shard assignments, and processing data from
 * the shards).
 */
type Worker struct {
	streamName string
	regionName string
	workerID   string

	processorFactory kcl.IRecordProcessorFactory
	kclConfig        *config.KinesisClientLibConfiguration
	source           stream.Source
	leaseBackend     leases.Backend
	leaseStore       leases.LeaseStore
	manager          *leases.Manager
	mService         metrics.MonitoringService
	log              logger.Logger

	// ctx is cancelled once the shutdown grace period is over
	ctx    context.Context
	cancel context.CancelFunc
	// loopCtx is cancelled as soon as shutdown starts
	loopCtx    context.Context
	loopCancel context.CancelFunc

	stop        chan struct{}
	renewStop   chan struct{}
	loopGroup   sync.WaitGroup
	renewGroup  sync.WaitGroup
	consumerWG  sync.WaitGroup
	shutdownMux sync.Mutex
	started     bool
	done        bool

	consumers *xsync.Map[string, *ShardConsumer]
	fatal     chan error

	rng *rand.Rand
}

// ShutdownResult tells whether every shard consumer finished in time.
type ShutdownResult struct {
	Graceful bool
	// Pending lists the shards whose consumers were still running at the deadline.
	Pending []string
}

// NewWorker constructs a Worker instance for processing Kinesis stream data.
func NewWorker(factory kcl.IRecordProcessorFactory, kclConfig *config.KinesisClientLibConfiguration) *Worker {
	mService := kclConfig.MonitoringService
	if mService == nil {
		// Replaces nil with noop monitor service (not emitting any metrics).
		mService = metrics.NoopMonitoringService{}
	}

	// Create a pseudo-random number generator and seed it.
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	return &Worker{
		streamName:       kclConfig.StreamName,
		regionName:       kclConfig.RegionName,
		workerID:         kclConfig.WorkerID,
		processorFactory: factory,
		kclConfig:        kclConfig,
		mService:         mService,
		log:              kclConfig.Logger.WithFields(logger.Fields{"workerID": kclConfig.WorkerID}),
		consumers:        xsync.NewMap[string, *ShardConsumer](),
		fatal:            make(chan error, 1),
		rng:              rng,
	}
}

// WithKinesis is used to provide Kinesis service for either custom implementation or unit testing.
func (w *Worker) WithKinesis(svc kinesisiface.KinesisAPI) *Worker {
	w.source = stream.NewKinesisSource(w.kclConfig).WithKinesis(svc)
	return w
}

// WithSource replaces the Kinesis data source.
func (w *Worker) WithSource(source stream.Source) *Worker {
	w.source = source
	return w
}

// WithLeaseBackend keeps leases in backend instead of DynamoDB.
func (w *Worker) WithLeaseBackend(backend leases.Backend) *Worker {
	w.leaseBackend = backend
	return w
}

// WithLeaseStore is used to provide a custom lease store implementation.
func (w *Worker) WithLeaseStore(store leases.LeaseStore) *Worker {
	w.leaseStore = store
	return w
}

// Fatal delivers the failures the halt-process policy stops the worker for.
func (w *Worker) Fatal() <-chan error {
	return w.fatal
}

// Start initializes the worker and starts consuming the stream in the background.
func (w *Worker) Start() error {
	log := w.log
	if err := w.initialize(); err != nil {
		log.Errorf("Failed to initialize Worker: %+v", err)
		w.release()
		return err
	}

	// Start monitoring service
	log.Infof("Starting monitoring service.")
	if err := w.mService.Start(); err != nil {
		log.Errorf("Failed to start monitoring service: %+v", err)
		w.release()
		return err
	}

	w.shutdownMux.Lock()
	w.started = true
	w.shutdownMux.Unlock()

	log.Infof("Starting worker event loop.")
	w.loopGroup.Add(1)
	go func() {
		defer w.loopGroup.Done()
		// entering event loop
		w.eventLoop()
	}()

	w.renewGroup.Add(1)
	go func() {
		defer w.renewGroup.Done()
		w.renewLoop()
	}()
	return nil
}

// release cancels the contexts of a worker that failed to start.
func (w *Worker) release() {
	if w.loopCancel != nil {
		w.loopCancel()
	}
	if w.cancel != nil {
		w.cancel()
	}
}

// Shutdown stops the worker, waiting at most ShutdownGraceMillis for the shard consumers.
func (w *Worker) Shutdown() ShutdownResult {
	return w.ShutdownWithTimeout(time.Duration(w.kclConfig.ShutdownGraceMillis) * time.Millisecond)
}

// ShutdownWithTimeout asks every shard consumer to checkpoint and release its
// lease. Leases are renewed until the consumers are done or timeout passes.
// Consumers still running at the deadline are cancelled and reported as pending.
func (w *Worker) ShutdownWithTimeout(timeout time.Duration) ShutdownResult {
	log := w.log
	log.Infof("Worker shutdown in requested.")

	w.shutdownMux.Lock()
	if w.done || !w.started {
		w.shutdownMux.Unlock()
		return ShutdownResult{Graceful: true}
	}
	w.done = true
	close(w.stop)
	w.loopCancel()
	w.shutdownMux.Unlock()

	finished := make(chan struct{})
	go func() {
		// no new consumers once the event loop is gone
		w.loopGroup.Wait()
		w.consumerWG.Wait()
		close(finished)
	}()

	result := ShutdownResult{Graceful: true}
	select {
	case <-finished:
	case <-time.After(timeout):
		result.Graceful = false
		w.consumers.Range(func(shardID string, _ *ShardConsumer) bool {
			result.Pending = append(result.Pending, shardID)
			return true
		})
		sort.Strings(result.Pending)
		log.Warnf("Shutdown timed out after %s, shards still being processed: %v", timeout, result.Pending)
	}

	w.cancel()
	close(w.renewStop)
	w.renewGroup.Wait()

	w.mService.Shutdown()
	log.Infof("Worker loop is complete. Exiting from worker.")
	return result
}

func (w *Worker) initialize() error {
	log := w.log
	log.Infof("Worker initialization in progress...")

	if err := w.kclConfig.Validate(); err != nil {
		return err
	}

	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.loopCtx, w.loopCancel = context.WithCancel(w.ctx)
	w.stop = make(chan struct{})
	w.renewStop = make(chan struct{})

	// Create default Kinesis source
	if w.source == nil {
		w.source = stream.NewKinesisSource(w.kclConfig)
	} else {
		log.Infof("Use custom data source.")
	}

	// Create default dynamodb based lease store
	if w.leaseStore == nil {
		if w.leaseBackend == nil {
			log.Infof("Creating DynamoDB based lease store")
			w.leaseBackend = leases.NewDynamoBackend(w.kclConfig)
		}
		w.leaseStore = leases.NewStore(w.leaseBackend, w.kclConfig)
	} else {
		log.Infof("Use custom lease store implementation.")
	}
	w.manager = leases.NewManager(w.leaseStore, w.kclConfig)

	err := w.mService.Init(w.kclConfig.ApplicationName, w.streamName, w.workerID)
	if err != nil {
		log.Errorf("Failed to start monitoring service: %+v", err)
		return err
	}

	if err := w.source.Init(w.ctx); err != nil {
		return err
	}

	log.Infof("Initializing lease store")
	if err := w.leaseStore.Init(w.ctx); err != nil {
		log.Errorf("Failed to start lease store: %+v", err)
		return err
	}

	if w.kclConfig.SkipShardSyncAtWorkerInitializationIfLeasesExist {
		existing, err := w.leaseStore.ListAll(w.ctx)
		if err == nil && len(existing) > 0 {
			log.Infof("Skipping shard sync at startup, %d leases exist", len(existing))
			log.Infof("Initialization complete.")
			return nil
		}
	}

	if err := w.syncShard(); err != nil {
		return err
	}

	log.Infof("Initialization complete.")
	return nil
}

func (w *Worker) eventLoop() {
	log := w.log

	syncTimer := time.NewTimer(w.shardSyncSleep())
	defer syncTimer.Stop()
	takeTicker := time.NewTicker(time.Duration(w.kclConfig.LeaseTakingIntervalMillis) * time.Millisecond)
	defer takeTicker.Stop()

	w.takeLeases()
	for {
		select {
		case <-w.stop:
			log.Infof("Shutting down...")
			return
		case <-syncTimer.C:
			shardSyncSleep := w.shardSyncSleep()
			if err := w.syncShard(); err != nil {
				log.Errorf("Error syncing shards: %+v, Retrying in %s...", err, shardSyncSleep)
			}
			syncTimer.Reset(shardSyncSleep)
		case <-takeTicker.C:
			w.takeLeases()
		}
	}
}

// Add [-50%, +50%] random jitter to ShardSyncIntervalMillis. When multiple workers
// starts at the same time, this decreases the probability of them calling
// kinesis.ListShards at the same time, and hit the hard-limit on aws API calls.
// On average the period remains the same so that doesn't affect behavior.
func (w *Worker) shardSyncSleep() time.Duration {
	interval := w.kclConfig.ShardSyncIntervalMillis
	return time.Duration(interval/2+w.rng.Intn(interval)) * time.Millisecond
}

// syncShard creates leases for new shards, removes the leases of shards
// gone from the stream and retires the leases of finished shards.
func (w *Worker) syncShard() error {
	log := w.log

	ctx := w.loopCtx
	shards, err := w.source.ListPartitions(ctx)
	if err != nil {
		return err
	}

	created, err := w.manager.CreateLeases(ctx, shards)
	if err != nil {
		return err
	}
	if created > 0 {
		log.Infof("Found %d new shards", created)
	}

	if removed, err := w.manager.RemoveOrphans(ctx, shards); err != nil {
		log.Errorf("Failed to remove leases of deleted shards: %+v", err)
	} else if removed > 0 {
		log.Infof("Removed %d leases of deleted shards", removed)
	}

	if !w.kclConfig.CleanupTerminatedShardsBeforeExpiry {
		return nil
	}
	if retired, err := w.manager.RetireLeases(ctx); err != nil {
		log.Errorf("Failed to retire leases of finished shards: %+v", err)
	} else if retired > 0 {
		log.Infof("Retired %d leases of finished shards", retired)
	}
	return nil
}

func (w *Worker) takeLeases() {
	log := w.log

	taken, err := w.manager.TakeLeases(w.loopCtx)
	if err != nil {
		log.Errorf("Error taking leases: %+v", err)
	}
	for _, held := range taken {
		// log metrics on got lease
		w.mService.LeaseGained(held.PartitionID())
		w.startConsumer(held)
	}
}

func (w *Worker) startConsumer(held *leases.HeldLease) {
	shardID := held.PartitionID()
	log := w.kclConfig.Logger.WithFields(logger.Fields{"shardID": shardID, "workerID": w.workerID})

	sc := &ShardConsumer{
		shardID:      shardID,
		held:         held,
		manager:      w.manager,
		source:       w.source,
		checkpointer: chk.NewRecordProcessorCheckpointer(w.ctx, held, w.kclConfig),
		kclConfig:    w.kclConfig,
		mService:     w.mService,
		log:          log,
		stop:         w.stop,
		done:         make(chan struct{}),
	}
	sc.dispatcher = newDispatcher(shardID, w.processorFactory.CreateProcessor(), w.kclConfig, w.mService, log)

	// a previous consumer of the shard may still be winding down
	previous, loaded := w.consumers.LoadAndStore(shardID, sc)
	if !loaded {
		previous = nil
	}

	log.Infof("Start Shard Consumer for shard: %v", shardID)
	w.consumerWG.Add(1)
	go func() {
		defer w.consumerWG.Done()
		defer close(sc.done)
		defer w.consumers.Compute(shardID, func(current *ShardConsumer, loaded bool) (*ShardConsumer, xsync.ComputeOp) {
			if loaded && current == sc {
				return nil, xsync.DeleteOp
			}
			return current, xsync.CancelOp
		})

		if previous != nil {
			<-previous.done
		}

		err := sc.run(w.ctx)
		w.mService.LeaseLost(shardID)
		if err == nil {
			return
		}

		if fatal, ok := isFatal(err); ok {
			w.manager.Quarantine(shardID)
			if fatal.Halt {
				select {
				case w.fatal <- fatal:
				default:
				}
			}
			return
		}
		log.Errorf("Shard consumer stopped: %+v", err)
	}()
}

// renewLoop renews the held leases until shutdown is complete.
func (w *Worker) renewLoop() {
	log := w.log

	ticker := time.NewTicker(time.Duration(w.kclConfig.LeaseRefreshPeriodMillis) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-w.renewStop:
			return
		case <-ticker.C:
		}

		// the context is cancelled at the end of a timed out shutdown
		lost := w.manager.RenewLeases(context.Background())
		for _, shardID := range lost {
			log.Warnf("Lease lost for shard: %s", shardID)
		}
		for _, held := range w.manager.Held() {
			w.mService.LeaseRenewed(held.PartitionID())
		}
	}
}
