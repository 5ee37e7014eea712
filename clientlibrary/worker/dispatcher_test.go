package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chk "github.com/tolitius/kinetic/clientlibrary/checkpoint"
	"github.com/tolitius/kinetic/clientlibrary/config"
	kcl "github.com/tolitius/kinetic/clientlibrary/interfaces"
	"github.com/tolitius/kinetic/clientlibrary/metrics"
	"github.com/tolitius/kinetic/clientlibrary/stream"
)

type fakeCheckpointer struct {
	positions []string
	err       error
}

func (f *fakeCheckpointer) Checkpoint(sequenceNumber *string) error {
	if f.err != nil {
		return f.err
	}
	position := "largest"
	if sequenceNumber != nil {
		position = *sequenceNumber
	}
	f.positions = append(f.positions, position)
	return nil
}

type countingMonitor struct {
	metrics.NoopMonitoringService
	failures int
}

func (m *countingMonitor) ProcessingFailed(shard string) {
	m.failures++
}

func dispatcherConfig(policy config.FailurePolicy) *config.KinesisClientLibConfiguration {
	return config.NewKinesisClientLibConfig("appName", "stream", "us-west-2", "worker-a").
		WithFailurePolicy(policy).
		WithMaxProcessingRetries(2).
		WithTaskBackoffTimeMillis(1)
}

func newTestDispatcher(kclConfig *config.KinesisClientLibConfiguration, factory *testProcessorFactory, mService metrics.MonitoringService) *Dispatcher {
	d := newDispatcher("shard-1", factory.CreateProcessor(), kclConfig, mService, kclConfig.Logger)
	_ = d.Initialize(&kcl.InitializationInput{ShardId: "shard-1"})
	return d
}

func batchInput(cp kcl.IRecordProcessorCheckpointer, data ...string) *kcl.ProcessRecordsInput {
	input := &kcl.ProcessRecordsInput{Checkpointer: cp}
	for _, d := range data {
		input.Records = append(input.Records, &stream.Record{Data: []byte(d)})
	}
	return input
}

func TestDispatcherCheckpointsWhenAsked(t *testing.T) {
	factory := newTestProcessorFactory()
	d := newTestDispatcher(dispatcherConfig(config.HaltProcess), factory, metrics.NoopMonitoringService{})
	cp := &fakeCheckpointer{}

	_, err := d.ProcessRecords(context.Background(), batchInput(cp, "a", "b"), "102")
	require.NoError(t, err)
	assert.Equal(t, []string{"102"}, cp.positions)
	assert.Equal(t, []string{"a", "b"}, factory.rec.Records("shard-1"))
	assert.Equal(t, dispatcherProcessing, d.state)

	factory.process = func(p *testProcessor, input *kcl.ProcessRecordsInput) (kcl.ProcessingOutcome, error) {
		return kcl.ProcessingOutcome{Backoff: time.Second}, nil
	}
	outcome, err := d.ProcessRecords(context.Background(), batchInput(cp, "c"), "103")
	require.NoError(t, err)
	assert.Equal(t, time.Second, outcome.Backoff)
	assert.Equal(t, []string{"102"}, cp.positions)
}

func TestDispatcherCheckpointFailure(t *testing.T) {
	factory := newTestProcessorFactory()
	d := newTestDispatcher(dispatcherConfig(config.HaltProcess), factory, metrics.NoopMonitoringService{})

	// a failed write does not fail the batch
	_, err := d.ProcessRecords(context.Background(), batchInput(&fakeCheckpointer{err: errors.New("timeout")}, "a"), "101")
	assert.NoError(t, err)

	_, err = d.ProcessRecords(context.Background(), batchInput(&fakeCheckpointer{err: chk.ErrLeaseNoLongerHeld}, "b"), "102")
	assert.ErrorIs(t, err, chk.ErrLeaseNoLongerHeld)
}

func TestDispatcherHaltPolicy(t *testing.T) {
	factory := newTestProcessorFactory()
	mService := &countingMonitor{}
	d := newTestDispatcher(dispatcherConfig(config.HaltProcess), factory, mService)

	boom := errors.New("boom")
	factory.process = func(p *testProcessor, input *kcl.ProcessRecordsInput) (kcl.ProcessingOutcome, error) {
		return kcl.ProcessingOutcome{}, boom
	}

	cp := &fakeCheckpointer{}
	_, err := d.ProcessRecords(context.Background(), batchInput(cp, "a"), "101")
	require.Error(t, err)

	fatal, ok := isFatal(err)
	require.True(t, ok)
	assert.True(t, fatal.Halt)
	assert.Equal(t, "shard-1", fatal.ShardId)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, cp.positions)
	assert.Equal(t, 1, mService.failures)
}

func TestDispatcherIsolatePolicy(t *testing.T) {
	factory := newTestProcessorFactory()
	d := newTestDispatcher(dispatcherConfig(config.IsolatePartition), factory, metrics.NoopMonitoringService{})

	factory.process = func(p *testProcessor, input *kcl.ProcessRecordsInput) (kcl.ProcessingOutcome, error) {
		return kcl.ProcessingOutcome{}, errors.New("boom")
	}

	_, err := d.ProcessRecords(context.Background(), batchInput(&fakeCheckpointer{}, "a"), "101")
	fatal, ok := isFatal(err)
	require.True(t, ok)
	assert.False(t, fatal.Halt)
}

func TestDispatcherRetrySucceeds(t *testing.T) {
	factory := newTestProcessorFactory()
	mService := &countingMonitor{}
	d := newTestDispatcher(dispatcherConfig(config.RetryNTimes), factory, mService)

	attempts := 0
	factory.process = func(p *testProcessor, input *kcl.ProcessRecordsInput) (kcl.ProcessingOutcome, error) {
		attempts++
		if attempts < 3 {
			return kcl.ProcessingOutcome{}, errors.New("not yet")
		}
		return kcl.ProcessingOutcome{Checkpoint: true}, nil
	}

	cp := &fakeCheckpointer{}
	_, err := d.ProcessRecords(context.Background(), batchInput(cp, "a"), "101")
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 2, mService.failures)
	assert.Equal(t, []string{"101"}, cp.positions)
	assert.Equal(t, []string{"a"}, factory.rec.Records("shard-1"))
}

func TestDispatcherRetryEscalates(t *testing.T) {
	factory := newTestProcessorFactory()
	d := newTestDispatcher(dispatcherConfig(config.RetryNTimes), factory, metrics.NoopMonitoringService{})

	attempts := 0
	factory.process = func(p *testProcessor, input *kcl.ProcessRecordsInput) (kcl.ProcessingOutcome, error) {
		attempts++
		return kcl.ProcessingOutcome{}, errors.New("still failing")
	}

	_, err := d.ProcessRecords(context.Background(), batchInput(&fakeCheckpointer{}, "a"), "101")
	fatal, ok := isFatal(err)
	require.True(t, ok)
	assert.True(t, fatal.Halt)
	// the first attempt and two retries
	assert.Equal(t, 3, attempts)
}

func TestDispatcherRetryStopsWithContext(t *testing.T) {
	factory := newTestProcessorFactory()
	kclConfig := dispatcherConfig(config.RetryNTimes).WithTaskBackoffTimeMillis(60000)
	d := newTestDispatcher(kclConfig, factory, metrics.NoopMonitoringService{})

	factory.process = func(p *testProcessor, input *kcl.ProcessRecordsInput) (kcl.ProcessingOutcome, error) {
		return kcl.ProcessingOutcome{}, errors.New("boom")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := d.ProcessRecords(ctx, batchInput(&fakeCheckpointer{}, "a"), "101")
	_, ok := isFatal(err)
	assert.True(t, ok)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestDispatcherRecoversPanics(t *testing.T) {
	factory := newTestProcessorFactory()
	d := newTestDispatcher(dispatcherConfig(config.IsolatePartition), factory, metrics.NoopMonitoringService{})

	factory.process = func(p *testProcessor, input *kcl.ProcessRecordsInput) (kcl.ProcessingOutcome, error) {
		panic("nil map")
	}

	_, err := d.ProcessRecords(context.Background(), batchInput(&fakeCheckpointer{}, "a"), "101")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked: nil map")

	// callbacks after a failure still run and do not propagate panics
	factory.shutdownRequested = func(p *testProcessor, input *kcl.ShutdownRequestedInput) {
		panic("shutdown")
	}
	assert.NotPanics(t, func() { d.ShutdownRequested(&fakeCheckpointer{}) })
	assert.Equal(t, dispatcherEnded, d.state)
}

type panickingInit struct {
	testProcessor
}

func (p *panickingInit) Initialize(input *kcl.InitializationInput) {
	panic("cannot connect")
}

func TestDispatcherInitializeFailure(t *testing.T) {
	kclConfig := dispatcherConfig(config.IsolatePartition)
	d := newDispatcher("shard-1", &panickingInit{testProcessor{factory: newTestProcessorFactory()}}, kclConfig, metrics.NoopMonitoringService{}, kclConfig.Logger)

	err := d.Initialize(&kcl.InitializationInput{ShardId: "shard-1"})
	fatal, ok := isFatal(err)
	require.True(t, ok)
	assert.False(t, fatal.Halt)
	assert.Equal(t, dispatcherInitializing, d.state)
}

func TestDispatcherLifecycleCallbacks(t *testing.T) {
	factory := newTestProcessorFactory()
	d := newTestDispatcher(dispatcherConfig(config.HaltProcess), factory, metrics.NoopMonitoringService{})

	cp := &fakeCheckpointer{}
	d.ShardEnded(cp)
	assert.Equal(t, dispatcherEnded, d.state)

	assert.Equal(t, []string{"largest"}, cp.positions)

	d.LeaseLost()
	assert.Equal(t, dispatcherLost, d.state)
	assert.Equal(t, []string{"initialize", "shard-ended", "lease-lost"}, factory.rec.Events("shard-1"))
}
