package cloudwatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	cwatch "github.com/aws/aws-sdk-go/service/cloudwatch"
	"github.com/aws/aws-sdk-go/service/cloudwatch/cloudwatchiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolitius/kinetic/logger"
)

type mockCloudWatch struct {
	cloudwatchiface.CloudWatchAPI

	mux    sync.Mutex
	inputs []*cwatch.PutMetricDataInput
	fail   bool
}

func (m *mockCloudWatch) PutMetricDataWithContext(ctx aws.Context, in *cwatch.PutMetricDataInput, opts ...request.Option) (*cwatch.PutMetricDataOutput, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	if m.fail {
		return nil, errors.New("throttled")
	}
	m.inputs = append(m.inputs, in)
	return &cwatch.PutMetricDataOutput{}, nil
}

func (m *mockCloudWatch) published() []*cwatch.PutMetricDataInput {
	m.mux.Lock()
	defer m.mux.Unlock()
	return append([]*cwatch.PutMetricDataInput(nil), m.inputs...)
}

func datum(in *cwatch.PutMetricDataInput, name string) *cwatch.MetricDatum {
	for _, d := range in.MetricData {
		if aws.StringValue(d.MetricName) == name {
			return d
		}
	}
	return nil
}

func newTestService(svc *mockCloudWatch, buffer time.Duration, maxQueue int) *MonitoringService {
	cw := NewMonitoringService("us-west-2", nil, buffer, maxQueue, logger.GetDefaultLogger()).WithCloudWatch(svc)
	_ = cw.Init("app", "stream", "worker-a")
	return cw
}

func TestFlushPublishesStatisticSets(t *testing.T) {
	svc := &mockCloudWatch{}
	cw := newTestService(svc, time.Hour, 0)

	cw.IncrRecordsProcessed("shard-1", 10)
	cw.IncrBytesProcessed("shard-1", 2048)
	cw.MillisBehindLatest("shard-1", 100)
	cw.MillisBehindLatest("shard-1", 300)
	cw.LeaseGained("shard-1")
	cw.LeaseRenewed("shard-1")
	cw.ProcessingFailed("shard-1")

	cw.flush(context.Background())

	inputs := svc.published()
	require.Len(t, inputs, 1)
	assert.Equal(t, "app", aws.StringValue(inputs[0].Namespace))

	assert.Equal(t, float64(10), aws.Float64Value(datum(inputs[0], "RecordsProcessed").Value))
	assert.Equal(t, float64(2048), aws.Float64Value(datum(inputs[0], "DataBytesProcessed").Value))
	assert.Equal(t, float64(1), aws.Float64Value(datum(inputs[0], "ProcessingFailures").Value))
	assert.Equal(t, float64(1), aws.Float64Value(datum(inputs[0], "CurrentLeases").Value))

	behind := datum(inputs[0], "MillisBehindLatest").StatisticValues
	assert.Equal(t, float64(2), aws.Float64Value(behind.SampleCount))
	assert.Equal(t, float64(400), aws.Float64Value(behind.Sum))
	assert.Equal(t, float64(300), aws.Float64Value(behind.Maximum))
	assert.Equal(t, float64(100), aws.Float64Value(behind.Minimum))

	// no samples, no statistic set
	assert.Nil(t, datum(inputs[0], "KinesisDataFetcher.getRecords.Time"))

	// counters reset after a successful publish, held leases do not
	cw.flush(context.Background())
	inputs = svc.published()
	require.Len(t, inputs, 2)
	assert.Equal(t, float64(0), aws.Float64Value(datum(inputs[1], "RecordsProcessed").Value))
	assert.Equal(t, float64(1), aws.Float64Value(datum(inputs[1], "CurrentLeases").Value))
}

func TestFailedFlushKeepsSamples(t *testing.T) {
	svc := &mockCloudWatch{fail: true}
	cw := newTestService(svc, time.Hour, 0)
	cw.IncrRecordsProcessed("shard-1", 7)

	cw.flush(context.Background())
	assert.Empty(t, svc.published())

	svc.mux.Lock()
	svc.fail = false
	svc.mux.Unlock()

	cw.flush(context.Background())
	inputs := svc.published()
	require.Len(t, inputs, 1)
	assert.Equal(t, float64(7), aws.Float64Value(datum(inputs[0], "RecordsProcessed").Value))
}

func TestFullQueueFlushesEarly(t *testing.T) {
	svc := &mockCloudWatch{}
	cw := newTestService(svc, time.Hour, 2)
	require.NoError(t, cw.Start())
	defer cw.Shutdown()

	cw.RecordGetRecordsTime("shard-1", 10)
	cw.RecordGetRecordsTime("shard-1", 20)

	assert.Eventually(t, func() bool { return len(svc.published()) > 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestShutdownFlushes(t *testing.T) {
	svc := &mockCloudWatch{}
	cw := newTestService(svc, time.Hour, 0)
	require.NoError(t, cw.Start())

	cw.IncrRecordsProcessed("shard-1", 1)
	cw.IncrRecordsProcessed("shard-2", 1)
	cw.Shutdown()

	assert.Len(t, svc.published(), 2)
}
