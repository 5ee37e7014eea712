package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	kclConfig := NewKinesisClientLibConfig("appName", "StreamName", "us-west-2", "workerId").
		WithFailoverTimeMillis(500).
		WithLeaseRefreshPeriodMillis(200).
		WithMaxRecords(100).
		WithInitialPositionInStream(TRIM_HORIZON).
		WithIdleTimeBetweenReadsInMillis(20).
		WithCallProcessRecordsEvenForEmptyRecordList(true).
		WithTaskBackoffTimeMillis(10).
		WithMetricsBufferTimeMillis(500).
		WithMetricsMaxQueueSize(200)

	assert.Equal(t, "appName", kclConfig.ApplicationName)
	assert.Equal(t, "appName", kclConfig.TableName)
	assert.Equal(t, 500, kclConfig.FailoverTimeMillis)
	assert.Equal(t, TRIM_HORIZON, kclConfig.InitialPositionInStreamExtended.Position)
	assert.Equal(t, HaltProcess, kclConfig.FailurePolicy)
	assert.NoError(t, kclConfig.Validate())
}

func TestConfigGeneratesWorkerID(t *testing.T) {
	kclConfig := NewKinesisClientLibConfig("appName", "StreamName", "us-west-2", "")
	assert.NotEmpty(t, kclConfig.WorkerID)
}

func TestConfigPanicsOnBadInput(t *testing.T) {
	assert.Panics(t, func() { NewKinesisClientLibConfig("", "StreamName", "us-west-2", "w") })
	assert.Panics(t, func() {
		NewKinesisClientLibConfig("appName", "StreamName", "us-west-2", "w").WithMaxRecords(0)
	})
	assert.Panics(t, func() {
		NewKinesisClientLibConfig("appName", "StreamName", "us-west-2", "w").WithFailurePolicy("explode")
	})
}

func TestValidateRefreshShorterThanFailover(t *testing.T) {
	kclConfig := NewKinesisClientLibConfig("appName", "StreamName", "us-west-2", "w").
		WithFailoverTimeMillis(1000).
		WithLeaseRefreshPeriodMillis(1000)

	err := kclConfig.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LeaseRefreshPeriodMillis")
}

func TestValidateAtTimestampNeedsTimestamp(t *testing.T) {
	kclConfig := NewKinesisClientLibConfig("appName", "StreamName", "us-west-2", "w")
	kclConfig.InitialPositionInStream = AT_TIMESTAMP
	assert.Error(t, kclConfig.Validate())

	ts := time.Now()
	kclConfig.WithTimestampAtInitialPositionInStream(&ts)
	assert.NoError(t, kclConfig.Validate())
}

func TestParseFailurePolicy(t *testing.T) {
	for _, s := range []string{"halt-process", "ISOLATE-PARTITION", " retry-n-times "} {
		_, err := ParseFailurePolicy(s)
		assert.NoError(t, err, s)
	}
	_, err := ParseFailurePolicy("ignore")
	assert.Error(t, err)
}

func TestParseInitialPosition(t *testing.T) {
	pos, err := ParseInitialPosition("trim_horizon")
	assert.NoError(t, err)
	assert.Equal(t, TRIM_HORIZON, pos)

	_, err = ParseInitialPosition("EARLIEST")
	assert.Error(t, err)
}

func TestFileOverlay(t *testing.T) {
	f, err := ParseFile([]byte(`
tableName: leases
initialPositionInStream: TRIM_HORIZON
failoverTimeMillis: 20000
leaseRefreshPeriodMillis: 5000
enableLeaseStealing: true
failurePolicy: retry-n-times
maxProcessingRetries: 5
logging:
  enableConsole: true
  consoleLevel: debug
`))
	require.NoError(t, err)

	kclConfig := NewKinesisClientLibConfig("appName", "StreamName", "us-east-1", "w")
	require.NoError(t, f.ApplyTo(kclConfig))

	assert.Equal(t, "leases", kclConfig.TableName)
	assert.Equal(t, TRIM_HORIZON, kclConfig.InitialPositionInStream)
	assert.Equal(t, 20000, kclConfig.FailoverTimeMillis)
	assert.True(t, kclConfig.EnableLeaseStealing)
	assert.Equal(t, RetryNTimes, kclConfig.FailurePolicy)
	assert.Equal(t, 5, kclConfig.MaxProcessingRetries)
	// untouched
	assert.Equal(t, DefaultMaxRecords, kclConfig.MaxRecords)
	require.NotNil(t, f.Logging)
	assert.Equal(t, "debug", f.Logging.ConsoleLevel)
}

func TestFileOverlayRejectsUnknownKeys(t *testing.T) {
	_, err := ParseFile([]byte("failoverTime: 10\n"))
	assert.Error(t, err)
}

func TestFileOverlayValidates(t *testing.T) {
	f, err := ParseFile([]byte("leaseRefreshPeriodMillis: 60000\n"))
	require.NoError(t, err)

	kclConfig := NewKinesisClientLibConfig("appName", "StreamName", "us-east-1", "w")
	assert.Error(t, f.ApplyTo(kclConfig))
}

func TestEmptyFile(t *testing.T) {
	f, err := ParseFile(nil)
	require.NoError(t, err)
	assert.NoError(t, f.ApplyTo(NewKinesisClientLibConfig("appName", "StreamName", "us-east-1", "w")))
}
