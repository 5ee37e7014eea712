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
// The implementation is derived from https://github.com/patrobinson/gokini
//
// Copyright 2018 Patrick robinson
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of this software and associated documentation files (the "Software"), to deal in the Software without restriction, including without limitation the rights to use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies of the Software, and to permit persons to whom the Software is furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
package cloudwatch

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	cwatch "github.com/aws/aws-sdk-go/service/cloudwatch"
	"github.com/aws/aws-sdk-go/service/cloudwatch/cloudwatchiface"

	"github.com/tolitius/kinetic/logger"
)

// Buffer metrics for at most this long before publishing to CloudWatch.
const DefaultCloudwatchMetricsBufferDuration = 10 * time.Second

// MonitoringService buffers metrics per shard and publishes them to
// CloudWatch as statistic sets every bufferDuration, or sooner once a shard
// buffers maxQueueSize samples.
type MonitoringService struct {
	appName     string
	streamName  string
	workerID    string
	region      string
	credentials *credentials.Credentials
	logger      logger.Logger

	// control how often to publish to CloudWatch
	bufferDuration time.Duration
	maxQueueSize   int

	svc cloudwatchiface.CloudWatchAPI

	mux          sync.Mutex
	shardMetrics map[string]*cloudWatchMetrics

	flushNow  chan struct{}
	stop      chan struct{}
	waitGroup sync.WaitGroup
	stopOnce  sync.Once
}

type cloudWatchMetrics struct {
	sync.Mutex

	processedRecords   int64
	processedBytes     int64
	behindLatestMillis []float64
	leasesHeld         int64
	leaseRenewals      int64
	processingFailures int64
	getRecordsTime     []float64
	processRecordsTime []float64
}

// NewMonitoringService returns a Monitoring service publishing metrics to CloudWatch.
func NewMonitoringService(region string, creds *credentials.Credentials, bufferDuration time.Duration, maxQueueSize int, logger logger.Logger) *MonitoringService {
	if bufferDuration <= 0 {
		bufferDuration = DefaultCloudwatchMetricsBufferDuration
	}
	return &MonitoringService{
		region:         region,
		credentials:    creds,
		logger:         logger,
		bufferDuration: bufferDuration,
		maxQueueSize:   maxQueueSize,
		shardMetrics:   map[string]*cloudWatchMetrics{},
		flushNow:       make(chan struct{}, 1),
		stop:           make(chan struct{}),
	}
}

// WithCloudWatch is used to provide CloudWatch service for either custom implementation or unit testing.
func (cw *MonitoringService) WithCloudWatch(svc cloudwatchiface.CloudWatchAPI) *MonitoringService {
	cw.svc = svc
	return cw
}

func (cw *MonitoringService) Init(appName, streamName, workerID string) error {
	cw.appName = appName
	cw.streamName = streamName
	cw.workerID = workerID

	if cw.svc != nil {
		return nil
	}

	cfg := &aws.Config{Region: aws.String(cw.region)}
	cfg = cfg.WithCredentials(cw.credentials)
	s, err := session.NewSession(cfg)
	if err != nil {
		cw.logger.Errorf("Error in creating session for cloudwatch. %+v", err)
		return err
	}
	cw.svc = cwatch.New(s)
	return nil
}

func (cw *MonitoringService) Start() error {
	cw.waitGroup.Add(1)
	// entering eventloop for sending metrics to CloudWatch
	go cw.eventloop()
	return nil
}

// Shutdown stops the event loop after a final flush.
func (cw *MonitoringService) Shutdown() {
	cw.logger.Infof("Shutting down cloudwatch metrics system...")
	cw.stopOnce.Do(func() { close(cw.stop) })
	cw.waitGroup.Wait()
	cw.logger.Infof("Cloudwatch metrics system has been shutdown.")
}

func (cw *MonitoringService) eventloop() {
	defer cw.waitGroup.Done()

	ticker := time.NewTicker(cw.bufferDuration)
	defer ticker.Stop()

	for {
		select {
		case <-cw.stop:
			cw.flush(context.Background())
			return
		case <-ticker.C:
		case <-cw.flushNow:
		}
		cw.flush(context.Background())
	}
}

// flush publishes every shard. A shard whose publish fails keeps its samples
// for the next round.
func (cw *MonitoringService) flush(ctx context.Context) {
	cw.mux.Lock()
	shards := make(map[string]*cloudWatchMetrics, len(cw.shardMetrics))
	for shard, m := range cw.shardMetrics {
		shards[shard] = m
	}
	cw.mux.Unlock()

	for shard, metric := range shards {
		if err := cw.flushShard(ctx, shard, metric); err != nil {
			cw.logger.Errorf("Error in publishing cloudwatch metrics for shard %s. Error: %+v", shard, err)
		}
	}
}

func (cw *MonitoringService) flushShard(ctx context.Context, shard string, metric *cloudWatchMetrics) error {
	metric.Lock()
	defer metric.Unlock()

	defaultDimensions := []*cwatch.Dimension{
		{
			Name:  aws.String("Shard"),
			Value: aws.String(shard),
		},
		{
			Name:  aws.String("KinesisStreamName"),
			Value: aws.String(cw.streamName),
		},
	}

	leaseDimensions := []*cwatch.Dimension{
		{
			Name:  aws.String("Shard"),
			Value: aws.String(shard),
		},
		{
			Name:  aws.String("KinesisStreamName"),
			Value: aws.String(cw.streamName),
		},
		{
			Name:  aws.String("WorkerID"),
			Value: aws.String(cw.workerID),
		},
	}
	metricTimestamp := time.Now()

	data := []*cwatch.MetricDatum{
		{
			Dimensions: defaultDimensions,
			MetricName: aws.String("RecordsProcessed"),
			Unit:       aws.String("Count"),
			Timestamp:  &metricTimestamp,
			Value:      aws.Float64(float64(metric.processedRecords)),
		},
		{
			Dimensions: defaultDimensions,
			MetricName: aws.String("DataBytesProcessed"),
			Unit:       aws.String("Bytes"),
			Timestamp:  &metricTimestamp,
			Value:      aws.Float64(float64(metric.processedBytes)),
		},
		{
			Dimensions: defaultDimensions,
			MetricName: aws.String("ProcessingFailures"),
			Unit:       aws.String("Count"),
			Timestamp:  &metricTimestamp,
			Value:      aws.Float64(float64(metric.processingFailures)),
		},
		{
			Dimensions: leaseDimensions,
			MetricName: aws.String("RenewLease.Success"),
			Unit:       aws.String("Count"),
			Timestamp:  &metricTimestamp,
			Value:      aws.Float64(float64(metric.leaseRenewals)),
		},
		{
			Dimensions: leaseDimensions,
			MetricName: aws.String("CurrentLeases"),
			Unit:       aws.String("Count"),
			Timestamp:  &metricTimestamp,
			Value:      aws.Float64(float64(metric.leasesHeld)),
		},
	}

	if len(metric.behindLatestMillis) > 0 {
		data = append(data, statisticDatum(defaultDimensions, "MillisBehindLatest", metricTimestamp, metric.behindLatestMillis))
	}
	if len(metric.getRecordsTime) > 0 {
		data = append(data, statisticDatum(defaultDimensions, "KinesisDataFetcher.getRecords.Time", metricTimestamp, metric.getRecordsTime))
	}
	if len(metric.processRecordsTime) > 0 {
		data = append(data, statisticDatum(defaultDimensions, "RecordProcessor.processRecords.Time", metricTimestamp, metric.processRecordsTime))
	}

	_, err := cw.svc.PutMetricDataWithContext(ctx, &cwatch.PutMetricDataInput{
		Namespace:  aws.String(cw.appName),
		MetricData: data,
	})
	if err != nil {
		return err
	}

	metric.processedRecords = 0
	metric.processedBytes = 0
	metric.processingFailures = 0
	metric.behindLatestMillis = []float64{}
	metric.leaseRenewals = 0
	metric.getRecordsTime = []float64{}
	metric.processRecordsTime = []float64{}
	return nil
}

func statisticDatum(dimensions []*cwatch.Dimension, name string, ts time.Time, samples []float64) *cwatch.MetricDatum {
	return &cwatch.MetricDatum{
		Dimensions: dimensions,
		MetricName: aws.String(name),
		Unit:       aws.String("Milliseconds"),
		Timestamp:  &ts,
		StatisticValues: &cwatch.StatisticSet{
			SampleCount: aws.Float64(float64(len(samples))),
			Sum:         sumFloat64(samples),
			Maximum:     maxFloat64(samples),
			Minimum:     minFloat64(samples),
		},
	}
}

// shard returns the buffer of a shard, creating it on first use.
func (cw *MonitoringService) shard(shard string) *cloudWatchMetrics {
	cw.mux.Lock()
	defer cw.mux.Unlock()
	m, ok := cw.shardMetrics[shard]
	if !ok {
		m = &cloudWatchMetrics{}
		cw.shardMetrics[shard] = m
	}
	return m
}

// sampled asks for an early flush once a shard buffers maxQueueSize samples.
func (cw *MonitoringService) sampled(n int) {
	if cw.maxQueueSize > 0 && n >= cw.maxQueueSize {
		select {
		case cw.flushNow <- struct{}{}:
		default:
		}
	}
}

func (cw *MonitoringService) IncrRecordsProcessed(shard string, count int) {
	m := cw.shard(shard)
	m.Lock()
	defer m.Unlock()
	m.processedRecords += int64(count)
}

func (cw *MonitoringService) IncrBytesProcessed(shard string, count int64) {
	m := cw.shard(shard)
	m.Lock()
	defer m.Unlock()
	m.processedBytes += count
}

func (cw *MonitoringService) MillisBehindLatest(shard string, millSeconds float64) {
	m := cw.shard(shard)
	m.Lock()
	m.behindLatestMillis = append(m.behindLatestMillis, millSeconds)
	n := len(m.behindLatestMillis)
	m.Unlock()
	cw.sampled(n)
}

func (cw *MonitoringService) LeaseGained(shard string) {
	m := cw.shard(shard)
	m.Lock()
	defer m.Unlock()
	m.leasesHeld++
}

func (cw *MonitoringService) LeaseLost(shard string) {
	m := cw.shard(shard)
	m.Lock()
	defer m.Unlock()
	m.leasesHeld--
}

func (cw *MonitoringService) LeaseRenewed(shard string) {
	m := cw.shard(shard)
	m.Lock()
	defer m.Unlock()
	m.leaseRenewals++
}

func (cw *MonitoringService) ProcessingFailed(shard string) {
	m := cw.shard(shard)
	m.Lock()
	defer m.Unlock()
	m.processingFailures++
}

func (cw *MonitoringService) RecordGetRecordsTime(shard string, time float64) {
	m := cw.shard(shard)
	m.Lock()
	m.getRecordsTime = append(m.getRecordsTime, time)
	n := len(m.getRecordsTime)
	m.Unlock()
	cw.sampled(n)
}

func (cw *MonitoringService) RecordProcessRecordsTime(shard string, time float64) {
	m := cw.shard(shard)
	m.Lock()
	m.processRecordsTime = append(m.processRecordsTime, time)
	n := len(m.processRecordsTime)
	m.Unlock()
	cw.sampled(n)
}

func sumFloat64(slice []float64) *float64 {
	sum := float64(0)
	for _, num := range slice {
		sum += num
	}
	return &sum
}

func maxFloat64(slice []float64) *float64 {
	if len(slice) < 1 {
		return aws.Float64(0)
	}
	max := slice[0]
	for _, num := range slice {
		if num > max {
			max = num
		}
	}
	return &max
}

func minFloat64(slice []float64) *float64 {
	if len(slice) < 1 {
		return aws.Float64(0)
	}
	min := slice[0]
	for _, num := range slice {
		if num < min {
			min = num
		}
	}
	return &min
}
