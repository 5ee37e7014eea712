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
package stream

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/kinesis"
	"github.com/aws/aws-sdk-go/service/kinesis/kinesisiface"
	deagg "github.com/awslabs/kinesis-aggregation/go/deaggregator"

	"github.com/tolitius/kinetic/clientlibrary/config"
	par "github.com/tolitius/kinetic/clientlibrary/partition"
	"github.com/tolitius/kinetic/clientlibrary/utils"
	"github.com/tolitius/kinetic/logger"
)

// KinesisSource reads a Kinesis data stream with GetRecords polling.
type KinesisSource struct {
	kc         kinesisiface.KinesisAPI
	streamName string
	kclConfig  *config.KinesisClientLibConfiguration
	log        logger.Logger
}

func NewKinesisSource(kclConfig *config.KinesisClientLibConfiguration) *KinesisSource {
	return &KinesisSource{
		streamName: kclConfig.StreamName,
		kclConfig:  kclConfig,
		log:        kclConfig.Logger,
	}
}

// WithKinesis is used to provide Kinesis service for either custom implementation or unit testing.
func (s *KinesisSource) WithKinesis(svc kinesisiface.KinesisAPI) *KinesisSource {
	s.kc = svc
	return s
}

// Init creates the Kinesis client unless one was provided.
func (s *KinesisSource) Init(ctx context.Context) error {
	if s.kc != nil {
		s.log.Infof("Use custom Kinesis service.")
		return nil
	}

	s.log.Infof("Creating Kinesis session")
	sess, err := session.NewSession(&aws.Config{
		Region:      aws.String(s.kclConfig.RegionName),
		Endpoint:    aws.String(s.kclConfig.KinesisEndpoint),
		Credentials: s.kclConfig.KinesisCredentials,
	})
	if err != nil {
		return fmt.Errorf("failed in getting Kinesis session: %w", err)
	}
	s.kc = kinesis.New(sess)
	return nil
}

// ListPartitions lists every shard of the stream, following pagination.
func (s *KinesisSource) ListPartitions(ctx context.Context) ([]par.Partition, error) {
	var partitions []par.Partition
	var nextToken *string

	for {
		args := &kinesis.ListShardsInput{}
		// When you have a nextToken, you can't set the streamName
		if nextToken != nil {
			args.NextToken = nextToken
		} else {
			args.StreamName = aws.String(s.streamName)
		}

		listShards, err := s.kc.ListShardsWithContext(ctx, args)
		if err != nil {
			s.log.Errorf("Error in ListShards: %s Error: %+v Request: %s", s.streamName, err, args)
			return nil, classify("ListShards", err)
		}

		for _, shard := range listShards.Shards {
			partitions = append(partitions, toPartition(shard))
		}

		if listShards.NextToken == nil {
			return partitions, nil
		}
		nextToken = listShards.NextToken
	}
}

// Open returns a reader positioned at from.
func (s *KinesisSource) Open(ctx context.Context, partitionID string, from StartingPosition) (Reader, error) {
	r := &kinesisReader{
		source:      s,
		partitionID: partitionID,
		start:       from,
	}
	if err := r.reopen(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *KinesisSource) getShardIterator(ctx context.Context, partitionID string, from StartingPosition) (*string, error) {
	args := &kinesis.GetShardIteratorInput{
		ShardId:           aws.String(partitionID),
		ShardIteratorType: aws.String(string(from.Type)),
		StreamName:        aws.String(s.streamName),
		Timestamp:         from.Timestamp,
	}
	if from.SequenceNumber != "" {
		args.StartingSequenceNumber = aws.String(from.SequenceNumber)
	}

	iterResp, err := s.kc.GetShardIteratorWithContext(ctx, args)
	if err != nil {
		return nil, classify("GetShardIterator", err)
	}
	return iterResp.ShardIterator, nil
}

// kinesisReader follows shard iterators. An expired iterator is replaced by
// one positioned after the last delivered record.
type kinesisReader struct {
	source      *KinesisSource
	partitionID string
	start       StartingPosition
	iterator    *string
	lastSeq     string
}

func (r *kinesisReader) reopen(ctx context.Context) error {
	from := r.start
	if r.lastSeq != "" {
		from = StartingPosition{Type: AfterSequenceNumber, SequenceNumber: r.lastSeq}
	}
	iterator, err := r.source.getShardIterator(ctx, r.partitionID, from)
	if err != nil {
		return err
	}
	r.iterator = iterator
	return nil
}

func (r *kinesisReader) Read(ctx context.Context, maxRecords int) (*Batch, error) {
	log := r.source.log

	if r.iterator == nil {
		return &Batch{End: true}, nil
	}

	getRecordsArgs := &kinesis.GetRecordsInput{
		Limit:         aws.Int64(int64(maxRecords)),
		ShardIterator: r.iterator,
	}
	getResp, err := r.source.kc.GetRecordsWithContext(ctx, getRecordsArgs)
	if utils.AWSErrCode(err) == kinesis.ErrCodeExpiredIteratorException {
		log.Warnf("Shard iterator expired for shard: %s, reopening after %q", r.partitionID, r.lastSeq)
		if err := r.reopen(ctx); err != nil {
			return nil, err
		}
		getRecordsArgs.ShardIterator = r.iterator
		getResp, err = r.source.kc.GetRecordsWithContext(ctx, getRecordsArgs)
	}
	if err != nil {
		return nil, classify("GetRecords", err)
	}

	log.Debugf("Received %d original records.", len(getResp.Records))

	// De-aggregate the records if they were published by the KPL. An aggregate
	// never spans two responses, so a batch ends on an aggregate boundary.
	dars, err := deagg.DeaggregateRecords(getResp.Records)
	if err != nil {
		// The error is caused by bad KPL publisher and just skip the bad records
		// instead of being stuck here.
		log.Errorf("Error in de-aggregating KPL records: %+v", err)
		dars = getResp.Records
	}

	batch := &Batch{
		Records:            make([]*Record, 0, len(dars)),
		MillisBehindLatest: aws.Int64Value(getResp.MillisBehindLatest),
	}
	for _, kr := range dars {
		batch.Records = append(batch.Records, &Record{
			SequenceNumber:              aws.StringValue(kr.SequenceNumber),
			PartitionKey:                aws.StringValue(kr.PartitionKey),
			Data:                        kr.Data,
			ApproximateArrivalTimestamp: aws.TimeValue(kr.ApproximateArrivalTimestamp),
		})
	}
	if last := batch.LastSequenceNumber(); last != "" {
		r.lastSeq = last
	}

	// The shard has been closed, so no new records can be read from it
	r.iterator = getResp.NextShardIterator
	batch.End = r.iterator == nil
	return batch, nil
}

// classify marks throttling and service side failures as retryable.
func classify(op string, err error) error {
	switch utils.AWSErrCode(err) {
	case kinesis.ErrCodeProvisionedThroughputExceededException,
		kinesis.ErrCodeKMSThrottlingException,
		kinesis.ErrCodeLimitExceededException,
		"InternalFailure",
		"ServiceUnavailable",
		"RequestError":
		return utils.NewDependencyError("kinesis", op, err)
	}
	return err
}

func toPartition(shard *kinesis.Shard) par.Partition {
	p := par.Partition{ID: aws.StringValue(shard.ShardId)}
	if parent := aws.StringValue(shard.ParentShardId); parent != "" {
		p.ParentIDs = append(p.ParentIDs, parent)
	}
	if adjacent := aws.StringValue(shard.AdjacentParentShardId); adjacent != "" {
		p.ParentIDs = append(p.ParentIDs, adjacent)
	}
	if shard.SequenceNumberRange != nil {
		p.StartingSequenceNumber = aws.StringValue(shard.SequenceNumberRange.StartingSequenceNumber)
		p.EndingSequenceNumber = aws.StringValue(shard.SequenceNumberRange.EndingSequenceNumber)
	}
	return p
}
