package stream

import (
	"context"
	"crypto/md5"
	"strconv"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/kinesis"
	"github.com/aws/aws-sdk-go/service/kinesis/kinesisiface"
	rec "github.com/awslabs/kinesis-aggregation/go/records"
	"github.com/golang/protobuf/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolitius/kinetic/clientlibrary/config"
	"github.com/tolitius/kinetic/clientlibrary/utils"
)

// mockKinesis serves one shard "shard-1" whose records are read two at a
// time. Iterators are the index of the next record.
type mockKinesis struct {
	kinesisiface.KinesisAPI

	shards       [][]*kinesis.Shard
	records      []*kinesis.Record
	closed       bool
	expireOnce   bool
	throttle     bool
	iteratorArgs []*kinesis.GetShardIteratorInput
	listArgs     []*kinesis.ListShardsInput
}

func (m *mockKinesis) ListShardsWithContext(ctx aws.Context, in *kinesis.ListShardsInput, opts ...request.Option) (*kinesis.ListShardsOutput, error) {
	m.listArgs = append(m.listArgs, in)
	page := 0
	if in.NextToken != nil {
		page, _ = strconv.Atoi(*in.NextToken)
	}
	out := &kinesis.ListShardsOutput{Shards: m.shards[page]}
	if page+1 < len(m.shards) {
		out.NextToken = aws.String(strconv.Itoa(page + 1))
	}
	return out, nil
}

func (m *mockKinesis) GetShardIteratorWithContext(ctx aws.Context, in *kinesis.GetShardIteratorInput, opts ...request.Option) (*kinesis.GetShardIteratorOutput, error) {
	m.iteratorArgs = append(m.iteratorArgs, in)
	idx := 0
	switch aws.StringValue(in.ShardIteratorType) {
	case string(Latest):
		idx = len(m.records)
	case string(AfterSequenceNumber):
		for i, r := range m.records {
			if aws.StringValue(r.SequenceNumber) == aws.StringValue(in.StartingSequenceNumber) {
				idx = i + 1
			}
		}
	}
	return &kinesis.GetShardIteratorOutput{ShardIterator: aws.String(strconv.Itoa(idx))}, nil
}

func (m *mockKinesis) GetRecordsWithContext(ctx aws.Context, in *kinesis.GetRecordsInput, opts ...request.Option) (*kinesis.GetRecordsOutput, error) {
	if m.throttle {
		return nil, awserr.New(kinesis.ErrCodeProvisionedThroughputExceededException, "slow down", nil)
	}
	if m.expireOnce {
		m.expireOnce = false
		return nil, awserr.New(kinesis.ErrCodeExpiredIteratorException, "expired", nil)
	}

	idx, _ := strconv.Atoi(aws.StringValue(in.ShardIterator))
	end := idx + 2
	if end > len(m.records) {
		end = len(m.records)
	}
	out := &kinesis.GetRecordsOutput{
		Records:            m.records[idx:end],
		MillisBehindLatest: aws.Int64(int64(len(m.records)-end) * 1000),
	}
	if !m.closed || end < len(m.records) {
		out.NextShardIterator = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

func kinesisRecords(seqs ...string) []*kinesis.Record {
	var out []*kinesis.Record
	for _, s := range seqs {
		out = append(out, &kinesis.Record{
			SequenceNumber: aws.String(s),
			PartitionKey:   aws.String("key"),
			Data:           []byte("data-" + s),
		})
	}
	return out
}

// aggregateRecord packs data into one KPL aggregate with sequence number seq.
func aggregateRecord(t *testing.T, seq string, data ...string) *kinesis.Record {
	aggr := &rec.AggregatedRecord{PartitionKeyTable: []string{"key"}}
	for _, d := range data {
		idx := uint64(0)
		aggr.Records = append(aggr.Records, &rec.Record{PartitionKeyIndex: &idx, Data: []byte(d)})
	}
	body, err := proto.Marshal(aggr)
	require.NoError(t, err)

	digest := md5.Sum(body)
	payload := append([]byte("\xf3\x89\x9a\xc2"), body...)
	payload = append(payload, digest[:]...)
	return &kinesis.Record{SequenceNumber: aws.String(seq), PartitionKey: aws.String("key"), Data: payload}
}

func newTestKinesisSource(svc kinesisiface.KinesisAPI) *KinesisSource {
	kclConfig := config.NewKinesisClientLibConfig("appName", "stream", "us-west-2", "worker-a")
	return NewKinesisSource(kclConfig).WithKinesis(svc)
}

func TestListPartitionsFollowsPages(t *testing.T) {
	svc := &mockKinesis{shards: [][]*kinesis.Shard{
		{{ShardId: aws.String("shard-0"), SequenceNumberRange: &kinesis.SequenceNumberRange{
			StartingSequenceNumber: aws.String("1"), EndingSequenceNumber: aws.String("50"),
		}}},
		{
			{ShardId: aws.String("shard-1"), ParentShardId: aws.String("shard-0")},
			{ShardId: aws.String("shard-2"), ParentShardId: aws.String("shard-0"), AdjacentParentShardId: aws.String("shard-9")},
		},
	}}
	source := newTestKinesisSource(svc)
	require.NoError(t, source.Init(context.Background()))

	partitions, err := source.ListPartitions(context.Background())
	require.NoError(t, err)
	require.Len(t, partitions, 3)

	assert.True(t, partitions[0].IsClosed())
	assert.Empty(t, partitions[0].ParentIDs)
	assert.Equal(t, []string{"shard-0"}, partitions[1].ParentIDs)
	assert.Equal(t, []string{"shard-0", "shard-9"}, partitions[2].ParentIDs)

	// the stream name is only sent without a token
	require.Len(t, svc.listArgs, 2)
	assert.Equal(t, "stream", aws.StringValue(svc.listArgs[0].StreamName))
	assert.Nil(t, svc.listArgs[1].StreamName)
	assert.Equal(t, "1", aws.StringValue(svc.listArgs[1].NextToken))
}

func TestKinesisReadUntilShardEnd(t *testing.T) {
	svc := &mockKinesis{records: kinesisRecords("1", "2", "3"), closed: true}
	source := newTestKinesisSource(svc)

	reader, err := source.Open(context.Background(), "shard-1", StartingPosition{Type: TrimHorizon})
	require.NoError(t, err)

	batch, err := reader.Read(context.Background(), 100)
	require.NoError(t, err)
	assert.False(t, batch.End)
	assert.Equal(t, "2", batch.LastSequenceNumber())
	assert.Equal(t, int64(1000), batch.MillisBehindLatest)

	batch, err = reader.Read(context.Background(), 100)
	require.NoError(t, err)
	assert.True(t, batch.End)
	require.Len(t, batch.Records, 1)
	assert.Equal(t, []byte("data-3"), batch.Records[0].Data)

	batch, err = reader.Read(context.Background(), 100)
	require.NoError(t, err)
	assert.True(t, batch.End)
	assert.Empty(t, batch.Records)
}

func TestKinesisOpenAfterCheckpoint(t *testing.T) {
	svc := &mockKinesis{records: kinesisRecords("1", "2", "3")}
	source := newTestKinesisSource(svc)

	reader, err := source.Open(context.Background(), "shard-1", StartingPosition{Type: AfterSequenceNumber, SequenceNumber: "2"})
	require.NoError(t, err)
	assert.Equal(t, "2", aws.StringValue(svc.iteratorArgs[0].StartingSequenceNumber))

	batch, err := reader.Read(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
	assert.Equal(t, "3", batch.Records[0].SequenceNumber)
}

func TestKinesisExpiredIteratorReopensAfterLastRecord(t *testing.T) {
	svc := &mockKinesis{records: kinesisRecords("1", "2", "3", "4")}
	source := newTestKinesisSource(svc)

	reader, err := source.Open(context.Background(), "shard-1", StartingPosition{Type: TrimHorizon})
	require.NoError(t, err)

	batch, err := reader.Read(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, "2", batch.LastSequenceNumber())

	svc.expireOnce = true
	batch, err = reader.Read(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, batch.Records, 2)
	assert.Equal(t, "3", batch.Records[0].SequenceNumber)

	last := svc.iteratorArgs[len(svc.iteratorArgs)-1]
	assert.Equal(t, string(AfterSequenceNumber), aws.StringValue(last.ShardIteratorType))
	assert.Equal(t, "2", aws.StringValue(last.StartingSequenceNumber))
}

func TestKinesisThrottlingIsRetryable(t *testing.T) {
	svc := &mockKinesis{records: kinesisRecords("1"), throttle: true}
	source := newTestKinesisSource(svc)

	reader, err := source.Open(context.Background(), "shard-1", StartingPosition{Type: Latest})
	require.NoError(t, err)

	_, err = reader.Read(context.Background(), 100)
	assert.True(t, utils.IsDependencyUnavailable(err))
	assert.Equal(t, kinesis.ErrCodeProvisionedThroughputExceededException, utils.AWSErrCode(err))
}

func TestClassifyLeavesOtherErrors(t *testing.T) {
	err := awserr.New(kinesis.ErrCodeResourceNotFoundException, "no stream", nil)
	assert.False(t, utils.IsDependencyUnavailable(classify("GetRecords", err)))
}

func TestKinesisAggregateCheckpointCoversUserRecords(t *testing.T) {
	svc := &mockKinesis{records: []*kinesis.Record{
		aggregateRecord(t, "1", "a", "b", "c"),
		kinesisRecords("2")[0],
		aggregateRecord(t, "3", "d", "e"),
	}}
	source := newTestKinesisSource(svc)

	reader, err := source.Open(context.Background(), "shard-1", StartingPosition{Type: TrimHorizon})
	require.NoError(t, err)

	batch, err := reader.Read(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, batch.Records, 4)
	for i, want := range []string{"a", "b", "c"} {
		assert.Equal(t, []byte(want), batch.Records[i].Data)
		assert.Equal(t, "1", batch.Records[i].SequenceNumber)
	}
	assert.Equal(t, "2", batch.LastSequenceNumber())

	// resuming after a checkpoint inside the batch skips the whole aggregate
	reader, err = source.Open(context.Background(), "shard-1", StartingPosition{Type: AfterSequenceNumber, SequenceNumber: "1"})
	require.NoError(t, err)
	batch, err = reader.Read(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, batch.Records, 3)
	assert.Equal(t, []byte("data-2"), batch.Records[0].Data)
	assert.Equal(t, []byte("d"), batch.Records[1].Data)
	assert.Equal(t, "3", batch.LastSequenceNumber())
}
