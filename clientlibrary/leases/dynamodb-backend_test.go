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
package leases

import (
	"context"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolitius/kinetic/clientlibrary/utils"
)

func TestDoesTableExist(t *testing.T) {
	svc := newMockDynamoDB(true)
	backend := NewDynamoBackend(testConfig("worker-a")).WithDynamoDB(svc)
	assert.True(t, backend.doesTableExist(context.Background()))

	backend.WithDynamoDB(newMockDynamoDB(false))
	assert.False(t, backend.doesTableExist(context.Background()))
}

func TestDynamoInitCreatesTable(t *testing.T) {
	svc := newMockDynamoDB(false)
	backend := NewDynamoBackend(testConfig("worker-a")).WithDynamoDB(svc)

	require.NoError(t, backend.Init(context.Background()))
	assert.True(t, svc.tableExist)
	assert.Equal(t, int64(10), svc.readCapacity)
}

func TestDynamoBackendContract(t *testing.T) {
	svc := newMockDynamoDB(true)
	svc.pageSize = 1
	testBackendContract(t, NewDynamoBackend(testConfig("worker-a")).WithDynamoDB(svc))
}

func TestDynamoRetriesThrottling(t *testing.T) {
	svc := newMockDynamoDB(true)
	svc.throttle = 2
	backend := NewDynamoBackend(testConfig("worker-a")).WithDynamoDB(svc)

	require.NoError(t, backend.Insert(context.Background(), &Lease{PartitionID: "shard-1", Counter: 1}))
	assert.Equal(t, 3, svc.putCalls)
}

func TestDynamoThrottlingGivesUp(t *testing.T) {
	svc := newMockDynamoDB(true)
	svc.throttle = 10
	backend := NewDynamoBackend(testConfig("worker-a")).WithDynamoDB(svc)
	backend.Retries = 1

	err := backend.Insert(context.Background(), &Lease{PartitionID: "shard-1", Counter: 1})
	assert.True(t, utils.IsDependencyUnavailable(err))
	assert.Equal(t, dynamodb.ErrCodeProvisionedThroughputExceededException, utils.AWSErrCode(err))
}

func TestDynamoStoreWithStaleCounter(t *testing.T) {
	svc := newMockDynamoDB(true)
	store, _ := newTestStore(t, NewDynamoBackend(testConfig("worker-a")).WithDynamoDB(svc))
	lease := createOwned(t, store, "shard-1", "worker-a")

	renewed, err := store.Renew(context.Background(), lease, lease.Counter)
	require.NoError(t, err)

	_, err = store.Renew(context.Background(), lease, lease.Counter)
	assert.ErrorIs(t, err, ErrStaleLease)

	item := svc.items["shard-1"]
	assert.Equal(t, "worker-a", aws.StringValue(item[LeaseOwnerKey].S))
	assert.Equal(t, "3", aws.StringValue(item[LeaseCounterKey].N))
	assert.Equal(t, int64(3), renewed.Counter)
}

type mockDynamoDB struct {
	dynamodbiface.DynamoDBAPI

	mux          sync.Mutex
	tableExist   bool
	readCapacity int64
	items        map[string]map[string]*dynamodb.AttributeValue
	pageSize     int
	throttle     int
	putCalls     int
}

func newMockDynamoDB(tableExist bool) *mockDynamoDB {
	return &mockDynamoDB{
		tableExist: tableExist,
		items:      map[string]map[string]*dynamodb.AttributeValue{},
	}
}

func (m *mockDynamoDB) DescribeTableWithContext(ctx aws.Context, input *dynamodb.DescribeTableInput, opts ...request.Option) (*dynamodb.DescribeTableOutput, error) {
	if !m.tableExist {
		return &dynamodb.DescribeTableOutput{}, awserr.New(dynamodb.ErrCodeResourceNotFoundException, "doesNotExist", nil)
	}
	return &dynamodb.DescribeTableOutput{}, nil
}

func (m *mockDynamoDB) CreateTableWithContext(ctx aws.Context, input *dynamodb.CreateTableInput, opts ...request.Option) (*dynamodb.CreateTableOutput, error) {
	m.tableExist = true
	m.readCapacity = aws.Int64Value(input.ProvisionedThroughput.ReadCapacityUnits)
	return &dynamodb.CreateTableOutput{}, nil
}

func (m *mockDynamoDB) WaitUntilTableExistsWithContext(ctx aws.Context, input *dynamodb.DescribeTableInput, opts ...request.WaiterOption) error {
	return nil
}

func (m *mockDynamoDB) GetItemWithContext(ctx aws.Context, input *dynamodb.GetItemInput, opts ...request.Option) (*dynamodb.GetItemOutput, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	return &dynamodb.GetItemOutput{
		Item: m.items[aws.StringValue(input.Key[LeaseKeyKey].S)],
	}, nil
}

func (m *mockDynamoDB) PutItemWithContext(ctx aws.Context, input *dynamodb.PutItemInput, opts ...request.Option) (*dynamodb.PutItemOutput, error) {
	m.mux.Lock()
	defer m.mux.Unlock()

	m.putCalls++
	if m.throttle > 0 {
		m.throttle--
		return nil, awserr.New(dynamodb.ErrCodeProvisionedThroughputExceededException, "slow down", nil)
	}

	id := aws.StringValue(input.Item[LeaseKeyKey].S)
	if err := m.checkCondition(id, input.ConditionExpression, input.ExpressionAttributeValues); err != nil {
		return nil, err
	}
	m.items[id] = input.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockDynamoDB) DeleteItemWithContext(ctx aws.Context, input *dynamodb.DeleteItemInput, opts ...request.Option) (*dynamodb.DeleteItemOutput, error) {
	m.mux.Lock()
	defer m.mux.Unlock()

	id := aws.StringValue(input.Key[LeaseKeyKey].S)
	if err := m.checkCondition(id, input.ConditionExpression, input.ExpressionAttributeValues); err != nil {
		return nil, err
	}
	delete(m.items, id)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (m *mockDynamoDB) ScanPagesWithContext(ctx aws.Context, input *dynamodb.ScanInput, fn func(*dynamodb.ScanOutput, bool) bool, opts ...request.Option) error {
	m.mux.Lock()
	var items []map[string]*dynamodb.AttributeValue
	for _, item := range m.items {
		items = append(items, item)
	}
	m.mux.Unlock()

	size := m.pageSize
	if size <= 0 {
		size = len(items)
	}
	for start := 0; ; start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		last := end >= len(items)
		if !fn(&dynamodb.ScanOutput{Items: items[start:end]}, last) || last {
			return nil
		}
	}
}

func (m *mockDynamoDB) checkCondition(id string, condition *string, values map[string]*dynamodb.AttributeValue) error {
	item, exists := m.items[id]
	failed := false
	switch aws.StringValue(condition) {
	case conditionAbsent:
		failed = exists
	case conditionCounter:
		failed = !exists || aws.StringValue(item[LeaseCounterKey].N) != aws.StringValue(values[":counter"].N)
	}
	if failed {
		return awserr.New(dynamodb.ErrCodeConditionalCheckFailedException, "condition failed", nil)
	}
	return nil
}
