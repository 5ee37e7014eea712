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
package leases

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/matryer/try"

	"github.com/tolitius/kinetic/clientlibrary/config"
	"github.com/tolitius/kinetic/clientlibrary/utils"
	"github.com/tolitius/kinetic/logger"
)

const (
	LeaseKeyKey       = "ShardID"
	LeaseOwnerKey     = "AssignedTo"
	LeaseCounterKey   = "LeaseCounter"
	LeaseTimeoutKey   = "LeaseTimeout"
	SequenceNumberKey = "Checkpoint"
	ParentShardIdsKey = "ParentShardIds"

	// NumMaxRetries is the max times of retrying a throttled DynamoDB call
	NumMaxRetries = 5

	conditionCounter = LeaseCounterKey + " = :counter"
	conditionAbsent  = "attribute_not_exists(" + LeaseKeyKey + ")"
)

// leaseItem is the DynamoDB item layout of a lease.
type leaseItem struct {
	ShardID        string   `dynamodbav:"ShardID"`
	AssignedTo     string   `dynamodbav:"AssignedTo,omitempty"`
	LeaseCounter   int64    `dynamodbav:"LeaseCounter"`
	LeaseTimeout   string   `dynamodbav:"LeaseTimeout,omitempty"`
	Checkpoint     string   `dynamodbav:"Checkpoint,omitempty"`
	CheckpointedAt string   `dynamodbav:"CheckpointedAt,omitempty"`
	ParentShardIds []string `dynamodbav:"ParentShardIds,omitempty"`
}

// DynamoBackend keeps leases in a DynamoDB table, one item per partition.
type DynamoBackend struct {
	log                     logger.Logger
	TableName               string
	leaseTableReadCapacity  int64
	leaseTableWriteCapacity int64

	svc       dynamodbiface.DynamoDBAPI
	kclConfig *config.KinesisClientLibConfiguration
	Retries   int
}

func NewDynamoBackend(kclConfig *config.KinesisClientLibConfiguration) *DynamoBackend {
	return &DynamoBackend{
		log:                     kclConfig.Logger,
		TableName:               kclConfig.TableName,
		leaseTableReadCapacity:  int64(kclConfig.InitialLeaseTableReadCapacity),
		leaseTableWriteCapacity: int64(kclConfig.InitialLeaseTableWriteCapacity),
		kclConfig:               kclConfig,
		Retries:                 NumMaxRetries,
	}
}

// WithDynamoDB is used to provide DynamoDB service
func (b *DynamoBackend) WithDynamoDB(svc dynamodbiface.DynamoDBAPI) *DynamoBackend {
	b.svc = svc
	return b
}

// Init creates the DynamoDB client if none was provided and the lease table if it does not exist.
func (b *DynamoBackend) Init(ctx context.Context) error {
	if b.svc == nil {
		b.log.Infof("Creating DynamoDB session")

		s, err := session.NewSession(&aws.Config{
			Region:      aws.String(b.kclConfig.RegionName),
			Endpoint:    aws.String(b.kclConfig.DynamoDBEndpoint),
			Credentials: b.kclConfig.DynamoDBCredentials,
			Retryer: client.DefaultRetryer{
				NumMaxRetries:    b.Retries,
				MinRetryDelay:    client.DefaultRetryerMinRetryDelay,
				MinThrottleDelay: client.DefaultRetryerMinThrottleDelay,
				MaxRetryDelay:    client.DefaultRetryerMaxRetryDelay,
				MaxThrottleDelay: client.DefaultRetryerMaxRetryDelay,
			},
		})
		if err != nil {
			return utils.NewDependencyError("dynamodb", "NewSession", err)
		}
		b.svc = dynamodb.New(s)
	}

	if b.doesTableExist(ctx) {
		return nil
	}

	b.log.Infof("Creating lease table: %s", b.TableName)
	if err := b.createTable(ctx); err != nil {
		if utils.AWSErrCode(err) != dynamodb.ErrCodeResourceInUseException {
			return utils.NewDependencyError("dynamodb", "CreateTable", err)
		}
	}

	err := b.svc.WaitUntilTableExistsWithContext(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(b.TableName),
	})
	return utils.NewDependencyError("dynamodb", "WaitUntilTableExists", err)
}

func (b *DynamoBackend) Load(ctx context.Context, partitionID string) (*Lease, error) {
	var out *dynamodb.GetItemOutput
	err := b.retry(ctx, func() error {
		var err error
		out, err = b.svc.GetItemWithContext(ctx, &dynamodb.GetItemInput{
			TableName:      aws.String(b.TableName),
			ConsistentRead: aws.Bool(true),
			Key:            b.key(partitionID),
		})
		return err
	})
	if err != nil {
		return nil, utils.NewDependencyError("dynamodb", "GetItem", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, ErrLeaseNotFound
	}
	return b.unmarshal(out.Item)
}

func (b *DynamoBackend) Insert(ctx context.Context, lease *Lease) error {
	err := b.put(ctx, lease, conditionAbsent, nil)
	if utils.AWSErrCode(err) == dynamodb.ErrCodeConditionalCheckFailedException {
		return ErrLeaseExists
	}
	return err
}

func (b *DynamoBackend) Swap(ctx context.Context, next *Lease, expectedCounter int64) error {
	err := b.put(ctx, next, conditionCounter, counterValue(expectedCounter))
	if utils.AWSErrCode(err) == dynamodb.ErrCodeConditionalCheckFailedException {
		return ErrStaleLease
	}
	return err
}

func (b *DynamoBackend) Scan(ctx context.Context) ([]*Lease, error) {
	var all []*Lease
	var unmarshalErr error
	err := b.svc.ScanPagesWithContext(ctx, &dynamodb.ScanInput{
		TableName:      aws.String(b.TableName),
		ConsistentRead: aws.Bool(true),
	}, func(page *dynamodb.ScanOutput, lastPage bool) bool {
		for _, item := range page.Items {
			lease, err := b.unmarshal(item)
			if err != nil {
				unmarshalErr = err
				return false
			}
			all = append(all, lease)
		}
		return !lastPage
	})
	if err != nil {
		return nil, utils.NewDependencyError("dynamodb", "Scan", err)
	}
	if unmarshalErr != nil {
		return nil, unmarshalErr
	}
	return all, nil
}

func (b *DynamoBackend) Remove(ctx context.Context, partitionID string, expectedCounter int64) error {
	err := b.retry(ctx, func() error {
		_, err := b.svc.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
			TableName:                 aws.String(b.TableName),
			Key:                       b.key(partitionID),
			ConditionExpression:       aws.String(conditionCounter),
			ExpressionAttributeValues: counterValue(expectedCounter),
		})
		return err
	})
	if utils.AWSErrCode(err) == dynamodb.ErrCodeConditionalCheckFailedException {
		return ErrStaleLease
	}
	if err != nil {
		return utils.NewDependencyError("dynamodb", "DeleteItem", err)
	}

	b.log.Infof("Lease info for shard: %s has been removed.", partitionID)
	return nil
}

func (b *DynamoBackend) put(ctx context.Context, lease *Lease, condition string, values map[string]*dynamodb.AttributeValue) error {
	item, err := dynamodbattribute.MarshalMap(toLeaseItem(lease))
	if err != nil {
		return err
	}

	err = b.retry(ctx, func() error {
		_, err := b.svc.PutItemWithContext(ctx, &dynamodb.PutItemInput{
			TableName:                 aws.String(b.TableName),
			Item:                      item,
			ConditionExpression:       aws.String(condition),
			ExpressionAttributeValues: values,
		})
		return err
	})
	if err != nil && utils.AWSErrCode(err) != dynamodb.ErrCodeConditionalCheckFailedException {
		return utils.NewDependencyError("dynamodb", "PutItem", err)
	}
	return err
}

// retry re-runs fn on throttling and internal errors with exponential backoff.
func (b *DynamoBackend) retry(ctx context.Context, fn func() error) error {
	return try.Do(func(attempt int) (bool, error) {
		err := fn()
		switch utils.AWSErrCode(err) {
		case dynamodb.ErrCodeProvisionedThroughputExceededException,
			dynamodb.ErrCodeInternalServerError,
			dynamodb.ErrCodeRequestLimitExceeded:
			if attempt >= b.Retries {
				return false, err
			}
			// Backoff time as recommended by https://docs.aws.amazon.com/general/latest/gr/api-retries.html
			select {
			case <-ctx.Done():
				return false, err
			case <-time.After(time.Duration(math.Exp2(float64(attempt))*100) * time.Millisecond):
			}
			return true, err
		}
		return false, err
	})
}

func (b *DynamoBackend) createTable(ctx context.Context) error {
	input := &dynamodb.CreateTableInput{
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{
				AttributeName: aws.String(LeaseKeyKey),
				AttributeType: aws.String("S"),
			},
		},
		KeySchema: []*dynamodb.KeySchemaElement{
			{
				AttributeName: aws.String(LeaseKeyKey),
				KeyType:       aws.String("HASH"),
			},
		},
		ProvisionedThroughput: &dynamodb.ProvisionedThroughput{
			ReadCapacityUnits:  aws.Int64(b.leaseTableReadCapacity),
			WriteCapacityUnits: aws.Int64(b.leaseTableWriteCapacity),
		},
		TableName: aws.String(b.TableName),
	}
	_, err := b.svc.CreateTableWithContext(ctx, input)
	return err
}

func (b *DynamoBackend) doesTableExist(ctx context.Context) bool {
	_, err := b.svc.DescribeTableWithContext(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(b.TableName),
	})
	return err == nil
}

func (b *DynamoBackend) key(partitionID string) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		LeaseKeyKey: {
			S: aws.String(partitionID),
		},
	}
}

func (b *DynamoBackend) unmarshal(item map[string]*dynamodb.AttributeValue) (*Lease, error) {
	var li leaseItem
	if err := dynamodbattribute.UnmarshalMap(item, &li); err != nil {
		return nil, err
	}
	return li.toLease()
}

func counterValue(counter int64) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		":counter": {
			N: aws.String(strconv.FormatInt(counter, 10)),
		},
	}
}

func toLeaseItem(l *Lease) leaseItem {
	return leaseItem{
		ShardID:        l.PartitionID,
		AssignedTo:     l.Owner,
		LeaseCounter:   l.Counter,
		LeaseTimeout:   formatTime(l.Expiry),
		Checkpoint:     l.Checkpoint,
		CheckpointedAt: formatTime(l.CheckpointedAt),
		ParentShardIds: l.ParentIDs,
	}
}

func (li leaseItem) toLease() (*Lease, error) {
	expiry, err := parseTime(li.LeaseTimeout)
	if err != nil {
		return nil, err
	}
	checkpointedAt, err := parseTime(li.CheckpointedAt)
	if err != nil {
		return nil, err
	}
	return &Lease{
		PartitionID:    li.ShardID,
		Owner:          li.AssignedTo,
		Counter:        li.LeaseCounter,
		Expiry:         expiry,
		Checkpoint:     li.Checkpoint,
		CheckpointedAt: checkpointedAt,
		ParentIDs:      li.ParentShardIds,
	}, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
