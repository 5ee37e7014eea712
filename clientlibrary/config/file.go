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
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tolitius/kinetic/logger"
)

// File is the YAML configuration overlay. Unset keys keep the value already
// present in the configuration it is applied to.
type File struct {
	WorkerID                 *string    `yaml:"workerID"`
	TableName                *string    `yaml:"tableName"`
	KinesisEndpoint          *string    `yaml:"kinesisEndpoint"`
	DynamoDBEndpoint         *string    `yaml:"dynamoDBEndpoint"`
	InitialPositionInStream  *string    `yaml:"initialPositionInStream"`
	InitialPositionTimestamp *time.Time `yaml:"initialPositionTimestamp"`

	FailoverTimeMillis           *int  `yaml:"failoverTimeMillis"`
	LeaseRefreshPeriodMillis     *int  `yaml:"leaseRefreshPeriodMillis"`
	LeaseTakingIntervalMillis    *int  `yaml:"leaseTakingIntervalMillis"`
	ShardSyncIntervalMillis      *int  `yaml:"shardSyncIntervalMillis"`
	MaxRecords                   *int  `yaml:"maxRecords"`
	IdleTimeBetweenReadsInMillis *int  `yaml:"idleTimeBetweenReadsInMillis"`
	TaskBackoffTimeMillis        *int  `yaml:"taskBackoffTimeMillis"`
	ShutdownGraceMillis          *int  `yaml:"shutdownGraceMillis"`
	CheckpointRetryMillis        *int  `yaml:"checkpointRetryMillis"`
	MaxLeasesForWorker           *int  `yaml:"maxLeasesForWorker"`
	MaxLeasesToTakeAtOneTime     *int  `yaml:"maxLeasesToTakeAtOneTime"`
	MaxLeasesToStealAtOneTime    *int  `yaml:"maxLeasesToStealAtOneTime"`
	EnableLeaseStealing          *bool `yaml:"enableLeaseStealing"`
	CleanupTerminatedShards      *bool `yaml:"cleanupTerminatedShards"`

	CallProcessRecordsEvenForEmptyRecordList *bool `yaml:"callProcessRecordsEvenForEmptyRecordList"`

	FailurePolicy        *string `yaml:"failurePolicy"`
	MaxProcessingRetries *int    `yaml:"maxProcessingRetries"`

	MetricsBufferTimeMillis *int `yaml:"metricsBufferTimeMillis"`
	MetricsMaxQueueSize     *int `yaml:"metricsMaxQueueSize"`

	// Logging is consumed by whoever builds the logger.
	Logging *logger.Configuration `yaml:"logging"`
}

// LoadFile reads a YAML overlay. Unknown keys are rejected.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseFile(data)
}

// ParseFile decodes a YAML overlay.
func ParseFile(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &f, nil
}

// ApplyTo overlays the values set in the file onto c.
func (f *File) ApplyTo(c *KinesisClientLibConfiguration) error {
	setString(&c.WorkerID, f.WorkerID)
	setString(&c.TableName, f.TableName)
	setString(&c.KinesisEndpoint, f.KinesisEndpoint)
	setString(&c.DynamoDBEndpoint, f.DynamoDBEndpoint)

	if f.InitialPositionInStream != nil {
		pos, err := ParseInitialPosition(*f.InitialPositionInStream)
		if err != nil {
			return err
		}
		if pos == AT_TIMESTAMP {
			if f.InitialPositionTimestamp == nil {
				return fmt.Errorf("initialPositionInStream AT_TIMESTAMP requires initialPositionTimestamp")
			}
			c.WithTimestampAtInitialPositionInStream(f.InitialPositionTimestamp)
		} else {
			c.WithInitialPositionInStream(pos)
		}
	}

	setInt(&c.FailoverTimeMillis, f.FailoverTimeMillis)
	setInt(&c.LeaseRefreshPeriodMillis, f.LeaseRefreshPeriodMillis)
	setInt(&c.LeaseTakingIntervalMillis, f.LeaseTakingIntervalMillis)
	setInt(&c.ShardSyncIntervalMillis, f.ShardSyncIntervalMillis)
	setInt(&c.MaxRecords, f.MaxRecords)
	setInt(&c.IdleTimeBetweenReadsInMillis, f.IdleTimeBetweenReadsInMillis)
	setBool(&c.CallProcessRecordsEvenForEmptyRecordList, f.CallProcessRecordsEvenForEmptyRecordList)
	setInt(&c.TaskBackoffTimeMillis, f.TaskBackoffTimeMillis)
	setInt(&c.ShutdownGraceMillis, f.ShutdownGraceMillis)
	setInt(&c.CheckpointRetryMillis, f.CheckpointRetryMillis)
	setInt(&c.MaxLeasesForWorker, f.MaxLeasesForWorker)
	setInt(&c.MaxLeasesToTakeAtOneTime, f.MaxLeasesToTakeAtOneTime)
	setInt(&c.MaxLeasesToStealAtOneTime, f.MaxLeasesToStealAtOneTime)
	setBool(&c.EnableLeaseStealing, f.EnableLeaseStealing)
	setBool(&c.CleanupTerminatedShardsBeforeExpiry, f.CleanupTerminatedShards)
	setInt(&c.MaxProcessingRetries, f.MaxProcessingRetries)
	setInt(&c.MetricsBufferTimeMillis, f.MetricsBufferTimeMillis)
	setInt(&c.MetricsMaxQueueSize, f.MetricsMaxQueueSize)

	if f.FailurePolicy != nil {
		policy, err := ParseFailurePolicy(*f.FailurePolicy)
		if err != nil {
			return err
		}
		c.FailurePolicy = policy
	}

	return c.Validate()
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
