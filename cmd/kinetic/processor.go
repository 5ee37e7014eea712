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
package main

import (
	"github.com/aws/aws-sdk-go/aws"

	kcl "github.com/tolitius/kinetic/clientlibrary/interfaces"
	"github.com/tolitius/kinetic/logger"
)

type logProcessorFactory struct {
	log logger.Logger
}

func newLogProcessorFactory(log logger.Logger) kcl.IRecordProcessorFactory {
	return &logProcessorFactory{log: log}
}

func (f *logProcessorFactory) CreateProcessor() kcl.IRecordProcessor {
	return &logProcessor{log: f.log}
}

// logProcessor logs every record and checkpoints when its shard ends or the
// worker shuts down.
type logProcessor struct {
	log     logger.Logger
	shardID string
	count   int
}

func (p *logProcessor) Initialize(input *kcl.InitializationInput) {
	p.shardID = input.ShardId
	p.log = p.log.WithFields(logger.Fields{"shardID": input.ShardId})

	at := ""
	if input.ExtendedSequenceNumber != nil {
		at = aws.StringValue(input.ExtendedSequenceNumber.SequenceNumber)
	}
	p.log.Infof("Initializing @ Sequence: %s", at)
}

func (p *logProcessor) ProcessRecords(input *kcl.ProcessRecordsInput) (kcl.ProcessingOutcome, error) {
	p.log.Infof("Processing %d record(s)", len(input.Records))
	for _, r := range input.Records {
		p.log.Infof("Processing record pk: %s -- Seq: %s, --data %s", r.PartitionKey, r.SequenceNumber, r.Data)
		p.count++
	}
	return kcl.ProcessingOutcome{}, nil
}

func (p *logProcessor) LeaseLost(input *kcl.LeaseLostInput) {
	p.log.Infof("Lost lease, so terminating.")
}

func (p *logProcessor) ShardEnded(input *kcl.ShardEndedInput) {
	p.log.Infof("Reached shard end checkpointing.")
	if err := input.Checkpointer.Checkpoint(nil); err != nil {
		p.log.Errorf("Error while checkpointing at shard end. Giving up: %+v", err)
	}
}

func (p *logProcessor) ShutdownRequested(input *kcl.ShutdownRequestedInput) {
	p.log.Infof("Scheduler is shutting down, checkpointing. Processed %d record(s)", p.count)
	if err := input.Checkpointer.Checkpoint(nil); err != nil {
		p.log.Errorf("Error while checkpointing at requested shutdown. Giving up: %+v", err)
	}
}
