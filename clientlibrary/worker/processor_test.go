package worker

import (
	"sync"

	kcl "github.com/tolitius/kinetic/clientlibrary/interfaces"
)

// recorder collects what the record processors of a worker saw.
type recorder struct {
	mux     sync.Mutex
	records map[string][]string
	events  map[string][]string
}

func newRecorder() *recorder {
	return &recorder{records: make(map[string][]string), events: make(map[string][]string)}
}

func (r *recorder) addRecords(shardID string, input *kcl.ProcessRecordsInput) {
	r.mux.Lock()
	defer r.mux.Unlock()
	for _, record := range input.Records {
		r.records[shardID] = append(r.records[shardID], string(record.Data))
	}
}

func (r *recorder) addEvent(shardID, event string) {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.events[shardID] = append(r.events[shardID], event)
}

func (r *recorder) Records(shardID string) []string {
	r.mux.Lock()
	defer r.mux.Unlock()
	return append([]string(nil), r.records[shardID]...)
}

func (r *recorder) Events(shardID string) []string {
	r.mux.Lock()
	defer r.mux.Unlock()
	return append([]string(nil), r.events[shardID]...)
}

func (r *recorder) HasEvent(shardID, event string) bool {
	for _, e := range r.Events(shardID) {
		if e == event {
			return true
		}
	}
	return false
}

// testProcessor records every callback and defers its decisions to the hooks
// of the factory that created it.
type testProcessor struct {
	factory *testProcessorFactory
	shardID string
}

type testProcessorFactory struct {
	rec *recorder

	process           func(p *testProcessor, input *kcl.ProcessRecordsInput) (kcl.ProcessingOutcome, error)
	shutdownRequested func(p *testProcessor, input *kcl.ShutdownRequestedInput)
	shardEnded        func(p *testProcessor, input *kcl.ShardEndedInput)
}

func newTestProcessorFactory() *testProcessorFactory {
	return &testProcessorFactory{rec: newRecorder()}
}

func (f *testProcessorFactory) CreateProcessor() kcl.IRecordProcessor {
	return &testProcessor{factory: f}
}

func (p *testProcessor) Initialize(input *kcl.InitializationInput) {
	p.shardID = input.ShardId
	p.factory.rec.addEvent(p.shardID, "initialize")
}

func (p *testProcessor) ProcessRecords(input *kcl.ProcessRecordsInput) (kcl.ProcessingOutcome, error) {
	if p.factory.process != nil {
		outcome, err := p.factory.process(p, input)
		if err == nil {
			p.factory.rec.addRecords(p.shardID, input)
		}
		return outcome, err
	}
	p.factory.rec.addRecords(p.shardID, input)
	return kcl.ProcessingOutcome{Checkpoint: true}, nil
}

func (p *testProcessor) LeaseLost(input *kcl.LeaseLostInput) {
	p.factory.rec.addEvent(input.ShardId, "lease-lost")
}

func (p *testProcessor) ShardEnded(input *kcl.ShardEndedInput) {
	p.factory.rec.addEvent(input.ShardId, "shard-ended")
	if p.factory.shardEnded != nil {
		p.factory.shardEnded(p, input)
		return
	}
	_ = input.Checkpointer.Checkpoint(nil)
}

func (p *testProcessor) ShutdownRequested(input *kcl.ShutdownRequestedInput) {
	p.factory.rec.addEvent(input.ShardId, "shutdown-requested")
	if p.factory.shutdownRequested != nil {
		p.factory.shutdownRequested(p, input)
		return
	}
	_ = input.Checkpointer.Checkpoint(nil)
}
