package jobplane

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oomol/oocana/common/pubsub"
	"github.com/oomol/oocana/manifest"
)

// Reporter event types
const (
	EventSessionStarted        = "SessionStarted"
	EventSessionFinished       = "SessionFinished"
	EventFlowStarted           = "FlowStarted"
	EventFlowFinished          = "FlowFinished"
	EventFlowNodesWillRun      = "FlowNodesWillRun"
	EventSubflowBlockStarted   = "SubflowBlockStarted"
	EventSubflowBlockFinished  = "SubflowBlockFinished"
	EventSubflowBlockOutput    = "SubflowBlockOutput"
	EventBlockStarted          = "BlockStarted"
	EventBlockFinished         = "BlockFinished"
	EventBlockOutput           = "BlockOutput"
	EventBlockOutputs          = "BlockOutputs"
	EventBlockLog              = "BlockLog"
	EventBlockError            = "BlockError"
	EventBlockProgress         = "BlockProgress"
)

// ReporterEvent is one lifecycle event serialized onto the report topic
type ReporterEvent struct {
	Type      string    `json:"type"`
	SessionID SessionId `json:"session_id"`
	Timestamp int64     `json:"create_at"`

	JobID  JobId        `json:"job_id,omitempty"`
	Path   string       `json:"path,omitempty"`
	Stacks []StackFrame `json:"stacks,omitempty"`

	Partial  bool                        `json:"partial,omitempty"`
	Error    string                      `json:"error,omitempty"`
	Inputs   map[manifest.HandleName]any `json:"inputs,omitempty"`
	Result   map[manifest.HandleName]any `json:"result,omitempty"`
	Handle   manifest.HandleName         `json:"handle,omitempty"`
	Output   any                         `json:"output,omitempty"`
	Outputs  map[manifest.HandleName]any `json:"outputs,omitempty"`
	Log      string                      `json:"log,omitempty"`
	Stdio    string                      `json:"stdio,omitempty"`
	Progress float64                     `json:"progress,omitempty"`

	// FlowNodesWillRun partitions
	StartNodes []string `json:"start_nodes,omitempty"`
	MidNodes   []string `json:"mid_nodes,omitempty"`
	EndNodes   []string `json:"end_nodes,omitempty"`
}

// EventSink receives every reporter event, additionally to the transport.
// The per-session SQLite store implements it.
type EventSink interface {
	Append(event *ReporterEvent, payload []byte) error
	Close() error
}

// ReporterTx serializes lifecycle events and dispatches them over its own
// channel so reporter back-pressure never blocks execution.
type ReporterTx struct {
	sessionID SessionId
	events    chan *ReporterEvent
	done      chan struct{}
}

// NewReporter starts the reporter dispatch loop. transport may be nil
// (events then go only to the sink); sink may be nil as well.
func NewReporter(ctx context.Context, sessionID SessionId, transport pubsub.Transport, sink EventSink, log Logger) *ReporterTx {
	r := &ReporterTx{
		sessionID: sessionID,
		events:    make(chan *ReporterEvent, 4096),
		done:      make(chan struct{}),
	}

	go func() {
		defer close(r.done)
		for event := range r.events {
			payload, err := json.Marshal(event)
			if err != nil {
				log.Error("failed to serialize reporter event", "type", event.Type, "error", err)
				continue
			}
			if transport != nil {
				if err := transport.Publish(ctx, ReportTopic(string(sessionID)), payload); err != nil {
					log.Warn("failed to publish reporter event", "type", event.Type, "error", err)
				}
			}
			if sink != nil {
				if err := sink.Append(event, payload); err != nil {
					log.Warn("failed to persist reporter event", "type", event.Type, "error", err)
				}
			}
		}
	}()

	return r
}

// Abort stops the dispatch loop after draining queued events
func (r *ReporterTx) Abort() {
	close(r.events)
	<-r.done
}

func (r *ReporterTx) send(event *ReporterEvent) {
	event.SessionID = r.sessionID
	event.Timestamp = time.Now().UnixMilli()
	select {
	case r.events <- event:
	default:
		// the reporter never blocks execution; an overflowing queue sheds
	}
}

// SessionStarted reports the start of a session
func (r *ReporterTx) SessionStarted(path string, partial bool) {
	r.send(&ReporterEvent{Type: EventSessionStarted, Path: path, Partial: partial})
}

// SessionFinished reports the end of a session with an optional error
func (r *ReporterTx) SessionFinished(path string, errMsg string) {
	r.send(&ReporterEvent{Type: EventSessionFinished, Path: path, Error: errMsg})
}

// Flow returns a flow-scoped reporter
func (r *ReporterTx) Flow(jobID JobId, path string, stacks BlockJobStacks) *FlowReporter {
	return &FlowReporter{tx: r, jobID: jobID, path: path, stacks: stacks.Frames()}
}

// Block returns a block-scoped reporter
func (r *ReporterTx) Block(jobID JobId, path string, stacks BlockJobStacks) *BlockReporter {
	return &BlockReporter{tx: r, jobID: jobID, path: path, stacks: stacks.Frames()}
}

// Subflow returns a subflow-block-scoped reporter
func (r *ReporterTx) Subflow(jobID JobId, path string, stacks BlockJobStacks) *SubflowReporter {
	return &SubflowReporter{tx: r, jobID: jobID, path: path, stacks: stacks.Frames()}
}

// FlowReporter emits flow lifecycle events
type FlowReporter struct {
	tx     *ReporterTx
	jobID  JobId
	path   string
	stacks []StackFrame
}

// Started reports the flow beginning with its inputs
func (f *FlowReporter) Started(inputs map[manifest.HandleName]any) {
	f.tx.send(&ReporterEvent{Type: EventFlowStarted, JobID: f.jobID, Path: f.path, Stacks: f.stacks, Inputs: inputs})
}

// WillRunNodes reports the start/mid/end partition of a run plan
func (f *FlowReporter) WillRunNodes(startNodes, midNodes, endNodes []string) {
	f.tx.send(&ReporterEvent{
		Type: EventFlowNodesWillRun, JobID: f.jobID, Path: f.path, Stacks: f.stacks,
		StartNodes: startNodes, MidNodes: midNodes, EndNodes: endNodes,
	})
}

// Output reports a flow output value
func (f *FlowReporter) Output(value any, handle manifest.HandleName) {
	f.tx.send(&ReporterEvent{Type: EventBlockOutput, JobID: f.jobID, Path: f.path, Stacks: f.stacks, Handle: handle, Output: value})
}

// Done reports flow completion with an optional error
func (f *FlowReporter) Done(errMsg string) {
	f.tx.send(&ReporterEvent{Type: EventFlowFinished, JobID: f.jobID, Path: f.path, Stacks: f.stacks, Error: errMsg})
}

// BlockReporter emits block lifecycle events
type BlockReporter struct {
	tx     *ReporterTx
	jobID  JobId
	path   string
	stacks []StackFrame
}

// Started reports the block job beginning with its inputs
func (b *BlockReporter) Started(inputs map[manifest.HandleName]any) {
	b.tx.send(&ReporterEvent{Type: EventBlockStarted, JobID: b.jobID, Path: b.path, Stacks: b.stacks, Inputs: inputs})
}

// Finished reports job completion
func (b *BlockReporter) Finished(result map[manifest.HandleName]any, errMsg string) {
	b.tx.send(&ReporterEvent{Type: EventBlockFinished, JobID: b.jobID, Path: b.path, Stacks: b.stacks, Result: result, Error: errMsg})
}

// Output reports one output value
func (b *BlockReporter) Output(value any, handle manifest.HandleName) {
	b.tx.send(&ReporterEvent{Type: EventBlockOutput, JobID: b.jobID, Path: b.path, Stacks: b.stacks, Handle: handle, Output: value})
}

// Outputs reports a batch of output values
func (b *BlockReporter) Outputs(outputs map[manifest.HandleName]any) {
	b.tx.send(&ReporterEvent{Type: EventBlockOutputs, JobID: b.jobID, Path: b.path, Stacks: b.stacks, Outputs: outputs})
}

// Log reports a block log line
func (b *BlockReporter) Log(line, stdio string) {
	b.tx.send(&ReporterEvent{Type: EventBlockLog, JobID: b.jobID, Path: b.path, Stacks: b.stacks, Log: line, Stdio: stdio})
}

// Error reports a non-terminal block error
func (b *BlockReporter) Error(errMsg string) {
	b.tx.send(&ReporterEvent{Type: EventBlockError, JobID: b.jobID, Path: b.path, Stacks: b.stacks, Error: errMsg})
}

// Progress reports a 0.0..1.0 progress value
func (b *BlockReporter) Progress(progress float64) {
	b.tx.send(&ReporterEvent{Type: EventBlockProgress, JobID: b.jobID, Path: b.path, Stacks: b.stacks, Progress: progress})
}

// SubflowReporter emits subflow-block lifecycle events
type SubflowReporter struct {
	tx     *ReporterTx
	jobID  JobId
	path   string
	stacks []StackFrame
}

// Started reports the subflow job beginning
func (s *SubflowReporter) Started(inputs map[manifest.HandleName]any) {
	s.tx.send(&ReporterEvent{Type: EventSubflowBlockStarted, JobID: s.jobID, Path: s.path, Stacks: s.stacks, Inputs: inputs})
}

// Output reports a subflow output value
func (s *SubflowReporter) Output(value any, handle manifest.HandleName) {
	s.tx.send(&ReporterEvent{Type: EventSubflowBlockOutput, JobID: s.jobID, Path: s.path, Stacks: s.stacks, Handle: handle, Output: value})
}

// Finished reports subflow completion
func (s *SubflowReporter) Finished(errMsg string) {
	s.tx.send(&ReporterEvent{Type: EventSubflowBlockFinished, JobID: s.jobID, Path: s.path, Stacks: s.stacks, Error: errMsg})
}
