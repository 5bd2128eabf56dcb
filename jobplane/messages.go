package jobplane

import (
	"encoding/json"
	"fmt"

	"github.com/oomol/oocana/manifest"
)

// MessageType discriminates job-plane payloads; it is the `type` key of
// every JSON message on the wire.
type MessageType string

const (
	// runtime → executor
	MsgExecuteBlock        MessageType = "ExecuteBlock"
	MsgExecuteServiceBlock MessageType = "ExecuteServiceBlock"
	MsgBlockInputs         MessageType = "BlockInputs"
	MsgDropOutput          MessageType = "DropOutput"
	MsgBlockResponse       MessageType = "BlockResponse"

	// executor → runtime
	MsgExecutorReady MessageType = "ExecutorReady"
	MsgBlockReady    MessageType = "BlockReady"
	MsgBlockOutput   MessageType = "BlockOutput"
	MsgBlockOutputs  MessageType = "BlockOutputs"
	MsgBlockProgress MessageType = "BlockProgress"
	MsgBlockError    MessageType = "BlockError"
	MsgBlockLog      MessageType = "BlockLog"
	MsgBlockFinished MessageType = "BlockFinished"
	MsgBlockRequest  MessageType = "BlockRequest"
	MsgExecutorExit  MessageType = "ExecutorExit"

	// synthesized by the scheduler's timers
	MsgExecutorTimeout MessageType = "ExecutorTimeout"
	MsgListenerTimeout MessageType = "ListenerTimeout"
)

// Topic names (§ wire protocol). All session traffic from executors lands
// on the session topic; per-job inputs go to the inputs topic.
func SessionTopic(sessionID SessionId) string {
	return fmt.Sprintf("session/%s", sessionID)
}

func InputsTopic(sessionID SessionId, jobID JobId) string {
	return fmt.Sprintf("inputs/%s/%s", sessionID, jobID)
}

func ExecutorRunBlockTopic(executorName string) string {
	return fmt.Sprintf("executor/%s/run_block", executorName)
}

func ExecutorRunServiceBlockTopic(executorName string) string {
	return fmt.Sprintf("executor/%s/run_service_block", executorName)
}

func ReportTopic(suffix string) string {
	return fmt.Sprintf("report/%s", suffix)
}

// ExecuteBlockMessage asks an executor to run a task block
type ExecuteBlockMessage struct {
	Type           MessageType                 `json:"type"`
	ExecutorName   string                      `json:"executor_name"`
	SessionID      SessionId                   `json:"session_id"`
	JobID          JobId                       `json:"job_id"`
	Stacks         []StackFrame                `json:"stacks"`
	Dir            string                      `json:"dir"`
	Executor       *manifest.TaskBlockExecutor `json:"executor,omitempty"`
	Outputs        manifest.OutputHandles      `json:"outputs,omitempty"`
	Scope          *RuntimeScope               `json:"scope,omitempty"`
	InjectionStore *manifest.InjectionStore    `json:"injection,omitempty"`
	FlowPath       string                      `json:"flow,omitempty"`
	Identifier     string                      `json:"identifier,omitempty"`
}

// ExecuteServiceBlockMessage asks a service executor to run one of its blocks
type ExecuteServiceBlockMessage struct {
	Type         MessageType                 `json:"type"`
	ExecutorName string                      `json:"executor_name"`
	BlockName    string                      `json:"block_name"`
	SessionID    SessionId                   `json:"session_id"`
	JobID        JobId                       `json:"job_id"`
	Stacks       []StackFrame                `json:"stacks"`
	Dir          string                      `json:"dir"`
	Executor     *manifest.TaskBlockExecutor `json:"service_executor,omitempty"`
	Outputs      manifest.OutputHandles      `json:"outputs,omitempty"`
	Scope        *RuntimeScope               `json:"scope,omitempty"`
	FlowPath     string                      `json:"flow,omitempty"`
	Identifier   string                      `json:"identifier,omitempty"`
}

// BlockInputsMessage delivers a job its inputs after BlockReady
type BlockInputsMessage struct {
	Type           MessageType                   `json:"type"`
	SessionID      SessionId                     `json:"session_id"`
	JobID          JobId                         `json:"job_id"`
	Stacks         []StackFrame                  `json:"stacks"`
	BlockPath      string                        `json:"block_path,omitempty"`
	Inputs         map[manifest.HandleName]any   `json:"inputs,omitempty"`
	InputsDef      manifest.InputHandles         `json:"inputs_def,omitempty"`
	InputsDefPatch manifest.InputDefPatchMap     `json:"inputs_def_patch,omitempty"`
}

// DropOutputMessage tells an executor a reference-typed output it emitted
// is no longer retained.
type DropOutputMessage struct {
	Type      MessageType `json:"type"`
	SessionID SessionId   `json:"session_id"`
	JobID     JobId       `json:"job_id,omitempty"`
	Executor  string      `json:"executor"`
	Ref       any         `json:"ref,omitempty"`
}

// BlockResponseMessage completes a prior BlockRequest issued by user code
type BlockResponseMessage struct {
	Type      MessageType `json:"type"`
	SessionID SessionId   `json:"session_id"`
	JobID     JobId       `json:"job_id"`
	RequestID string      `json:"request_id"`
	Result    any         `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// BlockRequestType discriminates context-initiated RPCs
type BlockRequestType string

const (
	RequestRunBlock   BlockRequestType = "run_block"
	RequestQueryBlock BlockRequestType = "query_block"
)

// BlockRequest is a dynamic RPC issued by user code mid-execution
type BlockRequest struct {
	Type      BlockRequestType `json:"type"`
	SessionID SessionId        `json:"session_id"`
	// JobID is the requesting job; responses are addressed to it
	JobID     JobId  `json:"job_id"`
	RequestID string `json:"request_id"`
	Block     string `json:"block"`
	// RunBlock only
	Inputs              map[manifest.HandleName]any `json:"inputs,omitempty"`
	AdditionalInputsDef []*manifest.InputHandle     `json:"additional_inputs_def,omitempty"`
	Strict              bool                        `json:"strict,omitempty"`
	BlockJobID          JobId                       `json:"block_job_id,omitempty"`
}

// ReceiveMessage is the uniform parse target for everything arriving on
// the session topic plus the scheduler's synthesized timeouts. Per job,
// messages are handled strictly in arrival order.
type ReceiveMessage struct {
	Type         MessageType `json:"type"`
	SessionID    SessionId   `json:"session_id"`
	JobID        JobId       `json:"job_id,omitempty"`
	ExecutorName string      `json:"executor_name,omitempty"`
	Package      string      `json:"package,omitempty"`
	Identifier   string      `json:"identifier,omitempty"`

	Handle   manifest.HandleName         `json:"handle,omitempty"`
	Output   any                         `json:"output,omitempty"`
	Done     bool                        `json:"done,omitempty"`
	Outputs  map[manifest.HandleName]any `json:"outputs,omitempty"`
	Progress float64                     `json:"progress,omitempty"`
	Error    string                      `json:"error,omitempty"`
	Log      string                      `json:"log,omitempty"`
	Result   map[manifest.HandleName]any `json:"result,omitempty"`

	Code   int    `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`

	Request *BlockRequest `json:"request,omitempty"`
}

// ParseReceiveMessage decodes a session-topic payload, discarding
// messages for other sessions.
func ParseReceiveMessage(data []byte, sessionID SessionId) (*ReceiveMessage, error) {
	var msg ReceiveMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parse job-plane message: %w", err)
	}
	if msg.SessionID != sessionID {
		return nil, nil
	}
	return &msg, nil
}
