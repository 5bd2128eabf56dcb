package manifest

import (
	"path/filepath"
)

// Block is a unit of computation with declared inputs and outputs.
// Variants: Task, Subflow, Service, Slot, Condition.
type Block interface {
	BlockType() BlockType
	InputsDef() InputHandles
	OutputsDef() OutputHandles
	AdditionalInputs() bool
	AdditionalOutputs() bool
	PathStr() string
}

// BlockType discriminates block variants
type BlockType string

const (
	BlockTypeTask      BlockType = "task"
	BlockTypeSubflow   BlockType = "subflow"
	BlockTypeService   BlockType = "service"
	BlockTypeSlot      BlockType = "slot"
	BlockTypeCondition BlockType = "condition"
)

// TaskBlockExecutor describes how an executor process runs a task block
type TaskBlockExecutor struct {
	Name     string               `yaml:"name" json:"name"`
	Options  *TaskExecutorOptions `yaml:"options,omitempty" json:"options,omitempty"`
	StartAt   string               `yaml:"start_at,omitempty" json:"start_at,omitempty"`
	StopAt    string               `yaml:"stop_at,omitempty" json:"stop_at,omitempty"`
	KeepAlive *uint64              `yaml:"keep_alive,omitempty" json:"keep_alive,omitempty"`
}

// TaskExecutorOptions are executor-specific invocation options
type TaskExecutorOptions struct {
	Entry    string `yaml:"entry,omitempty" json:"entry,omitempty"`
	Function string `yaml:"function,omitempty" json:"function,omitempty"`
	// Spawn decides whether the executor process is dedicated to this job
	// instead of being reused across jobs.
	Spawn bool `yaml:"spawn,omitempty" json:"spawn,omitempty"`
}

// RemoteTaskExecutorName routes a task block through the remote task bridge
const RemoteTaskExecutorName = "remote_task"

// EntryBlock is the shell-style alternative to an executor descriptor
type EntryBlock struct {
	Bin  string            `yaml:"bin" json:"bin"`
	Args []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Envs map[string]string `yaml:"envs,omitempty" json:"envs,omitempty"`
	Cwd  string            `yaml:"cwd,omitempty" json:"cwd,omitempty"`
}

// TaskBlock is user code executed out of process
type TaskBlock struct {
	Description     string
	Executor        *TaskBlockExecutor
	Entry           *EntryBlock
	Inputs          InputHandles
	Outputs         OutputHandles
	AllowAddInputs  bool
	AllowAddOutputs bool
	// Remote carries the serverless coordinates of remote_task blocks;
	// RemoteTimeoutSecs overrides the bridge timeout for this block.
	Remote            *RemoteManifest
	RemoteTimeoutSecs *uint64
	Path              string
	PackagePath       string
}

func (b *TaskBlock) BlockType() BlockType      { return BlockTypeTask }
func (b *TaskBlock) InputsDef() InputHandles   { return b.Inputs }
func (b *TaskBlock) OutputsDef() OutputHandles { return b.Outputs }
func (b *TaskBlock) AdditionalInputs() bool    { return b.AllowAddInputs }
func (b *TaskBlock) AdditionalOutputs() bool   { return b.AllowAddOutputs }
func (b *TaskBlock) PathStr() string           { return b.Path }

// ExecutorName returns the executor the block runs on, empty for entry blocks
func (b *TaskBlock) ExecutorName() string {
	if b.Executor == nil {
		return ""
	}
	return b.Executor.Name
}

// IsRemote reports whether the block runs through the remote task bridge
func (b *TaskBlock) IsRemote() bool {
	return b.ExecutorName() == RemoteTaskExecutorName
}

// Dir returns the directory containing the block manifest
func (b *TaskBlock) Dir() string {
	if b.Path == "" {
		return ""
	}
	return filepath.Dir(b.Path)
}

// SubflowBlock is a block whose body is a graph of nodes
type SubflowBlock struct {
	Description string
	Nodes       map[NodeId]Node
	Inputs      InputHandles
	Outputs     OutputHandles
	// FlowInputsTos maps each flow input handle to the node inputs it feeds
	FlowInputsTos map[HandleName][]HandleTo
	// FlowOutputsFroms maps each flow output handle to its source
	FlowOutputsFroms map[HandleName][]HandleSource
	InjectionStore   *InjectionStore
	Path             string
}

func (b *SubflowBlock) BlockType() BlockType      { return BlockTypeSubflow }
func (b *SubflowBlock) InputsDef() InputHandles   { return b.Inputs }
func (b *SubflowBlock) OutputsDef() OutputHandles { return b.Outputs }
func (b *SubflowBlock) AdditionalInputs() bool    { return false }
func (b *SubflowBlock) AdditionalOutputs() bool   { return false }
func (b *SubflowBlock) PathStr() string           { return b.Path }

// QueryInputs lists, per node, the input handles that need outside values
// (no inline value and no incoming edge).
func (b *SubflowBlock) QueryInputs() map[NodeId][]*InputHandle {
	result := make(map[NodeId][]*InputHandle)
	for id, node := range b.Nodes {
		var absent []*InputHandle
		for handle, def := range node.InputsDef() {
			if len(node.From()[handle]) > 0 {
				continue
			}
			if def.HasValue() {
				continue
			}
			absent = append(absent, def)
		}
		if len(absent) > 0 {
			result[id] = absent
		}
	}
	return result
}

// ServiceBlock is a block hosted by a long-lived service executor
type ServiceBlock struct {
	Name        string
	Description string
	Executor    *TaskBlockExecutor
	Inputs      InputHandles
	Outputs     OutputHandles
	Path        string
	PackagePath string
}

func (b *ServiceBlock) BlockType() BlockType      { return BlockTypeService }
func (b *ServiceBlock) InputsDef() InputHandles   { return b.Inputs }
func (b *ServiceBlock) OutputsDef() OutputHandles { return b.Outputs }
func (b *ServiceBlock) AdditionalInputs() bool    { return false }
func (b *ServiceBlock) AdditionalOutputs() bool   { return false }
func (b *ServiceBlock) PathStr() string           { return b.Path }

func (b *ServiceBlock) Dir() string {
	if b.Path == "" {
		return ""
	}
	return filepath.Dir(b.Path)
}

// Service groups the blocks one service manifest exposes
type Service struct {
	Executor    *TaskBlockExecutor
	Blocks      map[string]*ServiceBlock
	Path        string
	PackagePath string
}

// Service lifecycle policies
const (
	StartAtBlockStart   = "block_start"
	StartAtSessionStart = "session_start"
	StartAtAppStart     = "app_start"
	StopAtBlockEnd      = "block_end"
	StopAtSessionEnd    = "session_end"
	StopAtAppEnd        = "app_end"
	StopAtNever         = "never"
)

// SlotBlock is a typed hole filled by the enclosing subflow node
type SlotBlock struct {
	Description string
	Inputs      InputHandles
	Outputs     OutputHandles
	Path        string
}

func (b *SlotBlock) BlockType() BlockType      { return BlockTypeSlot }
func (b *SlotBlock) InputsDef() InputHandles   { return b.Inputs }
func (b *SlotBlock) OutputsDef() OutputHandles { return b.Outputs }
func (b *SlotBlock) AdditionalInputs() bool    { return false }
func (b *SlotBlock) AdditionalOutputs() bool   { return false }
func (b *SlotBlock) PathStr() string           { return b.Path }

// InjectionStore records script overlays applied to package roots for
// specific flow paths.
type InjectionStore struct {
	Scripts map[string][]string `json:"scripts,omitempty"`
	Package string              `json:"package,omitempty"`
}
