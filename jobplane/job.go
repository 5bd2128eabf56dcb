package jobplane

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/oomol/oocana/manifest"
)

// JobId identifies one invocation of one block; globally unique
type JobId string

// SessionId identifies one top-level flow invocation; it namespaces all
// pub/sub topics and persisted artifacts.
type SessionId string

// RandomJobId mints a fresh job id
func RandomJobId() JobId {
	return JobId(uuid.NewString())
}

// RandomSessionId mints a fresh session id
func RandomSessionId() SessionId {
	return SessionId(uuid.NewString())
}

// MaxRecursionDepth bounds subflow nesting. A stack at this depth refuses
// to grow and the offending invocation aborts.
const MaxRecursionDepth = 50

// StackFrame is one level of the flow invocation stack
type StackFrame struct {
	FlowJobID JobId           `json:"flow_job_id"`
	FlowPath  string          `json:"flow"`
	NodeID    manifest.NodeId `json:"node_id"`
}

// BlockJobStacks is the immutable invocation stack a job runs under.
// Stack derives a child; the receiver is never mutated.
type BlockJobStacks struct {
	frames []StackFrame
}

// NewBlockJobStacks returns the empty root stack
func NewBlockJobStacks() BlockJobStacks {
	return BlockJobStacks{}
}

// Stack derives a child stack with one more frame
func (s BlockJobStacks) Stack(flowJobID JobId, flowPath string, nodeID manifest.NodeId) BlockJobStacks {
	frames := make([]StackFrame, len(s.frames), len(s.frames)+1)
	copy(frames, s.frames)
	return BlockJobStacks{
		frames: append(frames, StackFrame{
			FlowJobID: flowJobID,
			FlowPath:  flowPath,
			NodeID:    nodeID,
		}),
	}
}

// Frames returns the stack frames, outermost first
func (s BlockJobStacks) Frames() []StackFrame {
	return s.frames
}

// Depth returns the number of frames
func (s BlockJobStacks) Depth() int {
	return len(s.frames)
}

// IsRoot reports whether the stack has no frames
func (s BlockJobStacks) IsRoot() bool {
	return len(s.frames) == 0
}

// ExceedsRecursionLimit reports whether one more frame would pass the limit
func (s BlockJobStacks) ExceedsRecursionLimit() bool {
	return len(s.frames) >= MaxRecursionDepth
}

// RecursionLimitError renders the canonical depth-exceeded message
func RecursionLimitError(depth int) string {
	return fmt.Sprintf("Maximum recursion depth exceeded: %d (limit: %d)", depth, MaxRecursionDepth)
}

// RuntimeScope is the execution context handed to an executor: which
// package root it runs under, whether a filesystem layer is overlaid, and
// the injection target.
type RuntimeScope struct {
	SessionID   SessionId        `json:"session_id"`
	PackageName string           `json:"package_name,omitempty"`
	DataDir     string           `json:"data_dir,omitempty"`
	PkgRoot     string           `json:"pkg_root,omitempty"`
	Path        string           `json:"path,omitempty"`
	NodeID      *manifest.NodeId `json:"node_id,omitempty"`
	IsInject    bool             `json:"is_inject,omitempty"`
	EnableLayer bool             `json:"enable_layer,omitempty"`
}

// Identifier is the short hash executors echo back in ExecutorReady
func (s *RuntimeScope) Identifier() string {
	if s == nil {
		return ""
	}
	switch {
	case s.Path != "" && s.NodeID != nil:
		return manifest.ShortHash(fmt.Sprintf("%s-%s", s.Path, *s.NodeID), 16)
	case s.Path != "":
		return manifest.ShortHash(s.Path, 16)
	case s.NodeID != nil:
		return manifest.ShortHash(fmt.Sprintf("flow-%s", *s.NodeID), 16)
	}
	return ""
}
