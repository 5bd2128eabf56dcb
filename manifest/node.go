package manifest

// HandleSource is where a node input value comes from
type HandleSource interface {
	isHandleSource()
}

// FromNodeOutput wires a node input to another node's output
type FromNodeOutput struct {
	NodeID       NodeId     `json:"node_id"`
	OutputHandle HandleName `json:"output_handle"`
}

// FromFlowInput wires a node input to a flow input handle
type FromFlowInput struct {
	InputHandle HandleName `json:"input_handle"`
}

func (FromNodeOutput) isHandleSource() {}
func (FromFlowInput) isHandleSource()  {}

// HandleTo is where a node output value goes
type HandleTo interface {
	isHandleTo()
}

// ToNodeInput feeds a value into another node's input queue
type ToNodeInput struct {
	NodeID      NodeId     `json:"node_id"`
	InputHandle HandleName `json:"input_handle"`
}

// ToFlowOutput forwards a value to the enclosing flow's output handle
type ToFlowOutput struct {
	OutputHandle HandleName `json:"output_handle"`
}

func (ToNodeInput) isHandleTo()  {}
func (ToFlowOutput) isHandleTo() {}

// Node is an instance of a block placed inside a flow with wiring
type Node interface {
	ID() NodeId
	Block() Block
	InputsDef() InputHandles
	// From maps each input handle to its ordered sources
	From() map[HandleName][]HandleSource
	// To maps each output handle to its targets, derived by inverting
	// downstream From edges
	To() map[HandleName][]HandleTo
	// After lists nodes whose completion must be observed before firing
	After() []NodeId
	// HasFrom reports whether an input handle has any incoming edge
	HasFrom(handle HandleName) bool
	TimeoutSecs() uint64
	Concurrency() int
	Ignore() bool
	InputsDefPatch() InputDefPatchMap
	Scope() *RunningScope
}

// NodeCommon carries the wiring every node variant shares
type NodeCommon struct {
	NodeID        NodeId
	Inputs        InputHandles
	Froms         map[HandleName][]HandleSource
	Tos           map[HandleName][]HandleTo
	AfterNodes    []NodeId
	Timeout       uint64
	MaxConcurrent int
	ShouldIgnore  bool
	DefPatch      InputDefPatchMap
	RunScope      *RunningScope
}

func (n *NodeCommon) ID() NodeId                          { return n.NodeID }
func (n *NodeCommon) InputsDef() InputHandles             { return n.Inputs }
func (n *NodeCommon) From() map[HandleName][]HandleSource { return n.Froms }
func (n *NodeCommon) To() map[HandleName][]HandleTo       { return n.Tos }
func (n *NodeCommon) After() []NodeId                     { return n.AfterNodes }
func (n *NodeCommon) TimeoutSecs() uint64                 { return n.Timeout }
func (n *NodeCommon) Ignore() bool                        { return n.ShouldIgnore }
func (n *NodeCommon) InputsDefPatch() InputDefPatchMap    { return n.DefPatch }

func (n *NodeCommon) Concurrency() int {
	if n.MaxConcurrent <= 0 {
		return 1
	}
	return n.MaxConcurrent
}

func (n *NodeCommon) Scope() *RunningScope {
	if n.RunScope == nil {
		return GlobalScope()
	}
	return n.RunScope
}

// HasFrom reports whether an input handle has any incoming edge
func (n *NodeCommon) HasFrom(handle HandleName) bool {
	return len(n.Froms[handle]) > 0
}

// TaskNode runs a TaskBlock
type TaskNode struct {
	NodeCommon
	Task *TaskBlock
}

func (n *TaskNode) Block() Block { return n.Task }

// FlowReference points at a SubflowBlock, either resolved or by path.
// Lazy references exist only to close cycles in the static graph; they are
// swapped for resolved ones before execution.
type FlowReference struct {
	Resolved *SubflowBlock
	LazyPath string
}

// IsLazy reports whether the reference still needs resolution
func (r *FlowReference) IsLazy() bool {
	return r != nil && r.Resolved == nil
}

// SlotProvider is the concrete block (with scope) a parent supplies for a
// slot node inside a referenced subflow.
type SlotProvider struct {
	Block Block
	Scope *RunningScope
}

// SubflowNode runs a nested SubflowBlock
type SubflowNode struct {
	NodeCommon
	Flow  *FlowReference
	Slots map[NodeId]*SlotProvider
}

func (n *SubflowNode) Block() Block {
	if n.Flow == nil {
		return nil
	}
	return n.Flow.Resolved
}

// ServiceNode runs a block hosted by a service executor
type ServiceNode struct {
	NodeCommon
	Service *ServiceBlock
}

func (n *ServiceNode) Block() Block { return n.Service }

// SlotNode is a placeholder filled by the enclosing subflow node
type SlotNode struct {
	NodeCommon
	Slot *SlotBlock
}

func (n *SlotNode) Block() Block { return n.Slot }

// ConditionNode routes inputs through a ConditionBlock
type ConditionNode struct {
	NodeCommon
	Condition *ConditionBlock
}

func (n *ConditionNode) Block() Block { return n.Condition }

// ValueNode emits literal handle values and has no inputs
type ValueNode struct {
	NodeCommon
	Values map[HandleName]*ValueState
}

func (n *ValueNode) Block() Block { return nil }
