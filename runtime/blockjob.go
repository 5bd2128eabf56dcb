package runtime

import (
	"context"

	"github.com/oomol/oocana/jobplane"
	"github.com/oomol/oocana/manifest"
	"github.com/oomol/oocana/resolver"
)

// RunBlockArgs are the arguments of RunBlock
type RunBlockArgs struct {
	Block      manifest.Block
	Node       manifest.Node // nil for context-issued run_block children
	Shared     *Shared
	ParentFlow *manifest.SubflowBlock
	Stacks     jobplane.BlockJobStacks
	JobID      jobplane.JobId
	Inputs     InputValues
	// BlockStatus receives the job's Output/Done/Error events
	BlockStatus    BlockStatusTx
	Nodes          map[manifest.NodeId]bool
	ParentScope    *jobplane.RuntimeScope
	Scope          *jobplane.RuntimeScope
	TimeoutSecs    uint64
	SlotBlocks     map[manifest.NodeId]*manifest.SlotProvider
	InputsDefPatch manifest.InputDefPatchMap
	PathFinder     *resolver.PathFinder
	// NodeValueStore seeds a subflow invocation; nil starts empty
	NodeValueStore *NodeInputValues
}

// RunBlock dispatches one block invocation by kind and returns the owning
// job handle. Synchronous kinds report through the status channel before
// returning; the flow loop still observes their Done in order.
func RunBlock(ctx context.Context, args RunBlockArgs) *BlockJobHandle {
	if args.Stacks.Depth() >= jobplane.MaxRecursionDepth {
		args.BlockStatus.Finish(args.JobID, nil, jobplane.RecursionLimitError(args.Stacks.Depth()))
		return syncJobHandle(args.JobID)
	}

	// a lazy subflow reference must go through the flow cache before any
	// job is emitted
	if subflowNode, ok := args.Node.(*manifest.SubflowNode); ok && subflowNode.Flow.IsLazy() {
		flow, err := args.Shared.Resolver.ReadFlowBlock(subflowNode.Flow.LazyPath, args.PathFinder)
		if err != nil {
			args.BlockStatus.Finish(args.JobID, nil, err.Error())
			return syncJobHandle(args.JobID)
		}
		subflowNode.Flow.Resolved = flow
		args.Block = flow
	}

	switch block := args.Block.(type) {
	case *manifest.TaskBlock:
		if block.IsRemote() {
			return runRemoteBlockJob(ctx, block, args)
		}
		return runTaskBlockJob(ctx, block, args)

	case *manifest.SubflowBlock:
		return runSubflowJob(ctx, block, args)

	case *manifest.ServiceBlock:
		return runServiceBlockJob(ctx, block, args)

	case *manifest.SlotBlock:
		args.BlockStatus.Finish(args.JobID, nil, "Cannot run Slot Block directly")
		return syncJobHandle(args.JobID)

	case *manifest.ConditionBlock:
		return runConditionJob(block, args)
	}

	if valueNode, ok := args.Node.(*manifest.ValueNode); ok {
		return runValueJob(valueNode, args)
	}

	args.BlockStatus.Finish(args.JobID, nil, "node has no runnable block")
	return syncJobHandle(args.JobID)
}

// syncJobHandle owns a job that already finished synchronously. The flow
// loop still observes its Done in order, because job registration happens
// before the loop consumes the next status.
func syncJobHandle(jobID jobplane.JobId) *BlockJobHandle {
	return NewBlockJobHandle(jobID, func() {})
}

// runConditionJob synchronously evaluates the condition cases against the
// current inputs and emits the matching case's handle carrying the value
// of the block's pass-through handle.
func runConditionJob(block *manifest.ConditionBlock, args RunBlockArgs) *BlockJobHandle {
	reporter := args.Shared.Reporter.Block(args.JobID, block.Path, args.Stacks)
	reporter.Started(inputValuesForReport(args.Inputs))

	inputs := make(map[manifest.HandleName]any, len(args.Inputs))
	for handle, value := range args.Inputs {
		inputs[handle] = value.Value
	}

	matched, ok, err := args.Shared.ConditionEval.Evaluate(block, inputs)
	if err != nil {
		reporter.Finished(nil, err.Error())
		args.BlockStatus.Finish(args.JobID, nil, err.Error())
		return syncJobHandle(args.JobID)
	}
	if !ok {
		reporter.Finished(nil, "")
		args.BlockStatus.Finish(args.JobID, nil, "")
		return syncJobHandle(args.JobID)
	}

	var result map[manifest.HandleName]*OutputValue
	if passHandle, found := conditionPassHandle(block); found {
		if value, has := args.Inputs[passHandle]; has {
			result = map[manifest.HandleName]*OutputValue{matched: value}
		}
	}
	reporter.Finished(outputValuesForReport(result), "")
	args.BlockStatus.Finish(args.JobID, result, "")
	return syncJobHandle(args.JobID)
}

// conditionPassHandle is the single input handle whose value the matched
// case forwards; it shares its name with the block's sole output handle.
func conditionPassHandle(block *manifest.ConditionBlock) (manifest.HandleName, bool) {
	for handle := range block.Outputs {
		return handle, true
	}
	return "", false
}

// runValueJob synchronously emits each declared literal on its handle
func runValueJob(node *manifest.ValueNode, args RunBlockArgs) *BlockJobHandle {
	reporter := args.Shared.Reporter.Block(args.JobID, "", args.Stacks)
	reporter.Started(nil)

	result := make(map[manifest.HandleName]*OutputValue, len(node.Values))
	for handle, value := range node.Values {
		result[handle] = NewOutputValue(value.Value())
	}
	reporter.Finished(outputValuesForReport(result), "")
	args.BlockStatus.Finish(args.JobID, result, "")
	return syncJobHandle(args.JobID)
}

// runSubflowJob recurses into a nested flow runtime. The child's flow
// outputs surface as this job's outputs on the parent status channel.
func runSubflowJob(ctx context.Context, block *manifest.SubflowBlock, args RunBlockArgs) *BlockJobHandle {
	// the root invocation is reported through flow events alone; subflow
	// block events exist for nested invocations
	var reporter *jobplane.SubflowReporter
	if !args.Stacks.IsRoot() {
		reporter = args.Shared.Reporter.Subflow(args.JobID, block.Path, args.Stacks)
		reporter.Started(inputValuesForReport(args.Inputs))
	}

	store := args.NodeValueStore
	if store == nil {
		store = NewNodeInputValues(CacheDir() != "")
	}

	// the proxy lets the subflow's outputs surface as reporter events on
	// their way up to the parent status channel
	proxyTx, proxyRx := NewBlockStatus()
	go func() {
		for status := range proxyRx.Chan() {
			if reporter != nil {
				switch st := status.(type) {
				case StatusOutput:
					reporter.Output(st.Value.Value, st.Handle)
				case StatusDone:
					reporter.Finished(st.Error)
				}
			}
			forwardStatus(args.BlockStatus, status)
			switch status.(type) {
			case StatusDone, StatusError:
				return
			}
		}
	}()

	handle := RunFlow(ctx, RunFlowArgs{
		FlowBlock:         block,
		Shared:            args.Shared,
		Stacks:            args.Stacks,
		FlowJobID:         args.JobID,
		Inputs:            args.Inputs,
		NodeValueStore:    store,
		ParentBlockStatus: proxyTx,
		Nodes:             args.Nodes,
		ParentScope:       args.ParentScope,
		Scope:             args.Scope,
		SlotBlocks:        args.SlotBlocks,
		PathFinder:        args.PathFinder,
	})
	if handle == nil {
		return syncJobHandle(args.JobID)
	}
	return handle
}

func forwardStatus(tx BlockStatusTx, status Status) {
	switch st := status.(type) {
	case StatusOutput:
		tx.Output(st.JobID, st.Value, st.Handle, st.Done)
	case StatusOutputMap:
		tx.OutputMap(st.JobID, st.Map, st.Done)
	case StatusDone:
		tx.Finish(st.JobID, st.Result, st.Error)
	case StatusRequest:
		tx.Request(st.Request)
	case StatusError:
		tx.Error(st.Error)
	}
}

func outputValuesForReport(values map[manifest.HandleName]*OutputValue) map[manifest.HandleName]any {
	if values == nil {
		return nil
	}
	out := make(map[manifest.HandleName]any, len(values))
	for handle, value := range values {
		out[handle] = value.Value
	}
	return out
}
