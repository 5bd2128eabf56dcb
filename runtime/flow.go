package runtime

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/oomol/oocana/jobplane"
	"github.com/oomol/oocana/manifest"
	"github.com/oomol/oocana/resolver"
)

// RunBlockNodePrefix marks jobs spawned by context run_block requests;
// their failures never abort the enclosing flow.
const RunBlockNodePrefix = "run_block::"

// RunFlowArgs are the arguments of RunFlow
type RunFlowArgs struct {
	FlowBlock         *manifest.SubflowBlock
	Shared            *Shared
	Stacks            jobplane.BlockJobStacks
	FlowJobID         jobplane.JobId
	Inputs            InputValues
	NodeValueStore    *NodeInputValues
	ParentBlockStatus BlockStatusTx
	// Nodes restricts the run to the listed targets plus their upstream
	// closure; nil runs the whole flow.
	Nodes       map[manifest.NodeId]bool
	ParentScope *jobplane.RuntimeScope
	Scope       *jobplane.RuntimeScope
	SlotBlocks  map[manifest.NodeId]*manifest.SlotProvider
	PathFinder  *resolver.PathFinder
}

type flowShared struct {
	jobID       jobplane.JobId
	flowBlock   *manifest.SubflowBlock
	shared      *Shared
	stacks      jobplane.BlockJobStacks
	scope       *jobplane.RuntimeScope
	parentScope *jobplane.RuntimeScope
	slotBlocks  map[manifest.NodeId]*manifest.SlotProvider
	pathFinder  *resolver.PathFinder
}

type blockInFlowJob struct {
	nodeID manifest.NodeId
	handle *BlockJobHandle
}

type nodeQueue struct {
	jobs    map[jobplane.JobId]bool
	pending int
}

type runFlowContext struct {
	nodeInputValues   *NodeInputValues
	parentBlockStatus BlockStatusTx
	blockStatus       BlockStatusTx
	jobs              map[jobplane.JobId]*blockInFlowJob
	nodeQueuePool     map[manifest.NodeId]*nodeQueue
}

func (ctx *runFlowContext) queueFor(nodeID manifest.NodeId) *nodeQueue {
	q := ctx.nodeQueuePool[nodeID]
	if q == nil {
		q = &nodeQueue{jobs: make(map[jobplane.JobId]bool)}
		ctx.nodeQueuePool[nodeID] = q
	}
	return q
}

func (ctx *runFlowContext) dropAllJobs() {
	for _, job := range ctx.jobs {
		job.handle.Cancel()
	}
	ctx.jobs = make(map[jobplane.JobId]*blockInFlowJob)
}

// UpstreamResult is the run-to-node partition: targets (and upstream)
// runnable now, upstream still waiting, and all reachable upstream nodes.
type UpstreamResult struct {
	RunnableNow     []string
	WaitingUpstream []string
	Upstream        []string
	NotFound        []string
}

// FindUpstream statically computes the partition for a node set, reusing
// the flow's cached input values when useCache is set.
func FindUpstream(flow *manifest.SubflowBlock, nodes map[manifest.NodeId]bool, useCache bool) UpstreamResult {
	var values *NodeInputValues
	if cachePath := FlowCachePath(flow.Path); useCache && cachePath != "" {
		values = RecoverFrom(cachePath, false)
	} else {
		values = NewNodeInputValues(false)
	}
	return findUpstreamNodes(nodes, flow, values)
}

// RunFlow starts one flow invocation. It returns nil when the flow
// completed synchronously (nothing to run); otherwise the returned handle
// owns the flow loop.
func RunFlow(ctx context.Context, args RunFlowArgs) *BlockJobHandle {
	reporter := args.Shared.Reporter.Flow(args.FlowJobID, args.FlowBlock.Path, args.Stacks)
	reporter.Started(inputValuesForReport(args.Inputs))

	warnAbsentInputs(args.FlowBlock, args.NodeValueStore, args.Shared.Log)

	statusTx, statusRx := NewBlockStatus()

	filteredNodes := cloneNodeSet(args.Nodes)

	runCtx := &runFlowContext{
		nodeInputValues:   args.NodeValueStore,
		parentBlockStatus: args.ParentBlockStatus,
		blockStatus:       statusTx,
		jobs:              make(map[jobplane.JobId]*blockInFlowJob),
		nodeQueuePool:     make(map[manifest.NodeId]*nodeQueue),
	}

	flowCtx, cancel := context.WithCancel(ctx)

	shared := &flowShared{
		jobID:       args.FlowJobID,
		flowBlock:   args.FlowBlock,
		shared:      args.Shared,
		stacks:      args.Stacks,
		scope:       args.Scope,
		parentScope: args.ParentScope,
		slotBlocks:  args.SlotBlocks,
		pathFinder:  args.PathFinder.Subflow(args.FlowBlock.Path),
	}

	if args.Nodes != nil {
		result := findUpstreamNodes(args.Nodes, args.FlowBlock, runCtx.nodeInputValues)
		reporter.WillRunNodes(result.RunnableNow, result.WaitingUpstream, nodeSetToList(args.Nodes))

		for _, id := range result.RunnableNow {
			if node, ok := args.FlowBlock.Nodes[manifest.NodeId(id)]; ok {
				runNode(flowCtx, node, shared, runCtx)
			}
		}
		for _, id := range result.Upstream {
			if filteredNodes != nil {
				filteredNodes[manifest.NodeId(id)] = true
			}
		}
	} else {
		var runnable, pending []string
		for _, node := range sortedNodes(args.FlowBlock) {
			if runCtx.nodeInputValues.IsNodeFulfilled(node) {
				runnable = append(runnable, string(node.ID()))
			} else {
				pending = append(pending, string(node.ID()))
			}
		}
		// everything not immediately runnable counts as a mid node; the
		// consumer only distinguishes start nodes from the rest
		reporter.WillRunNodes(runnable, pending, nil)

		for _, id := range runnable {
			if node, ok := args.FlowBlock.Nodes[manifest.NodeId(id)]; ok {
				runNode(flowCtx, node, shared, runCtx)
			}
		}
	}

	for handle, value := range args.Inputs {
		if tos, ok := args.FlowBlock.FlowInputsTos[handle]; ok {
			produceNewValue(flowCtx, value, tos, shared, runCtx, true, filteredNodes, reporter)
		}
	}

	if len(runCtx.jobs) == 0 {
		flowSuccess(shared, runCtx, reporter)
		cancel()
		return nil
	}

	go flowLoop(flowCtx, cancel, statusRx, shared, runCtx, filteredNodes, reporter)

	return NewBlockJobHandle(args.FlowJobID, cancel)
}

func flowLoop(ctx context.Context, cancel context.CancelFunc, statusRx BlockStatusRx, shared *flowShared, runCtx *runFlowContext, filteredNodes map[manifest.NodeId]bool, reporter *jobplane.FlowReporter) {
	defer cancel()

	for {
		var status Status
		var ok bool
		select {
		case <-ctx.Done():
			runCtx.dropAllJobs()
			return
		case status, ok = <-statusRx.Chan():
			if !ok {
				return
			}
		}

		switch st := status.(type) {
		case StatusOutput:
			if job, ok := runCtx.jobs[st.JobID]; ok {
				if node, ok := shared.flowBlock.Nodes[job.nodeID]; ok {
					if tos, ok := node.To()[st.Handle]; ok {
						produceNewValue(ctx, st.Value, tos, shared, runCtx, true, filteredNodes, reporter)
					}
				}
			}

		case StatusOutputMap:
			if job, ok := runCtx.jobs[st.JobID]; ok {
				if node, ok := shared.flowBlock.Nodes[job.nodeID]; ok {
					for handle, value := range st.Map {
						if tos, ok := node.To()[handle]; ok {
							produceNewValue(ctx, value, tos, shared, runCtx, true, filteredNodes, reporter)
						}
					}
				}
			}

		case StatusRequest:
			handleBlockRequest(ctx, st.Request, shared, runCtx)

		case StatusDone:
			runPendingNode(ctx, st.JobID, shared, runCtx)

			doneNodeID := manifest.NodeId("")
			if job, ok := runCtx.jobs[st.JobID]; ok {
				doneNodeID = job.nodeID
				if node, ok := shared.flowBlock.Nodes[job.nodeID]; ok {
					for handle, value := range st.Result {
						if tos, ok := node.To()[handle]; ok {
							produceNewValue(ctx, value, tos, shared, runCtx, true, filteredNodes, reporter)
						}
					}
				}
			}

			if st.Error != "" {
				saveFlowCacheLogged(runCtx.nodeInputValues, shared)

				isContextRunBlock := doneNodeID == "" || strings.HasPrefix(string(doneNodeID), RunBlockNodePrefix)
				if isContextRunBlock {
					// user code decides whether a run_block failure matters;
					// the flow keeps going
					removeJob(runCtx, st.JobID)
					if len(runCtx.jobs) == 0 {
						flowSuccess(shared, runCtx, reporter)
						return
					}
					continue
				}

				runCtx.dropAllJobs()

				errMsg := fmt.Sprintf("node id: %s failed:\n%s", doneNodeID, st.Error)
				reporter.Done(errMsg)
				runCtx.parentBlockStatus.Finish(shared.jobID, nil, errMsg)
				return
			}

			if doneNodeID != "" {
				propagateCompletionSignal(ctx, doneNodeID, shared, runCtx, filteredNodes, reporter)
			}

			removeJob(runCtx, st.JobID)
			if len(runCtx.jobs) == 0 {
				flowSuccess(shared, runCtx, reporter)
				return
			}

		case StatusError:
			saveFlowCacheLogged(runCtx.nodeInputValues, shared)
			runCtx.dropAllJobs()
			runCtx.parentBlockStatus.Error(st.Error)
			return
		}
	}
}

// removeJob releases a finished job: its cancel tears down the listener
// context and timeout watcher.
func removeJob(runCtx *runFlowContext, jobID jobplane.JobId) {
	if job, ok := runCtx.jobs[jobID]; ok {
		job.handle.Cancel()
		delete(runCtx.jobs, jobID)
	}
}

func flowSuccess(shared *flowShared, runCtx *runFlowContext, reporter *jobplane.FlowReporter) {
	reporter.Done("")
	runCtx.parentBlockStatus.Finish(shared.jobID, nil, "")
	saveFlowCacheLogged(runCtx.nodeInputValues, shared)
}

func saveFlowCacheLogged(values *NodeInputValues, shared *flowShared) {
	if err := SaveFlowCache(values, shared.flowBlock.Path); err != nil {
		shared.shared.Log.Warn("failed to save flow cache", "flow", shared.flowBlock.Path, "error", err)
	}
}

// runPendingNode frees the finished job's slot and fires one queued
// pending entry if the node has any.
func runPendingNode(ctx context.Context, jobID jobplane.JobId, shared *flowShared, runCtx *runFlowContext) {
	job, ok := runCtx.jobs[jobID]
	if !ok {
		return
	}
	queue := runCtx.queueFor(job.nodeID)
	delete(queue.jobs, jobID)

	node, ok := shared.flowBlock.Nodes[job.nodeID]
	if !ok {
		return
	}
	if len(queue.jobs) < node.Concurrency() && queue.pending > 0 {
		queue.pending--
		runNode(ctx, node, shared, runCtx)
	}
}

// propagateCompletionSignal buffers a completion signal for every node
// whose `after` set names the finished node, then re-checks their firing.
func propagateCompletionSignal(ctx context.Context, doneNodeID manifest.NodeId, shared *flowShared, runCtx *runFlowContext, filteredNodes map[manifest.NodeId]bool, reporter *jobplane.FlowReporter) {
	for _, node := range shared.flowBlock.Nodes {
		listed := false
		for _, afterID := range node.After() {
			if afterID == doneNodeID {
				listed = true
				break
			}
		}
		if !listed {
			continue
		}
		runCtx.nodeInputValues.InsertSignal(node.ID(), doneNodeID, 1)
		if filteredNodes != nil && !filteredNodes[node.ID()] {
			continue
		}
		if runCtx.nodeInputValues.IsNodeFulfilled(node) {
			queue := runCtx.queueFor(node.ID())
			if len(queue.jobs) < node.Concurrency() {
				runNode(ctx, node, shared, runCtx)
			}
		}
	}
}

func produceNewValue(ctx context.Context, value *OutputValue, handleTos []manifest.HandleTo, shared *flowShared, runCtx *runFlowContext, runNextNode bool, filterNodes map[manifest.NodeId]bool, reporter *jobplane.FlowReporter) {
	for _, handleTo := range handleTos {
		switch to := handleTo.(type) {
		case manifest.ToNodeInput:
			inRunNodes := filterNodes != nil && filterNodes[to.NodeID]
			shouldRunTarget := runNextNode && (filterNodes == nil || inRunNodes)

			var previousPending int
			if _, ok := shared.flowBlock.Nodes[to.NodeID]; ok {
				previousPending = runCtx.nodeInputValues.NodePendingFulfill(to.NodeID)
			}

			// the value lands in the queue even when the target is
			// filtered out of this run
			runCtx.nodeInputValues.InsertValue(to.NodeID, to.InputHandle, value)

			if !shouldRunTarget {
				continue
			}
			node, ok := shared.flowBlock.Nodes[to.NodeID]
			if !ok {
				shared.shared.Log.Warn("node not found in flow block", "node_id", to.NodeID)
				continue
			}
			if !runCtx.nodeInputValues.IsNodeFulfilled(node) {
				continue
			}
			queue := runCtx.queueFor(to.NodeID)
			if len(queue.jobs) < node.Concurrency() {
				runNode(ctx, node, shared, runCtx)
				continue
			}
			pending := runCtx.nodeInputValues.NodePendingFulfill(to.NodeID)
			if pending > previousPending {
				// this value completes another input tuple beyond what is
				// already queued, so park one pending firing
				queue.pending++
				shared.shared.Log.Info("node queue is full, adding pending job",
					"node_id", to.NodeID, "jobs", len(queue.jobs), "concurrency", node.Concurrency())
			}

		case manifest.ToFlowOutput:
			reporter.Output(value.Value, to.OutputHandle)
			runCtx.parentBlockStatus.Output(shared.jobID, value, to.OutputHandle, false)
		}
	}
}

func runNode(ctx context.Context, node manifest.Node, shared *flowShared, runCtx *runFlowContext) {
	jobID := jobplane.RandomJobId()
	runCtx.queueFor(node.ID()).jobs[jobID] = true

	block := node.Block()
	scope := node.Scope()
	if slotNode, isSlot := node.(*manifest.SlotNode); isSlot {
		if provider, ok := shared.slotBlocks[slotNode.ID()]; ok {
			block = provider.Block
			scope = provider.Scope
		}
	}

	runtimeScope := calcRuntimeScope(node, scope, shared)

	var slotBlocks map[manifest.NodeId]*manifest.SlotProvider
	if subflowNode, isSubflow := node.(*manifest.SubflowNode); isSubflow {
		slotBlocks = subflowNode.Slots
	}

	handle := RunBlock(ctx, RunBlockArgs{
		Block:          block,
		Node:           node,
		Shared:         shared.shared,
		ParentFlow:     shared.flowBlock,
		Stacks:         shared.stacks.Stack(shared.jobID, shared.flowBlock.Path, node.ID()),
		JobID:          jobID,
		Inputs:         runCtx.nodeInputValues.TakeValues(node),
		BlockStatus:    runCtx.blockStatus,
		ParentScope:    shared.scope,
		Scope:          runtimeScope,
		TimeoutSecs:    node.TimeoutSecs(),
		SlotBlocks:     slotBlocks,
		InputsDefPatch: node.InputsDefPatch(),
		PathFinder:     shared.pathFinder,
	})

	shared.shared.Log.Info("run node", "node_id", node.ID(), "job_id", jobID)

	if handle != nil {
		runCtx.jobs[jobID] = &blockInFlowJob{nodeID: node.ID(), handle: handle}
	} else {
		delete(runCtx.queueFor(node.ID()).jobs, jobID)
	}
}

// calcRuntimeScope maps a node's manifest scope onto the executor
// placement scope of this invocation.
func calcRuntimeScope(node manifest.Node, scope *manifest.RunningScope, shared *flowShared) *jobplane.RuntimeScope {
	sessionID := shared.shared.SessionID
	switch scope.Kind {
	case manifest.ScopePackage:
		return &jobplane.RuntimeScope{
			SessionID:   sessionID,
			PackageName: scope.PackageName,
			Path:        scope.PackagePath,
			NodeID:      scope.NodeID,
			IsInject:    scope.IsInject,
			EnableLayer: shared.shared.LayerEnabled,
		}
	case manifest.ScopeSlot:
		parent := shared.parentScope
		out := &jobplane.RuntimeScope{SessionID: sessionID, IsInject: scope.IsInject}
		if parent != nil {
			out.Path = parent.Path
			out.PackageName = parent.PackageName
			out.EnableLayer = parent.EnableLayer
		}
		return out
	default:
		out := &jobplane.RuntimeScope{SessionID: sessionID, NodeID: scope.NodeID, IsInject: scope.IsInject}
		if shared.scope != nil {
			out.Path = shared.scope.Path
			out.PackageName = shared.scope.PackageName
			out.EnableLayer = shared.scope.EnableLayer
		}
		return out
	}
}

// findUpstreamNodes partitions a target node set per the run-to-node
// rules. Targets already satisfied run now; their unsatisfied upstream
// waits; cached values along explicitly listed upstream paths are erased
// so the run flows through them.
func findUpstreamNodes(targets map[manifest.NodeId]bool, flow *manifest.SubflowBlock, values *NodeInputValues) UpstreamResult {
	var result UpstreamResult
	notFound := []string{}
	upstreamOutside := make(map[manifest.NodeId]bool)

	for _, nodeID := range sortedNodeIDs(targets) {
		node, ok := flow.Nodes[nodeID]
		if !ok {
			notFound = append(notFound, string(nodeID))
			continue
		}

		deps := NewRunToNode(flow, nodeID, values)

		otherTargets := make(map[manifest.NodeId]bool, len(targets))
		for id := range targets {
			if id != nodeID {
				otherTargets[id] = true
			}
		}

		wasFulfilled := values.IsNodeFulfilled(node)

		// intersection with other listed targets is judged on the static
		// graph: a cached value must not short-circuit an explicitly
		// requested upstream path
		structural := NewRunToNode(flow, nodeID, nil)
		if structural.HasDepsIn(otherTargets) {
			// another listed target feeds this one: erase its cached
			// inputs so the explicit path re-fires it
			values.RemoveInputValues(node, structural.Intersection(otherTargets))
		}

		if values.IsNodeFulfilled(node) {
			result.RunnableNow = append(result.RunnableNow, string(nodeID))
		} else if !wasFulfilled && deps.ShouldRunNodes != nil {
			for depID := range deps.ShouldRunNodes {
				if !targets[depID] {
					upstreamOutside[depID] = true
				}
			}
		}
	}

	if len(notFound) > 0 {
		sort.Strings(notFound)
		result.NotFound = notFound
	}

	for _, nodeID := range sortedNodeIDs(upstreamOutside) {
		node, ok := flow.Nodes[nodeID]
		if !ok {
			continue
		}
		result.Upstream = append(result.Upstream, string(nodeID))
		if values.IsNodeFulfilled(node) {
			result.RunnableNow = append(result.RunnableNow, string(nodeID))
		} else {
			result.WaitingUpstream = append(result.WaitingUpstream, string(nodeID))
		}
	}

	return result
}

func warnAbsentInputs(flow *manifest.SubflowBlock, values *NodeInputValues, log Logger) {
	var parts []string
	for nodeID, handles := range flow.QueryInputs() {
		node, ok := flow.Nodes[nodeID]
		if ok && values.IsNodeFulfilled(node) {
			continue
		}
		names := make([]string, 0, len(handles))
		for _, h := range handles {
			names = append(names, string(h.Handle))
		}
		sort.Strings(names)
		parts = append(parts, fmt.Sprintf("node(%s) handles: [%s]", nodeID, strings.Join(names, ", ")))
	}
	if len(parts) > 0 {
		sort.Strings(parts)
		log.Warn("these nodes won't run because some inputs are not provided: " + strings.Join(parts, ", "))
	}
}

func inputValuesForReport(inputs InputValues) map[manifest.HandleName]any {
	if inputs == nil {
		return nil
	}
	out := make(map[manifest.HandleName]any, len(inputs))
	for handle, value := range inputs {
		out[handle] = value.Value
	}
	return out
}

func cloneNodeSet(nodes map[manifest.NodeId]bool) map[manifest.NodeId]bool {
	if nodes == nil {
		return nil
	}
	clone := make(map[manifest.NodeId]bool, len(nodes))
	for id, v := range nodes {
		clone[id] = v
	}
	return clone
}

func nodeSetToList(nodes map[manifest.NodeId]bool) []string {
	out := make([]string, 0, len(nodes))
	for id := range nodes {
		out = append(out, string(id))
	}
	sort.Strings(out)
	return out
}

func sortedNodeIDs(nodes map[manifest.NodeId]bool) []manifest.NodeId {
	out := make([]manifest.NodeId, 0, len(nodes))
	for id := range nodes {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedNodes(flow *manifest.SubflowBlock) []manifest.Node {
	ids := make([]manifest.NodeId, 0, len(flow.Nodes))
	for id := range flow.Nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	nodes := make([]manifest.Node, 0, len(ids))
	for _, id := range ids {
		nodes = append(nodes, flow.Nodes[id])
	}
	return nodes
}
