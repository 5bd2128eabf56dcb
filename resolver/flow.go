package resolver

import (
	"fmt"
	"path/filepath"

	"github.com/oomol/oocana/manifest"
)

// readFlow parses one flow manifest into a resolved SubflowBlock. Callers
// go through ReadFlowBlock, which handles caching and cycle closure.
func (r *BlockResolver) readFlow(flowPath string, parentFinder *PathFinder) (*manifest.SubflowBlock, error) {
	var raw manifest.FlowManifest
	if err := manifest.ReadYAMLFile(flowPath, &raw); err != nil {
		return nil, err
	}

	finder := parentFinder.Subflow(flowPath)
	flowPkg := packagePath(flowPath)

	// First pass: index node manifests, rejecting duplicates and dropping
	// ignored nodes before any edges are wired.
	nodeManifests := make(map[manifest.NodeId]*manifest.NodeManifest)
	for _, nm := range raw.Nodes {
		if nm == nil {
			continue
		}
		if nm.Ignore {
			r.log.Debug("skipping ignored node", "node_id", nm.NodeID, "flow", flowPath)
			continue
		}
		if _, dup := nodeManifests[nm.NodeID]; dup {
			return nil, &manifest.ParseError{Path: flowPath, Err: fmt.Errorf("duplicate node id %s", nm.NodeID)}
		}
		nodeManifests[nm.NodeID] = nm
	}

	conns := newConnections(nodeManifests, flowPath, r.log)
	for _, nm := range nodeManifests {
		conns.parseNodeInputs(nm)
	}
	conns.parseFlowOutputs(raw.OutputsFrom)

	flow := &manifest.SubflowBlock{
		Description:      raw.Description,
		Nodes:            make(map[manifest.NodeId]manifest.Node, len(nodeManifests)),
		Inputs:           manifest.ToInputHandles(raw.InputsDef),
		Outputs:          manifest.ToOutputHandles(raw.OutputsDef),
		FlowInputsTos:    conns.flowInputsTos,
		FlowOutputsFroms: conns.flowOutputsFroms,
		Path:             flowPath,
	}

	for id, nm := range nodeManifests {
		node, err := r.buildNode(nm, conns, finder, flowPkg)
		if err != nil {
			return nil, err
		}
		if node == nil {
			continue
		}
		flow.Nodes[id] = node
	}

	return flow, nil
}

func (r *BlockResolver) buildNode(nm *manifest.NodeManifest, conns *connections, finder *PathFinder, flowPkg string) (manifest.Node, error) {
	common := manifest.NodeCommon{
		NodeID:        nm.NodeID,
		Froms:         conns.nodeFroms[nm.NodeID],
		Tos:           conns.nodeTos[nm.NodeID],
		AfterNodes:    nm.After,
		Timeout:       nm.TimeoutSecs,
		MaxConcurrent: nm.Concurrency,
		DefPatch:      defPatch(nm.InputsFrom),
	}

	switch {
	case nm.Task != nil:
		task, err := r.ResolveTaskNodeBlock(nm.Task, finder)
		if err != nil {
			return nil, err
		}
		common.Inputs = mergeNodeInputs(&common, task.Inputs, nm.InputsFrom, task.AllowAddInputs, r, nm.NodeID)
		common.RunScope = nodeScope(task.PackagePath, flowPkg, nm.NodeID)
		return &manifest.TaskNode{NodeCommon: common, Task: task}, nil

	case nm.Subflow != "":
		subPath, err := finder.FindFlowBlockPath(nm.Subflow)
		if err != nil {
			return nil, err
		}

		node := &manifest.SubflowNode{NodeCommon: common}
		r.mu.RLock()
		inProgress := r.reading[subPath]
		r.mu.RUnlock()
		if inProgress {
			// The referenced flow is an ancestor of this parse; close the
			// cycle with a lazy reference and resolve it after the root
			// read completes.
			node.Flow = &manifest.FlowReference{LazyPath: subPath}
			r.mu.Lock()
			r.lazyNodes = append(r.lazyNodes, node)
			r.mu.Unlock()
		} else {
			sub, err := r.ReadFlowBlock(subPath, finder)
			if err != nil {
				return nil, err
			}
			node.Flow = &manifest.FlowReference{Resolved: sub}
		}

		slots, err := r.resolveSlotProviders(nm.Slots, finder, flowPkg)
		if err != nil {
			return nil, err
		}
		node.Slots = slots

		var inputsDef manifest.InputHandles
		if node.Flow.Resolved != nil {
			inputsDef = node.Flow.Resolved.Inputs
		}
		node.Inputs = mergeNodeInputs(&node.NodeCommon, inputsDef, nm.InputsFrom, node.Flow.Resolved == nil, r, nm.NodeID)
		node.RunScope = nodeScope(packagePath(subPath), flowPkg, nm.NodeID)
		return node, nil

	case nm.Service != "":
		service, err := r.ResolveServiceNodeBlock(nm.Service, finder)
		if err != nil {
			return nil, err
		}
		common.Inputs = mergeNodeInputs(&common, service.Inputs, nm.InputsFrom, false, r, nm.NodeID)
		common.RunScope = nodeScope(service.PackagePath, flowPkg, nm.NodeID)
		return &manifest.ServiceNode{NodeCommon: common, Service: service}, nil

	case nm.Slot != nil:
		slot := r.ReadSlotBlock(nm.Slot)
		common.Inputs = mergeNodeInputs(&common, slot.Inputs, nm.InputsFrom, false, r, nm.NodeID)
		common.RunScope = manifest.SlotScope(flowPkg)
		return &manifest.SlotNode{NodeCommon: common, Slot: slot}, nil

	case nm.Condition != nil:
		cond := &manifest.ConditionBlock{
			Description: nm.Condition.Description,
			Cases:       nm.Condition.Cases,
			Default:     nm.Condition.Default,
			Inputs:      manifest.ToInputHandles(nm.Condition.InputsDef),
			Outputs:     manifest.ToOutputHandles(nm.Condition.OutputsDef),
		}
		common.Inputs = mergeNodeInputs(&common, cond.Inputs, nm.InputsFrom, false, r, nm.NodeID)
		return &manifest.ConditionNode{NodeCommon: common, Condition: cond}, nil

	case len(nm.Values) > 0:
		values := make(map[manifest.HandleName]*manifest.ValueState, len(nm.Values))
		for _, v := range nm.Values {
			values[v.Handle] = v.Value
		}
		return &manifest.ValueNode{NodeCommon: common, Values: values}, nil
	}

	r.log.Warn("node has no block body", "node_id", nm.NodeID)
	return nil, nil
}

func (r *BlockResolver) resolveSlotProviders(providers []*manifest.SlotProviderManifest, finder *PathFinder, flowPkg string) (map[manifest.NodeId]*manifest.SlotProvider, error) {
	if len(providers) == 0 {
		return nil, nil
	}
	slots := make(map[manifest.NodeId]*manifest.SlotProvider, len(providers))
	for _, p := range providers {
		var block manifest.Block
		var blockPkg string
		switch {
		case p.Task != nil:
			task, err := r.ResolveTaskNodeBlock(p.Task, finder)
			if err != nil {
				return nil, err
			}
			block, blockPkg = task, task.PackagePath
		case p.Subflow != "":
			subPath, err := finder.FindFlowBlockPath(p.Subflow)
			if err != nil {
				return nil, err
			}
			sub, err := r.ReadFlowBlock(subPath, finder)
			if err != nil {
				return nil, err
			}
			block, blockPkg = sub, packagePath(subPath)
		case p.Slotflow != "":
			slotPath, err := finder.FindSlotFlowPath(p.Slotflow)
			if err != nil {
				return nil, err
			}
			sub, err := r.ReadFlowBlock(slotPath, finder)
			if err != nil {
				return nil, err
			}
			block, blockPkg = sub, packagePath(slotPath)
		default:
			r.log.Warn("slot provider has no block", "slot_node_id", p.SlotNodeID)
			continue
		}

		scope := manifest.SlotScope(flowPkg)
		if blockPkg != "" && blockPkg != flowPkg {
			id := p.SlotNodeID
			scope = manifest.PackageScope(blockPkg, filepath.Base(blockPkg), &id)
		}
		slots[p.SlotNodeID] = &manifest.SlotProvider{Block: block, Scope: scope}
	}
	return slots, nil
}

// mergeNodeInputs overlays a node's inputs_from entries onto the block's
// declared inputs. Unknown handles are kept only when the block allows
// additional inputs; otherwise they are dropped with a warning and their
// edges stripped.
func mergeNodeInputs(common *manifest.NodeCommon, blockInputs manifest.InputHandles, inputsFrom []*manifest.NodeInputFrom, allowAdditional bool, r *BlockResolver, nodeID manifest.NodeId) manifest.InputHandles {
	merged := make(manifest.InputHandles, len(blockInputs)+len(inputsFrom))
	for handle, def := range blockInputs {
		clone := *def
		merged[handle] = &clone
	}
	for _, from := range inputsFrom {
		def, declared := merged[from.Handle]
		if !declared {
			if !allowAdditional {
				if len(common.Froms[from.Handle]) > 0 || from.Value != nil {
					r.log.Warn("dropping unknown input handle",
						"node_id", nodeID, "handle", from.Handle)
				}
				if common.Froms != nil {
					delete(common.Froms, from.Handle)
				}
				continue
			}
			def = &manifest.InputHandle{Handle: from.Handle, IsAdditional: true}
			merged[from.Handle] = def
		}
		if from.Value != nil {
			def.Value = from.Value
		}
	}
	if len(merged) == 0 {
		return nil
	}
	return merged
}

func defPatch(inputsFrom []*manifest.NodeInputFrom) manifest.InputDefPatchMap {
	var patch manifest.InputDefPatchMap
	for _, from := range inputsFrom {
		if len(from.SchemaOverrides) == 0 {
			continue
		}
		if patch == nil {
			patch = make(manifest.InputDefPatchMap)
		}
		patch[from.Handle] = from.SchemaOverrides
	}
	return patch
}

func nodeScope(blockPkg, flowPkg string, nodeID manifest.NodeId) *manifest.RunningScope {
	if blockPkg == "" || blockPkg == flowPkg {
		return manifest.FlowScope(nodeID)
	}
	id := nodeID
	return manifest.PackageScope(blockPkg, filepath.Base(blockPkg), &id)
}

// connections accumulates the edge maps for one flow while its node list
// is walked. Dangling references are warned about and skipped.
type connections struct {
	nodes    map[manifest.NodeId]*manifest.NodeManifest
	flowPath string
	log      Logger

	nodeFroms map[manifest.NodeId]map[manifest.HandleName][]manifest.HandleSource
	nodeTos   map[manifest.NodeId]map[manifest.HandleName][]manifest.HandleTo

	flowInputsTos    map[manifest.HandleName][]manifest.HandleTo
	flowOutputsFroms map[manifest.HandleName][]manifest.HandleSource
}

func newConnections(nodes map[manifest.NodeId]*manifest.NodeManifest, flowPath string, log Logger) *connections {
	return &connections{
		nodes:            nodes,
		flowPath:         flowPath,
		log:              log,
		nodeFroms:        make(map[manifest.NodeId]map[manifest.HandleName][]manifest.HandleSource),
		nodeTos:          make(map[manifest.NodeId]map[manifest.HandleName][]manifest.HandleTo),
		flowInputsTos:    make(map[manifest.HandleName][]manifest.HandleTo),
		flowOutputsFroms: make(map[manifest.HandleName][]manifest.HandleSource),
	}
}

func (c *connections) parseNodeInputs(nm *manifest.NodeManifest) {
	for _, from := range nm.InputsFrom {
		for _, fn := range from.FromNode {
			if _, ok := c.nodes[fn.NodeID]; !ok {
				c.log.Warn("dangling edge references missing node",
					"flow", c.flowPath, "node_id", nm.NodeID,
					"handle", from.Handle, "from_node", fn.NodeID)
				continue
			}
			c.addNodeFrom(nm.NodeID, from.Handle, manifest.FromNodeOutput{
				NodeID: fn.NodeID, OutputHandle: fn.OutputHandle,
			})
			c.addNodeTo(fn.NodeID, fn.OutputHandle, manifest.ToNodeInput{
				NodeID: nm.NodeID, InputHandle: from.Handle,
			})
		}
		for _, ff := range from.FromFlow {
			c.addNodeFrom(nm.NodeID, from.Handle, manifest.FromFlowInput{
				InputHandle: ff.InputHandle,
			})
			c.flowInputsTos[ff.InputHandle] = append(c.flowInputsTos[ff.InputHandle], manifest.ToNodeInput{
				NodeID: nm.NodeID, InputHandle: from.Handle,
			})
		}
	}
}

func (c *connections) parseFlowOutputs(outputsFrom []*manifest.NodeInputFrom) {
	for _, from := range outputsFrom {
		for _, fn := range from.FromNode {
			if _, ok := c.nodes[fn.NodeID]; !ok {
				c.log.Warn("flow output references missing node",
					"flow", c.flowPath, "handle", from.Handle, "from_node", fn.NodeID)
				continue
			}
			c.flowOutputsFroms[from.Handle] = append(c.flowOutputsFroms[from.Handle], manifest.FromNodeOutput{
				NodeID: fn.NodeID, OutputHandle: fn.OutputHandle,
			})
			c.addNodeTo(fn.NodeID, fn.OutputHandle, manifest.ToFlowOutput{
				OutputHandle: from.Handle,
			})
		}
		for _, ff := range from.FromFlow {
			c.flowOutputsFroms[from.Handle] = append(c.flowOutputsFroms[from.Handle], manifest.FromFlowInput{
				InputHandle: ff.InputHandle,
			})
			c.flowInputsTos[ff.InputHandle] = append(c.flowInputsTos[ff.InputHandle], manifest.ToFlowOutput{
				OutputHandle: from.Handle,
			})
		}
	}
}

func (c *connections) addNodeFrom(id manifest.NodeId, handle manifest.HandleName, from manifest.HandleSource) {
	m := c.nodeFroms[id]
	if m == nil {
		m = make(map[manifest.HandleName][]manifest.HandleSource)
		c.nodeFroms[id] = m
	}
	m[handle] = append(m[handle], from)
}

func (c *connections) addNodeTo(id manifest.NodeId, handle manifest.HandleName, to manifest.HandleTo) {
	m := c.nodeTos[id]
	if m == nil {
		m = make(map[manifest.HandleName][]manifest.HandleTo)
		c.nodeTos[id] = m
	}
	m[handle] = append(m[handle], to)
}
