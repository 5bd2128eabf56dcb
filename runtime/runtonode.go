package runtime

import (
	"github.com/oomol/oocana/manifest"
)

// RunToNode computes the transitive upstream closure of one target node,
// stopping at nodes whose inputs are already satisfied by the current
// value store.
type RunToNode struct {
	ShouldRunNodes map[manifest.NodeId]bool
}

// NewRunToNode walks the reverse edges of toNode. values may be nil, in
// which case the walk ignores cached fulfillment.
func NewRunToNode(flow *manifest.SubflowBlock, toNode manifest.NodeId, values *NodeInputValues) *RunToNode {
	node, ok := flow.Nodes[toNode]
	if !ok {
		return &RunToNode{}
	}
	r := &RunToNode{ShouldRunNodes: make(map[manifest.NodeId]bool)}
	r.calcNodeDeps(node, flow, values)
	return r
}

// HasDepsIn reports whether any upstream node is in the given set
func (r *RunToNode) HasDepsIn(nodes map[manifest.NodeId]bool) bool {
	for id := range r.ShouldRunNodes {
		if nodes[id] {
			return true
		}
	}
	return false
}

// Intersection returns the upstream nodes also present in the given set
func (r *RunToNode) Intersection(nodes map[manifest.NodeId]bool) map[manifest.NodeId]bool {
	out := make(map[manifest.NodeId]bool)
	for id := range r.ShouldRunNodes {
		if nodes[id] {
			out[id] = true
		}
	}
	return out
}

func (r *RunToNode) calcNodeDeps(node manifest.Node, flow *manifest.SubflowBlock, values *NodeInputValues) {
	r.ShouldRunNodes[node.ID()] = true

	if values != nil && values.IsNodeFulfilled(node) {
		return
	}

	for handle, froms := range node.From() {
		// a handle that already has a value needs no upstream re-run
		if values != nil && values.NodeHasInput(node, handle) {
			continue
		}
		for _, from := range froms {
			src, isNode := from.(manifest.FromNodeOutput)
			if !isNode || r.ShouldRunNodes[src.NodeID] {
				continue
			}
			if upstream, ok := flow.Nodes[src.NodeID]; ok {
				r.calcNodeDeps(upstream, flow, values)
			}
		}
	}
}
