package runtime

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/oomol/oocana/manifest"
)

// InputValueQueue is the FIFO of values pending for one (node, handle)
type InputValueQueue []*OutputValue

// InputMap maps handle name to its pending queue
type InputMap map[manifest.HandleName]InputValueQueue

// NodeInputStore maps node id to its input map
type NodeInputStore map[manifest.NodeId]InputMap

// InputValues is one complete firing tuple
type InputValues map[manifest.HandleName]*OutputValue

// NodeInputValues collects values for each node handle before starting a
// node job. Queues grow as upstream values arrive and shrink when a job
// consumes a complete tuple. A last-value snapshot of cacheable values is
// kept for `remember` handles and for the on-disk flow cache.
type NodeInputValues struct {
	store       NodeInputStore
	signalStore map[manifest.NodeId]map[manifest.NodeId][]int
	lastValues  NodeInputStore
}

// NewNodeInputValues creates an empty store; saveCache enables the
// last-value snapshot.
func NewNodeInputValues(saveCache bool) *NodeInputValues {
	v := &NodeInputValues{
		store:       make(NodeInputStore),
		signalStore: make(map[manifest.NodeId]map[manifest.NodeId][]int),
	}
	if saveCache {
		v.lastValues = make(NodeInputStore)
	}
	return v
}

// RecoverFrom loads a previously saved snapshot into a fresh store. A
// missing or unreadable file yields an empty store.
func RecoverFrom(path string, saveCache bool) *NodeInputValues {
	v := NewNodeInputValues(saveCache)
	data, err := os.ReadFile(path)
	if err != nil {
		return v
	}
	var store NodeInputStore
	if err := json.Unmarshal(data, &store); err != nil {
		return v
	}
	v.store = store
	v.lastValues = cloneStore(store)
	return v
}

// MergeInputValues overlays a JSON NodeInputStore (the --input-values CLI
// payload) onto the live store, replacing whole node entries.
func (v *NodeInputValues) MergeInputValues(inputValues string) error {
	var merge NodeInputStore
	if err := json.Unmarshal([]byte(inputValues), &merge); err != nil {
		return fmt.Errorf("parse input values: %w", err)
	}
	for nodeID, inputMap := range merge {
		v.store[nodeID] = inputMap
	}
	return nil
}

// InsertValue appends a value to the (node, handle) queue, updating the
// last-value snapshot for cacheable values.
func (v *NodeInputValues) InsertValue(nodeID manifest.NodeId, handle manifest.HandleName, value *OutputValue) {
	inputMap := v.store[nodeID]
	if inputMap == nil {
		inputMap = make(InputMap)
		v.store[nodeID] = inputMap
	}
	inputMap[handle] = append(inputMap[handle], value)

	if !value.Cacheable || v.lastValues == nil {
		return
	}
	lastMap := v.lastValues[nodeID]
	if lastMap == nil {
		lastMap = make(InputMap)
		v.lastValues[nodeID] = lastMap
	}
	// the snapshot keeps only the most recent value per handle
	lastMap[handle] = InputValueQueue{value}
}

// InsertSignal records a completion signal from signalNodeID buffered for
// nodeID's `after` dependency.
func (v *NodeInputValues) InsertSignal(nodeID, signalNodeID manifest.NodeId, value int) {
	m := v.signalStore[nodeID]
	if m == nil {
		m = make(map[manifest.NodeId][]int)
		v.signalStore[nodeID] = m
	}
	m[signalNodeID] = append(m[signalNodeID], value)
}

// IsNodeFulfilled reports whether every declared input handle of the node
// can supply a value and every `after` dependency has a buffered signal.
func (v *NodeInputValues) IsNodeFulfilled(node manifest.Node) bool {
	for handle, def := range node.InputsDef() {
		if !node.HasFrom(handle) {
			// no incoming edge: an inline value satisfies the handle
			if def.HasValue() {
				continue
			}
			return false
		}
		if !v.queueNonEmpty(node.ID(), handle) {
			if def.Remember && v.hasLastValue(node.ID(), handle) {
				continue
			}
			return false
		}
	}

	for _, afterID := range node.After() {
		signals := v.signalStore[node.ID()]
		if len(signals[afterID]) == 0 {
			return false
		}
	}
	return true
}

// NodeHasInput reports whether one handle currently has a value available
func (v *NodeInputValues) NodeHasInput(node manifest.Node, handle manifest.HandleName) bool {
	if !node.HasFrom(handle) {
		if def, ok := node.InputsDef()[handle]; ok {
			return def.HasValue()
		}
		return false
	}
	return v.queueNonEmpty(node.ID(), handle)
}

// NodePendingFulfill returns the minimum queue depth across the handles
// that hold a queue for the node. Handles that have never received a value
// are not counted, so this equals the number of complete firing tuples
// only once every connected handle has had a value.
func (v *NodeInputValues) NodePendingFulfill(nodeID manifest.NodeId) int {
	inputMap, ok := v.store[nodeID]
	if !ok || len(inputMap) == 0 {
		return 0
	}
	count := -1
	for _, queue := range inputMap {
		if count < 0 || len(queue) < count {
			count = len(queue)
		}
	}
	if count < 0 {
		return 0
	}
	return count
}

// TakeValues pops one value from each non-remember queue. A remember queue
// keeps its last cacheable value in place; when it is empty the handle is
// supplied from the snapshot. Unconnected defaulted handles get their
// default. It also consumes one buffered signal per `after` dependency.
func (v *NodeInputValues) TakeValues(node manifest.Node) InputValues {
	values := make(InputValues)
	inputsDef := node.InputsDef()

	if inputMap, ok := v.store[node.ID()]; ok {
		for handle, queue := range inputMap {
			if len(queue) == 0 {
				continue
			}
			def := inputsDef[handle]
			if def != nil && def.Remember && queue[0].Cacheable {
				// remember handles never drain their last cacheable value;
				// secrets and other non-cacheable values are not retained
				values[handle] = queue[0]
				if len(queue) > 1 {
					inputMap[handle] = queue[1:]
				}
				continue
			}
			values[handle] = queue[0]
			inputMap[handle] = queue[1:]
		}
	}

	for handle, def := range inputsDef {
		if node.HasFrom(handle) {
			if _, got := values[handle]; !got && def.Remember {
				if last := v.lastValue(node.ID(), handle); last != nil {
					values[handle] = last
				}
			}
			continue
		}
		if def.HasValue() {
			values[handle] = NewOutputValue(def.Value.Value())
		}
	}

	if signals, ok := v.signalStore[node.ID()]; ok {
		for _, afterID := range node.After() {
			if queue := signals[afterID]; len(queue) > 0 {
				signals[afterID] = queue[1:]
			}
		}
	}

	if len(values) == 0 {
		return nil
	}
	return values
}

// RemoveInputValues clears the queues of handles fed by any of fromNodes.
// The run-to-node planner uses it to force a target's inputs to flow
// through its explicitly listed upstream.
func (v *NodeInputValues) RemoveInputValues(node manifest.Node, fromNodes map[manifest.NodeId]bool) {
	inputMap, ok := v.store[node.ID()]
	if !ok {
		return
	}
	for handle, froms := range node.From() {
		for _, from := range froms {
			src, isNode := from.(manifest.FromNodeOutput)
			if isNode && fromNodes[src.NodeID] {
				delete(inputMap, handle)
			}
		}
	}
}

// SaveLastValues serializes the cacheable snapshot to path
func (v *NodeInputValues) SaveLastValues(path string) error {
	if v.lastValues == nil {
		return nil
	}
	data, err := json.Marshal(v.lastValues)
	if err != nil {
		return fmt.Errorf("serialize input cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write input cache: %w", err)
	}
	return nil
}

func (v *NodeInputValues) queueNonEmpty(nodeID manifest.NodeId, handle manifest.HandleName) bool {
	inputMap, ok := v.store[nodeID]
	if !ok {
		return false
	}
	return len(inputMap[handle]) > 0
}

func (v *NodeInputValues) hasLastValue(nodeID manifest.NodeId, handle manifest.HandleName) bool {
	return v.lastValue(nodeID, handle) != nil
}

func (v *NodeInputValues) lastValue(nodeID manifest.NodeId, handle manifest.HandleName) *OutputValue {
	if v.lastValues == nil {
		return nil
	}
	lastMap, ok := v.lastValues[nodeID]
	if !ok {
		return nil
	}
	queue := lastMap[handle]
	if len(queue) == 0 {
		return nil
	}
	return queue[len(queue)-1]
}

func cloneStore(store NodeInputStore) NodeInputStore {
	clone := make(NodeInputStore, len(store))
	for nodeID, inputMap := range store {
		cloneMap := make(InputMap, len(inputMap))
		for handle, queue := range inputMap {
			cloneQueue := make(InputValueQueue, len(queue))
			copy(cloneQueue, queue)
			cloneMap[handle] = cloneQueue
		}
		clone[nodeID] = cloneMap
	}
	return clone
}
