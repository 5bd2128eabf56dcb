package runtime

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oomol/oocana/manifest"
)

func TestRunToNodeCollectsUpstreamClosure(t *testing.T) {
	flow := diamondFlow(filepath.Join(t.TempDir(), "d.oo.yaml"))

	deps := NewRunToNode(flow, "D", nil)
	assert.Equal(t, map[manifest.NodeId]bool{"A": true, "B": true, "C": true, "D": true}, deps.ShouldRunNodes)

	assert.True(t, deps.HasDepsIn(map[manifest.NodeId]bool{"B": true}))
	assert.False(t, deps.HasDepsIn(map[manifest.NodeId]bool{"zzz": true}))
	assert.Equal(t, map[manifest.NodeId]bool{"B": true},
		deps.Intersection(map[manifest.NodeId]bool{"B": true, "zzz": true}))
}

func TestRunToNodeStopsAtFulfilledNodes(t *testing.T) {
	flow := diamondFlow(filepath.Join(t.TempDir(), "d.oo.yaml"))

	values := NewNodeInputValues(false)
	values.InsertValue("D", "b", NewOutputValue(1))
	values.InsertValue("D", "c", NewOutputValue(2))

	deps := NewRunToNode(flow, "D", values)
	assert.Equal(t, map[manifest.NodeId]bool{"D": true}, deps.ShouldRunNodes,
		"a fulfilled target needs no upstream")
}

func TestRunToNodeUnknownTarget(t *testing.T) {
	flow := diamondFlow(filepath.Join(t.TempDir(), "d.oo.yaml"))
	deps := NewRunToNode(flow, "missing", nil)
	assert.Nil(t, deps.ShouldRunNodes)
}

func TestFindUpstreamDiamondPartition(t *testing.T) {
	InitCache("")
	flow := diamondFlow(filepath.Join(t.TempDir(), "d.oo.yaml"))

	result := FindUpstream(flow, map[manifest.NodeId]bool{"D": true}, false)

	// A satisfies itself through its inline seed value, so it is the
	// runnable frontier; B and C wait on A's output
	assert.Equal(t, []string{"A"}, result.RunnableNow)
	assert.ElementsMatch(t, []string{"B", "C"}, result.WaitingUpstream)
	assert.ElementsMatch(t, []string{"A", "B", "C"}, result.Upstream)
}

func TestFindUpstreamErasesCachedPathBetweenTargets(t *testing.T) {
	flow := diamondFlow(filepath.Join(t.TempDir(), "d.oo.yaml"))

	values := NewNodeInputValues(false)
	// D already holds values cached from a prior run
	values.InsertValue("D", "b", NewOutputValue(1))
	values.InsertValue("D", "c", NewOutputValue(2))

	// targeting both B and D: B feeds D, so D's cached inputs from B's
	// side are erased and the run flows through B again
	result := findUpstreamNodes(map[manifest.NodeId]bool{"B": true, "D": true}, flow, values)

	require.NotContains(t, result.RunnableNow, "D", "D must wait for the explicit upstream target")
	assert.False(t, values.IsNodeFulfilled(flow.Nodes["D"]))
}
