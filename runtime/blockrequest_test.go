package runtime

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oomol/oocana/jobplane"
	"github.com/oomol/oocana/manifest"
	"github.com/oomol/oocana/resolver"
)

// requestFixture writes a package with a main task and a helper task the
// main block can invoke through run_block.
func requestFixture(t *testing.T) (string, *resolver.PathFinder) {
	t.Helper()
	pkg := filepath.Join(t.TempDir(), "pkg")
	writeTestFile(t, filepath.Join(pkg, "package.oo.yaml"), "name: pkg\nversion: 0.1.0\n")
	writeTestFile(t, filepath.Join(pkg, "tasks", "main", "task.oo.yaml"), `
executor:
  name: test
inputs_def:
  - handle: seed
outputs_def:
  - handle: result
`)
	writeTestFile(t, filepath.Join(pkg, "tasks", "helper", "task.oo.yaml"), `
executor:
  name: test
inputs_def:
  - handle: x
    json_schema:
      type: number
outputs_def:
  - handle: doubled
`)
	flowPath := filepath.Join(pkg, "subflows", "main", "subflow.oo.yaml")
	writeTestFile(t, flowPath, `
nodes:
  - node_id: main_node
    task: self::main
    inputs_from:
      - handle: seed
        value: 3
`)
	return flowPath, resolver.NewPathFinder(pkg, nil)
}

func TestRunBlockRequestRunsChildAndResponds(t *testing.T) {
	env := newTestEnv(t)
	flowPath, finder := requestFixture(t)

	flow, err := env.shared.Resolver.ReadFlowBlock(flowPath, finder)
	require.NoError(t, err)

	identifiers := []string{manifest.ShortHash("flow-main_node", 16), ""}
	startFakeExecutor(t, env, "test", identifiers,
		func(_ jobplane.JobId, inputs map[manifest.HandleName]any, worker *jobplane.Worker) (map[manifest.HandleName]any, string) {
			if x, isHelper := inputs["x"]; isHelper {
				return map[manifest.HandleName]any{"doubled": x.(float64) * 2}, ""
			}

			resp, err := worker.Request(env.ctx, &jobplane.BlockRequest{
				Type:      jobplane.RequestRunBlock,
				RequestID: "req-1",
				Block:     "self::helper",
				Inputs:    map[manifest.HandleName]any{"x": 21.0},
				Strict:    true,
			})
			if err != nil {
				return nil, err.Error()
			}
			if resp.Error != "" {
				return nil, resp.Error
			}
			result := resp.Result.(map[string]any)
			return map[manifest.HandleName]any{"result": result["doubled"]}, ""
		})

	rootTx, rootRx := NewBlockStatus()
	handle := RunFlow(env.ctx, RunFlowArgs{
		FlowBlock:         flow,
		Shared:            env.shared,
		Stacks:            jobplane.NewBlockJobStacks(),
		FlowJobID:         jobplane.RandomJobId(),
		NodeValueStore:    NewNodeInputValues(false),
		ParentBlockStatus: rootTx,
		ParentScope:       rootScope(env),
		Scope:             rootScope(env),
		PathFinder:        finder,
	})
	require.NotNil(t, handle)
	defer handle.Cancel()

	_, errMsg := collectRootStatus(t, rootRx, 30*time.Second)
	assert.Empty(t, errMsg)
}

func TestRunBlockFailureDoesNotFailFlow(t *testing.T) {
	env := newTestEnv(t)
	flowPath, finder := requestFixture(t)

	flow, err := env.shared.Resolver.ReadFlowBlock(flowPath, finder)
	require.NoError(t, err)

	var sawError string
	startFakeExecutor(t, env, "test",
		[]string{manifest.ShortHash("flow-main_node", 16)},
		func(_ jobplane.JobId, _ map[manifest.HandleName]any, worker *jobplane.Worker) (map[manifest.HandleName]any, string) {
			resp, err := worker.Request(env.ctx, &jobplane.BlockRequest{
				Type:      jobplane.RequestRunBlock,
				RequestID: "req-err",
				Block:     "self::no_such_block",
			})
			if err != nil {
				return nil, err.Error()
			}
			sawError = resp.Error
			// user code chooses to swallow the failure
			return nil, ""
		})

	rootTx, rootRx := NewBlockStatus()
	handle := RunFlow(env.ctx, RunFlowArgs{
		FlowBlock:         flow,
		Shared:            env.shared,
		Stacks:            jobplane.NewBlockJobStacks(),
		FlowJobID:         jobplane.RandomJobId(),
		NodeValueStore:    NewNodeInputValues(false),
		ParentBlockStatus: rootTx,
		ParentScope:       rootScope(env),
		Scope:             rootScope(env),
		PathFinder:        finder,
	})
	require.NotNil(t, handle)
	defer handle.Cancel()

	_, errMsg := collectRootStatus(t, rootRx, 30*time.Second)
	assert.Empty(t, errMsg, "run_block failures never fail the parent flow")
	assert.Contains(t, sawError, "no_such_block")
}

func TestStrictValidationRejectsBadInputs(t *testing.T) {
	env := newTestEnv(t)
	flowPath, finder := requestFixture(t)

	flow, err := env.shared.Resolver.ReadFlowBlock(flowPath, finder)
	require.NoError(t, err)

	var sawError string
	startFakeExecutor(t, env, "test",
		[]string{manifest.ShortHash("flow-main_node", 16)},
		func(_ jobplane.JobId, _ map[manifest.HandleName]any, worker *jobplane.Worker) (map[manifest.HandleName]any, string) {
			resp, err := worker.Request(env.ctx, &jobplane.BlockRequest{
				Type:      jobplane.RequestRunBlock,
				RequestID: "req-bad",
				Block:     "self::helper",
				Inputs:    map[manifest.HandleName]any{"x": "not a number"},
				Strict:    true,
			})
			if err != nil {
				return nil, err.Error()
			}
			sawError = resp.Error
			return nil, ""
		})

	rootTx, rootRx := NewBlockStatus()
	handle := RunFlow(env.ctx, RunFlowArgs{
		FlowBlock:         flow,
		Shared:            env.shared,
		Stacks:            jobplane.NewBlockJobStacks(),
		FlowJobID:         jobplane.RandomJobId(),
		NodeValueStore:    NewNodeInputValues(false),
		ParentBlockStatus: rootTx,
		ParentScope:       rootScope(env),
		Scope:             rootScope(env),
		PathFinder:        finder,
	})
	require.NotNil(t, handle)
	defer handle.Cancel()

	_, errMsg := collectRootStatus(t, rootRx, 30*time.Second)
	assert.Empty(t, errMsg)
	assert.Contains(t, sawError, "failed validation")
}

func TestQueryBlockReturnsMetadata(t *testing.T) {
	env := newTestEnv(t)
	flowPath, finder := requestFixture(t)

	flow, err := env.shared.Resolver.ReadFlowBlock(flowPath, finder)
	require.NoError(t, err)

	var metadata map[string]any
	startFakeExecutor(t, env, "test",
		[]string{manifest.ShortHash("flow-main_node", 16)},
		func(_ jobplane.JobId, _ map[manifest.HandleName]any, worker *jobplane.Worker) (map[manifest.HandleName]any, string) {
			resp, err := worker.Request(env.ctx, &jobplane.BlockRequest{
				Type:      jobplane.RequestQueryBlock,
				RequestID: "req-q",
				Block:     "self::helper",
			})
			if err != nil {
				return nil, err.Error()
			}
			metadata, _ = resp.Result.(map[string]any)
			return nil, ""
		})

	rootTx, rootRx := NewBlockStatus()
	handle := RunFlow(env.ctx, RunFlowArgs{
		FlowBlock:         flow,
		Shared:            env.shared,
		Stacks:            jobplane.NewBlockJobStacks(),
		FlowJobID:         jobplane.RandomJobId(),
		NodeValueStore:    NewNodeInputValues(false),
		ParentBlockStatus: rootTx,
		ParentScope:       rootScope(env),
		Scope:             rootScope(env),
		PathFinder:        finder,
	})
	require.NotNil(t, handle)
	defer handle.Cancel()

	_, errMsg := collectRootStatus(t, rootRx, 30*time.Second)
	assert.Empty(t, errMsg)
	require.NotNil(t, metadata)
	assert.Equal(t, "task", metadata["type"])
	inputsDef, _ := metadata["inputs_def"].(map[string]any)
	assert.Contains(t, inputsDef, "x")
}

func TestMergeAdditionalInputsDefCallerWins(t *testing.T) {
	static := manifest.InputHandles{
		"x": &manifest.InputHandle{Handle: "x", JSONSchema: map[string]any{"type": "number"}},
	}
	merged := mergeAdditionalInputsDef(static, []*manifest.InputHandle{
		{Handle: "x", Nullable: true},
		{Handle: "extra", IsAdditional: true},
	})

	require.Contains(t, merged, manifest.HandleName("x"))
	assert.True(t, merged["x"].Nullable, "caller override wins")
	assert.Equal(t, map[string]any{"type": "number"}, merged["x"].JSONSchema, "untouched fields survive the merge")
	require.Contains(t, merged, manifest.HandleName("extra"))
	assert.True(t, merged["extra"].IsAdditional)
}
