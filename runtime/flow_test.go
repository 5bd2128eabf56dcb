package runtime

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oomol/oocana/jobplane"
	"github.com/oomol/oocana/manifest"
	"github.com/oomol/oocana/resolver"
)

func rootScope(env *testEnv) *jobplane.RuntimeScope {
	return &jobplane.RuntimeScope{SessionID: env.sessionID}
}

func linearFlow(path string) *manifest.SubflowBlock {
	greetInputs := manifest.InputHandles{
		"name": &manifest.InputHandle{Handle: "name"},
	}
	processInputs := manifest.InputHandles{
		"text": &manifest.InputHandle{Handle: "text"},
	}

	greet := simpleTaskNode("greet", "test", greetInputs,
		map[manifest.HandleName][]manifest.HandleSource{
			"name": {manifest.FromFlowInput{InputHandle: "user_name"}},
		},
		map[manifest.HandleName][]manifest.HandleTo{
			"message": {
				manifest.ToNodeInput{NodeID: "process", InputHandle: "text"},
				manifest.ToFlowOutput{OutputHandle: "output_message"},
			},
		}, 1)

	process := simpleTaskNode("process", "test", processInputs,
		map[manifest.HandleName][]manifest.HandleSource{
			"text": {manifest.FromNodeOutput{NodeID: "greet", OutputHandle: "message"}},
		}, nil, 1)

	return &manifest.SubflowBlock{
		Path:  path,
		Nodes: map[manifest.NodeId]manifest.Node{"greet": greet, "process": process},
		Inputs: manifest.InputHandles{
			"user_name": &manifest.InputHandle{Handle: "user_name"},
		},
		Outputs: manifest.OutputHandles{
			"output_message": &manifest.OutputHandle{Handle: "output_message"},
		},
		FlowInputsTos: map[manifest.HandleName][]manifest.HandleTo{
			"user_name": {manifest.ToNodeInput{NodeID: "greet", InputHandle: "name"}},
		},
	}
}

func TestLinearTwoNodeFlow(t *testing.T) {
	env := newTestEnv(t)

	var greetCount, processCount atomic.Int32
	startFakeExecutor(t, env, "test", []string{""}, func(_ jobplane.JobId, inputs map[manifest.HandleName]any, _ *jobplane.Worker) (map[manifest.HandleName]any, string) {
		if name, ok := inputs["name"]; ok {
			greetCount.Add(1)
			return map[manifest.HandleName]any{"message": fmt.Sprintf("hello %v", name)}, ""
		}
		processCount.Add(1)
		return nil, ""
	})

	flow := linearFlow(filepath.Join(t.TempDir(), "flow.oo.yaml"))
	rootTx, rootRx := NewBlockStatus()

	handle := RunFlow(env.ctx, RunFlowArgs{
		FlowBlock:         flow,
		Shared:            env.shared,
		Stacks:            jobplane.NewBlockJobStacks(),
		FlowJobID:         jobplane.RandomJobId(),
		Inputs:            InputValues{"user_name": NewOutputValue("A")},
		NodeValueStore:    NewNodeInputValues(false),
		ParentBlockStatus: rootTx,
		ParentScope:       rootScope(env),
		Scope:             rootScope(env),
		PathFinder:        resolver.NewPathFinder(t.TempDir(), nil),
	})
	require.NotNil(t, handle)
	defer handle.Cancel()

	outputs, errMsg := collectRootStatus(t, rootRx, 15*time.Second)
	assert.Empty(t, errMsg)
	assert.Equal(t, []any{"hello A"}, outputs["output_message"])
	assert.EqualValues(t, 1, greetCount.Load())
	assert.EqualValues(t, 1, processCount.Load())
}

func TestConcurrencyCap(t *testing.T) {
	env := newTestEnv(t)

	var running, maxRunning, firings atomic.Int32
	startFakeExecutor(t, env, "test", []string{""}, func(_ jobplane.JobId, inputs map[manifest.HandleName]any, worker *jobplane.Worker) (map[manifest.HandleName]any, string) {
		if _, isSource := inputs["seed"]; isSource {
			for i := 0; i < 5; i++ {
				worker.Output(env.ctx, "out", i, false)
			}
			return nil, ""
		}

		now := running.Add(1)
		for {
			max := maxRunning.Load()
			if now <= max || maxRunning.CompareAndSwap(max, now) {
				break
			}
		}
		time.Sleep(150 * time.Millisecond)
		running.Add(-1)
		firings.Add(1)
		return nil, ""
	})

	src := simpleTaskNode("src", "test",
		manifest.InputHandles{"seed": &manifest.InputHandle{Handle: "seed", Value: manifest.SomeValue(1)}},
		nil,
		map[manifest.HandleName][]manifest.HandleTo{
			"out": {manifest.ToNodeInput{NodeID: "worker", InputHandle: "in"}},
		}, 1)

	worker := simpleTaskNode("worker", "test",
		manifest.InputHandles{"in": &manifest.InputHandle{Handle: "in"}},
		map[manifest.HandleName][]manifest.HandleSource{
			"in": {manifest.FromNodeOutput{NodeID: "src", OutputHandle: "out"}},
		}, nil, 2)

	flow := &manifest.SubflowBlock{
		Path:  filepath.Join(t.TempDir(), "burst.oo.yaml"),
		Nodes: map[manifest.NodeId]manifest.Node{"src": src, "worker": worker},
	}

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
		PathFinder:        resolver.NewPathFinder(t.TempDir(), nil),
	})
	require.NotNil(t, handle)
	defer handle.Cancel()

	_, errMsg := collectRootStatus(t, rootRx, 30*time.Second)
	assert.Empty(t, errMsg)
	assert.EqualValues(t, 5, firings.Load(), "every queued tuple fires exactly once")
	assert.LessOrEqual(t, maxRunning.Load(), int32(2), "concurrency cap respected")
}

func TestConditionRouting(t *testing.T) {
	env := newTestEnv(t)

	var mu sync.Mutex
	fired := map[string]int{}
	startFakeExecutor(t, env, "test", []string{""}, func(_ jobplane.JobId, inputs map[manifest.HandleName]any, _ *jobplane.Worker) (map[manifest.HandleName]any, string) {
		mu.Lock()
		defer mu.Unlock()
		for handle := range inputs {
			fired[string(handle)]++
		}
		return nil, ""
	})

	condBlock := &manifest.ConditionBlock{
		Cases: []*manifest.ConditionCase{
			{Handle: "big", Expressions: []*manifest.ConditionExpression{
				{InputHandle: "value", Operator: manifest.OpGreaterThan, Value: 10},
			}},
		},
		Default: &manifest.ConditionDefault{Handle: "small"},
		Inputs:  manifest.InputHandles{"value": &manifest.InputHandle{Handle: "value"}},
		Outputs: manifest.OutputHandles{"value": &manifest.OutputHandle{Handle: "value"}},
	}
	cond := &manifest.ConditionNode{
		NodeCommon: manifest.NodeCommon{
			NodeID: "route",
			Inputs: condBlock.Inputs,
			Froms: map[manifest.HandleName][]manifest.HandleSource{
				"value": {manifest.FromFlowInput{InputHandle: "x"}},
			},
			Tos: map[manifest.HandleName][]manifest.HandleTo{
				"big":   {manifest.ToNodeInput{NodeID: "big_node", InputHandle: "big_in"}},
				"small": {manifest.ToNodeInput{NodeID: "small_node", InputHandle: "small_in"}},
			},
		},
		Condition: condBlock,
	}

	bigNode := simpleTaskNode("big_node", "test",
		manifest.InputHandles{"big_in": &manifest.InputHandle{Handle: "big_in"}},
		map[manifest.HandleName][]manifest.HandleSource{
			"big_in": {manifest.FromNodeOutput{NodeID: "route", OutputHandle: "big"}},
		}, nil, 1)
	smallNode := simpleTaskNode("small_node", "test",
		manifest.InputHandles{"small_in": &manifest.InputHandle{Handle: "small_in"}},
		map[manifest.HandleName][]manifest.HandleSource{
			"small_in": {manifest.FromNodeOutput{NodeID: "route", OutputHandle: "small"}},
		}, nil, 1)

	flow := &manifest.SubflowBlock{
		Path: filepath.Join(t.TempDir(), "cond.oo.yaml"),
		Nodes: map[manifest.NodeId]manifest.Node{
			"route": cond, "big_node": bigNode, "small_node": smallNode,
		},
		Inputs: manifest.InputHandles{"x": &manifest.InputHandle{Handle: "x"}},
		FlowInputsTos: map[manifest.HandleName][]manifest.HandleTo{
			"x": {manifest.ToNodeInput{NodeID: "route", InputHandle: "value"}},
		},
	}

	rootTx, rootRx := NewBlockStatus()
	handle := RunFlow(env.ctx, RunFlowArgs{
		FlowBlock:         flow,
		Shared:            env.shared,
		Stacks:            jobplane.NewBlockJobStacks(),
		FlowJobID:         jobplane.RandomJobId(),
		Inputs:            InputValues{"x": NewOutputValue(20)},
		NodeValueStore:    NewNodeInputValues(false),
		ParentBlockStatus: rootTx,
		ParentScope:       rootScope(env),
		Scope:             rootScope(env),
		PathFinder:        resolver.NewPathFinder(t.TempDir(), nil),
	})
	require.NotNil(t, handle)
	defer handle.Cancel()

	_, errMsg := collectRootStatus(t, rootRx, 15*time.Second)
	assert.Empty(t, errMsg)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, fired["big_in"], "matching case fires its target")
	assert.Zero(t, fired["small_in"], "non-matching branch stays quiet")
}

func TestValueNodeEmitsLiterals(t *testing.T) {
	env := newTestEnv(t)

	value := &manifest.ValueNode{
		NodeCommon: manifest.NodeCommon{
			NodeID: "literals",
			Tos: map[manifest.HandleName][]manifest.HandleTo{
				"greeting": {manifest.ToFlowOutput{OutputHandle: "greeting"}},
			},
		},
		Values: map[manifest.HandleName]*manifest.ValueState{
			"greeting": manifest.SomeValue("hi"),
		},
	}

	flow := &manifest.SubflowBlock{
		Path:  filepath.Join(t.TempDir(), "values.oo.yaml"),
		Nodes: map[manifest.NodeId]manifest.Node{"literals": value},
	}

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
		PathFinder:        resolver.NewPathFinder(t.TempDir(), nil),
	})
	require.NotNil(t, handle)
	defer handle.Cancel()

	outputs, errMsg := collectRootStatus(t, rootRx, 10*time.Second)
	assert.Empty(t, errMsg)
	assert.Equal(t, []any{"hi"}, outputs["greeting"])
}

func diamondFlow(path string) *manifest.SubflowBlock {
	a := simpleTaskNode("A", "test",
		manifest.InputHandles{"seed": &manifest.InputHandle{Handle: "seed", Value: manifest.SomeValue("s")}},
		nil,
		map[manifest.HandleName][]manifest.HandleTo{
			"out": {
				manifest.ToNodeInput{NodeID: "B", InputHandle: "in"},
				manifest.ToNodeInput{NodeID: "C", InputHandle: "in"},
			},
		}, 1)
	b := simpleTaskNode("B", "test",
		manifest.InputHandles{"in": &manifest.InputHandle{Handle: "in"}},
		map[manifest.HandleName][]manifest.HandleSource{
			"in": {manifest.FromNodeOutput{NodeID: "A", OutputHandle: "out"}},
		},
		map[manifest.HandleName][]manifest.HandleTo{
			"out": {manifest.ToNodeInput{NodeID: "D", InputHandle: "b"}},
		}, 1)
	c := simpleTaskNode("C", "test",
		manifest.InputHandles{"in": &manifest.InputHandle{Handle: "in"}},
		map[manifest.HandleName][]manifest.HandleSource{
			"in": {manifest.FromNodeOutput{NodeID: "A", OutputHandle: "out"}},
		},
		map[manifest.HandleName][]manifest.HandleTo{
			"out": {manifest.ToNodeInput{NodeID: "D", InputHandle: "c"}},
		}, 1)
	d := simpleTaskNode("D", "test",
		manifest.InputHandles{
			"b": &manifest.InputHandle{Handle: "b"},
			"c": &manifest.InputHandle{Handle: "c"},
		},
		map[manifest.HandleName][]manifest.HandleSource{
			"b": {manifest.FromNodeOutput{NodeID: "B", OutputHandle: "out"}},
			"c": {manifest.FromNodeOutput{NodeID: "C", OutputHandle: "out"}},
		}, nil, 1)

	return &manifest.SubflowBlock{
		Path:  path,
		Nodes: map[manifest.NodeId]manifest.Node{"A": a, "B": b, "C": c, "D": d},
	}
}

func TestCacheReuseSkipsSatisfiedUpstream(t *testing.T) {
	env := newTestEnv(t)
	cacheDir := t.TempDir()
	InitCache(cacheDir)
	t.Cleanup(func() { InitCache("") })

	var mu sync.Mutex
	counts := map[string]int{}
	startFakeExecutor(t, env, "test", []string{""}, func(_ jobplane.JobId, inputs map[manifest.HandleName]any, _ *jobplane.Worker) (map[manifest.HandleName]any, string) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case inputs["seed"] != nil:
			counts["A"]++
			return map[manifest.HandleName]any{"out": "from-A"}, ""
		case inputs["b"] != nil || inputs["c"] != nil:
			counts["D"]++
			return nil, ""
		default:
			counts["BC"]++
			return map[manifest.HandleName]any{"out": "mid"}, ""
		}
	})

	flowPath := filepath.Join(t.TempDir(), "diamond.oo.yaml")
	flow := diamondFlow(flowPath)

	run := func(nodes map[manifest.NodeId]bool, store *NodeInputValues) string {
		rootTx, rootRx := NewBlockStatus()
		handle := RunFlow(env.ctx, RunFlowArgs{
			FlowBlock:         flow,
			Shared:            env.shared,
			Stacks:            jobplane.NewBlockJobStacks(),
			FlowJobID:         jobplane.RandomJobId(),
			NodeValueStore:    store,
			ParentBlockStatus: rootTx,
			Nodes:             nodes,
			ParentScope:       rootScope(env),
			Scope:             rootScope(env),
			PathFinder:        resolver.NewPathFinder(t.TempDir(), nil),
		})
		if handle != nil {
			defer handle.Cancel()
		}
		_, errMsg := collectRootStatus(t, rootRx, 30*time.Second)
		return errMsg
	}

	require.Empty(t, run(nil, NewNodeInputValues(true)))

	mu.Lock()
	require.Equal(t, 1, counts["A"])
	require.Equal(t, 2, counts["BC"])
	require.Equal(t, 1, counts["D"])
	mu.Unlock()

	cachePath := FlowCachePath(flowPath)
	require.NotEmpty(t, cachePath)
	_, err := os.Stat(cachePath)
	require.NoError(t, err)

	// re-run only D: its cached inputs satisfy it without refiring A, B, C
	require.Empty(t, run(map[manifest.NodeId]bool{"D": true}, RecoverFrom(cachePath, true)))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, counts["A"], "A skipped on cached re-run")
	assert.Equal(t, 2, counts["BC"], "B and C skipped on cached re-run")
	assert.Equal(t, 2, counts["D"], "D fired again")
}

func TestRecursionDepthLimit(t *testing.T) {
	env := newTestEnv(t)

	pkg := filepath.Join(t.TempDir(), "pkg")
	writeTestFile(t, filepath.Join(pkg, "package.oo.yaml"), "name: pkg\nversion: 0.1.0\n")
	writeTestFile(t, filepath.Join(pkg, "tasks", "work", "task.oo.yaml"), `
executor:
  name: test
inputs_def:
  - handle: in1
outputs_def:
  - handle: out1
`)
	flowPath := filepath.Join(pkg, "subflows", "recursive", "subflow.oo.yaml")
	writeTestFile(t, flowPath, `
inputs_def:
  - handle: depth
nodes:
  - node_id: worker
    task: self::work
    inputs_from:
      - handle: in1
        from_flow:
          - input_handle: depth
  - node_id: recurse
    subflow: self::recursive
    inputs_from:
      - handle: depth
        from_node:
          - node_id: worker
            output_handle: out1
`)

	finder := resolver.NewPathFinder(pkg, nil)
	flow, err := env.shared.Resolver.ReadFlowBlock(flowPath, finder)
	require.NoError(t, err)

	startFakeExecutor(t, env, "test",
		[]string{manifest.ShortHash("flow-worker", 16)},
		func(_ jobplane.JobId, inputs map[manifest.HandleName]any, _ *jobplane.Worker) (map[manifest.HandleName]any, string) {
			return map[manifest.HandleName]any{"out1": inputs["in1"]}, ""
		})

	rootTx, rootRx := NewBlockStatus()
	handle := RunFlow(env.ctx, RunFlowArgs{
		FlowBlock:         flow,
		Shared:            env.shared,
		Stacks:            jobplane.NewBlockJobStacks(),
		FlowJobID:         jobplane.RandomJobId(),
		Inputs:            InputValues{"depth": NewOutputValue(0)},
		NodeValueStore:    NewNodeInputValues(false),
		ParentBlockStatus: rootTx,
		ParentScope:       rootScope(env),
		Scope:             rootScope(env),
		PathFinder:        finder,
	})
	require.NotNil(t, handle)
	defer handle.Cancel()

	_, errMsg := collectRootStatus(t, rootRx, 60*time.Second)
	assert.Contains(t, errMsg, "failed")
}

func TestExecutorExitFailsJob(t *testing.T) {
	env := newTestEnv(t)

	flow := linearFlow(filepath.Join(t.TempDir(), "exit.oo.yaml"))

	// the executor dies right after accepting the block
	startFakeExecutorExit(t, env, "test")

	rootTx, rootRx := NewBlockStatus()
	handle := RunFlow(env.ctx, RunFlowArgs{
		FlowBlock:         flow,
		Shared:            env.shared,
		Stacks:            jobplane.NewBlockJobStacks(),
		FlowJobID:         jobplane.RandomJobId(),
		Inputs:            InputValues{"user_name": NewOutputValue("A")},
		NodeValueStore:    NewNodeInputValues(false),
		ParentBlockStatus: rootTx,
		ParentScope:       rootScope(env),
		Scope:             rootScope(env),
		PathFinder:        resolver.NewPathFinder(t.TempDir(), nil),
	})
	require.NotNil(t, handle)
	defer handle.Cancel()

	_, errMsg := collectRootStatus(t, rootRx, 15*time.Second)
	assert.Contains(t, errMsg, "node id: greet failed")
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
