package runtime

import (
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oomol/oocana/common/config"
	"github.com/oomol/oocana/jobplane"
	"github.com/oomol/oocana/manifest"
	"github.com/oomol/oocana/remote/mockserver"
	"github.com/oomol/oocana/resolver"
)

func remoteFlow(path string, timeoutSecs *uint64) *manifest.SubflowBlock {
	task := &manifest.TaskBlock{
		Executor: &manifest.TaskBlockExecutor{Name: manifest.RemoteTaskExecutorName},
		Inputs:   manifest.InputHandles{"x": &manifest.InputHandle{Handle: "x", Value: manifest.SomeValue(1)}},
		Remote: &manifest.RemoteManifest{
			Package:   "demo",
			Version:   "1.0.0",
			BlockName: "compute",
		},
		RemoteTimeoutSecs: timeoutSecs,
		Path:              filepath.Join(filepath.Dir(path), "remote-task", "task.oo.yaml"),
	}
	node := &manifest.TaskNode{
		NodeCommon: manifest.NodeCommon{
			NodeID: "remote",
			Inputs: task.Inputs,
			Tos: map[manifest.HandleName][]manifest.HandleTo{
				"answer": {manifest.ToFlowOutput{OutputHandle: "answer"}},
			},
		},
		Task: task,
	}
	return &manifest.SubflowBlock{
		Path:    path,
		Nodes:   map[manifest.NodeId]manifest.Node{"remote": node},
		Outputs: manifest.OutputHandles{"answer": &manifest.OutputHandle{Handle: "answer"}},
	}
}

func runRemoteFlow(t *testing.T, env *testEnv, flow *manifest.SubflowBlock, timeout time.Duration) (map[manifest.HandleName][]any, string) {
	t.Helper()
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
	return collectRootStatus(t, rootRx, timeout)
}

func TestRemoteTaskSuccessMapsResultData(t *testing.T) {
	env := newTestEnv(t)

	server := httptest.NewServer(mockserver.New(&mockserver.ScriptedTask{
		States:     []string{"running", "success"},
		ResultData: map[string]any{"answer": 42.0},
	}).Handler())
	defer server.Close()
	env.shared.RemoteTask = &config.RemoteTaskConfig{BaseURL: server.URL}

	outputs, errMsg := runRemoteFlow(t, env, remoteFlow(filepath.Join(t.TempDir(), "r.oo.yaml"), nil), 30*time.Second)
	assert.Empty(t, errMsg)
	assert.Equal(t, []any{42.0}, outputs["answer"])
}

func TestRemoteTaskFailureSurfacesMessage(t *testing.T) {
	env := newTestEnv(t)

	server := httptest.NewServer(mockserver.New(&mockserver.ScriptedTask{
		States:        []string{"running", "failed"},
		FailedMessage: "compute exploded",
	}).Handler())
	defer server.Close()
	env.shared.RemoteTask = &config.RemoteTaskConfig{BaseURL: server.URL}

	_, errMsg := runRemoteFlow(t, env, remoteFlow(filepath.Join(t.TempDir(), "r.oo.yaml"), nil), 30*time.Second)
	assert.Contains(t, errMsg, "compute exploded")
}

func TestRemoteTaskTimeout(t *testing.T) {
	env := newTestEnv(t)

	// the task never reaches a terminal state
	server := httptest.NewServer(mockserver.New(&mockserver.ScriptedTask{
		States: []string{"running"},
	}).Handler())
	defer server.Close()
	env.shared.RemoteTask = &config.RemoteTaskConfig{BaseURL: server.URL}

	timeout := uint64(2)
	_, errMsg := runRemoteFlow(t, env, remoteFlow(filepath.Join(t.TempDir(), "r.oo.yaml"), &timeout), 30*time.Second)
	assert.Contains(t, errMsg, "timed out after 2s")
}

func TestRemoteTaskWithoutConfigFails(t *testing.T) {
	env := newTestEnv(t)
	_, errMsg := runRemoteFlow(t, env, remoteFlow(filepath.Join(t.TempDir(), "r.oo.yaml"), nil), 15*time.Second)
	assert.Contains(t, errMsg, "no API configuration")
}
