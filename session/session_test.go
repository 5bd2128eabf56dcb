package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oomol/oocana/common/logger"
	"github.com/oomol/oocana/common/pubsub"
	"github.com/oomol/oocana/jobplane"
	"github.com/oomol/oocana/manifest"
	"github.com/oomol/oocana/runtime"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func sessionFixture(t *testing.T) (string, string) {
	t.Helper()
	pkg := filepath.Join(t.TempDir(), "pkg")
	writeFile(t, filepath.Join(pkg, "package.oo.yaml"), "name: pkg\nversion: 0.1.0\n")
	writeFile(t, filepath.Join(pkg, "tasks", "greet", "task.oo.yaml"), `
executor:
  name: test
inputs_def:
  - handle: name
outputs_def:
  - handle: message
`)
	flowPath := filepath.Join(pkg, "subflows", "main", "subflow.oo.yaml")
	writeFile(t, flowPath, `
inputs_def:
  - handle: user_name
outputs_def:
  - handle: output_message
nodes:
  - node_id: greet
    task: self::greet
    inputs_from:
      - handle: name
        value: A
  - node_id: process
    task: self::greet
    inputs_from:
      - handle: name
        from_node:
          - node_id: greet
            output_handle: message
outputs_from:
  - handle: output_message
    from_node:
      - node_id: greet
        output_handle: message
`)
	return pkg, flowPath
}

// startExecutor emulates the executor process for the fixture's nodes
func startExecutor(t *testing.T, ctx context.Context, transport *pubsub.MemoryTransport, fail bool) *sync.Map {
	t.Helper()
	log := logger.Discard()

	var mu sync.Mutex
	seen := make(map[jobplane.JobId]bool)
	fired := &sync.Map{}

	err := transport.Subscribe(ctx, jobplane.ExecutorRunBlockTopic("test"), func(ctx context.Context, _ string, payload []byte) error {
		var msg jobplane.ExecuteBlockMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return err
		}
		if msg.Type != jobplane.MsgExecuteBlock {
			return nil
		}
		mu.Lock()
		if seen[msg.JobID] {
			mu.Unlock()
			return nil
		}
		seen[msg.JobID] = true
		mu.Unlock()

		sessionID := msg.SessionID
		go func() {
			worker, err := jobplane.NewWorker(ctx, sessionID, msg.JobID, transport, log)
			if err != nil {
				return
			}
			defer worker.Close()
			inputs, err := worker.Ready(ctx)
			if err != nil {
				return
			}
			for handle := range inputs.Inputs {
				if count, ok := fired.Load(string(handle)); ok {
					fired.Store(string(handle), count.(int)+1)
				} else {
					fired.Store(string(handle), 1)
				}
			}
			if fail {
				worker.Done(ctx, "task blew up")
				return
			}
			worker.Finish(ctx, map[manifest.HandleName]any{"message": "hello"})
		}()
		return nil
	})
	require.NoError(t, err)

	return fired
}

func TestSessionRunsFlowToCompletion(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	_, flowPath := sessionFixture(t)
	runtime.InitCache("")

	log := logger.Discard()
	transport := pubsub.NewMemoryTransport(log)
	sessionID := jobplane.RandomSessionId()

	fired := startExecutor(t, ctx, transport, false)

	// announce readiness for the fixture's node scopes
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, node := range []string{"greet", "process"} {
					_ = jobplane.AnnounceExecutorReady(ctx, transport, sessionID, "test", "",
						manifest.ShortHash("flow-"+node, 16))
				}
			}
		}
	}()

	tempRoot := t.TempDir()
	err := Run(ctx, Options{
		Block:     flowPath,
		SessionID: sessionID,
		Transport: transport,
		Logger:    log,
		TempRoot:  tempRoot,
	})
	require.NoError(t, err)

	greetCount, _ := fired.Load("name")
	assert.EqualValues(t, 2, greetCount, "both nodes fired once")

	// the session temp dir carries the success sentinel
	sessionDir := filepath.Join(tempRoot, manifest.ShortHash(string(sessionID), 16))
	_, err = os.Stat(filepath.Join(sessionDir, ".oocana_result.json"))
	assert.NoError(t, err)
}

func TestSessionReportsNodeFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	_, flowPath := sessionFixture(t)
	runtime.InitCache("")

	log := logger.Discard()
	transport := pubsub.NewMemoryTransport(log)
	sessionID := jobplane.RandomSessionId()

	startExecutor(t, ctx, transport, true)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = jobplane.AnnounceExecutorReady(ctx, transport, sessionID, "test", "",
					manifest.ShortHash("flow-greet", 16))
			}
		}
	}()

	tempRoot := t.TempDir()
	err := Run(ctx, Options{
		Block:     flowPath,
		SessionID: sessionID,
		Transport: transport,
		Logger:    log,
		TempRoot:  tempRoot,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "greet failed")

	// no success sentinel on failure
	sessionDir := filepath.Join(tempRoot, manifest.ShortHash(string(sessionID), 16))
	_, statErr := os.Stat(filepath.Join(sessionDir, ".oocana_result.json"))
	assert.True(t, os.IsNotExist(statErr))
}
