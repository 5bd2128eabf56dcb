package runtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oomol/oocana/common/logger"
	"github.com/oomol/oocana/common/pubsub"
	"github.com/oomol/oocana/condition"
	"github.com/oomol/oocana/jobplane"
	"github.com/oomol/oocana/manifest"
	"github.com/oomol/oocana/resolver"
)

// testEnv bundles everything a flow test needs
type testEnv struct {
	ctx       context.Context
	cancel    context.CancelFunc
	transport *pubsub.MemoryTransport
	shared    *Shared
	sessionID jobplane.SessionId
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	InitCache("")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	log := logger.Discard()
	transport := pubsub.NewMemoryTransport(log)
	sessionID := jobplane.RandomSessionId()

	scheduler, err := jobplane.NewScheduler(ctx, sessionID, transport, log)
	require.NoError(t, err)
	reporter := jobplane.NewReporter(ctx, sessionID, nil, nil, log)

	shared := &Shared{
		SessionID:     sessionID,
		Scheduler:     scheduler,
		Reporter:      reporter,
		Resolver:      resolver.NewBlockResolver(log),
		Log:           log,
		ConditionEval: condition.NewEvaluator(),
	}

	return &testEnv{
		ctx:       ctx,
		cancel:    cancel,
		transport: transport,
		shared:    shared,
		sessionID: sessionID,
	}
}

// executorHandler computes a fake block invocation. Returning errMsg
// finishes the job with an error.
type executorHandler func(jobID jobplane.JobId, inputs map[manifest.HandleName]any, worker *jobplane.Worker) (map[manifest.HandleName]any, string)

// startFakeExecutor emulates an executor process over the transport: it
// announces readiness for the given identifiers, answers ExecuteBlock by
// running the handler, and filters duplicate job ids.
func startFakeExecutor(t *testing.T, env *testEnv, name string, identifiers []string, handler executorHandler) {
	t.Helper()
	log := logger.Discard()

	var mu sync.Mutex
	seen := make(map[jobplane.JobId]bool)

	err := env.transport.Subscribe(env.ctx, jobplane.ExecutorRunBlockTopic(name), func(ctx context.Context, _ string, payload []byte) error {
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

		go func() {
			worker, err := jobplane.NewWorker(ctx, env.sessionID, msg.JobID, env.transport, log)
			if err != nil {
				return
			}
			defer worker.Close()

			inputsMsg, err := worker.Ready(ctx)
			if err != nil {
				return
			}
			outputs, errMsg := handler(msg.JobID, inputsMsg.Inputs, worker)
			if errMsg != "" {
				worker.Done(ctx, errMsg)
				return
			}
			worker.Finish(ctx, outputs)
		}()
		return nil
	})
	require.NoError(t, err)

	// keep announcing readiness so listeners registered later still match
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-env.ctx.Done():
				return
			case <-ticker.C:
				for _, id := range identifiers {
					_ = jobplane.AnnounceExecutorReady(env.ctx, env.transport, env.sessionID, name, "", id)
				}
			}
		}
	}()
}

// startFakeExecutorExit emulates an executor that announces readiness and
// then dies on every dispatched block.
func startFakeExecutorExit(t *testing.T, env *testEnv, name string) {
	t.Helper()

	err := env.transport.Subscribe(env.ctx, jobplane.ExecutorRunBlockTopic(name), func(ctx context.Context, _ string, payload []byte) error {
		var msg jobplane.ExecuteBlockMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return err
		}
		if msg.Type != jobplane.MsgExecuteBlock {
			return nil
		}
		return jobplane.AnnounceExecutorExit(ctx, env.transport, env.sessionID, msg.JobID, name, 1, "")
	})
	require.NoError(t, err)

	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-env.ctx.Done():
				return
			case <-ticker.C:
				_ = jobplane.AnnounceExecutorReady(env.ctx, env.transport, env.sessionID, name, "", "")
			}
		}
	}()
}

// collectRootStatus drains the root status channel until the terminal
// Done or Error arrives, returning flow outputs and the terminal error.
func collectRootStatus(t *testing.T, rx BlockStatusRx, timeout time.Duration) (map[manifest.HandleName][]any, string) {
	t.Helper()
	outputs := make(map[manifest.HandleName][]any)
	deadline := time.After(timeout)
	for {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for flow completion")
			return nil, ""
		case status := <-rx.Chan():
			switch st := status.(type) {
			case StatusOutput:
				outputs[st.Handle] = append(outputs[st.Handle], st.Value.Value)
			case StatusOutputMap:
				for handle, value := range st.Map {
					outputs[handle] = append(outputs[handle], value.Value)
				}
			case StatusDone:
				return outputs, st.Error
			case StatusError:
				return outputs, st.Error
			}
		}
	}
}

// simpleTaskNode builds a task node running on the named executor
func simpleTaskNode(id manifest.NodeId, executorName string, inputs manifest.InputHandles, froms map[manifest.HandleName][]manifest.HandleSource, tos map[manifest.HandleName][]manifest.HandleTo, concurrency int) *manifest.TaskNode {
	return &manifest.TaskNode{
		NodeCommon: manifest.NodeCommon{
			NodeID:        id,
			Inputs:        inputs,
			Froms:         froms,
			Tos:           tos,
			MaxConcurrent: concurrency,
		},
		Task: &manifest.TaskBlock{
			Executor: &manifest.TaskBlockExecutor{Name: executorName},
			Inputs:   inputs,
		},
	}
}
