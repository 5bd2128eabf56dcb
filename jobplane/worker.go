package jobplane

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oomol/oocana/common/pubsub"
	"github.com/oomol/oocana/manifest"
)

// Worker is the executor side of the job plane for one job: it announces
// readiness, receives inputs, and streams outputs back. Real executors
// (Python, Node.js, shell) speak the same protocol out of process; this
// implementation backs in-process executors and tests.
type Worker struct {
	sessionID SessionId
	jobID     JobId
	transport pubsub.Transport
	log       Logger

	inputs    chan *BlockInputsMessage
	responses chan *BlockResponseMessage
}

// NewWorker subscribes the job's inputs topic and returns a ready-to-use worker
func NewWorker(ctx context.Context, sessionID SessionId, jobID JobId, transport pubsub.Transport, log Logger) (*Worker, error) {
	w := &Worker{
		sessionID: sessionID,
		jobID:     jobID,
		transport: transport,
		log:       log,
		inputs:    make(chan *BlockInputsMessage, 1),
		responses: make(chan *BlockResponseMessage, 16),
	}

	topic := InputsTopic(sessionID, jobID)
	err := transport.Subscribe(ctx, topic, func(_ context.Context, _ string, payload []byte) error {
		var probe struct {
			Type MessageType `json:"type"`
		}
		if err := json.Unmarshal(payload, &probe); err != nil {
			return fmt.Errorf("parse inputs message: %w", err)
		}
		switch probe.Type {
		case MsgBlockInputs:
			var msg BlockInputsMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				return err
			}
			select {
			case w.inputs <- &msg:
			default:
			}
		case MsgBlockResponse:
			var msg BlockResponseMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				return err
			}
			select {
			case w.responses <- &msg:
			default:
				w.log.Warn("dropping block response, channel full", "job_id", jobID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Ready publishes BlockReady and waits for the BlockInputs reply
func (w *Worker) Ready(ctx context.Context) (*BlockInputsMessage, error) {
	w.send(ctx, map[string]any{
		"type":       MsgBlockReady,
		"session_id": w.sessionID,
		"job_id":     w.jobID,
	})
	select {
	case msg := <-w.inputs:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Output publishes one handle value; done additionally finishes the job
func (w *Worker) Output(ctx context.Context, handle manifest.HandleName, value any, done bool) {
	w.send(ctx, map[string]any{
		"type":       MsgBlockOutput,
		"session_id": w.sessionID,
		"job_id":     w.jobID,
		"handle":     handle,
		"output":     value,
	})
	if done {
		w.Done(ctx, "")
	}
}

// Outputs publishes a batch of handle values
func (w *Worker) Outputs(ctx context.Context, outputs map[manifest.HandleName]any) {
	w.send(ctx, map[string]any{
		"type":       MsgBlockOutputs,
		"session_id": w.sessionID,
		"job_id":     w.jobID,
		"outputs":    outputs,
	})
}

// Progress publishes a 0.0..1.0 progress report
func (w *Worker) Progress(ctx context.Context, progress float64) {
	w.send(ctx, map[string]any{
		"type":       MsgBlockProgress,
		"session_id": w.sessionID,
		"job_id":     w.jobID,
		"progress":   progress,
	})
}

// Error publishes a non-terminal block error
func (w *Worker) Error(ctx context.Context, errMsg string) {
	w.send(ctx, map[string]any{
		"type":       MsgBlockError,
		"session_id": w.sessionID,
		"job_id":     w.jobID,
		"error":      errMsg,
	})
}

// Done publishes BlockFinished, optionally carrying an error
func (w *Worker) Done(ctx context.Context, errMsg string) {
	msg := map[string]any{
		"type":       MsgBlockFinished,
		"session_id": w.sessionID,
		"job_id":     w.jobID,
	}
	if errMsg != "" {
		msg["error"] = errMsg
	}
	w.send(ctx, msg)
}

// Finish publishes BlockFinished with a result map
func (w *Worker) Finish(ctx context.Context, result map[manifest.HandleName]any) {
	w.send(ctx, map[string]any{
		"type":       MsgBlockFinished,
		"session_id": w.sessionID,
		"job_id":     w.jobID,
		"result":     result,
	})
}

// Request issues a context RPC (run_block / query_block) and waits for the
// matching BlockResponse.
func (w *Worker) Request(ctx context.Context, req *BlockRequest) (*BlockResponseMessage, error) {
	req.SessionID = w.sessionID
	req.JobID = w.jobID
	w.send(ctx, map[string]any{
		"type":       MsgBlockRequest,
		"session_id": w.sessionID,
		"job_id":     w.jobID,
		"request":    req,
	})
	for {
		select {
		case resp := <-w.responses:
			if resp.RequestID != req.RequestID {
				continue
			}
			return resp, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close unsubscribes the worker's inputs topic
func (w *Worker) Close() error {
	return w.transport.Unsubscribe(InputsTopic(w.sessionID, w.jobID))
}

func (w *Worker) send(ctx context.Context, msg map[string]any) {
	data, err := json.Marshal(msg)
	if err != nil {
		w.log.Error("failed to serialize worker message", "error", err)
		return
	}
	if err := w.transport.Publish(ctx, SessionTopic(w.sessionID), data); err != nil {
		w.log.Error("failed to publish worker message", "error", err)
	}
}

// AnnounceExecutorReady publishes an ExecutorReady on behalf of an
// executor process serving the given scope.
func AnnounceExecutorReady(ctx context.Context, transport pubsub.Transport, sessionID SessionId, executorName, pkg, identifier string) error {
	data, err := json.Marshal(map[string]any{
		"type":          MsgExecutorReady,
		"session_id":    sessionID,
		"executor_name": executorName,
		"package":       pkg,
		"identifier":    identifier,
	})
	if err != nil {
		return err
	}
	return transport.Publish(ctx, SessionTopic(sessionID), data)
}

// AnnounceExecutorExit publishes an ExecutorExit for a job
func AnnounceExecutorExit(ctx context.Context, transport pubsub.Transport, sessionID SessionId, jobID JobId, executorName string, code int, reason string) error {
	data, err := json.Marshal(map[string]any{
		"type":          MsgExecutorExit,
		"session_id":    sessionID,
		"job_id":        jobID,
		"executor_name": executorName,
		"code":          code,
		"reason":        reason,
	})
	if err != nil {
		return err
	}
	return transport.Publish(ctx, SessionTopic(sessionID), data)
}
