package jobplane

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oomol/oocana/common/pubsub"
	"github.com/oomol/oocana/manifest"
)

// Logger is the narrow logging surface the job plane needs
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

const (
	// ExecutorReadyTimeout bounds how long a job waits for a matching
	// ExecutorReady before the listener is told to give up.
	ExecutorReadyTimeout = 5 * time.Second
	// ListenerReplyTimeout bounds how long a dispatched ExecuteBlock may
	// go unanswered before the listener resends it.
	ListenerReplyTimeout = 3 * time.Second
)

// subscriberChanSize keeps job channels from ever blocking the demux loop
// under normal traffic.
const subscriberChanSize = 128

// InputParams are the arguments of SendInputs
type InputParams struct {
	JobID          JobId
	BlockPath      string
	Stacks         []StackFrame
	Inputs         map[manifest.HandleName]any
	InputsDef      manifest.InputHandles
	InputsDefPatch manifest.InputDefPatchMap
}

// ExecutorParams are the arguments of SendToExecutor
type ExecutorParams struct {
	ExecutorName   string
	JobID          JobId
	Stacks         []StackFrame
	Dir            string
	Executor       *manifest.TaskBlockExecutor
	Outputs        manifest.OutputHandles
	Scope          *RuntimeScope
	InjectionStore *manifest.InjectionStore
	FlowPath       string
}

// ServiceParams are the arguments of SendToService
type ServiceParams struct {
	ExecutorName string
	BlockName    string
	JobID        JobId
	Stacks       []StackFrame
	Dir          string
	Executor     *manifest.TaskBlockExecutor
	Outputs      manifest.OutputHandles
	Scope        *RuntimeScope
	FlowPath     string
}

// BlockResponseParams complete a context-issued BlockRequest
type BlockResponseParams struct {
	JobID     JobId
	RequestID string
	Result    any
	Error     string
}

type schedulerCommand struct {
	register   *registerCmd
	unregister JobId
	deliver    *ReceiveMessage
	armReady   *armReadyCmd
	abort      bool
}

type registerCmd struct {
	jobID JobId
	ch    chan *ReceiveMessage
}

type armReadyCmd struct {
	jobID        JobId
	executorName string
	pkg          string
	identifier   string
}

// Scheduler is the runtime side of the job plane: one publisher plus one
// demultiplexing loop per session. Messages returning from executors are
// routed to the originating job's subscriber channel; all subscriber-map
// access happens inside the loop, so no locks are needed.
type Scheduler struct {
	sessionID SessionId
	transport pubsub.Transport
	log       Logger

	cmds chan schedulerCommand
	done chan struct{}
}

// NewScheduler subscribes to the session topic and starts the demux loop
func NewScheduler(ctx context.Context, sessionID SessionId, transport pubsub.Transport, log Logger) (*Scheduler, error) {
	s := &Scheduler{
		sessionID: sessionID,
		transport: transport,
		log:       log,
		cmds:      make(chan schedulerCommand, 1024),
		done:      make(chan struct{}),
	}

	err := transport.Subscribe(ctx, SessionTopic(sessionID), func(_ context.Context, _ string, payload []byte) error {
		msg, err := ParseReceiveMessage(payload, sessionID)
		if err != nil {
			s.log.Warn("discarding malformed job-plane message", "error", err)
			return nil
		}
		if msg == nil {
			return nil
		}
		s.enqueue(schedulerCommand{deliver: msg})
		return nil
	})
	if err != nil {
		return nil, err
	}

	go s.eventLoop(ctx)
	return s, nil
}

func (s *Scheduler) enqueue(cmd schedulerCommand) {
	select {
	case s.cmds <- cmd:
	case <-s.done:
	}
}

// RegisterSubscriber routes this job's messages to ch until unregistered
func (s *Scheduler) RegisterSubscriber(jobID JobId, ch chan *ReceiveMessage) {
	s.enqueue(schedulerCommand{register: &registerCmd{jobID: jobID, ch: ch}})
}

// UnregisterSubscriber stops routing for a job
func (s *Scheduler) UnregisterSubscriber(jobID JobId) {
	s.enqueue(schedulerCommand{unregister: jobID})
}

// ArmExecutorTimeout posts an ExecutorTimeout to the job unless a matching
// ExecutorReady arrives within the readiness window.
func (s *Scheduler) ArmExecutorTimeout(jobID JobId, executorName, pkg, identifier string) {
	s.enqueue(schedulerCommand{armReady: &armReadyCmd{
		jobID:        jobID,
		executorName: executorName,
		pkg:          pkg,
		identifier:   identifier,
	}})
}

// SendInputs publishes a job's inputs on its inputs topic
func (s *Scheduler) SendInputs(ctx context.Context, params InputParams) {
	s.publish(ctx, InputsTopic(s.sessionID, params.JobID), BlockInputsMessage{
		Type:           MsgBlockInputs,
		SessionID:      s.sessionID,
		JobID:          params.JobID,
		Stacks:         params.Stacks,
		BlockPath:      params.BlockPath,
		Inputs:         params.Inputs,
		InputsDef:      params.InputsDef,
		InputsDefPatch: params.InputsDefPatch,
	})
}

// SendToExecutor publishes an ExecuteBlock on the executor's run topic and
// arms the listener-reply timer.
func (s *Scheduler) SendToExecutor(ctx context.Context, params ExecutorParams) {
	s.publish(ctx, ExecutorRunBlockTopic(params.ExecutorName), ExecuteBlockMessage{
		Type:           MsgExecuteBlock,
		ExecutorName:   params.ExecutorName,
		SessionID:      s.sessionID,
		JobID:          params.JobID,
		Stacks:         params.Stacks,
		Dir:            params.Dir,
		Executor:       params.Executor,
		Outputs:        params.Outputs,
		Scope:          params.Scope,
		InjectionStore: params.InjectionStore,
		FlowPath:       params.FlowPath,
		Identifier:     params.Scope.Identifier(),
	})
	s.armListenerTimeout(params.JobID)
}

// SendToService publishes an ExecuteServiceBlock on the service run topic
func (s *Scheduler) SendToService(ctx context.Context, params ServiceParams) {
	s.publish(ctx, ExecutorRunServiceBlockTopic(params.ExecutorName), ExecuteServiceBlockMessage{
		Type:         MsgExecuteServiceBlock,
		ExecutorName: params.ExecutorName,
		BlockName:    params.BlockName,
		SessionID:    s.sessionID,
		JobID:        params.JobID,
		Stacks:       params.Stacks,
		Dir:          params.Dir,
		Executor:     params.Executor,
		Outputs:      params.Outputs,
		Scope:        params.Scope,
		FlowPath:     params.FlowPath,
		Identifier:   params.Scope.Identifier(),
	})
	s.armListenerTimeout(params.JobID)
}

// RespondBlockRequest completes a prior context RPC. The response lands on
// the requesting job's inputs topic, which its worker subscribes to.
func (s *Scheduler) RespondBlockRequest(ctx context.Context, params BlockResponseParams) {
	s.publish(ctx, InputsTopic(s.sessionID, params.JobID), BlockResponseMessage{
		Type:      MsgBlockResponse,
		SessionID: s.sessionID,
		JobID:     params.JobID,
		RequestID: params.RequestID,
		Result:    params.Result,
		Error:     params.Error,
	})
}

// SendDropOutput notifies an executor that a reference-typed output was
// released by the runtime.
func (s *Scheduler) SendDropOutput(ctx context.Context, executorName string, ref any) {
	s.publish(ctx, ExecutorRunBlockTopic(executorName), DropOutputMessage{
		Type:      MsgDropOutput,
		SessionID: s.sessionID,
		Executor:  executorName,
		Ref:       ref,
	})
}

// Abort disconnects the demux loop
func (s *Scheduler) Abort() {
	s.enqueue(schedulerCommand{abort: true})
}

func (s *Scheduler) armListenerTimeout(jobID JobId) {
	time.AfterFunc(ListenerReplyTimeout, func() {
		s.enqueue(schedulerCommand{deliver: &ReceiveMessage{
			Type:      MsgListenerTimeout,
			SessionID: s.sessionID,
			JobID:     jobID,
		}})
	})
}

func (s *Scheduler) publish(ctx context.Context, topic string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("failed to serialize job-plane message", "topic", topic, "error", err)
		return
	}
	if err := s.transport.Publish(ctx, topic, data); err != nil {
		s.log.Error("failed to publish job-plane message", "topic", topic, "error", err)
	}
}

func (s *Scheduler) eventLoop(ctx context.Context) {
	type readyTimer struct {
		timer        *time.Timer
		executorName string
		identifier   string
	}

	subscribers := make(map[JobId]chan *ReceiveMessage)
	readyTimers := make(map[JobId]*readyTimer)

	defer func() {
		for _, t := range readyTimers {
			t.timer.Stop()
		}
		close(s.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-s.cmds:
			switch {
			case cmd.register != nil:
				subscribers[cmd.register.jobID] = cmd.register.ch
			case cmd.unregister != "":
				delete(subscribers, cmd.unregister)
				if t := readyTimers[cmd.unregister]; t != nil {
					t.timer.Stop()
					delete(readyTimers, cmd.unregister)
				}
			case cmd.armReady != nil:
				arm := cmd.armReady
				readyTimers[arm.jobID] = &readyTimer{
					executorName: arm.executorName,
					identifier:   arm.identifier,
					timer: time.AfterFunc(ExecutorReadyTimeout, func() {
						s.enqueue(schedulerCommand{deliver: &ReceiveMessage{
							Type:         MsgExecutorTimeout,
							SessionID:    s.sessionID,
							JobID:        arm.jobID,
							ExecutorName: arm.executorName,
							Package:      arm.pkg,
							Identifier:   arm.identifier,
						}})
					}),
				}
			case cmd.deliver != nil:
				msg := cmd.deliver
				if msg.Type == MsgExecutorReady {
					// readiness is broadcast; each listener matches the
					// (executor_name, identifier) pair itself
					for jobID, ch := range subscribers {
						if t := readyTimers[jobID]; t != nil &&
							t.executorName == msg.ExecutorName && t.identifier == msg.Identifier {
							t.timer.Stop()
							delete(readyTimers, jobID)
						}
						sendNonBlocking(ch, msg, s.log)
					}
					continue
				}
				if ch, ok := subscribers[msg.JobID]; ok {
					sendNonBlocking(ch, msg, s.log)
				}
			case cmd.abort:
				_ = s.transport.Unsubscribe(SessionTopic(s.sessionID))
				return
			}
		}
	}
}

func sendNonBlocking(ch chan *ReceiveMessage, msg *ReceiveMessage, log Logger) {
	select {
	case ch <- msg:
	default:
		log.Warn("job subscriber channel full, dropping message", "job_id", msg.JobID, "type", msg.Type)
	}
}
