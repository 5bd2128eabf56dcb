package runtime

import (
	"context"
	"fmt"

	"github.com/oomol/oocana/jobplane"
	"github.com/oomol/oocana/manifest"
)

type serviceExecutorPayload struct {
	blockName    string
	executorName string
	executor     *manifest.TaskBlockExecutor
}

type listenerParams struct {
	jobID          jobplane.JobId
	blockPath      string
	stacks         jobplane.BlockJobStacks
	inputs         InputValues
	outputsDef     manifest.OutputHandles
	inputsDef      manifest.InputHandles
	inputsDefPatch manifest.InputDefPatchMap
	blockStatus    BlockStatusTx
	reporter       *jobplane.BlockReporter
	executor       *manifest.TaskBlockExecutor
	service        *serviceExecutorPayload
	blockDir       string
	scope          *jobplane.RuntimeScope
	injectionStore *manifest.InjectionStore
	flowPath       string
	shared         *Shared
}

// listenToWorker spawns the per-job task translating the asymmetric
// executor protocol into status-channel events. It owns the job's
// subscriber registration for its whole life.
func listenToWorker(ctx context.Context, p listenerParams) {
	scheduler := p.shared.Scheduler
	identifier := p.scope.Identifier()

	ch := make(chan *jobplane.ReceiveMessage, 128)
	scheduler.RegisterSubscriber(p.jobID, ch)
	scheduler.ArmExecutorTimeout(p.jobID, p.executorName(), p.scope.PackageName, identifier)

	go func() {
		defer scheduler.UnregisterSubscriber(p.jobID)

		inputs := p.inputs
		hasExecutorResponse := false

		runBlock := func() {
			if p.executor != nil {
				scheduler.SendToExecutor(ctx, jobplane.ExecutorParams{
					ExecutorName:   p.executor.Name,
					JobID:          p.jobID,
					Stacks:         p.stacks.Frames(),
					Dir:            p.blockDir,
					Executor:       p.executor,
					Outputs:        p.outputsDef,
					Scope:          p.scope,
					InjectionStore: p.injectionStore,
					FlowPath:       p.flowPath,
				})
			} else if p.service != nil {
				scheduler.SendToService(ctx, jobplane.ServiceParams{
					ExecutorName: p.service.executorName,
					BlockName:    p.service.blockName,
					JobID:        p.jobID,
					Stacks:       p.stacks.Frames(),
					Dir:          p.blockDir,
					Executor:     p.service.executor,
					Outputs:      p.outputsDef,
					Scope:        p.scope,
					FlowPath:     p.flowPath,
				})
			}
		}

		for {
			var msg *jobplane.ReceiveMessage
			select {
			case <-ctx.Done():
				// hand the already-queued messages to the delay-abort
				// drain so final log lines still reach the reporter
				p.shared.DelayDrain(func() {
					for {
						select {
						case queued := <-ch:
							if queued.Type == jobplane.MsgBlockLog {
								p.reporter.Log(queued.Log, "stdout")
							}
						default:
							return
						}
					}
				})
				return
			case msg = <-ch:
			}

			switch msg.Type {
			case jobplane.MsgExecutorReady:
				if msg.Identifier != identifier {
					p.shared.Log.Debug("executor identifier does not match this job's scope",
						"executor", msg.ExecutorName, "identifier", msg.Identifier, "want", identifier)
					continue
				}
				if msg.ExecutorName != p.executorName() {
					p.shared.Log.Debug("executor name does not match block executor",
						"executor", msg.ExecutorName, "want", p.executorName())
					continue
				}
				runBlock()

			case jobplane.MsgExecutorTimeout:
				if msg.Identifier != identifier {
					continue
				}
				errMsg := fmt.Sprintf("Executor %s identifier %q for package %q timeout after 5s",
					msg.ExecutorName, msg.Identifier, msg.Package)
				p.reporter.Finished(nil, errMsg)
				p.blockStatus.Error(errMsg)
				return

			case jobplane.MsgExecutorExit:
				errMsg := msg.Reason
				if errMsg == "" {
					errMsg = fmt.Sprintf("Executor %s exit with code %d", msg.ExecutorName, msg.Code)
				}
				p.reporter.Finished(nil, errMsg)
				p.blockStatus.Finish(p.jobID, nil, errMsg)
				return

			case jobplane.MsgBlockReady:
				hasExecutorResponse = true
				scheduler.SendInputs(ctx, jobplane.InputParams{
					JobID:          p.jobID,
					BlockPath:      p.blockPath,
					Stacks:         p.stacks.Frames(),
					Inputs:         rawInputs(inputs),
					InputsDef:      p.inputsDef,
					InputsDefPatch: p.inputsDefPatch,
				})
				inputs = nil

			case jobplane.MsgListenerTimeout:
				if hasExecutorResponse || msg.JobID != p.jobID {
					continue
				}
				p.shared.Log.Warn("listener wait timeout, resending execute; executor filters duplicate job ids",
					"job_id", p.jobID)
				runBlock()

			case jobplane.MsgBlockProgress:
				hasExecutorResponse = true
				p.reporter.Progress(msg.Progress)

			case jobplane.MsgBlockLog:
				p.reporter.Log(msg.Log, "stdout")

			case jobplane.MsgBlockOutput:
				hasExecutorResponse = true
				p.reporter.Output(msg.Output, msg.Handle)
				p.blockStatus.Output(p.jobID,
					ClassifyOutput(msg.Handle, msg.Output, p.outputsDef), msg.Handle, msg.Done)
				if msg.Done {
					p.reporter.Finished(nil, "")
					p.blockStatus.Finish(p.jobID, nil, "")
					return
				}

			case jobplane.MsgBlockOutputs:
				hasExecutorResponse = true
				outputMap := make(map[manifest.HandleName]*OutputValue, len(msg.Outputs))
				reporterMap := make(map[manifest.HandleName]any, len(msg.Outputs))
				for handle, value := range msg.Outputs {
					outputMap[handle] = ClassifyOutput(handle, value, p.outputsDef)
					reporterMap[handle] = value
				}
				p.reporter.Outputs(reporterMap)
				p.blockStatus.OutputMap(p.jobID, outputMap, false)

			case jobplane.MsgBlockError:
				p.reporter.Error(msg.Error)

			case jobplane.MsgBlockFinished:
				if msg.Error != "" {
					p.reporter.Finished(nil, msg.Error)
					p.blockStatus.Finish(p.jobID, nil, msg.Error)
					return
				}
				if msg.Result != nil {
					outputMap := make(map[manifest.HandleName]*OutputValue, len(msg.Result))
					reporterMap := make(map[manifest.HandleName]any, len(msg.Result))
					for handle, value := range msg.Result {
						outputMap[handle] = ClassifyOutput(handle, value, p.outputsDef)
						reporterMap[handle] = value
					}
					p.reporter.Finished(reporterMap, "")
					p.blockStatus.Finish(p.jobID, outputMap, "")
				} else {
					p.reporter.Finished(nil, "")
					p.blockStatus.Finish(p.jobID, nil, "")
				}
				return

			case jobplane.MsgBlockRequest:
				if msg.Request != nil {
					p.blockStatus.Request(msg.Request)
				}
			}
		}
	}()
}

func (p *listenerParams) executorName() string {
	if p.executor != nil {
		return p.executor.Name
	}
	if p.service != nil {
		return p.service.executorName
	}
	return ""
}

func rawInputs(inputs InputValues) map[manifest.HandleName]any {
	if inputs == nil {
		return nil
	}
	out := make(map[manifest.HandleName]any, len(inputs))
	for handle, value := range inputs {
		out[handle] = value.Value
	}
	return out
}
