package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/oomol/oocana/manifest"
)

// shellExecutorName runs entry-style blocks (bin + args) through the
// shell executor.
const shellExecutorName = "shell"

// runTaskBlockJob starts an out-of-process task job: it spawns the
// listener bridging the executor protocol onto the status channel and
// enforces the per-node timeout.
func runTaskBlockJob(ctx context.Context, block *manifest.TaskBlock, args RunBlockArgs) *BlockJobHandle {
	reporter := args.Shared.Reporter.Block(args.JobID, block.Path, args.Stacks)
	reporter.Started(inputValuesForReport(args.Inputs))

	executor := block.Executor
	if executor == nil {
		if block.Entry == nil {
			errMsg := fmt.Sprintf("task block %s has neither executor nor entry", block.Path)
			reporter.Finished(nil, errMsg)
			args.BlockStatus.Finish(args.JobID, nil, errMsg)
			return syncJobHandle(args.JobID)
		}
		executor = &manifest.TaskBlockExecutor{
			Name:    shellExecutorName,
			Options: &manifest.TaskExecutorOptions{Entry: block.Entry.Bin},
		}
	}

	jobCtx, cancel := context.WithCancel(ctx)

	listenToWorker(jobCtx, listenerParams{
		jobID:          args.JobID,
		blockPath:      block.Path,
		stacks:         args.Stacks,
		inputs:         args.Inputs,
		outputsDef:     block.Outputs,
		inputsDef:      block.Inputs,
		inputsDefPatch: args.InputsDefPatch,
		blockStatus:    args.BlockStatus,
		reporter:       reporter,
		executor:       executor,
		blockDir:       block.Dir(),
		scope:          args.Scope,
		injectionStore: injectionStoreFor(args),
		flowPath:       parentFlowPath(args),
		shared:         args.Shared,
	})

	armJobTimeout(jobCtx, cancel, args)

	return NewBlockJobHandle(args.JobID, cancel)
}

// runServiceBlockJob starts a job hosted by a long-lived service executor
func runServiceBlockJob(ctx context.Context, block *manifest.ServiceBlock, args RunBlockArgs) *BlockJobHandle {
	reporter := args.Shared.Reporter.Block(args.JobID, block.Path, args.Stacks)
	reporter.Started(inputValuesForReport(args.Inputs))

	if block.Executor == nil {
		errMsg := fmt.Sprintf("service block %s has no executor", block.Path)
		reporter.Finished(nil, errMsg)
		args.BlockStatus.Finish(args.JobID, nil, errMsg)
		return syncJobHandle(args.JobID)
	}

	jobCtx, cancel := context.WithCancel(ctx)

	listenToWorker(jobCtx, listenerParams{
		jobID:          args.JobID,
		blockPath:      block.Path,
		stacks:         args.Stacks,
		inputs:         args.Inputs,
		outputsDef:     block.Outputs,
		inputsDef:      block.Inputs,
		inputsDefPatch: args.InputsDefPatch,
		blockStatus:    args.BlockStatus,
		reporter:       reporter,
		service: &serviceExecutorPayload{
			blockName:    block.Name,
			executorName: block.Executor.Name,
			executor:     block.Executor,
		},
		blockDir: block.Dir(),
		scope:    args.Scope,
		flowPath: parentFlowPath(args),
		shared:   args.Shared,
	})

	armJobTimeout(jobCtx, cancel, args)

	return NewBlockJobHandle(args.JobID, cancel)
}

// armJobTimeout bounds a single firing: when the node's timeout elapses
// the job finishes with an error and its listener is cancelled.
func armJobTimeout(jobCtx context.Context, cancel context.CancelFunc, args RunBlockArgs) {
	if args.TimeoutSecs == 0 {
		return
	}
	timeout := time.Duration(args.TimeoutSecs) * time.Second
	timer := time.AfterFunc(timeout, func() {
		args.BlockStatus.Finish(args.JobID, nil, fmt.Sprintf("job timed out after %ds", args.TimeoutSecs))
		cancel()
	})
	go func() {
		<-jobCtx.Done()
		timer.Stop()
	}()
}

func injectionStoreFor(args RunBlockArgs) *manifest.InjectionStore {
	if args.ParentFlow == nil {
		return nil
	}
	return args.ParentFlow.InjectionStore
}

func parentFlowPath(args RunBlockArgs) string {
	if args.ParentFlow == nil {
		return ""
	}
	return args.ParentFlow.Path
}
