package runtime

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/oomol/oocana/manifest"
	"github.com/oomol/oocana/remote"
)

const (
	remotePollInterval        = 2 * time.Second
	remoteMaxConsecutiveFails = 3
	remoteDefaultTimeoutSecs  = 1800
)

// runRemoteBlockJob bridges a remote_task block to the external HTTP task
// API: create, poll at a fixed interval tolerating transient transport
// errors, then map the terminal result back onto the status channel.
func runRemoteBlockJob(ctx context.Context, block *manifest.TaskBlock, args RunBlockArgs) *BlockJobHandle {
	reporter := args.Shared.Reporter.Block(args.JobID, block.Path, args.Stacks)
	reporter.Started(inputValuesForReport(args.Inputs))

	cfg := args.Shared.RemoteTask
	if cfg == nil || cfg.BaseURL == "" {
		msg := "Remote task execution requested but no API configuration provided. " +
			"Set --task-api-url or OOCANA_TASK_API_URL."
		args.Shared.Log.Warn(msg)
		reporter.Finished(nil, msg)
		args.BlockStatus.Finish(args.JobID, nil, msg)
		return syncJobHandle(args.JobID)
	}

	packageName, packageVersion, blockName, err := inferRemoteParams(block)
	if err != nil {
		reporter.Finished(nil, err.Error())
		args.BlockStatus.Finish(args.JobID, nil, err.Error())
		return syncJobHandle(args.JobID)
	}

	var inputValues map[string]any
	if args.Inputs != nil {
		inputValues = make(map[string]any, len(args.Inputs))
		for handle, value := range args.Inputs {
			inputValues[string(handle)] = value.Value
		}
	}

	client := remote.NewClient(cfg.BaseURL)
	if cfg.AuthToken != "" {
		client = client.WithToken(cfg.AuthToken)
	}

	// Timeout priority: per-block metadata > CLI/env var > default 30min
	timeoutSecs := uint64(remoteDefaultTimeoutSecs)
	if cfg.TimeoutSecs > 0 {
		timeoutSecs = cfg.TimeoutSecs
	}
	if block.RemoteTimeoutSecs != nil {
		timeoutSecs = *block.RemoteTimeoutSecs
	}

	jobCtx, cancel := context.WithCancel(ctx)

	go func() {
		payload := remote.NewServerlessTask(packageName, packageVersion, blockName, inputValues)
		taskID, err := client.CreateUserTask(jobCtx, payload)
		if err != nil {
			msg := fmt.Sprintf("Failed to create remote task: %v", err)
			reporter.Finished(nil, msg)
			args.BlockStatus.Finish(args.JobID, nil, msg)
			return
		}

		reporter.Log(fmt.Sprintf("Remote task created: %s", taskID), "remote_task")

		var deadline time.Time
		if timeoutSecs > 0 {
			deadline = time.Now().Add(time.Duration(timeoutSecs) * time.Second)
		}

		consecutiveErrors := 0
		for {
			select {
			case <-jobCtx.Done():
				return
			case <-time.After(remotePollInterval):
			}

			if !deadline.IsZero() && time.Now().After(deadline) {
				msg := fmt.Sprintf("Remote task %s timed out after %ds", taskID, timeoutSecs)
				reporter.Finished(nil, msg)
				args.BlockStatus.Finish(args.JobID, nil, msg)
				return
			}

			detail, err := client.GetTaskDetail(jobCtx, taskID)
			if err != nil {
				consecutiveErrors++
				reporter.Log(fmt.Sprintf("Poll error (%d/%d): %v",
					consecutiveErrors, remoteMaxConsecutiveFails, err), "remote_task")
				if consecutiveErrors >= remoteMaxConsecutiveFails {
					msg := fmt.Sprintf("Remote task %s polling failed after %d consecutive errors: %v",
						taskID, remoteMaxConsecutiveFails, err)
					reporter.Finished(nil, msg)
					args.BlockStatus.Finish(args.JobID, nil, msg)
					return
				}
				continue
			}
			consecutiveErrors = 0

			reporter.Progress(detail.Progress)

			switch detail.Status {
			case remote.StatusSuccess:
				result, err := client.GetTaskResult(jobCtx, taskID)
				if err != nil {
					msg := fmt.Sprintf("Failed to fetch remote task %s result: %v", taskID, err)
					reporter.Finished(nil, msg)
					args.BlockStatus.Finish(args.JobID, nil, msg)
					return
				}
				outputMap := make(map[manifest.HandleName]*OutputValue, len(result.ResultData))
				reporterMap := make(map[manifest.HandleName]any, len(result.ResultData))
				for key, value := range result.ResultData {
					handle := manifest.HandleName(key)
					outputMap[handle] = ClassifyOutput(handle, value, block.Outputs)
					reporterMap[handle] = value
				}
				reporter.Finished(reporterMap, "")
				args.BlockStatus.Finish(args.JobID, outputMap, "")
				return

			case remote.StatusFailed:
				msg := detail.FailedMessage
				if msg == "" {
					msg = fmt.Sprintf("Remote task %s failed", taskID)
				}
				reporter.Finished(nil, msg)
				args.BlockStatus.Finish(args.JobID, nil, msg)
				return
			}
			// queued, scheduling, scheduled, running: keep polling
		}
	}()

	return NewBlockJobHandle(args.JobID, cancel)
}

// inferRemoteParams derives the serverless task coordinates from the
// block's remote manifest, falling back to the package directory layout.
func inferRemoteParams(block *manifest.TaskBlock) (pkg, version, name string, err error) {
	if block.Remote != nil {
		pkg = block.Remote.Package
		version = block.Remote.Version
		name = block.Remote.BlockName
	}
	if pkg == "" && block.PackagePath != "" {
		pkg = filepath.Base(block.PackagePath)
	}
	if name == "" && block.Path != "" {
		name = filepath.Base(filepath.Dir(block.Path))
	}
	if pkg == "" || name == "" {
		return "", "", "", fmt.Errorf("remote task block %s is missing package or block name", block.Path)
	}
	return pkg, version, name, nil
}
