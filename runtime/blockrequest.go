package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/oomol/oocana/jobplane"
	"github.com/oomol/oocana/manifest"
)

// handleBlockRequest services run_block / query_block RPCs issued by user
// code mid-execution. It runs inside the flow loop, so it may touch the
// run context freely.
func handleBlockRequest(ctx context.Context, req *jobplane.BlockRequest, shared *flowShared, runCtx *runFlowContext) {
	switch req.Type {
	case jobplane.RequestRunBlock:
		handleRunBlockRequest(ctx, req, shared, runCtx)
	case jobplane.RequestQueryBlock:
		handleQueryBlockRequest(ctx, req, shared)
	default:
		respondBlockRequest(ctx, shared, req, nil, fmt.Sprintf("unknown block request type: %s", req.Type))
	}
}

func handleRunBlockRequest(ctx context.Context, req *jobplane.BlockRequest, shared *flowShared, runCtx *runFlowContext) {
	log := shared.shared.Log

	taskPath, err := shared.pathFinder.FindTaskBlockPath(req.Block)
	if err != nil {
		msg := fmt.Sprintf("Failed to find task block path for block: %s. Error: %v", req.Block, err)
		log.Warn(msg)
		respondBlockRequest(ctx, shared, req, nil, msg)
		return
	}

	task, err := shared.shared.Resolver.ReadTaskBlock(taskPath)
	if err != nil {
		msg := fmt.Sprintf("Failed to read task block from path: %s. Error: %v", taskPath, err)
		log.Warn(msg)
		respondBlockRequest(ctx, shared, req, nil, msg)
		return
	}

	inputsDef := mergeAdditionalInputsDef(task.Inputs, req.AdditionalInputsDef)

	if missing := missingInputHandles(inputsDef, req.Inputs); len(missing) > 0 {
		msg := fmt.Sprintf("Task block %s inputs missing these input handles: %v", req.Block, missing)
		log.Warn(msg)
		respondBlockRequest(ctx, shared, req, nil, msg)
		return
	}

	if req.Strict {
		if err := validateInputsAgainstSchema(inputsDef, req.Inputs); err != nil {
			msg := fmt.Sprintf("Task block %s inputs failed validation: %v", req.Block, err)
			log.Warn(msg)
			respondBlockRequest(ctx, shared, req, nil, msg)
			return
		}
	}

	inputs := make(InputValues, len(req.Inputs))
	for handle, value := range req.Inputs {
		inputs[handle] = NewOutputValue(value)
	}

	childJobID := req.BlockJobID
	if childJobID == "" {
		childJobID = jobplane.RandomJobId()
	}
	nodeID := manifest.NodeId(RunBlockNodePrefix + req.Block)

	log.Info("running task block from context request", "block", req.Block, "job_id", childJobID)

	// the child's outputs come back on a private channel: its terminal
	// Done answers the request, and is forwarded for job bookkeeping
	proxyTx, proxyRx := NewBlockStatus()
	request := *req
	go func() {
		collected := make(map[manifest.HandleName]any)
		for status := range proxyRx.Chan() {
			switch st := status.(type) {
			case StatusOutput:
				collected[st.Handle] = st.Value.Value
			case StatusOutputMap:
				for handle, value := range st.Map {
					collected[handle] = value.Value
				}
			case StatusDone:
				for handle, value := range st.Result {
					collected[handle] = value.Value
				}
				if st.Error != "" {
					respondBlockRequest(ctx, shared, &request, nil, st.Error)
				} else {
					respondBlockRequest(ctx, shared, &request, collected, "")
				}
				forwardStatus(runCtx.blockStatus, status)
				return
			}
		}
	}()

	handle := RunBlock(ctx, RunBlockArgs{
		Block:       task,
		Shared:      shared.shared,
		ParentFlow:  shared.flowBlock,
		Stacks:      shared.stacks.Stack(shared.jobID, shared.flowBlock.Path, nodeID),
		JobID:       childJobID,
		Inputs:      inputs,
		BlockStatus: proxyTx,
		ParentScope: shared.parentScope,
		Scope:       shared.scope,
		PathFinder:  shared.pathFinder,
	})
	if handle != nil {
		runCtx.jobs[childJobID] = &blockInFlowJob{nodeID: nodeID, handle: handle}
	}
}

func handleQueryBlockRequest(ctx context.Context, req *jobplane.BlockRequest, shared *flowShared) {
	taskPath, err := shared.pathFinder.FindTaskBlockPath(req.Block)
	if err != nil {
		msg := fmt.Sprintf("Failed to find task block path for block: %s. Error: %v", req.Block, err)
		shared.shared.Log.Warn(msg)
		respondBlockRequest(ctx, shared, req, nil, msg)
		return
	}

	task, err := shared.shared.Resolver.ReadTaskBlock(taskPath)
	if err != nil {
		msg := fmt.Sprintf("Failed to read task block from path: %s. Error: %v", taskPath, err)
		shared.shared.Log.Warn(msg)
		respondBlockRequest(ctx, shared, req, nil, msg)
		return
	}

	metadata := map[string]any{
		"type":               string(task.BlockType()),
		"description":        task.Description,
		"inputs_def":         task.Inputs,
		"outputs_def":        task.Outputs,
		"additional_inputs":  task.AllowAddInputs,
		"additional_outputs": task.AllowAddOutputs,
	}
	respondBlockRequest(ctx, shared, req, metadata, "")
}

func respondBlockRequest(ctx context.Context, shared *flowShared, req *jobplane.BlockRequest, result any, errMsg string) {
	shared.shared.Scheduler.RespondBlockRequest(ctx, jobplane.BlockResponseParams{
		JobID:     req.JobID,
		RequestID: req.RequestID,
		Result:    result,
		Error:     errMsg,
	})
}

// mergeAdditionalInputsDef overlays caller-supplied handle definitions
// onto the target block's static inputs_def. On a name collision the two
// definitions are JSON merge-patched with the caller winning.
func mergeAdditionalInputsDef(static manifest.InputHandles, additional []*manifest.InputHandle) manifest.InputHandles {
	if len(additional) == 0 {
		return static
	}
	merged := make(manifest.InputHandles, len(static)+len(additional))
	for handle, def := range static {
		merged[handle] = def
	}
	for _, add := range additional {
		existing, ok := merged[add.Handle]
		if !ok {
			merged[add.Handle] = add
			continue
		}
		patched, err := mergeInputHandle(existing, add)
		if err != nil {
			merged[add.Handle] = add
			continue
		}
		merged[add.Handle] = patched
	}
	return merged
}

func mergeInputHandle(base, override *manifest.InputHandle) (*manifest.InputHandle, error) {
	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	overrideJSON, err := json.Marshal(override)
	if err != nil {
		return nil, err
	}
	mergedJSON, err := jsonpatch.MergePatch(baseJSON, overrideJSON)
	if err != nil {
		return nil, err
	}
	var merged manifest.InputHandle
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

func missingInputHandles(inputsDef manifest.InputHandles, inputs map[manifest.HandleName]any) []string {
	var missing []string
	for handle, def := range inputsDef {
		if def.HasValue() || def.Nullable {
			continue
		}
		if _, ok := inputs[handle]; !ok {
			missing = append(missing, string(handle))
		}
	}
	sort.Strings(missing)
	return missing
}

// validateInputsAgainstSchema checks each supplied input against its
// handle's JSON schema, when one is declared.
func validateInputsAgainstSchema(inputsDef manifest.InputHandles, inputs map[manifest.HandleName]any) error {
	for handle, def := range inputsDef {
		if def.JSONSchema == nil {
			continue
		}
		value, ok := inputs[handle]
		if !ok {
			continue
		}
		schemaJSON, err := json.Marshal(def.JSONSchema)
		if err != nil {
			return fmt.Errorf("handle %s: serialize schema: %w", handle, err)
		}
		schema, err := jsonschema.CompileString(fmt.Sprintf("%s.json", handle), string(schemaJSON))
		if err != nil {
			return fmt.Errorf("handle %s: compile schema: %w", handle, err)
		}
		if err := schema.Validate(value); err != nil {
			return fmt.Errorf("handle %s: %w", handle, err)
		}
	}
	return nil
}
