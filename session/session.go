// Package session drives one top-level flow invocation: it resolves the
// root block, connects the job plane, installs signal handling, runs the
// root job to completion, and tears everything down.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/oomol/oocana/common/config"
	"github.com/oomol/oocana/common/logger"
	"github.com/oomol/oocana/common/pubsub"
	"github.com/oomol/oocana/condition"
	"github.com/oomol/oocana/jobplane"
	"github.com/oomol/oocana/manifest"
	"github.com/oomol/oocana/resolver"
	"github.com/oomol/oocana/runtime"
)

// resultSentinel marks a session temp dir as garbage-collectable
const resultSentinel = ".oocana_result.json"

// delayAbortGrace is how long terminal drain handles get to flush logs
const delayAbortGrace = 500 * time.Millisecond

// Options configure one session
type Options struct {
	// Block is the textual reference of the root block
	Block string
	// SessionID defaults to a random UUID
	SessionID jobplane.SessionId

	Transport pubsub.Transport
	// PublishReports controls whether reporter events go out on the
	// transport; the event sink receives them either way.
	PublishReports bool
	EventSink      jobplane.EventSink
	Logger         *logger.Logger
	SearchPaths    []string

	UseCache    bool
	Nodes       []string
	InputValues string

	TempRoot   string
	SessionDir string

	RemoteTask   *config.RemoteTaskConfig
	LayerEnabled bool
}

// Run executes one session and returns its terminal error, nil on success
func Run(ctx context.Context, opts Options) error {
	if opts.SessionID == "" {
		opts.SessionID = jobplane.RandomSessionId()
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	log = log.WithSessionID(string(opts.SessionID))

	baseDir, err := os.Getwd()
	if err != nil {
		baseDir = "."
	}
	finder := resolver.NewPathFinder(baseDir, opts.SearchPaths)
	blockResolver := resolver.NewBlockResolver(log)

	rootBlock, err := blockResolver.ResolveBlock(opts.Block, finder)
	if err != nil {
		return err
	}

	var reportTransport pubsub.Transport
	if opts.PublishReports {
		reportTransport = opts.Transport
	}
	reporter := jobplane.NewReporter(ctx, opts.SessionID, reportTransport, opts.EventSink, log)
	defer reporter.Abort()

	scheduler, err := jobplane.NewScheduler(ctx, opts.SessionID, opts.Transport, log)
	if err != nil {
		return fmt.Errorf("connect scheduler: %w", err)
	}
	defer scheduler.Abort()

	partial := len(opts.Nodes) > 0
	reporter.SessionStarted(rootBlock.PathStr(), partial)

	tempDir, err := prepareSessionDir(opts)
	if err != nil {
		log.Warn("failed to prepare session temp dir", "error", err)
	}

	delayAbort := make(chan func(), 256)

	shared := &runtime.Shared{
		SessionID:     opts.SessionID,
		Scheduler:     scheduler,
		Reporter:      reporter,
		Resolver:      blockResolver,
		Log:           log,
		ConditionEval: condition.NewEvaluator(),
		UseCache:      opts.UseCache,
		RemoteTask:    opts.RemoteTask,
		LayerEnabled:  opts.LayerEnabled,
		DelayAbort:    delayAbort,
	}

	statusTx, statusRx := runtime.NewBlockStatus()

	// SIGINT/SIGTERM inject a session-level Cancelled error, which the
	// root loop turns into an orderly teardown
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)
	go func() {
		select {
		case <-signals:
			statusTx.Error("Cancelled")
		case <-ctx.Done():
		}
	}()

	runErr := driveRootJob(ctx, rootBlock, opts, shared, finder, statusTx, statusRx)

	var errMsg string
	if runErr != nil {
		errMsg = runErr.Error()
	}
	reporter.SessionFinished(rootBlock.PathStr(), errMsg)

	drainDelayAbort(delayAbort)

	if runErr == nil && tempDir != "" {
		if err := os.WriteFile(filepath.Join(tempDir, resultSentinel), []byte("{}"), 0o644); err != nil {
			log.Warn("failed to write session result sentinel", "error", err)
		}
	}

	return runErr
}

func driveRootJob(ctx context.Context, rootBlock manifest.Block, opts Options, shared *runtime.Shared, finder *resolver.PathFinder, statusTx runtime.BlockStatusTx, statusRx runtime.BlockStatusRx) error {
	rootJobID := jobplane.RandomJobId()

	var nodes map[manifest.NodeId]bool
	if len(opts.Nodes) > 0 {
		nodes = make(map[manifest.NodeId]bool, len(opts.Nodes))
		for _, id := range opts.Nodes {
			nodes[manifest.NodeId(id)] = true
		}
	}

	var store *runtime.NodeInputValues
	if flow, isFlow := rootBlock.(*manifest.SubflowBlock); isFlow {
		store = loadRootValueStore(flow, opts)
	}

	rootScope := &jobplane.RuntimeScope{SessionID: opts.SessionID, EnableLayer: opts.LayerEnabled}

	handle := runtime.RunBlock(ctx, runtime.RunBlockArgs{
		Block:          rootBlock,
		Shared:         shared,
		Stacks:         jobplane.NewBlockJobStacks(),
		JobID:          rootJobID,
		BlockStatus:    statusTx,
		Nodes:          nodes,
		ParentScope:    rootScope,
		Scope:          rootScope,
		PathFinder:     finder,
		NodeValueStore: store,
	})
	defer handle.Cancel()

	for {
		select {
		case <-ctx.Done():
			return errors.New("Cancelled")
		case status, ok := <-statusRx.Chan():
			if !ok {
				return nil
			}
			switch st := status.(type) {
			case runtime.StatusDone:
				if st.Error != "" {
					return errors.New(st.Error)
				}
				return nil
			case runtime.StatusError:
				return errors.New(st.Error)
			}
			// root outputs and requests have nowhere further to go; they
			// were already reported by the flow itself
		}
	}
}

func loadRootValueStore(flow *manifest.SubflowBlock, opts Options) *runtime.NodeInputValues {
	saveCache := runtime.CacheDir() != ""
	var store *runtime.NodeInputValues
	if cachePath := runtime.FlowCachePath(flow.Path); opts.UseCache && cachePath != "" {
		store = runtime.RecoverFrom(cachePath, saveCache)
	} else {
		store = runtime.NewNodeInputValues(saveCache)
	}
	if opts.InputValues != "" {
		if err := store.MergeInputValues(opts.InputValues); err != nil && opts.Logger != nil {
			opts.Logger.Warn("failed to merge input values", "error", err)
		}
	}
	return store
}

func prepareSessionDir(opts Options) (string, error) {
	root := opts.TempRoot
	if root == "" {
		root = filepath.Join(os.TempDir(), "oocana")
	}
	dir := filepath.Join(root, manifest.ShortHash(string(opts.SessionID), 16))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func drainDelayAbort(delayAbort chan func()) {
	for {
		select {
		case drain := <-delayAbort:
			done := make(chan struct{})
			go func() {
				drain()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(delayAbortGrace):
			}
		default:
			return
		}
	}
}
