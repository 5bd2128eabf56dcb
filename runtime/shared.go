package runtime

import (
	"context"

	"github.com/oomol/oocana/common/config"
	"github.com/oomol/oocana/condition"
	"github.com/oomol/oocana/jobplane"
	"github.com/oomol/oocana/resolver"
)

// Logger is the narrow logging surface the runtime needs
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Shared is the per-session state every job can reach: the scheduler and
// reporter channels, the block resolver, and session-wide settings.
type Shared struct {
	SessionID jobplane.SessionId
	Scheduler *jobplane.Scheduler
	Reporter  *jobplane.ReporterTx
	Resolver  *resolver.BlockResolver
	Log       Logger

	// ConditionEval caches compiled condition expressions for the session
	ConditionEval *condition.Evaluator

	// UseCache mirrors the session's use-cache option. The session applies
	// it when it builds the root flow's value store; nothing in the runtime
	// reads this field, so nested subflows start from an empty store.
	UseCache bool

	// RemoteTask configures the HTTP bridge for remote_task executors;
	// nil when no API endpoint is configured.
	RemoteTask *config.RemoteTaskConfig

	// LayerEnabled turns on overlay roots for package-scoped executors
	LayerEnabled bool

	// DelayAbort collects drain functions that should run briefly after
	// cancellation so final log lines are flushed.
	DelayAbort chan<- func()
}

// DelayDrain registers a drain function, dropping it when nobody listens
func (s *Shared) DelayDrain(fn func()) {
	if s.DelayAbort == nil {
		return
	}
	select {
	case s.DelayAbort <- fn:
	default:
	}
}

// BlockJobHandle owns one running job. Cancelling it aborts the job's
// goroutines and any OS children tied to its context.
type BlockJobHandle struct {
	JobID  jobplane.JobId
	cancel context.CancelFunc
}

// NewBlockJobHandle ties a job id to its cancel function
func NewBlockJobHandle(jobID jobplane.JobId, cancel context.CancelFunc) *BlockJobHandle {
	return &BlockJobHandle{JobID: jobID, cancel: cancel}
}

// Cancel aborts the job
func (h *BlockJobHandle) Cancel() {
	if h != nil && h.cancel != nil {
		h.cancel()
	}
}
