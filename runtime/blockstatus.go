package runtime

import (
	"github.com/oomol/oocana/jobplane"
	"github.com/oomol/oocana/manifest"
)

// Status events flow from running jobs back to the owning flow loop
type Status interface {
	isStatus()
}

// StatusOutput carries one output value from a job
type StatusOutput struct {
	JobID  jobplane.JobId
	Value  *OutputValue
	Handle manifest.HandleName
	Done   bool
}

// StatusOutputMap carries a batch of output values from a job
type StatusOutputMap struct {
	JobID jobplane.JobId
	Map   map[manifest.HandleName]*OutputValue
	Done  bool
}

// StatusDone terminates a job, optionally with a result map or an error
type StatusDone struct {
	JobID  jobplane.JobId
	Result map[manifest.HandleName]*OutputValue
	Error  string
}

// StatusRequest surfaces a context-initiated RPC from user code
type StatusRequest struct {
	Request *jobplane.BlockRequest
}

// StatusError is a session-level error not tied to one job
type StatusError struct {
	Error string
}

func (StatusOutput) isStatus()    {}
func (StatusOutputMap) isStatus() {}
func (StatusDone) isStatus()      {}
func (StatusRequest) isStatus()   {}
func (StatusError) isStatus()     {}

// statusChanSize is large enough that producers effectively never block;
// the flow loop is the single consumer and drains continuously.
const statusChanSize = 4096

// BlockStatusTx is the producer half of a flow invocation's status channel
type BlockStatusTx struct {
	ch chan Status
}

// BlockStatusRx is the consumer half, owned by one flow loop
type BlockStatusRx struct {
	ch chan Status
}

// NewBlockStatus creates a connected status channel pair
func NewBlockStatus() (BlockStatusTx, BlockStatusRx) {
	ch := make(chan Status, statusChanSize)
	return BlockStatusTx{ch: ch}, BlockStatusRx{ch: ch}
}

// Output emits a single handle value
func (tx BlockStatusTx) Output(jobID jobplane.JobId, value *OutputValue, handle manifest.HandleName, done bool) {
	tx.ch <- StatusOutput{JobID: jobID, Value: value, Handle: handle, Done: done}
}

// OutputMap emits a batch of handle values
func (tx BlockStatusTx) OutputMap(jobID jobplane.JobId, m map[manifest.HandleName]*OutputValue, done bool) {
	tx.ch <- StatusOutputMap{JobID: jobID, Map: m, Done: done}
}

// Finish terminates a job with an optional result and error
func (tx BlockStatusTx) Finish(jobID jobplane.JobId, result map[manifest.HandleName]*OutputValue, errMsg string) {
	tx.ch <- StatusDone{JobID: jobID, Result: result, Error: errMsg}
}

// Request surfaces a context RPC to the owning flow loop
func (tx BlockStatusTx) Request(req *jobplane.BlockRequest) {
	tx.ch <- StatusRequest{Request: req}
}

// Error raises a session-level error; it is not tied to a specific job
func (tx BlockStatusTx) Error(errMsg string) {
	tx.ch <- StatusError{Error: errMsg}
}

// Recv returns the next status, blocking until one arrives or the channel
// closes (second return false).
func (rx BlockStatusRx) Recv() (Status, bool) {
	status, ok := <-rx.ch
	return status, ok
}

// Chan exposes the underlying channel for select loops
func (rx BlockStatusRx) Chan() <-chan Status {
	return rx.ch
}
