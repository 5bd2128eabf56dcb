package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ScopeKind discriminates where a node's executor runs
type ScopeKind string

const (
	ScopeGlobal  ScopeKind = "global"
	ScopeFlow    ScopeKind = "flow"
	ScopePackage ScopeKind = "package"
	ScopeSlot    ScopeKind = "slot"
)

// RunningScope is the execution context a block runs under: which package
// root backs the executor, whether a filesystem layer is overlaid, and the
// injection target when the node carries a script overlay.
type RunningScope struct {
	Kind        ScopeKind
	PackagePath string
	PackageName string
	NodeID      *NodeId
	IsInject    bool
}

// GlobalScope is the scope of the root flow outside any package
func GlobalScope() *RunningScope {
	return &RunningScope{Kind: ScopeGlobal}
}

// FlowScope scopes an injected node to its flow
func FlowScope(nodeID NodeId) *RunningScope {
	id := nodeID
	return &RunningScope{Kind: ScopeFlow, NodeID: &id}
}

// PackageScope scopes a node to a package root
func PackageScope(path, name string, nodeID *NodeId) *RunningScope {
	return &RunningScope{Kind: ScopePackage, PackagePath: path, PackageName: name, NodeID: nodeID}
}

// SlotScope marks a slot-provided block running under the caller's package
func SlotScope(path string) *RunningScope {
	return &RunningScope{Kind: ScopeSlot, PackagePath: path}
}

// Identifier is the short hash executors echo back in ExecutorReady so a
// listener can tell which scope a ready executor serves. Empty for scopes
// with no dedicated executor placement.
func (s *RunningScope) Identifier() string {
	if s == nil {
		return ""
	}
	var str string
	switch s.Kind {
	case ScopeFlow:
		if s.NodeID == nil {
			return ""
		}
		str = fmt.Sprintf("flow-%s", *s.NodeID)
	case ScopePackage:
		if s.NodeID != nil {
			str = fmt.Sprintf("%s-%s", s.PackagePath, *s.NodeID)
		} else {
			str = s.PackagePath
		}
	default:
		return ""
	}
	return ShortHash(str, 16)
}

// ShortHash returns the first n hex chars of the sha256 of s
func ShortHash(s string, n int) string {
	sum := sha256.Sum256([]byte(s))
	h := hex.EncodeToString(sum[:])
	if n > len(h) {
		n = len(h)
	}
	return h[:n]
}
