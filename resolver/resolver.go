package resolver

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/oomol/oocana/common/logger"
	"github.com/oomol/oocana/manifest"
)

// Logger is the narrow logging surface the resolver needs
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// BlockResolver resolves textual block references into concrete Blocks.
// Resolved flows, tasks and services are cached by absolute manifest path,
// so two resolutions of the same path yield the same shared pointer.
type BlockResolver struct {
	mu           sync.RWMutex
	flowCache    map[string]*manifest.SubflowBlock
	taskCache    map[string]*manifest.TaskBlock
	serviceCache map[string]*manifest.Service

	// reading tracks flow paths currently being parsed, so a child that
	// references an ancestor gets a lazy reference instead of recursing
	// forever.
	reading map[string]bool
	// lazyNodes collects subflow nodes holding lazy references; the second
	// pass after the root parse swaps them for cache entries.
	lazyNodes []*manifest.SubflowNode

	log Logger
}

// NewBlockResolver creates an empty resolver
func NewBlockResolver(log Logger) *BlockResolver {
	if log == nil {
		log = logger.Discard()
	}
	return &BlockResolver{
		flowCache:    make(map[string]*manifest.SubflowBlock),
		taskCache:    make(map[string]*manifest.TaskBlock),
		serviceCache: make(map[string]*manifest.Service),
		reading:      make(map[string]bool),
		log:          log,
	}
}

// ResolveFlowBlock resolves a flow reference and reads the flow graph
func (r *BlockResolver) ResolveFlowBlock(name string, finder *PathFinder) (*manifest.SubflowBlock, error) {
	flowPath, err := finder.FindFlowBlockPath(name)
	if err != nil {
		return nil, err
	}
	return r.ReadFlowBlock(flowPath, finder)
}

// ReadFlowBlock reads and caches the flow at flowPath. Cycles are closed
// with lazy references resolved after the outermost read returns.
func (r *BlockResolver) ReadFlowBlock(flowPath string, finder *PathFinder) (*manifest.SubflowBlock, error) {
	r.mu.RLock()
	cached := r.flowCache[flowPath]
	r.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	r.mu.Lock()
	root := len(r.reading) == 0
	r.reading[flowPath] = true
	r.mu.Unlock()

	flow, err := r.readFlow(flowPath, finder)

	r.mu.Lock()
	delete(r.reading, flowPath)
	if err == nil {
		r.flowCache[flowPath] = flow
	}
	lazy := r.lazyNodes
	if root {
		r.lazyNodes = nil
	}
	r.mu.Unlock()

	if err != nil {
		return nil, err
	}

	if root {
		if err := r.resolveLazyReferences(lazy); err != nil {
			return nil, err
		}
	}
	return flow, nil
}

// resolveLazyReferences is the second pass that swaps lazy references for
// the now-populated cache entries. A reference that still resolves to
// nothing is a programming error in the resolver itself.
func (r *BlockResolver) resolveLazyReferences(nodes []*manifest.SubflowNode) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, node := range nodes {
		if node.Flow == nil || !node.Flow.IsLazy() {
			continue
		}
		resolved := r.flowCache[node.Flow.LazyPath]
		if resolved == nil {
			return fmt.Errorf("lazy flow reference %s on node %s was never resolved", node.Flow.LazyPath, node.ID())
		}
		node.Flow.Resolved = resolved
	}
	return nil
}

// ResolveTaskNodeBlock resolves a node's task reference, inline or by path
func (r *BlockResolver) ResolveTaskNodeBlock(block *manifest.TaskNodeBlock, finder *PathFinder) (*manifest.TaskBlock, error) {
	if block.Inline != nil {
		return taskFromManifest(block.Inline, "", ""), nil
	}
	taskPath, err := finder.FindTaskBlockPath(block.File)
	if err != nil {
		return nil, err
	}
	return r.ReadTaskBlock(taskPath)
}

// ReadTaskBlock reads and caches the task manifest at taskPath
func (r *BlockResolver) ReadTaskBlock(taskPath string) (*manifest.TaskBlock, error) {
	r.mu.RLock()
	cached := r.taskCache[taskPath]
	r.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	var raw manifest.TaskManifest
	if err := manifest.ReadYAMLFile(taskPath, &raw); err != nil {
		return nil, err
	}
	task := taskFromManifest(&raw, taskPath, packagePath(taskPath))

	r.mu.Lock()
	r.taskCache[taskPath] = task
	r.mu.Unlock()
	return task, nil
}

// ResolveServiceNodeBlock resolves `pkg::service::op` or `self::service::op`
// into the named block of the service manifest.
func (r *BlockResolver) ResolveServiceNodeBlock(ref string, finder *PathFinder) (*manifest.ServiceBlock, error) {
	servicePath, err := finder.FindServiceBlockPath(ref)
	if err != nil {
		return nil, err
	}
	parts := strings.Split(ref, "::")
	blockName := parts[len(parts)-1]
	return r.ReadServiceBlock(servicePath, blockName)
}

// ReadService reads and caches the service manifest at servicePath
func (r *BlockResolver) ReadService(servicePath string) (*manifest.Service, error) {
	r.mu.RLock()
	cached := r.serviceCache[servicePath]
	r.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	var raw manifest.ServiceManifest
	if err := manifest.ReadYAMLFile(servicePath, &raw); err != nil {
		return nil, err
	}

	pkgPath := packagePath(servicePath)
	service := &manifest.Service{
		Executor:    raw.Executor,
		Blocks:      make(map[string]*manifest.ServiceBlock, len(raw.Blocks)),
		Path:        servicePath,
		PackagePath: pkgPath,
	}
	for _, b := range raw.Blocks {
		service.Blocks[b.Name] = &manifest.ServiceBlock{
			Name:        b.Name,
			Description: b.Description,
			Executor:    raw.Executor,
			Inputs:      manifest.ToInputHandles(b.InputsDef),
			Outputs:     manifest.ToOutputHandles(b.OutputsDef),
			Path:        servicePath,
			PackagePath: pkgPath,
		}
	}

	r.mu.Lock()
	r.serviceCache[servicePath] = service
	r.mu.Unlock()
	return service, nil
}

// ReadServiceBlock reads a service manifest and picks one named block
func (r *BlockResolver) ReadServiceBlock(servicePath, blockName string) (*manifest.ServiceBlock, error) {
	service, err := r.ReadService(servicePath)
	if err != nil {
		return nil, err
	}
	block := service.Blocks[blockName]
	if block == nil {
		return nil, fmt.Errorf("block %s not found in service %s", blockName, servicePath)
	}
	return block, nil
}

// ReadSlotBlock builds a slot block from its inline manifest
func (r *BlockResolver) ReadSlotBlock(raw *manifest.SlotManifest) *manifest.SlotBlock {
	return &manifest.SlotBlock{
		Description: raw.Description,
		Inputs:      manifest.ToInputHandles(raw.InputsDef),
		Outputs:     manifest.ToOutputHandles(raw.OutputsDef),
	}
}

// ResolveBlock resolves a bare reference, trying flow, task, then service
func (r *BlockResolver) ResolveBlock(name string, finder *PathFinder) (manifest.Block, error) {
	if flowPath, err := finder.FindFlowBlockPath(name); err == nil {
		flow, err := r.ReadFlowBlock(flowPath, finder)
		if err == nil {
			return flow, nil
		}
		if strings.HasPrefix(filepath.Base(flowPath), "block.") {
			return nil, err
		}
	}

	if taskPath, err := finder.FindTaskBlockPath(name); err == nil {
		task, err := r.ReadTaskBlock(taskPath)
		if err == nil {
			return task, nil
		}
		if strings.HasPrefix(filepath.Base(taskPath), "block.") {
			return nil, err
		}
	}

	if servicePath, err := finder.FindServiceBlockPath(name); err == nil {
		parts := strings.Split(name, "::")
		block, err := r.ReadServiceBlock(servicePath, parts[len(parts)-1])
		if err == nil {
			return block, nil
		}
	}

	return nil, &NotFoundError{Ref: name, Kind: "block", SearchPaths: append([]string{finder.BaseDir}, finder.SearchPaths...)}
}

func taskFromManifest(raw *manifest.TaskManifest, path, pkgPath string) *manifest.TaskBlock {
	task := &manifest.TaskBlock{
		Description:     raw.Description,
		Executor:        raw.Executor,
		Entry:           raw.Entry,
		Inputs:          manifest.ToInputHandles(raw.InputsDef),
		Outputs:         manifest.ToOutputHandles(raw.OutputsDef),
		AllowAddInputs:  bool(raw.AdditionalInputs),
		AllowAddOutputs: bool(raw.AdditionalOutputs),
		Path:            path,
		PackagePath:     pkgPath,
	}
	if raw.Remote != nil {
		task.Remote = raw.Remote
		task.RemoteTimeoutSecs = raw.Remote.TimeoutSecs
	}
	return task
}

// packagePath maps a/b/tasks/<name>/block.oo.yaml onto a/b
func packagePath(manifestPath string) string {
	dir := filepath.Dir(manifestPath)
	return filepath.Dir(filepath.Dir(dir))
}
