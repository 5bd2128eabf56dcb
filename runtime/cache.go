package runtime

import (
	"path/filepath"

	"github.com/google/uuid"

	"github.com/oomol/oocana/common/store"
)

// CacheMeta maps absolute flow path to its input-value snapshot file.
// It lives as cache_meta.json inside the cache directory.
type CacheMeta map[string]string

const cacheMetaFileName = "cache_meta.json"

// cacheDir is set once at startup via InitCache and read-only afterwards
var cacheDir string

// InitCache points the runtime at its cache directory. An empty dir
// disables the on-disk cache entirely.
func InitCache(dir string) {
	cacheDir = dir
}

// CacheDir returns the configured cache directory, empty when disabled
func CacheDir() string {
	return cacheDir
}

func cacheMetaPath() string {
	if cacheDir == "" {
		return ""
	}
	return filepath.Join(cacheDir, cacheMetaFileName)
}

// LoadCacheMeta reads the cache meta map; missing file yields an empty map
func LoadCacheMeta() CacheMeta {
	metaPath := cacheMetaPath()
	if metaPath == "" {
		return CacheMeta{}
	}
	meta := CacheMeta{}
	_ = store.LoadJSON(metaPath, &meta)
	if meta == nil {
		meta = CacheMeta{}
	}
	return meta
}

// FlowCachePath looks up the snapshot file recorded for a flow path
func FlowCachePath(flowPath string) string {
	return LoadCacheMeta()[flowPath]
}

// SaveFlowCache persists the store's last values for flowPath, minting and
// recording a snapshot file when none exists yet.
func SaveFlowCache(values *NodeInputValues, flowPath string) error {
	if cacheDir == "" {
		return nil
	}
	if cachePath := FlowCachePath(flowPath); cachePath != "" {
		return values.SaveLastValues(cachePath)
	}

	cachePath := filepath.Join(cacheDir, uuid.NewString()+".json")
	if err := values.SaveLastValues(cachePath); err != nil {
		return err
	}
	meta := LoadCacheMeta()
	meta[flowPath] = cachePath
	return store.SaveAtomic(cacheMetaPath(), meta)
}
