package runtime

import (
	"os"

	"github.com/oomol/oocana/manifest"
)

// OutputValue is one value flowing along an edge. Values are shared by
// pointer between queues and fan-out targets; nobody mutates them after
// creation. Cacheable controls whether the value may be retained across
// firings and written to the flow's input cache.
type OutputValue struct {
	Value     any  `json:"value"`
	Cacheable bool `json:"cacheable"`
}

// NewOutputValue wraps a plain cacheable value
func NewOutputValue(value any) *OutputValue {
	return &OutputValue{Value: value, Cacheable: true}
}

// ClassifyOutput decides cacheability for a handle value per the output
// schema: objects carrying the runtime-reference sentinel are never
// serializable; oomol/secret and oomol/bin values are never cached;
// oomol/var values cache only as basic scalars or when their
// serialize_path points at an existing file.
func ClassifyOutput(handle manifest.HandleName, value any, outputsDef manifest.OutputHandles) *OutputValue {
	return &OutputValue{Value: value, Cacheable: isJSONSerializable(handle, value, outputsDef)}
}

func isJSONSerializable(handle manifest.HandleName, value any, outputsDef manifest.OutputHandles) bool {
	if obj, ok := value.(map[string]any); ok {
		if _, tagged := obj[manifest.OomolTypeKey]; tagged {
			return false
		}
	}

	if outputsDef == nil {
		return true
	}
	def, ok := outputsDef[handle]
	if !ok || def.JSONSchema == nil {
		return true
	}
	mediaType, ok := def.JSONSchema["contentMediaType"].(string)
	if !ok {
		return true
	}

	switch mediaType {
	case manifest.OomolVarData:
		if isBasicScalar(value) {
			return true
		}
		return hasExistingSerializePath(value)
	case manifest.OomolBinData, manifest.OomolSecretData:
		return false
	default:
		return true
	}
}

func isBasicScalar(value any) bool {
	switch value.(type) {
	case bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	}
	return false
}

// hasExistingSerializePath accepts a var value whose serialize_path key
// references a file that exists on disk.
func hasExistingSerializePath(value any) bool {
	obj, ok := value.(map[string]any)
	if !ok {
		return false
	}
	path, ok := obj["serialize_path"].(string)
	if !ok || path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
