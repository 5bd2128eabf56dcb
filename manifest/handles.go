package manifest

import (
	"encoding/json"

	"gopkg.in/yaml.v3"
)

// HandleName identifies a typed port on a block
type HandleName string

// NodeId identifies a node within its enclosing flow
type NodeId string

// Content media types that govern output cacheability
const (
	OomolVarData    = "oomol/var"
	OomolSecretData = "oomol/secret"
	OomolBinData    = "oomol/bin"

	// OomolTypeKey marks an object value as a non-serializable runtime reference
	OomolTypeKey = "__OOMOL_TYPE__"
)

// ValueState is the present half of the tri-state an input `value:` key can
// be in: key absent (nil *ValueState), `value: null` (Null set), or a
// concrete value. The manifest reader normalizes raw YAML into this shape.
type ValueState struct {
	Null bool
	Val  any
}

// SomeValue wraps a concrete value
func SomeValue(v any) *ValueState {
	if v == nil {
		return &ValueState{Null: true}
	}
	return &ValueState{Val: v}
}

// NullValue is an explicit `value: null`
func NullValue() *ValueState {
	return &ValueState{Null: true}
}

// Value returns the wrapped value, nil when Null
func (v *ValueState) Value() any {
	if v == nil || v.Null {
		return nil
	}
	return v.Val
}

func (v ValueState) MarshalJSON() ([]byte, error) {
	if v.Null {
		return []byte("null"), nil
	}
	return json.Marshal(v.Val)
}

func (v *ValueState) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		v.Null = true
		v.Val = nil
		return nil
	}
	v.Null = false
	return json.Unmarshal(data, &v.Val)
}

func (v *ValueState) UnmarshalYAML(node *yaml.Node) error {
	if node.Tag == "!!null" {
		v.Null = true
		v.Val = nil
		return nil
	}
	v.Null = false
	return node.Decode(&v.Val)
}

// InputHandle describes one input port
type InputHandle struct {
	Handle HandleName `yaml:"handle" json:"handle"`
	// Value is nil when the manifest has no value key. An explicit
	// `value: null` combined with Nullable resolves to a null input.
	Value        *ValueState    `yaml:"value,omitempty" json:"value,omitempty"`
	Remember     bool           `yaml:"remember,omitempty" json:"remember,omitempty"`
	Nullable     bool           `yaml:"nullable,omitempty" json:"nullable,omitempty"`
	IsAdditional bool           `yaml:"is_additional,omitempty" json:"is_additional,omitempty"`
	JSONSchema   map[string]any `yaml:"json_schema,omitempty" json:"json_schema,omitempty"`
	Description  string         `yaml:"description,omitempty" json:"description,omitempty"`
}

// yamlInputHandle mirrors InputHandle minus the Value key so the custom
// unmarshaller can detect key absence.
type yamlInputHandle struct {
	Handle       HandleName     `yaml:"handle"`
	Remember     bool           `yaml:"remember"`
	Nullable     bool           `yaml:"nullable"`
	IsAdditional bool           `yaml:"is_additional"`
	JSONSchema   map[string]any `yaml:"json_schema"`
	Description  string         `yaml:"description"`
}

func (h *InputHandle) UnmarshalYAML(node *yaml.Node) error {
	var raw yamlInputHandle
	if err := node.Decode(&raw); err != nil {
		return err
	}
	h.Handle = raw.Handle
	h.Remember = raw.Remember
	h.Nullable = raw.Nullable
	h.IsAdditional = raw.IsAdditional
	h.JSONSchema = raw.JSONSchema
	h.Description = raw.Description
	h.Value = nil

	// mapping nodes come as [key, value, key, value, ...]
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value != "value" {
			continue
		}
		var vs ValueState
		if err := vs.UnmarshalYAML(node.Content[i+1]); err != nil {
			return err
		}
		h.Value = &vs
		break
	}
	return nil
}

// HasValue reports whether the handle carries an inline value, counting an
// explicit null only when the handle is nullable.
func (h *InputHandle) HasValue() bool {
	if h.Value == nil {
		return false
	}
	if h.Value.Null {
		return h.Nullable
	}
	return true
}

// OutputHandle describes one output port
type OutputHandle struct {
	Handle      HandleName     `yaml:"handle" json:"handle"`
	JSONSchema  map[string]any `yaml:"json_schema,omitempty" json:"json_schema,omitempty"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
}

// ContentMediaType returns the schema's contentMediaType, empty when unset
func (h *OutputHandle) ContentMediaType() string {
	if h.JSONSchema == nil {
		return ""
	}
	if t, ok := h.JSONSchema["contentMediaType"].(string); ok {
		return t
	}
	return ""
}

// InputHandles maps handle name to descriptor
type InputHandles map[HandleName]*InputHandle

// OutputHandles maps handle name to descriptor
type OutputHandles map[HandleName]*OutputHandle

// ToInputHandles indexes a manifest handle list by name
func ToInputHandles(handles []*InputHandle) InputHandles {
	if len(handles) == 0 {
		return nil
	}
	m := make(InputHandles, len(handles))
	for _, h := range handles {
		m[h.Handle] = h
	}
	return m
}

// ToOutputHandles indexes a manifest handle list by name
func ToOutputHandles(handles []*OutputHandle) OutputHandles {
	if len(handles) == 0 {
		return nil
	}
	m := make(OutputHandles, len(handles))
	for _, h := range handles {
		m[h.Handle] = h
	}
	return m
}

// PatchSchema is the schema fragment an InputDefPatch applies
type PatchSchema struct {
	ContentMediaType string `yaml:"contentMediaType" json:"contentMediaType"`
}

// InputDefPatch marks a field inside an input value with a schema override.
// Downstream consumers use it to redact secret fields.
type InputDefPatch struct {
	Path   any         `yaml:"path,omitempty" json:"path,omitempty"`
	Schema PatchSchema `yaml:"schema" json:"schema"`
}

// InputDefPatchMap maps input handle to its field-level overrides
type InputDefPatchMap map[HandleName][]InputDefPatch
