package manifest

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseError wraps a YAML or semantic failure for one manifest file
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse manifest %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// FlowManifest is the raw shape of a subflow.oo.yaml / flow.oo.yaml file
type FlowManifest struct {
	Description string           `yaml:"description"`
	Nodes       []*NodeManifest  `yaml:"nodes"`
	InputsDef   []*InputHandle   `yaml:"inputs_def"`
	OutputsDef  []*OutputHandle  `yaml:"outputs_def"`
	OutputsFrom []*NodeInputFrom `yaml:"outputs_from"`
}

// TaskManifest is the raw shape of a task.oo.yaml / block.oo.yaml file
type TaskManifest struct {
	Description       string             `yaml:"description"`
	Executor          *TaskBlockExecutor `yaml:"executor"`
	Entry             *EntryBlock        `yaml:"entry"`
	InputsDef         []*InputHandle     `yaml:"inputs_def"`
	OutputsDef        []*OutputHandle    `yaml:"outputs_def"`
	AdditionalInputs  FlexBool           `yaml:"additional_inputs"`
	AdditionalOutputs FlexBool           `yaml:"additional_outputs"`
	// Remote bridge settings for remote_task executors
	Remote *RemoteManifest `yaml:"remote"`
}

// RemoteManifest carries per-block remote task settings
type RemoteManifest struct {
	TimeoutSecs *uint64 `yaml:"timeout"`
	Package     string  `yaml:"package"`
	Version     string  `yaml:"version"`
	BlockName   string  `yaml:"block_name"`
}

// SlotManifest is the raw shape of a slot.oo.yaml file or an inline slot
type SlotManifest struct {
	Description string          `yaml:"description"`
	InputsDef   []*InputHandle  `yaml:"inputs_def"`
	OutputsDef  []*OutputHandle `yaml:"outputs_def"`
}

// ServiceManifest is the raw shape of a service.oo.yaml file
type ServiceManifest struct {
	Executor *TaskBlockExecutor      `yaml:"executor"`
	Blocks   []*ServiceBlockManifest `yaml:"blocks"`
}

// ServiceBlockManifest is one block exposed by a service
type ServiceBlockManifest struct {
	Name        string          `yaml:"name"`
	Description string          `yaml:"description"`
	InputsDef   []*InputHandle  `yaml:"inputs_def"`
	OutputsDef  []*OutputHandle `yaml:"outputs_def"`
}

// PackageManifest is the raw shape of a package.oo.yaml file
type PackageManifest struct {
	Name         string            `yaml:"name"`
	Version      string            `yaml:"version"`
	Dependencies map[string]string `yaml:"dependencies"`
	Scripts      *PackageScripts   `yaml:"scripts"`
}

// PackageScripts holds package lifecycle hooks
type PackageScripts struct {
	Bootstrap string `yaml:"bootstrap"`
}

// ConditionManifest is the inline shape of a condition node body
type ConditionManifest struct {
	Description string            `yaml:"description"`
	Cases       []*ConditionCase  `yaml:"cases"`
	Default     *ConditionDefault `yaml:"default"`
	InputsDef   []*InputHandle    `yaml:"inputs_def"`
	OutputsDef  []*OutputHandle   `yaml:"outputs_def"`
}

// NodeManifest is the raw shape of one entry in a flow's nodes list. The
// block kind is picked by which of task/subflow/service/slot/values/
// condition is present.
type NodeManifest struct {
	NodeID      NodeId                  `yaml:"node_id"`
	Task        *TaskNodeBlock          `yaml:"task"`
	Subflow     string                  `yaml:"subflow"`
	Service     string                  `yaml:"service"`
	Slot        *SlotManifest           `yaml:"slot"`
	Condition   *ConditionManifest      `yaml:"condition"`
	Values      []*ValueEntry           `yaml:"values"`
	InputsFrom  []*NodeInputFrom        `yaml:"inputs_from"`
	Slots       []*SlotProviderManifest `yaml:"slots"`
	TimeoutSecs uint64                  `yaml:"timeout"`
	Concurrency int                     `yaml:"concurrency"`
	Ignore      bool                    `yaml:"ignore"`
	After       []NodeId                `yaml:"after"`
}

// ValueEntry is one literal a value node emits
type ValueEntry struct {
	Handle HandleName  `yaml:"handle"`
	Value  *ValueState `yaml:"value"`
}

// TaskNodeBlock is either a textual block reference or an inline task
type TaskNodeBlock struct {
	File   string
	Inline *TaskManifest
}

func (t *TaskNodeBlock) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&t.File)
	}
	t.Inline = &TaskManifest{}
	return node.Decode(t.Inline)
}

// SlotProviderManifest supplies a concrete block for a slot node inside a
// referenced subflow.
type SlotProviderManifest struct {
	SlotNodeID NodeId         `yaml:"slot_node_id"`
	Task       *TaskNodeBlock `yaml:"task"`
	Subflow    string         `yaml:"subflow"`
	Slotflow   string         `yaml:"slotflow"`
}

// FlowHandleFrom references a flow input handle
type FlowHandleFrom struct {
	InputHandle HandleName `yaml:"input_handle" json:"input_handle"`
}

// NodeHandleFrom references another node's output handle
type NodeHandleFrom struct {
	NodeID       NodeId     `yaml:"node_id" json:"node_id"`
	OutputHandle HandleName `yaml:"output_handle" json:"output_handle"`
}

// NodeInputFrom wires one node input (or flow output) to its sources
type NodeInputFrom struct {
	Handle          HandleName        `yaml:"handle"`
	Value           *ValueState       `yaml:"value"`
	SchemaOverrides []InputDefPatch   `yaml:"schema_overrides"`
	FromFlow        []*FlowHandleFrom `yaml:"from_flow"`
	FromNode        []*NodeHandleFrom `yaml:"from_node"`
}

type yamlNodeInputFrom struct {
	Handle          HandleName        `yaml:"handle"`
	SchemaOverrides []InputDefPatch   `yaml:"schema_overrides"`
	FromFlow        []*FlowHandleFrom `yaml:"from_flow"`
	FromNode        []*NodeHandleFrom `yaml:"from_node"`
}

func (f *NodeInputFrom) UnmarshalYAML(node *yaml.Node) error {
	var raw yamlNodeInputFrom
	if err := node.Decode(&raw); err != nil {
		return err
	}
	f.Handle = raw.Handle
	f.SchemaOverrides = raw.SchemaOverrides
	f.FromFlow = raw.FromFlow
	f.FromNode = raw.FromNode
	f.Value = nil

	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value != "value" {
			continue
		}
		var vs ValueState
		if err := vs.UnmarshalYAML(node.Content[i+1]); err != nil {
			return err
		}
		f.Value = &vs
		break
	}
	return nil
}

// FlexBool accepts `true`, `false`, or an object (which counts as true, the
// object form declaring extra handle metadata the engine does not need).
type FlexBool bool

func (b *FlexBool) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var v bool
		if err := node.Decode(&v); err != nil {
			return err
		}
		*b = FlexBool(v)
	case yaml.MappingNode:
		*b = true
	default:
		*b = false
	}
	return nil
}

// ReadYAMLFile decodes a manifest file into out, stripping the Unicode
// line and paragraph separators some editors leave behind.
func ReadYAMLFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	text := strings.NewReplacer("\u2028", "", "\u2029", "").Replace(string(data))
	if err := yaml.Unmarshal([]byte(text), out); err != nil {
		return &ParseError{Path: path, Err: err}
	}
	return nil
}
