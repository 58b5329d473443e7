package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ontask/dataengine/internal/errs"
)

// Scenario is one end-to-end run: setup steps, flow steps and assertions
// over the final state.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Setup establishes the initial state. Every setup step must succeed.
	Setup []Step `yaml:"setup,omitempty"`

	// Flow holds the steps under test.
	Flow []Step `yaml:"flow"`

	Assertions []Assertion `yaml:"assertions"`
}

// Step is one engine operation. Only the fields of its Op are read.
type Step struct {
	Op string `yaml:"op"`

	// Name is the workflow, column, action or view the step creates or
	// targets.
	Name string `yaml:"name,omitempty"`
	// To is the new name of rename_column.
	To string `yaml:"to,omitempty"`

	// CSV is the data of upload and merge.
	CSV     string            `yaml:"csv,omitempty"`
	Keys    []string          `yaml:"keys,omitempty"`
	Replace bool              `yaml:"replace,omitempty"`
	Types   map[string]string `yaml:"types,omitempty"`
	Merge   *MergeArgs        `yaml:"merge,omitempty"`

	Content    string          `yaml:"content,omitempty"`
	Filter     any             `yaml:"filter,omitempty"`
	Conditions []ConditionArgs `yaml:"conditions,omitempty"`
	Columns    []string        `yaml:"columns,omitempty"`

	// Action names the action of render and hit.
	Action  string   `yaml:"action,omitempty"`
	AllRows bool     `yaml:"all_rows,omitempty"`
	Track   string   `yaml:"track,omitempty"`
	Hit     *HitArgs `yaml:"hit,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// MergeArgs mirrors the merge dialog.
type MergeArgs struct {
	How      string            `yaml:"how"`
	LeftOn   string            `yaml:"left_on"`
	RightOn  string            `yaml:"right_on"`
	Initial  []string          `yaml:"initial_column_names,omitempty"`
	Rename   map[string]string `yaml:"rename,omitempty"`
	Keep     map[string]bool   `yaml:"keep,omitempty"`
	Override []string          `yaml:"override,omitempty"`
}

// ConditionArgs is a named formula of create_action.
type ConditionArgs struct {
	Name    string `yaml:"name"`
	Formula any    `yaml:"formula"`
}

// HitArgs signs one token per recipient and requests each of them Repeat
// times.
type HitArgs struct {
	Recipients     []string `yaml:"recipients"`
	TrackingColumn string   `yaml:"tracking_column"`
	ColumnDst      string   `yaml:"column_dst"`
	Repeat         int      `yaml:"repeat,omitempty"`
}

// Expect names the error kind a flow step must fail with.
type Expect struct {
	Error string `yaml:"error"`
}

// Assertion checks the final state.
type Assertion struct {
	Type string `yaml:"type"`

	// table
	View    string            `yaml:"view,omitempty"`
	Filter  any               `yaml:"filter,omitempty"`
	Rows    *int              `yaml:"rows,omitempty"`
	Columns []string          `yaml:"columns,omitempty"`
	Where   map[string]string `yaml:"where,omitempty"`
	Expect  map[string]string `yaml:"expect,omitempty"`

	// column
	Name     string `yaml:"name,omitempty"`
	DataType string `yaml:"data_type,omitempty"`
	IsKey    *bool  `yaml:"is_key,omitempty"`

	// messages
	Texts []string `yaml:"texts,omitempty"`

	// tracking_log
	Count *int `yaml:"count,omitempty"`
}

// Operation names.
const (
	OpCreateWorkflow = "create_workflow"
	OpUpload         = "upload"
	OpMerge          = "merge"
	OpRenameColumn   = "rename_column"
	OpCreateAction   = "create_action"
	OpCreateView     = "create_view"
	OpRender         = "render"
	OpHit            = "hit"
)

// Assertion type names.
const (
	AssertTable       = "table"
	AssertColumn      = "column"
	AssertMessages    = "messages"
	AssertUnchanged   = "unchanged"
	AssertTrackingLog = "tracking_log"
)

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected so typos surface as errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	for i, step := range s.Setup {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
		if step.Expect != nil {
			return fmt.Errorf("setup[%d]: expect is only allowed in flow steps", i)
		}
	}
	for i, step := range s.Flow {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(s Step) error {
	switch s.Op {
	case OpCreateWorkflow, OpCreateAction, OpCreateView:
		if s.Name == "" {
			return fmt.Errorf("name is required for %s", s.Op)
		}
	case OpUpload:
		if s.CSV == "" {
			return fmt.Errorf("csv is required for upload")
		}
	case OpMerge:
		if s.CSV == "" || s.Merge == nil {
			return fmt.Errorf("csv and merge are required for merge")
		}
	case OpRenameColumn:
		if s.Name == "" || s.To == "" {
			return fmt.Errorf("name and to are required for rename_column")
		}
	case OpRender:
		if s.Action == "" {
			return fmt.Errorf("action is required for render")
		}
	case OpHit:
		if s.Action == "" || s.Hit == nil || len(s.Hit.Recipients) == 0 {
			return fmt.Errorf("action and hit.recipients are required for hit")
		}
	case "":
		return fmt.Errorf("op is required")
	default:
		return fmt.Errorf("unknown op %q", s.Op)
	}
	if s.Expect != nil {
		if s.Expect.Error == "" {
			return fmt.Errorf("expect: error is required")
		}
		if !errs.Known(errs.Kind(s.Expect.Error)) {
			return fmt.Errorf("expect: unknown error kind %q", s.Expect.Error)
		}
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertTable:
		if a.Rows == nil && a.Columns == nil && a.Expect == nil {
			return fmt.Errorf("table needs rows, columns or expect")
		}
		if (a.Where == nil) != (a.Expect == nil) {
			return fmt.Errorf("table where and expect go together")
		}
	case AssertColumn:
		if a.Name == "" {
			return fmt.Errorf("name is required for column")
		}
	case AssertMessages:
		if a.Texts == nil {
			return fmt.Errorf("texts is required for messages")
		}
	case AssertTrackingLog:
		if a.Count == nil {
			return fmt.Errorf("count is required for tracking_log")
		}
	case AssertUnchanged:
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
