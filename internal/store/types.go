package store

import (
	"time"

	"github.com/ontask/dataengine/internal/formula"
	"github.com/ontask/dataengine/internal/frame"
)

// TablePrefix prefixes every per-workflow data table name.
const TablePrefix = "__ONTASK_WORKFLOW_TABLE_"

// Workflow is the root entity owning columns, actions, views and the data
// table.
type Workflow struct {
	ID          int64
	Owner       string
	Name        string
	Description string
	NRows       int
	NCols       int
	Attributes  map[string]string
	// QueryBuilderOps is the operator descriptor handed to the formula
	// widget, kept verbatim as JSON.
	QueryBuilderOps  []byte
	DataTable        string
	LuserEmailColumn string
	LusersHash       string
	Shared           []string
	Stars            []string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// HasTable reports whether the workflow currently stores data.
func (w *Workflow) HasTable() bool {
	return w.NRows > 0
}

// Column is the logical description of one data table column.
type Column struct {
	ID          int64
	WorkflowID  int64
	Name        string
	Description string
	Type        frame.DataType
	IsKey       bool
	Position    int
	// Categories, when non-empty, is the ordered list of allowed values.
	Categories []frame.Value
	ActiveFrom *time.Time
	ActiveTo   *time.Time
}

// ActionType selects how an action's content is escaped and packaged.
type ActionType string

const (
	ActionPersonalizedText ActionType = "personalized_text"
	ActionPersonalizedJSON ActionType = "personalized_json"
	ActionEmailReport      ActionType = "email_report"
	ActionSurvey           ActionType = "survey"
)

// Action owns a template, an optional filter and ordered conditions.
type Action struct {
	ID          int64
	WorkflowID  int64
	Name        string
	Description string
	Type        ActionType
	Content     string
	Filter      *formula.Formula
	Conditions  []Condition
	// Columns lists the names of the columns the action uses, in position
	// order.
	Columns   []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Condition is a named formula scoped to an action.
type Condition struct {
	ID          int64
	ActionID    int64
	Name        string
	Description string
	Formula     *formula.Formula
	Position    int
}

// View is a saved (filter, column subset) pair.
type View struct {
	ID          int64
	WorkflowID  int64
	Name        string
	Description string
	Filter      *formula.Formula
	Columns     []string
}

// FormulaOwner identifies the kind of object a formula belongs to in the
// formula_refs index.
type FormulaOwner string

const (
	OwnerActionFilter FormulaOwner = "action_filter"
	OwnerCondition    FormulaOwner = "condition"
	OwnerViewFilter   FormulaOwner = "view_filter"
)

// FormulaRef is one entry of the formula -> column index.
type FormulaRef struct {
	Kind    FormulaOwner
	OwnerID int64
}

// TrackingEntry is one tracking_log row.
type TrackingEntry struct {
	Seq            int64
	WorkflowID     int64
	ActionID       int64
	Recipient      string
	ColumnDst      string
	TrackingColumn string
	Counter        int64
	CreatedAt      time.Time
}

// RunStatus is the lifecycle state of an action run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunFinished  RunStatus = "finished"
	RunCancelled RunStatus = "cancelled"
	RunFailed    RunStatus = "failed"
)

// RowError records a per-row rendering problem.
type RowError struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

// ActionRun records the progress of one action execution.
type ActionRun struct {
	ID            string
	WorkflowID    int64
	ActionID      int64
	Status        RunStatus
	TotalRows     int
	ProcessedRows int
	LastRow       int
	Errors        []RowError
	Warnings      []string
	StartedAt     time.Time
	FinishedAt    *time.Time
}
