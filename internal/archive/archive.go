// Package archive exports a workflow with its data into a portable,
// self-contained file and restores such a file as a new workflow.
//
// The file is gzip-compressed JSON. Metadata travels as plain JSON; the
// data table travels in data_frame as a gob-encoded typed frame, base64
// encoded by encoding/json.
package archive

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/ontask/dataengine/internal/errs"
	"github.com/ontask/dataengine/internal/formula"
	"github.com/ontask/dataengine/internal/frame"
	"github.com/ontask/dataengine/internal/registry"
	"github.com/ontask/dataengine/internal/store"
)

// Version is the only archive format version Read accepts.
const Version = "1"

// Archive is the decoded content of an export file.
type Archive struct {
	Version          string            `json:"version"`
	Name             string            `json:"name"`
	Description      string            `json:"description_text"`
	Attributes       map[string]string `json:"attributes"`
	QueryBuilderOps  json.RawMessage   `json:"query_builder_ops"`
	NCols            int               `json:"ncols"`
	NRows            int               `json:"nrows"`
	LuserEmailColumn string            `json:"luser_email_column,omitempty"`
	Columns          []Column          `json:"columns"`
	Actions          []Action          `json:"actions"`
	Views            []View            `json:"views"`
	// DataFrame is EncodeFrame output; empty when the workflow has no data.
	DataFrame []byte `json:"data_frame"`
}

// Column is an exported column. Categories are written in their display
// form and parsed back with the column type.
type Column struct {
	Name        string         `json:"name"`
	Description string         `json:"description_text"`
	DataType    frame.DataType `json:"data_type"`
	IsKey       bool           `json:"is_key"`
	Position    int            `json:"position"`
	Categories  []string       `json:"categories"`
	ActiveFrom  *time.Time     `json:"active_from,omitempty"`
	ActiveTo    *time.Time     `json:"active_to,omitempty"`
}

// Action is an exported action with its conditions.
type Action struct {
	Name        string           `json:"name"`
	Description string           `json:"description_text"`
	Type        store.ActionType `json:"action_type"`
	Content     string           `json:"content"`
	Filter      *formula.Formula `json:"filter"`
	Conditions  []Condition      `json:"conditions"`
	Columns     []string         `json:"columns"`
}

type Condition struct {
	Name        string           `json:"name"`
	Description string           `json:"description_text"`
	Formula     *formula.Formula `json:"formula"`
}

type View struct {
	Name        string           `json:"name"`
	Description string           `json:"description_text"`
	Filter      *formula.Formula `json:"filter"`
	Columns     []string         `json:"columns"`
}

// Build captures workflow id from ops. Run it inside a transaction or
// under the workflow read lock so metadata and data agree.
func Build(ctx context.Context, ops *store.Ops, id int64) (*Archive, error) {
	wf, err := ops.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	a := &Archive{
		Version:          Version,
		Name:             wf.Name,
		Description:      wf.Description,
		Attributes:       wf.Attributes,
		QueryBuilderOps:  json.RawMessage(wf.QueryBuilderOps),
		NCols:            wf.NCols,
		NRows:            wf.NRows,
		LuserEmailColumn: wf.LuserEmailColumn,
		Columns:          []Column{},
		Actions:          []Action{},
		Views:            []View{},
	}
	if a.Attributes == nil {
		a.Attributes = map[string]string{}
	}
	if len(a.QueryBuilderOps) == 0 {
		a.QueryBuilderOps = json.RawMessage("{}")
	}

	cols, err := ops.ListColumns(ctx, id)
	if err != nil {
		return nil, err
	}
	frameCols := make([]frame.Column, len(cols))
	for i, c := range cols {
		cats := make([]string, len(c.Categories))
		for j, v := range c.Categories {
			cats[j] = frame.Format(v)
		}
		a.Columns = append(a.Columns, Column{
			Name:        c.Name,
			Description: c.Description,
			DataType:    c.Type,
			IsKey:       c.IsKey,
			Position:    c.Position,
			Categories:  cats,
			ActiveFrom:  c.ActiveFrom,
			ActiveTo:    c.ActiveTo,
		})
		frameCols[i] = frame.Column{Name: c.Name, Type: c.Type}
	}

	actions, err := ops.ListActions(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, act := range actions {
		out := Action{
			Name:        act.Name,
			Description: act.Description,
			Type:        act.Type,
			Content:     act.Content,
			Filter:      act.Filter,
			Conditions:  []Condition{},
			Columns:     act.Columns,
		}
		for _, c := range act.Conditions {
			out.Conditions = append(out.Conditions, Condition{Name: c.Name, Description: c.Description, Formula: c.Formula})
		}
		a.Actions = append(a.Actions, out)
	}

	views, err := ops.ListViews(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, v := range views {
		a.Views = append(a.Views, View{Name: v.Name, Description: v.Description, Filter: v.Filter, Columns: v.Columns})
	}

	ok, err := ops.TableExists(ctx, wf.DataTable)
	if err != nil {
		return nil, err
	}
	if ok && len(frameCols) > 0 {
		f, err := ops.Select(ctx, wf.DataTable, frameCols, nil)
		if err != nil {
			return nil, err
		}
		if a.DataFrame, err = EncodeFrame(f); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Restore creates a new workflow owned by owner from a. An empty name
// keeps the archived one. Run it inside a transaction: a failure part way
// leaves partial rows behind otherwise.
func Restore(ctx context.Context, ops *store.Ops, a *Archive, owner, name string) (*store.Workflow, error) {
	if name == "" {
		name = a.Name
	}
	wf, err := ops.CreateWorkflow(ctx, owner, name, a.Description)
	if err != nil {
		return nil, err
	}

	if len(a.DataFrame) > 0 {
		f, err := DecodeFrame(a.DataFrame)
		if err != nil {
			return nil, errs.Wrap(errs.InvalidValue, err, "archive data_frame is unreadable")
		}
		if err := ops.StoreFrame(ctx, wf.DataTable, f, nil); err != nil {
			return nil, err
		}
	}

	known := make(map[string]bool, len(a.Columns))
	for _, c := range a.Columns {
		if err := registry.ValidateName(c.Name); err != nil {
			return nil, err
		}
		col := &store.Column{
			WorkflowID:  wf.ID,
			Name:        c.Name,
			Description: c.Description,
			Type:        c.DataType,
			IsKey:       c.IsKey,
			Position:    c.Position,
			ActiveFrom:  c.ActiveFrom,
			ActiveTo:    c.ActiveTo,
		}
		for _, s := range c.Categories {
			v, err := frame.Coerce(frame.String(s), c.DataType)
			if err != nil {
				return nil, errs.Wrap(errs.TypeMismatch, err, "category of column %s", c.Name).WithColumn(c.Name)
			}
			col.Categories = append(col.Categories, v)
		}
		if err := ops.InsertColumn(ctx, col); err != nil {
			return nil, err
		}
		known[c.Name] = true
	}

	wf.Attributes = a.Attributes
	wf.QueryBuilderOps = a.QueryBuilderOps
	if known[a.LuserEmailColumn] {
		wf.LuserEmailColumn = a.LuserEmailColumn
	}
	if err := ops.UpdateWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	if _, err := registry.New(ops, wf).Reconcile(ctx); err != nil {
		return nil, err
	}

	for _, act := range a.Actions {
		out := &store.Action{
			WorkflowID:  wf.ID,
			Name:        act.Name,
			Description: act.Description,
			Type:        act.Type,
			Content:     act.Content,
			Filter:      act.Filter,
			Columns:     onlyKnown(act.Columns, known),
		}
		for _, c := range act.Conditions {
			out.Conditions = append(out.Conditions, store.Condition{Name: c.Name, Description: c.Description, Formula: c.Formula})
		}
		if err := ops.CreateAction(ctx, out); err != nil {
			return nil, err
		}
	}
	for _, v := range a.Views {
		view := &store.View{
			WorkflowID:  wf.ID,
			Name:        v.Name,
			Description: v.Description,
			Filter:      v.Filter,
			Columns:     onlyKnown(v.Columns, known),
		}
		if err := ops.CreateView(ctx, view); err != nil {
			return nil, err
		}
	}
	return ops.GetWorkflow(ctx, wf.ID)
}

// Write encodes a as gzip-compressed JSON.
func Write(w io.Writer, a *Archive) error {
	zw := gzip.NewWriter(w)
	enc := json.NewEncoder(zw)
	enc.SetIndent("", "  ")
	if err := enc.Encode(a); err != nil {
		zw.Close()
		return fmt.Errorf("write archive: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("write archive: %w", err)
	}
	return nil
}

// Read decodes an archive written by Write. Unknown versions fail with
// InvalidValue.
func Read(r io.Reader) (*Archive, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidValue, err, "archive is not gzip data")
	}
	defer zr.Close()
	var a Archive
	if err := json.NewDecoder(zr).Decode(&a); err != nil {
		return nil, errs.Wrap(errs.InvalidValue, err, "archive is not valid JSON")
	}
	if a.Version != Version {
		return nil, errs.New(errs.InvalidValue, "unsupported archive version %q", a.Version)
	}
	return &a, nil
}

func onlyKnown(names []string, known map[string]bool) []string {
	out := []string{}
	for _, n := range names {
		if known[n] {
			out = append(out, n)
		}
	}
	return out
}
