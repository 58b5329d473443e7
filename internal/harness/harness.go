package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ontask/dataengine/internal/engine"
	"github.com/ontask/dataengine/internal/errs"
	"github.com/ontask/dataengine/internal/formula"
	"github.com/ontask/dataengine/internal/frame"
	"github.com/ontask/dataengine/internal/merge"
	"github.com/ontask/dataengine/internal/registry"
	"github.com/ontask/dataengine/internal/source"
	"github.com/ontask/dataengine/internal/store"
	"github.com/ontask/dataengine/internal/testutil"
	"github.com/ontask/dataengine/internal/tracking"
)

// Secret signs the tracking tokens of every scenario.
const Secret = "harness-secret"

// Harness runs the steps of one scenario against its own engine.
type Harness struct {
	store  *store.Store
	engine *engine.Engine
	clock  *testutil.Clock

	workflow int64
	actions  map[string]int64
	views    map[string]int64
	// baseline is the table digest after setup, empty without data.
	baseline string
	messages []string
}

// Run executes a scenario on a fresh in-memory database.
//
// Execution flow:
//  1. Open the store and start an engine with a fixed clock and sequence ids
//  2. Execute setup steps, stopping at the first failure
//  3. Record the table digest for unchanged assertions
//  4. Execute flow steps, checking expect clauses
//  5. Evaluate assertions
//
// An error is returned only when the scenario cannot be run at all; step
// and assertion failures are reported in the Result.
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()
	st, err := store.Open(ctx, "sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	clock := testutil.NewClock(testutil.Epoch)
	st.SetClock(clock.Now)
	signer, err := tracking.NewSigner([]byte(Secret))
	if err != nil {
		return nil, err
	}
	eng, err := engine.New(st,
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		engine.WithSigner(signer),
		engine.WithTrackingBaseURL("https://ontask.example.org"),
		engine.WithIDGenerator(engine.NewSequenceGenerator("run")),
		engine.WithNow(clock.Now),
		engine.WithWorkers(1),
	)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	eng.Start(runCtx)
	defer eng.Close()

	h := &Harness{
		store:   st,
		engine:  eng,
		clock:   clock,
		actions: make(map[string]int64),
		views:   make(map[string]int64),
	}
	result := NewResult()

	for i, step := range scenario.Setup {
		detail, err := h.execute(ctx, step)
		if err != nil {
			return nil, fmt.Errorf("setup[%d] %s: %w", i, step.Op, err)
		}
		result.addEvent("setup", i, step.Op, "ok", detail)
	}
	if h.baseline, err = h.digest(ctx); err != nil {
		return nil, err
	}

	for i, step := range scenario.Flow {
		h.clock.Advance(time.Second)
		detail, err := h.execute(ctx, step)
		outcome := "ok"
		if err != nil {
			outcome = string(errs.KindOf(err))
			if outcome == "" {
				outcome = "ERROR"
			}
		}
		result.addEvent("flow", i, step.Op, outcome, detail)

		switch {
		case step.Expect != nil && err == nil:
			result.AddError(fmt.Sprintf("flow[%d] %s: expected %s, got success", i, step.Op, step.Expect.Error))
		case step.Expect != nil && outcome != step.Expect.Error:
			result.AddError(fmt.Sprintf("flow[%d] %s: expected %s, got %v", i, step.Op, step.Expect.Error, err))
		case step.Expect == nil && err != nil:
			result.AddError(fmt.Sprintf("flow[%d] %s: %v", i, step.Op, err))
		}
	}

	for i, a := range scenario.Assertions {
		if err := h.check(ctx, a); err != nil {
			result.AddError(fmt.Sprintf("assertions[%d] %s: %v", i, a.Type, err))
		}
	}
	return result, nil
}

// execute runs one step and returns the detail recorded in the trace.
func (h *Harness) execute(ctx context.Context, s Step) (any, error) {
	if s.Op != OpCreateWorkflow && h.workflow == 0 {
		return nil, fmt.Errorf("%s before create_workflow", s.Op)
	}
	switch s.Op {
	case OpCreateWorkflow:
		wf, err := h.engine.CreateWorkflow(ctx, "instructor@bogus.com", s.Name, "")
		if err != nil {
			return nil, err
		}
		h.workflow = wf.ID
		return map[string]any{"id": wf.ID, "name": wf.Name}, nil

	case OpUpload:
		f, hints, err := h.frame(ctx, s)
		if err != nil {
			return nil, err
		}
		sum, err := h.engine.Upload(ctx, h.workflow, f, engine.UploadOptions{Replace: s.Replace, Keys: s.Keys, Hints: hints})
		if err != nil {
			return nil, err
		}
		return map[string]any{"rows": sum.Rows, "columns": sum.Columns, "keys": sum.Keys}, nil

	case OpMerge:
		f, _, err := h.frame(ctx, s)
		if err != nil {
			return nil, err
		}
		m := s.Merge
		d := merge.Descriptor{
			InitialNames: m.Initial,
			Rename:       m.Rename,
			Keep:         m.Keep,
			DstKey:       m.LeftOn,
			SrcKey:       m.RightOn,
			How:          merge.How(m.How),
			Override:     m.Override,
		}
		report, err := h.engine.Merge(ctx, h.workflow, f, d)
		if err != nil {
			return nil, err
		}
		return report.Stats, nil

	case OpRenameColumn:
		err := h.engine.EditColumns(ctx, h.workflow, func(ctx context.Context, r *registry.Registry) error {
			return r.Rename(ctx, s.Name, s.To)
		})
		if err != nil {
			return nil, err
		}
		return map[string]string{"from": s.Name, "to": s.To}, nil

	case OpCreateAction:
		a := &store.Action{
			WorkflowID: h.workflow,
			Name:       s.Name,
			Type:       store.ActionPersonalizedText,
			Content:    s.Content,
		}
		var err error
		if a.Filter, err = toFormula(s.Filter); err != nil {
			return nil, err
		}
		for _, c := range s.Conditions {
			f, err := toFormula(c.Formula)
			if err != nil {
				return nil, fmt.Errorf("condition %s: %w", c.Name, err)
			}
			a.Conditions = append(a.Conditions, store.Condition{Name: c.Name, Formula: f})
		}
		if err := h.engine.CreateAction(ctx, a); err != nil {
			return nil, err
		}
		h.actions[s.Name] = a.ID
		return map[string]any{"id": a.ID, "columns": a.Columns}, nil

	case OpCreateView:
		v := &store.View{WorkflowID: h.workflow, Name: s.Name, Columns: s.Columns}
		var err error
		if v.Filter, err = toFormula(s.Filter); err != nil {
			return nil, err
		}
		if err := h.engine.CreateView(ctx, v); err != nil {
			return nil, err
		}
		h.views[s.Name] = v.ID
		return map[string]any{"id": v.ID}, nil

	case OpRender:
		id, err := h.action(s.Action)
		if err != nil {
			return nil, err
		}
		report, err := h.engine.Render(ctx, id, engine.RenderOptions{IncludeAllRows: s.AllRows, TrackColumn: s.Track})
		if err != nil {
			return nil, err
		}
		h.messages = make([]string, len(report.Messages))
		for i, m := range report.Messages {
			h.messages[i] = m.Text
		}
		return map[string]any{
			"status":   report.Status,
			"total":    report.Total,
			"messages": h.messages,
			"warnings": len(report.Warnings),
			"errors":   len(report.Errors),
		}, nil

	case OpHit:
		id, err := h.action(s.Action)
		if err != nil {
			return nil, err
		}
		repeat := max(s.Hit.Repeat, 1)
		counters := make(map[string]int64, len(s.Hit.Recipients))
		for range repeat {
			for _, to := range s.Hit.Recipients {
				token, err := h.engine.TrackingToken(tracking.Payload{
					ActionID:       id,
					Recipient:      to,
					TrackingColumn: s.Hit.TrackingColumn,
					ColumnDst:      s.Hit.ColumnDst,
				})
				if err != nil {
					return nil, err
				}
				entry, err := h.engine.RegisterHit(ctx, token)
				if err != nil {
					return nil, err
				}
				counters[to] = entry.Counter
			}
		}
		return counters, nil
	}
	return nil, fmt.Errorf("unknown op %q", s.Op)
}

// frame parses the step's CSV with its type overrides.
func (h *Harness) frame(ctx context.Context, s Step) (*frame.Frame, map[string]frame.DataType, error) {
	var hints map[string]frame.DataType
	for col, name := range s.Types {
		t, err := frame.ParseDataType(name)
		if err != nil {
			return nil, nil, err
		}
		if hints == nil {
			hints = make(map[string]frame.DataType)
		}
		hints[col] = t
	}
	csv := &source.CSV{Data: []byte(strings.TrimLeft(s.CSV, "\n")), Hints: hints}
	return csv.Fetch(ctx)
}

func (h *Harness) action(name string) (int64, error) {
	id, ok := h.actions[name]
	if !ok {
		return 0, fmt.Errorf("unknown action %q", name)
	}
	return id, nil
}

// digest fingerprints the current table, or returns "" without data.
func (h *Harness) digest(ctx context.Context) (string, error) {
	if h.workflow == 0 {
		return "", nil
	}
	f, err := h.engine.Table(ctx, h.workflow, engine.TableQuery{})
	if errs.Is(err, errs.NotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return frame.Digest(f), nil
}

// toFormula converts a YAML formula tree. A nil tree is no formula.
func toFormula(tree any) (*formula.Formula, error) {
	if tree == nil {
		return nil, nil
	}
	data, err := json.Marshal(tree)
	if err != nil {
		return nil, err
	}
	return formula.Parse(data)
}
