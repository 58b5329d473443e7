package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ontask/dataengine/internal/formula"
	"github.com/ontask/dataengine/internal/store"
)

// actionFile is the YAML (or JSON) form of an action. Formulas use the
// query builder JSON layout written as YAML maps.
type actionFile struct {
	Name        string          `yaml:"name"`
	Description string          `yaml:"description_text"`
	Type        string          `yaml:"action_type"`
	Content     string          `yaml:"content"`
	Filter      any             `yaml:"filter"`
	Conditions  []conditionFile `yaml:"conditions"`
}

type conditionFile struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description_text"`
	Formula     any    `yaml:"formula"`
}

// ActionInfo is the CLI rendering of an action.
type ActionInfo struct {
	ID         int64    `json:"id"`
	WorkflowID int64    `json:"workflow_id"`
	Name       string   `json:"name"`
	Type       string   `json:"action_type"`
	Conditions []string `json:"conditions"`
	Columns    []string `json:"columns"`
}

func actionInfo(a *store.Action) ActionInfo {
	conds := make([]string, len(a.Conditions))
	for i, c := range a.Conditions {
		conds[i] = c.Name
	}
	return ActionInfo{
		ID:         a.ID,
		WorkflowID: a.WorkflowID,
		Name:       a.Name,
		Type:       string(a.Type),
		Conditions: conds,
		Columns:    a.Columns,
	}
}

// parseFormula converts a decoded YAML tree into a formula. A nil tree is
// no formula.
func parseFormula(what string, tree any) (*formula.Formula, error) {
	if tree == nil {
		return nil, nil
	}
	data, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	f, err := formula.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	return f, nil
}

// loadAction reads an action file into a store.Action for workflowID.
func loadAction(path string, workflowID int64) (*store.Action, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var af actionFile
	if err := yaml.Unmarshal(data, &af); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if strings.TrimSpace(af.Name) == "" {
		return nil, fmt.Errorf("%s: name is required", path)
	}
	a := &store.Action{
		WorkflowID:  workflowID,
		Name:        af.Name,
		Description: af.Description,
		Type:        store.ActionPersonalizedText,
		Content:     af.Content,
	}
	if af.Type != "" {
		a.Type = store.ActionType(af.Type)
	}
	if a.Filter, err = parseFormula("filter", af.Filter); err != nil {
		return nil, err
	}
	for _, c := range af.Conditions {
		f, err := parseFormula("condition "+c.Name, c.Formula)
		if err != nil {
			return nil, err
		}
		a.Conditions = append(a.Conditions, store.Condition{Name: c.Name, Description: c.Description, Formula: f})
	}
	return a, nil
}

// NewActionCommand creates the action command group.
func NewActionCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "action",
		Short: "Create and list actions",
	}
	cmd.AddCommand(newActionCreateCommand(rootOpts))
	cmd.AddCommand(newActionListCommand(rootOpts))
	return cmd
}

func newActionCreateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "create <workflow-id> <action-file>",
		Short: "Create an action from a YAML or JSON file",
		Long: `Create an action from a YAML or JSON file with the fields name,
description_text, action_type, content, filter and conditions. Each condition
has a name and a formula.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("workflow", args[0])
			if err != nil {
				return err
			}
			a, err := loadAction(args[1], id)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid action file", err)
			}
			sess, err := openSession(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer sess.Close()

			if err := sess.engine.CreateAction(cmd.Context(), a); err != nil {
				return sess.out.Fail("create action", err)
			}
			return sess.out.Success(fmt.Sprintf("✓ Created action %d (%s)", a.ID, a.Name), actionInfo(a))
		},
	}
}

func newActionListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list <workflow-id>",
		Short:         "List the actions of a workflow",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("workflow", args[0])
			if err != nil {
				return err
			}
			sess, err := openSession(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer sess.Close()

			actions, err := sess.engine.Actions(cmd.Context(), id)
			if err != nil {
				return sess.out.Fail("list actions", err)
			}
			infos := make([]ActionInfo, len(actions))
			lines := make([]string, len(actions))
			for i, a := range actions {
				infos[i] = actionInfo(a)
				lines[i] = fmt.Sprintf("%d\t%s\t%s\t%d conditions", a.ID, a.Name, a.Type, len(a.Conditions))
			}
			text := strings.Join(lines, "\n")
			if len(actions) == 0 {
				text = "No actions"
			}
			return sess.out.Success(text, infos)
		},
	}
}
