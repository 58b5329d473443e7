package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ontask/dataengine/internal/store"
)

// WorkflowInfo is the CLI rendering of a workflow.
type WorkflowInfo struct {
	ID          int64  `json:"id"`
	Owner       string `json:"owner"`
	Name        string `json:"name"`
	Description string `json:"description_text,omitempty"`
	NRows       int    `json:"nrows"`
	NCols       int    `json:"ncols"`
	LusersHash  string `json:"lusers_hash,omitempty"`
}

func workflowInfo(wf *store.Workflow) WorkflowInfo {
	return WorkflowInfo{
		ID:          wf.ID,
		Owner:       wf.Owner,
		Name:        wf.Name,
		Description: wf.Description,
		NRows:       wf.NRows,
		NCols:       wf.NCols,
		LusersHash:  wf.LusersHash,
	}
}

// NewWorkflowCommand creates the workflow command group.
func NewWorkflowCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Create, list and delete workflows",
	}
	cmd.AddCommand(newWorkflowCreateCommand(rootOpts))
	cmd.AddCommand(newWorkflowListCommand(rootOpts))
	cmd.AddCommand(newWorkflowDeleteCommand(rootOpts))
	return cmd
}

func newWorkflowCreateCommand(rootOpts *RootOptions) *cobra.Command {
	var owner, description string
	cmd := &cobra.Command{
		Use:           "create <name>",
		Short:         "Create an empty workflow",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer sess.Close()

			wf, err := sess.engine.CreateWorkflow(cmd.Context(), owner, args[0], description)
			if err != nil {
				return sess.out.Fail("create workflow", err)
			}
			return sess.out.Success(fmt.Sprintf("✓ Created workflow %d (%s)", wf.ID, wf.Name), workflowInfo(wf))
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner email")
	cmd.Flags().StringVar(&description, "description", "", "workflow description")
	return cmd
}

func newWorkflowListCommand(rootOpts *RootOptions) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List the workflows a user owns or shares",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer sess.Close()

			wfs, err := sess.engine.Workflows(cmd.Context(), owner)
			if err != nil {
				return sess.out.Fail("list workflows", err)
			}
			infos := make([]WorkflowInfo, len(wfs))
			var b strings.Builder
			for i, wf := range wfs {
				infos[i] = workflowInfo(wf)
				fmt.Fprintf(&b, "%d\t%s\t%d rows\t%d columns\n", wf.ID, wf.Name, wf.NRows, wf.NCols)
			}
			if len(wfs) == 0 {
				b.WriteString("No workflows\n")
			}
			return sess.out.Success(strings.TrimSuffix(b.String(), "\n"), infos)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner email")
	return cmd
}

func newWorkflowDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "delete <workflow-id>",
		Short:         "Delete a workflow with its table, actions and views",
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

			if err := sess.engine.DeleteWorkflow(cmd.Context(), id); err != nil {
				return sess.out.Fail("delete workflow", err)
			}
			return sess.out.Success(fmt.Sprintf("✓ Deleted workflow %d", id), map[string]int64{"id": id})
		},
	}
}
