package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ontask/dataengine/internal/merge"
	"github.com/ontask/dataengine/internal/source"
)

type mergeOptions struct {
	descriptor string
	how        string
	leftOn     string
	rightOn    string
	override   []string
	types      map[string]string
}

// NewMergeCommand creates the merge command.
func NewMergeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &mergeOptions{}
	cmd := &cobra.Command{
		Use:   "merge <workflow-id> <file>",
		Short: "Merge a CSV or JSON file into the workflow table",
		Long: `Merge a CSV or JSON file into the workflow table.

The merge is described either by --descriptor, a CUE or JSON file with the
fields dst_selected_key, src_selected_key, how_merge and optionally
initial_column_names, rename_column_names, columns_to_upload and
override_columns_names, or by the --how, --left-on and --right-on flags.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMerge(cmd, rootOpts, opts, args[0], args[1])
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.descriptor, "descriptor", "", "merge descriptor file (.cue or .json)")
	flags.StringVar(&opts.how, "how", "", "join kind: inner, outer, left or right")
	flags.StringVar(&opts.leftOn, "left-on", "", "key column of the workflow table")
	flags.StringVar(&opts.rightOn, "right-on", "", "key column of the file (defaults to --left-on)")
	flags.StringSliceVar(&opts.override, "override", nil, "existing column the file overrides (repeatable)")
	flags.StringToStringVar(&opts.types, "type", nil, "column type override col=type")
	cmd.MarkFlagsMutuallyExclusive("descriptor", "how")
	return cmd
}

func (o *mergeOptions) load() (merge.Descriptor, error) {
	if o.descriptor != "" {
		data, err := os.ReadFile(o.descriptor)
		if err != nil {
			return merge.Descriptor{}, WrapExitError(ExitCommandError, "cannot read descriptor", err)
		}
		d, err := merge.LoadDescriptor(o.descriptor, data)
		if err != nil {
			return merge.Descriptor{}, WrapExitError(ExitCommandError, "invalid descriptor", err)
		}
		return d, nil
	}
	if o.how == "" || o.leftOn == "" {
		return merge.Descriptor{}, NewExitError(ExitCommandError, "either --descriptor or --how with --left-on is required")
	}
	how, err := merge.ParseHow(strings.ToLower(o.how))
	if err != nil {
		return merge.Descriptor{}, WrapExitError(ExitCommandError, "invalid --how", err)
	}
	right := o.rightOn
	if right == "" {
		right = o.leftOn
	}
	return merge.Descriptor{DstKey: o.leftOn, SrcKey: right, How: how, Override: o.override}, nil
}

func runMerge(cmd *cobra.Command, rootOpts *RootOptions, opts *mergeOptions, idArg, path string) error {
	id, err := parseID("workflow", idArg)
	if err != nil {
		return err
	}
	d, err := opts.load()
	if err != nil {
		return err
	}
	hints, err := parseHints(opts.types)
	if err != nil {
		return err
	}
	src, err := source.Open(path, hints)
	if err != nil {
		return WrapExitError(ExitCommandError, "cannot read input", err)
	}

	sess, err := openSession(cmd, rootOpts)
	if err != nil {
		return err
	}
	defer sess.Close()
	ctx := cmd.Context()

	f, _, err := src.Fetch(ctx)
	if err != nil {
		return sess.out.Fail("parse "+path, err)
	}
	report, err := sess.engine.Merge(ctx, id, f, d)
	if err != nil {
		return sess.out.Fail("merge", err)
	}

	st := report.Stats
	var b strings.Builder
	fmt.Fprintf(&b, "✓ Merged (%s) into workflow %d: %d rows, %d columns\n", report.How, id, st.Rows, st.Columns)
	fmt.Fprintf(&b, "  matched %d, only in table %d, only in file %d", st.Matched, st.DstOnly, st.SrcOnly)
	if len(st.NewColumns) > 0 {
		fmt.Fprintf(&b, "\n  new columns: %s", strings.Join(st.NewColumns, ", "))
	}
	if len(st.Overridden) > 0 {
		fmt.Fprintf(&b, "\n  overridden: %s", strings.Join(st.Overridden, ", "))
	}
	if len(report.Demoted) > 0 {
		fmt.Fprintf(&b, "\n  no longer keys: %s", strings.Join(report.Demoted, ", "))
	}
	return sess.out.Success(b.String(), report)
}
