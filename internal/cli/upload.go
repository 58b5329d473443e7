package cli

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/ontask/dataengine/internal/engine"
	"github.com/ontask/dataengine/internal/frame"
	"github.com/ontask/dataengine/internal/source"
)

// UploadResult is the JSON payload of the upload command.
type UploadResult struct {
	*engine.TableSummary
	Encoding string   `json:"encoding,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

type uploadOptions struct {
	replace     bool
	keys        []string
	types       map[string]string
	delimiter   string
	skipTop     int
	skipBottom  int
	emailColumn string
}

// NewUploadCommand creates the upload command.
func NewUploadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &uploadOptions{}
	cmd := &cobra.Command{
		Use:   "upload <workflow-id> <file>",
		Short: "Load a CSV or JSON records file as the workflow table",
		Long: `Load a CSV or JSON records file as the workflow table.

Column types are inferred; --type col=type overrides them. Without --key every
column with unique values becomes a key. Uploading into a workflow that
already has data requires --replace.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpload(cmd, rootOpts, opts, args[0], args[1])
		},
	}
	flags := cmd.Flags()
	flags.BoolVar(&opts.replace, "replace", false, "replace existing data")
	flags.StringSliceVar(&opts.keys, "key", nil, "key column (repeatable)")
	flags.StringToStringVar(&opts.types, "type", nil, "column type override col=type")
	flags.StringVar(&opts.delimiter, "delimiter", ",", "CSV field delimiter")
	flags.IntVar(&opts.skipTop, "skip-top", 0, "CSV lines to skip before the header")
	flags.IntVar(&opts.skipBottom, "skip-bottom", 0, "CSV lines to skip at the end")
	flags.StringVar(&opts.emailColumn, "email-column", "", "column holding learner emails")
	return cmd
}

// parseHints validates --type overrides.
func parseHints(raw map[string]string) (map[string]frame.DataType, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	hints := make(map[string]frame.DataType, len(raw))
	for col, name := range raw {
		t, err := frame.ParseDataType(strings.ToLower(strings.TrimSpace(name)))
		if err != nil {
			return nil, WrapExitError(ExitCommandError, fmt.Sprintf("invalid type for %s", col), err)
		}
		hints[strings.TrimSpace(col)] = t
	}
	return hints, nil
}

func runUpload(cmd *cobra.Command, rootOpts *RootOptions, opts *uploadOptions, idArg, path string) error {
	id, err := parseID("workflow", idArg)
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
	csv, isCSV := src.(*source.CSV)
	if isCSV {
		if utf8.RuneCountInString(opts.delimiter) != 1 {
			return NewExitError(ExitCommandError, fmt.Sprintf("delimiter must be one character, got %q", opts.delimiter))
		}
		csv.Delimiter, _ = utf8.DecodeRuneInString(opts.delimiter)
		csv.SkipTop = opts.skipTop
		csv.SkipBottom = opts.skipBottom
	}

	sess, err := openSession(cmd, rootOpts)
	if err != nil {
		return err
	}
	defer sess.Close()
	ctx := cmd.Context()

	f, types, err := src.Fetch(ctx)
	if err != nil {
		return sess.out.Fail("parse "+path, err)
	}
	result := &UploadResult{}
	if isCSV {
		result.Encoding = csv.Encoding()
		result.Warnings = csv.Warnings()
		for _, w := range result.Warnings {
			sess.log.Warn("upload", "file", path, "warning", w)
		}
	}

	sum, err := sess.engine.Upload(ctx, id, f, engine.UploadOptions{
		Replace: opts.replace,
		Keys:    opts.keys,
		Hints:   types,
	})
	if err != nil {
		return sess.out.Fail("upload", err)
	}
	if opts.emailColumn != "" {
		if err := sess.engine.SetLearnerEmailColumn(ctx, id, opts.emailColumn); err != nil {
			return sess.out.Fail("set email column", err)
		}
		wf, err := sess.engine.Workflow(ctx, id)
		if err != nil {
			return sess.out.Fail("reload workflow", err)
		}
		sum.LusersHash = wf.LusersHash
	}
	result.TableSummary = sum

	text := fmt.Sprintf("✓ Uploaded %d rows and %d columns into workflow %d (keys: %s)",
		sum.Rows, sum.Columns, id, strings.Join(sum.Keys, ", "))
	return sess.out.Success(text, result)
}
