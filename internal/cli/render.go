package cli

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ontask/dataengine/internal/engine"
	"github.com/ontask/dataengine/internal/render"
)

// NewRenderCommand creates the render command.
func NewRenderCommand(rootOpts *RootOptions) *cobra.Command {
	var opts engine.RenderOptions
	cmd := &cobra.Command{
		Use:   "render <action-id>",
		Short: "Render the personalized messages of an action",
		Long: `Render the personalized messages of an action.

Rows are selected by the action filter. Rows on which every condition is
false are skipped unless --all-rows is given. With --track every HTML
message carries a tracking pixel that counts reads in the named column.
Each message is headed by its row key values and recipient.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("action", args[0])
			if err != nil {
				return err
			}
			sess, err := openSession(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer sess.Close()

			report, err := sess.engine.Render(cmd.Context(), id, opts)
			if err != nil {
				return sess.out.Fail("render", err)
			}
			return sess.out.Success(renderText(report), report)
		},
	}
	flags := cmd.Flags()
	flags.BoolVar(&opts.IncludeAllRows, "all-rows", false, "keep rows where every condition is false")
	flags.BoolVar(&opts.ExcludeBlankOutput, "exclude-blank", false, "drop messages that render empty")
	flags.StringVar(&opts.TrackColumn, "track", "", "integer column counting message reads")
	return cmd
}

func renderText(r *engine.RenderReport) string {
	var b strings.Builder
	for _, m := range r.Messages {
		fmt.Fprintf(&b, "--- row %d%s\n%s\n", m.Row, rowIdentity(m), m.Text)
	}
	for _, e := range r.Errors {
		fmt.Fprintf(&b, "! row %d: %s\n", e.Row, e.Message)
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(&b, "! %s\n", w)
	}
	fmt.Fprintf(&b, "✓ Rendered %d of %d rows (run %s, %s)", len(r.Messages), r.Total, r.RunID, r.Status)
	return b.String()
}

// rowIdentity lists the key values and the recipient of a message, keys
// in name order.
func rowIdentity(m render.Message) string {
	var b strings.Builder
	for _, k := range slices.Sorted(maps.Keys(m.Key)) {
		fmt.Fprintf(&b, " %s=%v", k, m.Key[k])
	}
	if m.Recipient != "" {
		fmt.Fprintf(&b, " to %s", m.Recipient)
	}
	return b.String()
}
