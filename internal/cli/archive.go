package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ontask/dataengine/internal/archive"
)

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export <workflow-id>",
		Short: "Export a workflow as a gzip archive",
		Long: `Export a workflow with its columns, actions, views and data as a gzip
compressed JSON archive. Writes to stdout unless -o is given.`,
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

			a, err := sess.engine.Export(cmd.Context(), id)
			if err != nil {
				return sess.out.Fail("export", err)
			}
			if output == "" || output == "-" {
				if err := archive.Write(cmd.OutOrStdout(), a); err != nil {
					return WrapExitError(ExitFailure, "write archive", err)
				}
				return nil
			}
			if err := writeArchive(output, a); err != nil {
				return WrapExitError(ExitFailure, "write archive", err)
			}
			return sess.out.Success(fmt.Sprintf("✓ Exported workflow %d to %s", id, output),
				map[string]any{"id": id, "file": output, "nrows": a.NRows, "ncols": a.NCols})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "archive file (default stdout)")
	return cmd
}

func writeArchive(path string, a *archive.Archive) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return archive.Write(f, a)
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	var owner, name string
	cmd := &cobra.Command{
		Use:           "import <archive>",
		Short:         "Restore an exported workflow",
		Long:          `Restore an archive as a new workflow. Reads stdin when the file is "-".`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return WrapExitError(ExitCommandError, "cannot open archive", err)
				}
				defer f.Close()
				r = f
			}
			sess, err := openSession(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer sess.Close()

			a, err := archive.Read(r)
			if err != nil {
				return sess.out.Fail("read archive", err)
			}
			wf, err := sess.engine.Import(cmd.Context(), a, owner, name)
			if err != nil {
				return sess.out.Fail("import", err)
			}
			return sess.out.Success(fmt.Sprintf("✓ Imported workflow %d (%s): %d rows, %d columns",
				wf.ID, wf.Name, wf.NRows, wf.NCols), workflowInfo(wf))
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner of the new workflow")
	cmd.Flags().StringVar(&name, "name", "", "name of the new workflow (default the archived name)")
	return cmd
}
