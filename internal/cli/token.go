package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ontask/dataengine/internal/tracking"
)

// TokenResult is the JSON payload of token sign.
type TokenResult struct {
	Token string `json:"token"`
	URL   string `json:"url"`
}

// NewTokenCommand creates the token command group.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Tracking token utilities",
	}
	cmd.AddCommand(newTokenSignCommand(rootOpts))
	return cmd
}

func newTokenSignCommand(rootOpts *RootOptions) *cobra.Command {
	var p tracking.Payload
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a tracking token and print its pixel URL",
		Long: `Sign a tracking token with tracking.secret and print the pixel URL under
tracking.base_url. Useful to test the /trck endpoint by hand.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			cfg := rootOpts.Config
			signer, err := tracking.NewSigner([]byte(cfg.Tracking.Secret))
			if err != nil {
				return WrapExitError(ExitCommandError, "tracking.secret is not set", err)
			}
			token, err := signer.Sign(p)
			if err != nil {
				return out.Fail("sign token", err)
			}
			res := TokenResult{Token: token, URL: tracking.URL(cfg.Tracking.BaseURL, token)}
			return out.Success(fmt.Sprintf("%s\n%s", res.Token, res.URL), res)
		},
	}
	flags := cmd.Flags()
	flags.Int64Var(&p.ActionID, "action", 0, "action id")
	flags.StringVar(&p.Recipient, "recipient", "", "recipient value of the tracking column")
	flags.StringVar(&p.TrackingColumn, "column", "", "column matched against the recipient")
	flags.StringVar(&p.ColumnDst, "dst", "", "integer column counting reads")
	flags.StringVar(&p.Sender, "sender", "", "sender email")
	_ = cmd.MarkFlagRequired("recipient")
	_ = cmd.MarkFlagRequired("column")
	_ = cmd.MarkFlagRequired("dst")
	return cmd
}
