package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ontask/dataengine/internal/api"
)

// shutdownTimeout bounds how long in-flight requests may take once a stop
// signal arrives.
const shutdownTimeout = 15 * time.Second

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP interface",
		Long: `Serve the workflow, table, merge, render and export routes together
with the tracking pixel endpoint (/trck). Stops gracefully on SIGINT or SIGTERM.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				rootOpts.Config.Server.Addr = addr
			}
			return runServe(cmd, rootOpts)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func runServe(cmd *cobra.Command, opts *RootOptions) error {
	sess, err := openSession(cmd, opts)
	if err != nil {
		return err
	}
	defer sess.Close()

	server := &http.Server{
		Addr:              opts.Config.Server.Addr,
		Handler:           api.NewServer(sess.engine, sess.log).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		sess.log.Info("server starting", "addr", server.Addr, "driver", opts.Config.DB.Driver)
		serverErr <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitCommandError, "server failed", err)
		}
		return nil
	case sig := <-shutdown:
		sess.log.Info("shutdown signal received", "signal", sig.String())
	case <-cmd.Context().Done():
		sess.log.Info("context cancelled, shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		sess.log.Error("graceful shutdown failed", "error", err)
		return WrapExitError(ExitFailure, "shutdown failed", err)
	}
	sess.log.Info("server stopped")
	return nil
}
