package cli

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ontask/dataengine/internal/engine"
	"github.com/ontask/dataengine/internal/store"
	"github.com/ontask/dataengine/internal/tracking"
)

// session is an open store and a started engine for one command.
type session struct {
	engine *engine.Engine
	store  *store.Store
	log    *slog.Logger
	out    *OutputFormatter
	cancel context.CancelFunc
}

func (s *session) Close() {
	s.engine.Close()
	s.cancel()
	if err := s.store.Close(); err != nil {
		s.log.Error("error closing database", "error", err)
	}
}

// newLogger builds the text handler on the command's stderr at the
// configured level.
func newLogger(cmd *cobra.Command, opts *RootOptions) *slog.Logger {
	level, _ := opts.Config.LogLevel()
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

// openSession opens the configured database and starts an engine on it.
func openSession(cmd *cobra.Command, opts *RootOptions) (*session, error) {
	cfg := opts.Config
	log := newLogger(cmd, opts)
	slog.SetDefault(log)

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	log.Debug("opening database", "driver", cfg.DB.Driver, "dsn", cfg.DB.DSN)
	st, err := store.Open(ctx, cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		cancel()
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	engineOpts := []engine.EngineOption{
		engine.WithLogger(log),
		engine.WithWorkers(cfg.Worker.Size),
		engine.WithChunkSize(cfg.Render.ChunkSize),
		engine.WithTrackingBaseURL(cfg.Tracking.BaseURL),
	}
	if cfg.Tracking.Secret != "" {
		signer, err := tracking.NewSigner([]byte(cfg.Tracking.Secret))
		if err != nil {
			st.Close()
			cancel()
			return nil, WrapExitError(ExitCommandError, "invalid tracking secret", err)
		}
		engineOpts = append(engineOpts, engine.WithSigner(signer))
	}
	eng, err := engine.New(st, engineOpts...)
	if err != nil {
		st.Close()
		cancel()
		return nil, WrapExitError(ExitCommandError, "failed to create engine", err)
	}
	eng.Start(ctx)

	return &session{
		engine: eng,
		store:  st,
		log:    log,
		out:    &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()},
		cancel: cancel,
	}, nil
}

// parseID parses a workflow or action id argument.
func parseID(what, s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, NewExitError(ExitCommandError, "invalid "+what+" id "+strconv.Quote(s))
	}
	return id, nil
}
