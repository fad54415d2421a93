package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/conneroisu/xfailflake/internal/config"
	"github.com/conneroisu/xfailflake/internal/errors"
	"github.com/conneroisu/xfailflake/internal/history"
	"github.com/conneroisu/xfailflake/internal/logging"
	"github.com/conneroisu/xfailflake/internal/repo"
	"github.com/conneroisu/xfailflake/internal/scanner"
)

// app holds the collaborators shared by every command.
type app struct {
	cfg          *config.Config
	logger       logging.Logger
	pipeline     *scanner.Pipeline
	materializer *repo.Materializer
}

// loadApp loads the global configuration and builds an app from it.
func loadApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return newApp(cfg, os.Stderr)
}

// newApp builds an app whose logs go to logOut.
func newApp(cfg *config.Config, logOut io.Writer) (*app, error) {
	logger, err := newLogger(cfg.Log, logOut)
	if err != nil {
		return nil, err
	}

	opts, err := scanner.OptionsFromConfig(cfg.Scan)
	if err != nil {
		return nil, err
	}
	pipeline, err := scanner.NewPipeline(opts, logger)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:          cfg,
		logger:       logger,
		pipeline:     pipeline,
		materializer: repo.NewMaterializer(cfg.Repo, logger),
	}, nil
}

func newLogger(cfg config.LogConfig, out io.Writer) (logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, errors.NewConfigError(err.Error())
	}
	return logging.NewLogger(&logging.LoggerConfig{
		Level:  level,
		Format: cfg.Format,
		Output: out,
	}), nil
}

// scan materializes repository at the configured branch and scans it. The
// records carry repository exactly as given, never the clone URL.
func (a *app) scan(ctx context.Context, repository string) (*scanner.Result, error) {
	branch := a.cfg.Repo.Branch
	if err := validateBranch(branch); err != nil {
		return nil, errors.NewValidationError(errors.ErrCodeValidationFail, err.Error())
	}
	checkout, err := a.materializer.Materialize(ctx, repository, branch)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := checkout.Close(); err != nil {
			a.logger.Warn(ctx, err, "Failed to remove working copy", "dir", checkout.Root)
		}
	}()

	result, err := a.pipeline.Run(ctx, scanner.ScanRequest{
		Root:   checkout.Root,
		Repo:   repository,
		Branch: branch,
	})
	if err != nil {
		return nil, err
	}
	if len(result.Issues) > 0 {
		a.logger.Warn(ctx, result.Err(), "Scan skipped files", "issues", len(result.Issues))
	}
	return result, nil
}

// source binds the app to one repository for the server.
func (a *app) source(repository string) repoSource {
	return repoSource{app: a, repository: repository}
}

type repoSource struct {
	app        *app
	repository string
}

func (s repoSource) Scan(ctx context.Context) (*scanner.Result, error) {
	return s.app.scan(ctx, s.repository)
}

// openStore connects to the history database and returns a store on it.
// The caller closes the returned closer.
func (a *app) openStore(ctx context.Context) (*history.Store, io.Closer, error) {
	db, err := history.Connect(ctx, a.cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	store := history.NewStore(db, history.Options{
		Schema:         a.cfg.Database.Schema,
		Table:          a.cfg.Database.Table,
		MaxFieldLength: a.cfg.Database.MaxFieldLength,
	}, a.logger)
	return store, db, nil
}

// commandContext returns the command context, or a background context for
// commands run outside Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// openOutput returns stdout, or the file named by path.
func openOutput(cmd *cobra.Command, path string) (io.Writer, func() error, error) {
	if path == "" || path == "-" {
		return cmd.OutOrStdout(), func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create output file: %w", err)
	}
	return f, f.Close, nil
}
