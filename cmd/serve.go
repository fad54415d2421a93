package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conneroisu/xfailflake/internal/errors"
	"github.com/conneroisu/xfailflake/internal/repo"
	"github.com/conneroisu/xfailflake/internal/server"
	"github.com/conneroisu/xfailflake/internal/watcher"
)

var serveCmd = &cobra.Command{
	Use:   "serve <repository>",
	Short: "Serve the dashboard bundle of a repository over HTTP",
	Long: `Serve a repository's xfailflakes as a dashboard URL data source.

Routes:
  GET /          tabular bundle, rescanned on every request
  GET /default   default bundle
  GET /health    liveness probe
  GET /ws        websocket feed of tabular bundles (--watch only)

Requests are handled one at a time. With --watch the repository must be a
local directory; it is rescanned on filesystem changes and requests are
answered from the latest snapshot.

Examples:
  xfailflake serve https://github.com/dcos/dcos --branch master
  xfailflake serve ./dcos --port 9000 --watch`,
	Args: repositoryArg,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	addServerFlags(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	if err := applyServerFlags(cmd, &a.cfg.Server); err != nil {
		return err
	}
	if err := a.cfg.Validate(); err != nil {
		return err
	}
	return a.serve(commandContext(cmd), args[0])
}

// serve runs the HTTP server for repository until ctx is done.
func (a *app) serve(ctx context.Context, repository string) error {
	srv := a.newServer(repository)

	if a.cfg.Server.Watch {
		if !repo.IsLocal(repository) {
			return errors.NewValidationError(errors.ErrCodeValidationFail, "--watch requires a local directory")
		}
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		fw, err := a.newTreeWatcher(repository)
		if err != nil {
			return err
		}
		defer fw.Stop()

		fw.AddHandler(func(ctx context.Context, events []watcher.ChangeEvent) error {
			a.logger.Info(ctx, "Changes detected, refreshing", "files", len(events))
			if err := srv.Refresh(ctx); err != nil {
				a.logger.Error(ctx, err, "Refresh failed; keeping previous snapshot")
			}
			return nil
		})
		if err := fw.Start(ctx); err != nil {
			return fmt.Errorf("failed to start file watcher: %w", err)
		}
		return srv.Start(ctx)
	}

	return srv.Start(ctx)
}

func (a *app) newServer(repository string) *server.Server {
	return server.New(server.Options{
		Host:          a.cfg.Server.Host,
		Port:          a.cfg.Server.Port,
		MaxConcurrent: a.cfg.Server.MaxConcurrent,
		Watch:         a.cfg.Server.Watch,
		Repo:          repository,
		Branch:        a.cfg.Repo.Branch,
		Schema:        a.pipeline.Schema(),
	}, a.source(repository), a.logger)
}
