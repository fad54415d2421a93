package cmd

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"github.com/conneroisu/xfailflake/internal/errors"
	"github.com/conneroisu/xfailflake/internal/format"
	"github.com/conneroisu/xfailflake/internal/history"
	"github.com/conneroisu/xfailflake/internal/repo"
	"github.com/conneroisu/xfailflake/internal/watcher"
)

var watchCmd = &cobra.Command{
	Use:   "watch <directory>",
	Short: "Rescan a local tree on every change and print the bundle",
	Long: `Scan a local directory, print its bundle, then rescan and print again
after every debounced batch of filesystem changes. Changes inside .git and
editor swap files are ignored.

Examples:
  xfailflake watch ./dcos
  xfailflake watch ./dcos --format redash --encoding json-pretty
  xfailflake watch ./dcos --push   # also append every rescan to history`,
	Args: repositoryArg,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	addOutputFlags(watchCmd)
	watchCmd.Flags().Bool("push", false, "append the records of every scan to the history table")
}

func runWatch(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	applyOutputFlags(cmd, &a.cfg.Output)
	if err := a.cfg.Validate(); err != nil {
		return err
	}
	if !repo.IsLocal(args[0]) {
		return errors.NewValidationError(errors.ErrCodeValidationFail, "watch requires a local directory")
	}

	ctx := commandContext(cmd)

	var store *history.Store
	if push, _ := cmd.Flags().GetBool("push"); push {
		s, closer, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		defer closer.Close()
		if err := s.EnsureSchema(ctx); err != nil {
			return err
		}
		store = s
	}

	w, closeOut, err := openOutput(cmd, a.cfg.Output.File)
	if err != nil {
		return err
	}
	defer closeOut()

	return a.watch(ctx, args[0], w, store)
}

// watch prints a bundle for directory now and after every change until ctx
// is done. A failed rescan is logged and the watch continues.
func (a *app) watch(ctx context.Context, directory string, w io.Writer, store *history.Store) error {
	var mu sync.Mutex
	emit := func(ctx context.Context) error {
		mu.Lock()
		defer mu.Unlock()

		result, err := a.scan(ctx, directory)
		if err != nil {
			return err
		}
		bundle, err := format.Build(format.Kind(a.cfg.Output.Format), result.Records, directory, a.pipeline.Schema())
		if err != nil {
			return err
		}
		if err := format.Encode(w, bundle, format.Encoding(a.cfg.Output.Encoding)); err != nil {
			return err
		}
		if store != nil {
			if _, err := store.Append(ctx, result.Records); err != nil {
				return err
			}
		}
		return nil
	}

	if err := emit(ctx); err != nil {
		return err
	}

	fw, err := a.newTreeWatcher(directory)
	if err != nil {
		return err
	}
	defer fw.Stop()

	fw.AddHandler(func(ctx context.Context, events []watcher.ChangeEvent) error {
		a.logger.Info(ctx, "Changes detected, rescanning", "files", len(events))
		if err := emit(ctx); err != nil {
			a.logger.Error(ctx, err, "Rescan failed")
		}
		return nil
	})

	if err := fw.Start(ctx); err != nil {
		return fmt.Errorf("failed to start file watcher: %w", err)
	}
	a.logger.Info(ctx, "Watching for changes", "dir", directory)

	<-ctx.Done()
	fw.Wait()
	return nil
}

// newTreeWatcher watches every directory below root that scans would visit.
func (a *app) newTreeWatcher(root string) (*watcher.FileWatcher, error) {
	fw, err := watcher.NewFileWatcher(a.cfg.Server.Debounce, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	fw.AddFilter(watcher.NoGitFilter)
	fw.AddFilter(watcher.NoEditorTempFilter)
	if len(a.cfg.Scan.Exclude) > 0 {
		fw.AddFilter(watcher.ExcludeFilter(a.cfg.Scan.Exclude))
	}
	if err := fw.AddRecursive(root); err != nil {
		_ = fw.Stop()
		return nil, fmt.Errorf("failed to watch %s: %w", root, err)
	}
	return fw, nil
}
