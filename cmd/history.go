package cmd

import (
	"context"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/conneroisu/xfailflake/internal/format"
	"github.com/conneroisu/xfailflake/internal/history"
	"github.com/conneroisu/xfailflake/internal/types"
)

var historyCmd = &cobra.Command{
	Use:   "history <repository>",
	Short: "List stored history rows for a repository",
	Long: `List the rows previously pushed for a repository, newest first. The
listing is read-only.

Examples:
  xfailflake history https://github.com/dcos/dcos --branch master
  xfailflake history ./dcos --since 720h --limit 20 --encoding yaml`,
	Args: repositoryArg,
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().Int("limit", 100, "maximum number of rows (0 for all)")
	historyCmd.Flags().Duration("since", 0, "only rows newer than this age, e.g. 168h")
	historyCmd.Flags().StringP("encoding", "e", "json", "output encoding (json, json-pretty, yaml)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	applyOutputFlags(cmd, &a.cfg.Output)
	if err := a.cfg.Validate(); err != nil {
		return err
	}

	limit, _ := cmd.Flags().GetInt("limit")
	age, _ := cmd.Flags().GetDuration("since")

	filter := history.Filter{
		Repo:   args[0],
		Branch: a.cfg.Repo.Branch,
		Limit:  limit,
	}
	if age > 0 {
		filter.Since = time.Now().Add(-age)
	}

	ctx := commandContext(cmd)
	store, closer, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closer.Close()

	return a.listHistory(ctx, store, filter, cmd.OutOrStdout())
}

func (a *app) listHistory(ctx context.Context, store *history.Store, filter history.Filter, w io.Writer) error {
	rows, err := store.List(ctx, filter)
	if err != nil {
		return err
	}
	if rows == nil {
		rows = []types.HistoryRow{}
	}
	return format.Encode(w, rows, format.Encoding(a.cfg.Output.Encoding))
}
