package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/conneroisu/xfailflake/internal/history"
)

var pushCmd = &cobra.Command{
	Use:     "push <repository>",
	Aliases: []string{"redshift"},
	Short:   "Append the xfailflakes of a repository to the history table",
	Long: `Scan a repository and insert one history row per xfailflake.

The schema and table are created when absent. Rows are only ever inserted;
the database assigns each row its timestamp. Over-long fields are truncated
to database.max_field_length characters and logged. A failed insert stops
the push and is reported together with the number of rows already written.

Connection settings come from the database section of the configuration,
XFAILFLAKE_DATABASE_* or the conventional POSTGRES_HOST, POSTGRES_PORT,
POSTGRES_USER, POSTGRES_PASSWORD and POSTGRES_DB variables.

Examples:
  POSTGRES_HOST=redshift.internal xfailflake push https://github.com/dcos/dcos
  xfailflake redshift ./dcos --branch master`,
	Args: repositoryArg,
	RunE: runPush,
}

func init() {
	rootCmd.AddCommand(pushCmd)
}

func runPush(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	ctx := commandContext(cmd)

	store, closer, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closer.Close()

	return a.push(ctx, args[0], store, cmd.OutOrStdout())
}

// push ensures the table exists, scans repository and appends its records.
func (a *app) push(ctx context.Context, repository string, store *history.Store, out io.Writer) error {
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	result, err := a.scan(ctx, repository)
	if err != nil {
		return err
	}

	written, err := store.Append(ctx, result.Records)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Inserted %d xfailflakes into %s\n", written, store.QualifiedTable())
	return nil
}
