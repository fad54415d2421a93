package cmd

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/conneroisu/xfailflake/internal/archive"
	"github.com/conneroisu/xfailflake/internal/format"
)

var dumpCmd = &cobra.Command{
	Use:   "dump <repository>",
	Short: "Print the xfailflake bundle of a repository",
	Long: `Scan a repository and print its xfailflake bundle.

The repository is either a local directory, scanned in place, or a clone
URL, checked out at --branch into a temporary repo_<uuid> directory that is
removed afterwards unless --keep is given. A GITHUB_TOKEN in the
environment is used to clone private GitHub repositories.

Examples:
  xfailflake dump ./dcos
  xfailflake dump https://github.com/dcos/dcos --branch 1.13 --format redash
  xfailflake dump ./dcos --encoding yaml --output flakes.yml
  xfailflake dump ./dcos --archive   # also upload the bundle to object storage`,
	Args: repositoryArg,
	RunE: runDump,
}

func init() {
	rootCmd.AddCommand(dumpCmd)

	addOutputFlags(dumpCmd)
	dumpCmd.Flags().Bool("archive", false, "upload the default bundle to the configured object storage")
}

func runDump(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	applyOutputFlags(cmd, &a.cfg.Output)
	if err := a.cfg.Validate(); err != nil {
		return err
	}

	var up uploader
	archiveFlag, _ := cmd.Flags().GetBool("archive")
	if archiveFlag || a.cfg.Archive.Enabled {
		store, err := archive.New(a.cfg.Archive, a.logger)
		if err != nil {
			return err
		}
		up = store
	}

	w, closeOut, err := openOutput(cmd, a.cfg.Output.File)
	if err != nil {
		return err
	}
	if err := a.dump(commandContext(cmd), args[0], w, up); err != nil {
		_ = closeOut()
		return err
	}
	return closeOut()
}

// uploader is the part of *archive.Archive dump uses.
type uploader interface {
	Upload(ctx context.Context, repo, branch string, content []byte, at time.Time) (string, error)
}

// dump scans repository, writes the configured bundle to w and, when up is
// non-nil, uploads the default bundle as compact JSON.
func (a *app) dump(ctx context.Context, repository string, w io.Writer, up uploader) error {
	result, err := a.scan(ctx, repository)
	if err != nil {
		return err
	}

	now := time.Now()
	bundle, err := format.Build(format.Kind(a.cfg.Output.Format), result.Records, repository, a.pipeline.Schema())
	if err != nil {
		return err
	}
	if err := format.Encode(w, bundle, format.Encoding(a.cfg.Output.Encoding)); err != nil {
		return err
	}

	if up == nil {
		return nil
	}
	var buf bytes.Buffer
	if err := format.Encode(&buf, format.DefaultAt(result.Records, repository, now), format.EncodingJSON); err != nil {
		return err
	}
	_, err = up.Upload(ctx, repository, a.cfg.Repo.Branch, buf.Bytes(), now.UTC())
	return err
}
