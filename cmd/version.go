package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/conneroisu/xfailflake/internal/version"
)

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long: `Display the version, commit, build time, Go version and platform of
this binary.

Examples:
  xfailflake version
  xfailflake version --detailed
  xfailflake version --format json`,
	Args: cobra.NoArgs,
	RunE: runVersionCommand,
}

func init() {
	rootCmd.AddCommand(versionCmd)

	versionCmd.Flags().StringP("format", "f", "text", "Output format (text, json)")
	versionCmd.Flags().Bool("detailed", false, "Show detailed version information")
}

func runVersionCommand(cmd *cobra.Command, args []string) error {
	outputFormat, _ := cmd.Flags().GetString("format")
	detailed, _ := cmd.Flags().GetBool("detailed")
	return writeVersion(cmd.OutOrStdout(), version.Get(), outputFormat, detailed)
}

func writeVersion(w io.Writer, info version.BuildInfo, outputFormat string, detailed bool) error {
	switch outputFormat {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(info)
	case "text":
		if detailed {
			_, err := fmt.Fprintln(w, info.Detailed())
			return err
		}
		_, err := fmt.Fprintf(w, "xfailflake %s\n", info.Short())
		return err
	default:
		return fmt.Errorf("unsupported format: %s (supported: text, json)", outputFormat)
	}
}
