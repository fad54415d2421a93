package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/xfailflake/internal/config"
	"github.com/conneroisu/xfailflake/internal/format"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long: `Print the configuration after defaults, the config file, the environment
and flags are merged. Passwords and secret keys are redacted.

Examples:
  xfailflake config
  XFAILFLAKE_SCAN_SCHEMA=extended xfailflake config --encoding json-pretty`,
	Args: cobra.NoArgs,
	RunE: runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)

	configCmd.Flags().StringP("encoding", "e", "yaml", "output encoding (json, json-pretty, yaml)")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	encoding, _ := cmd.Flags().GetString("encoding")
	return writeConfig(cmd.OutOrStdout(), cfg, viper.ConfigFileUsed(), format.Encoding(encoding))
}

func writeConfig(w io.Writer, cfg *config.Config, source string, enc format.Encoding) error {
	if source != "" && enc == format.EncodingYAML {
		if _, err := fmt.Fprintf(w, "# loaded from %s\n", source); err != nil {
			return err
		}
	}
	return format.Encode(w, cfg.Redacted(), enc)
}
