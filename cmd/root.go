// Package cmd provides the xfailflake command-line interface.
//
// Configuration is read, highest priority first, from command-line flags,
// XFAILFLAKE_<SECTION>_<OPTION> environment variables (a .env file in the
// working directory is loaded first), and the configuration file. The file
// is the one named by --config, else XFAILFLAKE_CONFIG_FILE, else
// .xfailflake.yml in the current directory.
//
// Database credentials also honor POSTGRES_HOST, POSTGRES_PORT,
// POSTGRES_USER, POSTGRES_PASSWORD and POSTGRES_DB.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/xfailflake/internal/config"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "xfailflake",
	Short: "Collect xfailflake-marked tests from a repository",
	Long: `xfailflake scans a repository for tests marked as known flaky with the
xfailflake annotation and republishes them as a JSON bundle, a dashboard
data source, or rows in a history table.

Quick Start:
  xfailflake dump https://github.com/dcos/dcos --branch master
  xfailflake serve ./dcos --port 8080 --watch
  xfailflake push https://github.com/dcos/dcos`,
	SilenceUsage: true,
}

// Execute runs the root command with a context cancelled on SIGINT/SIGTERM.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is .xfailflake.yml, can also use XFAILFLAKE_CONFIG_FILE env var)")
	flags.StringP("branch", "b", "", "branch to check out and record on each row")
	flags.String("schema", "tagged", "record schema (base, tagged, extended)")
	flags.Bool("keep", false, "keep the cloned working copy after the command")
	flags.StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text, json)")

	_ = viper.BindPFlag("repo.branch", flags.Lookup("branch"))
	_ = viper.BindPFlag("scan.schema", flags.Lookup("schema"))
	_ = viper.BindPFlag("repo.keep", flags.Lookup("keep"))
	_ = viper.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = viper.BindPFlag("log.format", flags.Lookup("log-format"))
}

// initConfig wires defaults, the environment and the config file into the
// global viper instance. A missing config file is not an error.
func initConfig() {
	_ = godotenv.Load()

	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv(config.EnvPrefix + "_CONFIG_FILE"); envConfigFile != "" {
		viper.SetConfigFile(envConfigFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".xfailflake")
	}

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	} else if cfgFile != "" {
		fmt.Fprintf(os.Stderr, "Failed to read config file %s: %v\n", cfgFile, err)
	}
}
