package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/conneroisu/xfailflake/internal/config"
)

// Flags shared by several commands. They override the loaded configuration
// only when set on the command line, so one flag name can live on several
// commands without fighting over a single viper key.

func addOutputFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("format", "f", "default", "bundle format (default, redash)")
	cmd.Flags().StringP("encoding", "e", "json", "bundle encoding (json, json-pretty, yaml)")
	cmd.Flags().StringP("output", "o", "", "write the bundle to a file instead of stdout")
}

func applyOutputFlags(cmd *cobra.Command, out *config.OutputConfig) {
	cmd.Flags().Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "format":
			out.Format = f.Value.String()
		case "encoding":
			out.Encoding = f.Value.String()
		case "output":
			out.File = f.Value.String()
		}
	})
}

func addServerFlags(cmd *cobra.Command) {
	cmd.Flags().IntP("port", "p", 8080, "port to serve on")
	cmd.Flags().String("host", "", "host to bind to (all interfaces when empty)")
	cmd.Flags().BoolP("watch", "w", false, "rescan on filesystem changes and push bundles to /ws (local directories only)")
}

func applyServerFlags(cmd *cobra.Command, srv *config.ServerConfig) error {
	if cmd.Flags().Changed("port") {
		port, err := cmd.Flags().GetInt("port")
		if err != nil {
			return err
		}
		srv.Port = port
	}
	if cmd.Flags().Changed("host") {
		host, err := cmd.Flags().GetString("host")
		if err != nil {
			return err
		}
		srv.Host = host
	}
	if cmd.Flags().Changed("watch") {
		watch, err := cmd.Flags().GetBool("watch")
		if err != nil {
			return err
		}
		srv.Watch = watch
	}
	return nil
}
