package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var version = "dev"

// serveFlags are the command-line overrides. Empty values keep the loaded
// configuration.
type serveFlags struct {
	configPath string
	host       string
	port       int
	provider   string
	modelID    string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	var flags serveFlags

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the generation server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), flags)
		},
	}

	root := &cobra.Command{
		Use:   "ghosttype",
		Short: "Streaming text generation server",
		Long: `ghosttype serves streaming text generation over a websocket.

Clients connect to /generate, send generation requests and receive tokens as
they are produced. /invocations offers the same generation as a single
request/response call.

Configuration is read from an optional YAML file, then GHOSTTYPE_*
environment variables, then flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serveCmd.RunE,
	}

	for _, c := range []*cobra.Command{root, serveCmd} {
		f := c.Flags()
		f.StringVarP(&flags.configPath, "config", "c", "", "path to YAML config file")
		f.StringVar(&flags.host, "host", "", "listen host")
		f.IntVarP(&flags.port, "port", "p", 0, "listen port")
		f.StringVar(&flags.provider, "provider", "", "default model provider (bedrock, openai, gemini)")
		f.StringVar(&flags.modelID, "model-id", "", "default model id")
		f.StringVar(&flags.logLevel, "log-level", "", "log level (DEBUG, INFO, WARN, ERROR)")
	}

	root.AddCommand(serveCmd, &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "ghosttype", version)
		},
	})
	return root
}
