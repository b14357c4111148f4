package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:5000"

type commandContext struct {
	server     string
	timeout    time.Duration
	configPath string
}

func (c *commandContext) client() (*apiClient, error) {
	return newAPIClient(c.server, c.timeout)
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	server := os.Getenv("STEMSPLIT_SERVER")
	if server == "" {
		server = defaultServer
	}

	rootCmd := &cobra.Command{
		Use:           "stemctl",
		Short:         "Command line client for the stemsplit API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&ctx.server, "server", "s", server, "API base URL (env STEMSPLIT_SERVER)")
	rootCmd.PersistentFlags().DurationVar(&ctx.timeout, "timeout", 10*time.Minute, "HTTP request timeout")
	rootCmd.PersistentFlags().StringVarP(&ctx.configPath, "config", "c", "", "Service configuration file (used by --local)")

	rootCmd.AddCommand(newSeparateCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newJobsCommand(ctx))
	rootCmd.AddCommand(newDownloadCommand(ctx))
	rootCmd.AddCommand(newDeleteCommand(ctx))

	return rootCmd
}
