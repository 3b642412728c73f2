package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/busybox42/mailarchive/internal/config"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

var errNoConfig = errors.New("required flag \"config\" not set")

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath   string
		showTemplate bool
	)

	rootCmd := &cobra.Command{
		Use:   "mail-archiver",
		Short: "mail-archiver - SMTP receiver that archives mail to disk",
		Long: `mail-archiver accepts mail over SMTP and writes every message to a
directory chosen by its recipient. Directory patterns use strftime syntax
and are expanded at the time the message is received.

Send SIGUSR1 or SIGHUP to reload the configuration.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showTemplate {
				_, err := fmt.Fprint(cmd.OutOrStdout(), config.Template())
				return err
			}
			if configPath == "" {
				cmd.PrintErrln(cmd.UsageString())
				return errNoConfig
			}

			d := newDaemon(configPath, cmd.ErrOrStderr())
			return d.run(cmd.Context())
		},
	}

	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to configuration file")
	rootCmd.Flags().BoolVarP(&showTemplate, "template", "t", false, "print a configuration template and exit")

	return rootCmd
}
