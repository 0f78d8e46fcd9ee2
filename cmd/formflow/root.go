package main

import (
	"github.com/spf13/cobra"
)

// rootOptions holds flags shared by every subcommand.
type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "formflow",
		Short:         "Form submission workflows and permissions",
		Version:       version + " (" + commit + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "config.yaml", "path to configuration file")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newValidateCommand(opts))
	return cmd
}
