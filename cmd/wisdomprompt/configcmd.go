package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/CXL-edu/WisdomPrompt/internal/config"
)

func newConfigCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or initialize the configuration file",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "api_base:        %s\n", a.cfg.APIBase)
			fmt.Fprintf(out, "protocol:        %s\n", a.cfg.Protocol)
			fmt.Fprintf(out, "request_timeout: %s\n", a.cfg.RequestTimeout)
			fmt.Fprintf(out, "no_color:        %t\n", a.cfg.NoColor)
			fmt.Fprintf(out, "verbose:         %t\n", a.cfg.Verbose)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a config file with the defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.flagConfig
			if path == "" {
				path = config.DefaultPath()
			}
			if err := config.Default().Save(path); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "wrote "+path)
			return nil
		},
	})

	return cmd
}
