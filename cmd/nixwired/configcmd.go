package main

import (
	"fmt"

	"github.com/danmuck/nixwire/internal/config"
	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Generate or check daemon configuration",
	}

	var (
		output string
		force  bool
	)
	def := &cobra.Command{
		Use:   "default",
		Short: "Print or write the default configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if output != "" {
				return config.WriteDefault(output, force)
			}
			doc, err := config.Render(config.Default())
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), doc)
			return err
		},
	}
	def.Flags().StringVarP(&output, "output", "o", "", "write to this file")
	def.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	check := &cobra.Command{
		Use:   "check FILE",
		Short: "Validate a configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(args[0]); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", args[0])
			return err
		},
	}

	cmd.AddCommand(def, check)
	return cmd
}
