package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hostforge/gswarden/internal/config"
	"github.com/hostforge/gswarden/schema"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Work with agent configuration files",
	}
	cmd.AddCommand(newConfigLintCmd())
	cmd.AddCommand(newConfigSchemaCmd())
	return cmd
}

func newConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema for configuration files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := cmd.OutOrStdout().Write(schema.ConfigV1Schema)
			return err
		},
	}
}

func newConfigLintCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lint",
		Short: "Validate an agent configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "gswarden.yaml"
			if flag := cmd.Flag("config"); flag != nil {
				if value := flag.Value.String(); value != "" {
					path = value
				}
			} else if inherited := cmd.InheritedFlags().Lookup("config"); inherited != nil {
				if value := inherited.Value.String(); value != "" {
					path = value
				}
			}

			if _, err := config.Load(path); err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
				return err
			}

			return nil
		},
	}
	return cmd
}
