package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/starwalkn/ladle"
)

var validateCmd = &cobra.Command{
	Use:          "validate",
	Short:        "Validates configuration file",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if _, err := ladle.LoadConfig(configPath()); err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), "OK")

		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
