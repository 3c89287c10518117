package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/slotd/internal/version"
)

func newVersionCommand() *cobra.Command {
	var short bool
	var output string
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the slotd version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if short && output != "" && output != string(outputText) {
				return fmt.Errorf("--short and --output are mutually exclusive")
			}
			if short {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), version.Current())
				return err
			}
			mode, err := parseOutputMode(output)
			if err != nil {
				return err
			}
			switch mode {
			case outputJSON:
				return writeJSON(cmd.OutOrStdout(), version.Describe())
			case outputYAML:
				return writeYAML(cmd.OutOrStdout(), version.Describe())
			default:
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", version.Module(), version.Current())
				return err
			}
		},
	}
	cmd.Flags().BoolVar(&short, "short", false, "print only the version string")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output format (text|json|yaml)")
	return cmd
}
