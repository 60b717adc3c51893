// Package cli implements the analyst command line: ask questions, check SQL
// against the policy and browse the semantic catalog without the API.
package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

type ExitCode int

const (
	exitCodeSuccess = 0
	exitCodeError   = 1
)

// Run executes the root command with args.
func Run(args []string, stdout, stderr io.Writer) ExitCode {
	rootCmd := NewRootCmd()
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	if err := rootCmd.Execute(); err != nil {
		return exitCodeError
	}
	return exitCodeSuccess
}

func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "analyst",
		Short:         "Ask the pharma sales warehouse questions in plain English.",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cmd.Help(); err != nil {
				return fmt.Errorf("failed to show help: %w", err)
			}
			return nil
		},
	}

	var verbose bool
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "set debug logging level")

	rootCmd.AddCommand(
		NewAskCmd().Command(),
		NewValidateCmd().Command(),
		NewCatalogCmd().Command(),
	)
	return rootCmd
}
