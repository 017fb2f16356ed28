// Package cli implements gatewayctl, the operator tool for issuing service
// tokens and generating credential master keys.
package cli

import (
	"github.com/spf13/cobra"
)

// NewRootCmd builds the command tree.  A fresh tree per call keeps flag
// state out of package globals.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gatewayctl",
		Short:         "Operator tooling for the agent gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newTokenCmd(), newKeygenCmd())
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
