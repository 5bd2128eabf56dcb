// Package cli wires the oocana command surface: run, query, cache and
// package-layer management.
package cli

import (
	"github.com/spf13/cobra"
)

// NewRootCommand builds the oocana CLI
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "oocana",
		Short:         "oocana executes flows of computational blocks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newRunCommand(),
		newQueryCommand(),
		newCacheCommand(),
		newPackageLayerCommand(),
		newMockTaskServerCommand(),
	)
	return root
}
