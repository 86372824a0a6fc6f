package main

import "github.com/spf13/cobra"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "loom",
		Short:         "loom runs agent sessions against a model provider or an external agent process",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.AddCommand(
		newRunCmd(),
		newSessionsCmd(),
	)

	return root
}
