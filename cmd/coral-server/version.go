package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "coral-server %s (commit %s, built %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}
