package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func newVersionCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "isogrpd %s\n", a.version)
			fmt.Fprintf(cmd.OutOrStdout(), "  commit:     %s\n", a.commit)
			fmt.Fprintf(cmd.OutOrStdout(), "  built:      %s\n", a.buildDate)
			fmt.Fprintf(cmd.OutOrStdout(), "  go version: %s\n", runtime.Version())
		},
	}
}
