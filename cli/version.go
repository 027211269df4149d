package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/OpenCuff/OpenCuff/plugins"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cuff %s (%s, %s/%s)\n", plugins.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
