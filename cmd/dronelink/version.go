package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"dronelink/internal/web"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			bi := web.BuildInfo(Version)
			fmt.Fprintf(cmd.OutOrStdout(), "dronelink %s (%s)\n", bi.Version, bi.GoVersion)
			if bi.Commit != "" {
				dirty := ""
				if bi.Dirty {
					dirty = " dirty"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "commit %s%s %s\n", bi.Commit, dirty, bi.BuildTime)
			}
			return nil
		},
	}
}
