package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/storybrush/storybrush/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("storybrush %s\n", version.GitRelease)
		fmt.Printf("  commit: %s\n", version.GitCommit)
		fmt.Printf("  go:     %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}
