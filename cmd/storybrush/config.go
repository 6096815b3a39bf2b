package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/storybrush/storybrush/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage storybrush configuration",
}

var configInitCmd = &cobra.Command{
	Use:          "init [path]",
	Short:        "Write a default config file",
	Args:         cobra.MaximumNArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "storybrush.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}
