package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "List every registered plugin",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, p := range daemon.GetPluginInfo() {
			fmt.Printf("%s\t%s\n", p.Kind, p.Name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pluginsCmd)
}
