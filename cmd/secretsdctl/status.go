package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show bookkeeping database status",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("Daemon Status")
		fmt.Println("=============")
		fmt.Printf("Data directory: %s\n", viper.GetString("secretsdctl.data_dir"))

		names, err := daemon.CollectionNames(context.Background())
		if err != nil {
			fmt.Printf("Collections: ERROR - %v\n", err)
		} else {
			fmt.Printf("Collections: %d\n", len(names))
		}

		dirty := daemon.DirtyRows()
		if len(dirty) == 0 {
			fmt.Println("Dirty rows: none")
		} else {
			fmt.Printf("Dirty rows: %d\n", len(dirty))
			for _, row := range dirty {
				fmt.Printf("  %s\n", row)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
