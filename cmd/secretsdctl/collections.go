package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	secretsd "github.com/keystonevault/secretsd"
)

var collectionsCmd = &cobra.Command{
	Use:   "collections",
	Short: "Inspect and manage collections",
}

var collectionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every collection name",
	RunE: func(cmd *cobra.Command, args []string) error {
		names, err := daemon.CollectionNames(context.Background())
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	},
}

var (
	createStoragePlugin    string
	createEncryptionPlugin string
	createAuthPlugin       string
	createAccessControl    string
)

var collectionsCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a device-lock collection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		access := secretsd.OwnerOnly
		if createAccessControl == "system" {
			access = secretsd.System
		}
		r := daemon.CreateDeviceLockCollection(context.Background(), args[0], callerAppID(),
			createStoragePlugin, createEncryptionPlugin, createAuthPlugin,
			secretsd.KeepUnlocked, access, nil)
		return printResult(r)
	},
}

var collectionsDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a collection and every secret it contains",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printResult(daemon.DeleteCollection(context.Background(), args[0], callerAppID()))
	},
}

func init() {
	collectionsCreateCmd.Flags().StringVar(&createStoragePlugin, "storage-plugin", "filestore", "storage plugin name")
	collectionsCreateCmd.Flags().StringVar(&createEncryptionPlugin, "encryption-plugin", "filestore", "encryption plugin name; equal to --storage-plugin selects an encrypted-storage plugin")
	collectionsCreateCmd.Flags().StringVar(&createAuthPlugin, "auth-plugin", "", "authentication plugin name")
	collectionsCreateCmd.Flags().StringVar(&createAccessControl, "access", "owner", "access control mode: owner or system")

	collectionsCmd.AddCommand(collectionsListCmd, collectionsCreateCmd, collectionsDeleteCmd)
	rootCmd.AddCommand(collectionsCmd)
}
