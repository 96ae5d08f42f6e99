package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	secretsd "github.com/keystonevault/secretsd"
)

var secretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Read and write standalone secrets",
}

var secretsGetCmd = &cobra.Command{
	Use:   "get NAME",
	Short: "Print a standalone device-lock secret's value to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r := daemon.GetStandaloneSecret(context.Background(), args[0], callerAppID(), secretsd.PreventInteraction, "")
		if r.Code != secretsd.Succeeded {
			return r
		}
		_, err := os.Stdout.Write(r.Data)
		return err
	},
}

var (
	setStoragePlugin    string
	setEncryptionPlugin string
)

var secretsSetCmd = &cobra.Command{
	Use:   "set NAME VALUE",
	Short: "Set a standalone device-lock secret",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		r := daemon.SetStandaloneDeviceLockSecret(context.Background(), args[0], callerAppID(),
			setStoragePlugin, setEncryptionPlugin, []byte(args[1]), nil, nil)
		return printResult(r)
	},
}

var secretsDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a standalone secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printResult(daemon.DeleteStandaloneSecret(context.Background(), args[0], callerAppID()))
	},
}

func init() {
	secretsSetCmd.Flags().StringVar(&setStoragePlugin, "storage-plugin", "filestore", "storage plugin name")
	secretsSetCmd.Flags().StringVar(&setEncryptionPlugin, "encryption-plugin", "filestore", "encryption plugin name; equal to --storage-plugin selects an encrypted-storage plugin")

	secretsCmd.AddCommand(secretsGetCmd, secretsSetCmd, secretsDeleteCmd)
	rootCmd.AddCommand(secretsCmd)
}
