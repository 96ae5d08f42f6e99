// Package main implements secretsdctl, an administrative CLI for the
// secrets daemon. Since an IPC transport is out of this system's scope
// (§1), secretsdctl builds its own in-process *secretsd.Daemon against
// the same bookkeeping database and plugin set a running secretsd would
// use, exactly the way an operator with direct filesystem access to a
// stopped vault could inspect it.
//
// PersistentPreRunE builds the daemon before any subcommand runs, viper
// layers flags over a config file over defaults, and PersistentPostRunE
// tears it back down once the subcommand finishes.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	secretsd "github.com/keystonevault/secretsd"
	"github.com/keystonevault/secretsd/audit"
	"github.com/keystonevault/secretsd/bookkeeping"
	"github.com/keystonevault/secretsd/plugins/chacha"
	"github.com/keystonevault/secretsd/plugins/filestore"
	"github.com/keystonevault/secretsd/registry"
)

var (
	cfgFile string
	daemon  *secretsd.Daemon
	pool    *bookkeeping.Pool
)

var rootCmd = &cobra.Command{
	Use:   "secretsdctl",
	Short: "Administrative CLI for the secrets daemon's bookkeeping database and plugins",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		return initDaemon()
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if daemon != nil {
			daemon.Stop()
		}
		if pool != nil {
			return pool.Close()
		}
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "secretsdctl:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.secretsdctl.yaml)")
	rootCmd.PersistentFlags().String("data-dir", ".secretsd", "daemon data directory")
	rootCmd.PersistentFlags().String("bookkeeping-path", "", "bookkeeping database path (default <data-dir>/bookkeeping.db)")
	rootCmd.PersistentFlags().String("platform-app-id", "platform", "caller application id used for administrative operations")
	rootCmd.PersistentFlags().String("caller-app-id", "", "application id to act as (defaults to platform-app-id)")

	bindFlagOrPanic("secretsdctl.data_dir", "data-dir")
	bindFlagOrPanic("secretsdctl.bookkeeping_path", "bookkeeping-path")
	bindFlagOrPanic("secretsdctl.platform_app_id", "platform-app-id")
	bindFlagOrPanic("secretsdctl.caller_app_id", "caller-app-id")
}

func bindFlagOrPanic(key, flag string) {
	if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(fmt.Sprintf("secretsdctl: failed to bind %s flag: %v", flag, err))
	}
}

func initConfig() {
	viper.SetDefault("secretsdctl.data_dir", ".secretsd")
	viper.SetDefault("secretsdctl.platform_app_id", "platform")

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".secretsdctl")
	}

	viper.SetEnvPrefix("SECRETSDCTL")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "secretsdctl: error reading config file: %v\n", err)
		}
	}
}

func initDaemon() error {
	dataDir := viper.GetString("secretsdctl.data_dir")
	bookkeepingPath := viper.GetString("secretsdctl.bookkeeping_path")
	if bookkeepingPath == "" {
		bookkeepingPath = dataDir + "/bookkeeping.db"
	}

	logger := zap.NewNop()

	var err error
	pool, err = bookkeeping.OpenPool(bookkeeping.PoolConfig{Path: bookkeepingPath, Logger: logger})
	if err != nil {
		return fmt.Errorf("opening bookkeeping database %s: %w", bookkeepingPath, err)
	}

	reg := registry.New()
	reg.RegisterEncryptedStorage(chacha.New(viper.GetString("secretsdctl.platform_app_id")))
	reg.RegisterStorage(filestore.New("filestore", dataDir))

	cfg := secretsd.Config{
		PlatformApplicationID:       viper.GetString("secretsdctl.platform_app_id"),
		DefaultAuthenticationPlugin: viper.GetString("secretsdctl.platform_app_id"),
		WorkerPoolSize:              2,
	}

	daemon, err = secretsd.New(cfg, reg, pool, audit.NewNoOpLogger(), logger)
	if err != nil {
		return fmt.Errorf("constructing daemon: %w", err)
	}
	daemon.Start()
	return nil
}

func callerAppID() string {
	if v := viper.GetString("secretsdctl.caller_app_id"); v != "" {
		return v
	}
	return viper.GetString("secretsdctl.platform_app_id")
}

func printResult(r *secretsd.Result) error {
	if r.Code == secretsd.Succeeded {
		fmt.Println("ok")
		return nil
	}
	return r
}

func sanitizeFlags(cmd *cobra.Command) map[string]string {
	flags := make(map[string]string)
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			flags[f.Name] = f.Value.String()
		}
	})
	return flags
}
