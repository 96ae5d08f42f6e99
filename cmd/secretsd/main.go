// Command secretsd is the process-local secrets daemon's entry point:
// it wires the Plugin Registry, the Bookkeeping Gateway, the Worker
// Pool and the Interaction Broker into a secretsd.Daemon and blocks
// until told to shut down.
//
// Configuration loads through viper, layering flags over a config file
// over defaults, before the daemon starts and the process blocks.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	secretsd "github.com/keystonevault/secretsd"
	"github.com/keystonevault/secretsd/audit"
	"github.com/keystonevault/secretsd/bookkeeping"
	"github.com/keystonevault/secretsd/broker"
	"github.com/keystonevault/secretsd/internal/mem"
	"github.com/keystonevault/secretsd/plugins/chacha"
	"github.com/keystonevault/secretsd/plugins/filestore"
	"github.com/keystonevault/secretsd/plugins/termauth"
	"github.com/keystonevault/secretsd/registry"
)

func main() {
	configFile := flag.String("config", "", "config file (default $HOME/.secretsd.yaml)")
	flag.Parse()

	if err := run(*configFile); err != nil {
		fmt.Fprintln(os.Stderr, "secretsd:", err)
		os.Exit(1)
	}
}

func run(configFile string) error {
	loadConfig(configFile)

	logger, err := newProcessLogger()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	if viper.GetBool("daemon.enable_memory_lock") {
		if level, err := mem.Lock(); err != nil {
			logger.Warn("memory lock unavailable", zap.Error(err))
		} else {
			logger.Info("memory locked", zap.Int("protection_level", int(level)))
		}
		defer mem.Unlock()
	}

	dataDir := viper.GetString("daemon.data_dir")
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	pool, err := bookkeeping.OpenPool(bookkeeping.PoolConfig{
		Path:   viper.GetString("daemon.bookkeeping_path"),
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("opening bookkeeping database: %w", err)
	}
	defer pool.Close()

	auditLogger, err := audit.NewLogger(&audit.Config{
		Enabled:     viper.GetBool("audit.enabled"),
		CallerAppID: viper.GetString("daemon.platform_application_id"),
		Type:        audit.ConfigType(viper.GetString("audit.type")),
		Options: map[string]interface{}{
			"file_path":   viper.GetString("audit.file_path"),
			"max_size":    viper.GetInt("audit.max_size"),
			"max_backups": viper.GetInt("audit.max_backups"),
		},
		LogLevel: viper.GetString("audit.log_level"),
	})
	if err != nil {
		return fmt.Errorf("building audit logger: %w", err)
	}
	defer auditLogger.Close()

	reg := registry.New()

	cfg := secretsd.Config{
		PlatformApplicationID:       viper.GetString("daemon.platform_application_id"),
		DefaultAuthenticationPlugin: viper.GetString("daemon.default_authentication_plugin"),
		Autotest:                    viper.GetBool("daemon.autotest"),
		EnableMemoryLock:            viper.GetBool("daemon.enable_memory_lock"),
		WorkerPoolSize:              viper.GetInt("daemon.worker_pool_size"),
		RelockGracePeriod:           viper.GetDuration("daemon.relock_grace_period"),
	}

	d, err := secretsd.New(cfg, reg, pool, auditLogger, logger)
	if err != nil {
		return fmt.Errorf("constructing daemon: %w", err)
	}

	reg.RegisterAuthentication(termauth.New(cfg.DefaultAuthenticationPlugin, brokerOf(d), viper.GetDuration("daemon.prompt_timeout")))
	reg.RegisterEncryptedStorage(chacha.New(cfg.DefaultAuthenticationPlugin))
	reg.RegisterStorage(filestore.New("filestore", dataDir))

	d.Start()
	logger.Info("secretsd started", zap.String("data_dir", dataDir), zap.Int("worker_pool_size", cfg.WorkerPoolSize))

	waitForShutdown(logger)

	logger.Info("secretsd stopping")
	d.Stop()
	return nil
}

func loadConfig(configFile string) {
	viper.SetDefault("daemon.data_dir", ".secretsd")
	viper.SetDefault("daemon.bookkeeping_path", ".secretsd/bookkeeping.db")
	viper.SetDefault("daemon.platform_application_id", "platform")
	viper.SetDefault("daemon.default_authentication_plugin", "platform")
	viper.SetDefault("daemon.worker_pool_size", 8)
	viper.SetDefault("daemon.enable_memory_lock", false)
	viper.SetDefault("daemon.autotest", false)
	viper.SetDefault("daemon.relock_grace_period", 30*time.Second)
	viper.SetDefault("daemon.prompt_timeout", 2*time.Minute)
	viper.SetDefault("audit.enabled", true)
	viper.SetDefault("audit.type", "file")
	viper.SetDefault("audit.file_path", ".secretsd/audit.log")
	viper.SetDefault("audit.max_size", 100)
	viper.SetDefault("audit.max_backups", 5)
	viper.SetDefault("audit.log_level", "info")

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".secretsd")
	}

	viper.SetEnvPrefix("SECRETSD")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "secretsd: error reading config file: %v\n", err)
		}
	}
}

func newProcessLogger() (*zap.Logger, error) {
	if viper.GetString("daemon.log_level") == "debug" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// brokerOf lets a plugin that needs to deliver its own prompt answers
// (termauth) reach the daemon's Interaction Broker without the daemon
// exposing broker internals as part of its public API.
func brokerOf(d *secretsd.Daemon) *broker.Broker { return d.Broker() }

func waitForShutdown(logger *zap.Logger) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()
	logger.Info("shutdown signal received")
}
