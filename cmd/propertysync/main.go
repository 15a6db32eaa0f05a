package main

import (
	"errors"
	"os"

	"github.com/MarcoPoloResearchLab/propertysync/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "propertysync",
		Short:         "Offline-first property data store and sync client",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		newSyncCommand(),
		newRunCommand(),
		newStatusCommand(),
		newRetryCommand(),
		newDiscardCommand(),
		newResetCommand(),
		newServeMockCommand(),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-file", defaults.GetString("log.file"), "Rolling log file (empty logs to stderr only)")
	cmd.PersistentFlags().String("remote-url", defaults.GetString("remote.base_url"), "Sync server base URL")
	cmd.PersistentFlags().String("token", "", "Bearer token for the sync server (overrides env)")
	cmd.PersistentFlags().String("conflict-policy", defaults.GetString("sync.conflict_policy"), "Conflict policy (server_wins, manual)")
	cmd.PersistentFlags().Int("max-concurrency", defaults.GetInt("sync.max_concurrency"), "Independent mutations sent in parallel")
	cmd.PersistentFlags().Bool("offline", defaults.GetBool("sync.offline"), "Start without contacting the server")

	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
	bindFlag(cmd, "remote.base_url", "remote-url")
	bindFlag(cmd, "remote.token", "token")
	bindFlag(cmd, "sync.conflict_policy", "conflict-policy")
	bindFlag(cmd, "sync.max_concurrency", "max-concurrency")
	bindFlag(cmd, "sync.offline", "offline")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("propertysync")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
