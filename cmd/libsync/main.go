// Command libsync runs the library replication engine: a daemon that
// mirrors the reference library from a paired producer device and drains
// locally-queued changes back to it, plus inspection commands for the
// local database.
package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/matchday/libsync/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "libsync",
	Short: "Reference library replication between paired devices",
	Long: `libsync keeps a local mirror of the reference library (teams,
competitions, venues, schedules, match history) in sync with a paired
producer device, and reliably delivers local changes back to it.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("db", "", "path to the local database (default $HOME/.libsync/libsync.db)")
	rootCmd.PersistentFlags().String("config", "", "path to config file (default ./libsync.yaml, $HOME/.libsync/libsync.yaml)")
	rootCmd.PersistentFlags().String("log-file", "", "rotate logs into this file instead of stderr")

	_ = viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("log_file", rootCmd.PersistentFlags().Lookup("log-file"))

	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(resyncCmd)
	rootCmd.AddCommand(wipeCmd)
}

// initConfig loads the config file and environment overrides.
func initConfig() {
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("libsync")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".libsync"))
		}
	}

	viper.SetEnvPrefix("LIBSYNC")
	viper.AutomaticEnv()

	viper.SetDefault("peer_url", "")
	viper.SetDefault("spool_dir", "")
	viper.SetDefault("diag_port", 0)
	viper.SetDefault("chunk_ttl", "24h")
	viper.SetDefault("flush_interval", "15s")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Warning: failed to read config: %v\n", err)
		}
	}
}

// dbPath resolves the database location from flag/config/default.
func dbPath() string {
	if path := viper.GetString("db"); path != "" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "libsync.db"
	}
	return filepath.Join(home, ".libsync", "libsync.db")
}

// openDB opens the database and initializes the schema.
func openDB() (*store.DB, error) {
	db, err := store.Open(dbPath())
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// newLogger builds a component logger, routed through lumberjack when a
// log file is configured.
func newLogger(prefix string) *log.Logger {
	var w io.Writer = os.Stderr
	if path := viper.GetString("log_file"); path != "" {
		w = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    20, // MB
			MaxBackups: 3,
			MaxAge:     14, // days
		}
	}
	return log.New(w, prefix, log.LstdFlags)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
