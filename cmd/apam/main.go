package main

import (
	"fmt"
	"os"

	"github.com/maloquacious/semver"
	"github.com/spf13/cobra"

	"github.com/maloquacious/apam/internal/config"
	"github.com/maloquacious/apam/internal/logger"
	"github.com/maloquacious/apam/internal/store/sqlite"
)

var (
	version   = semver.Version{Minor: 1, PreRelease: "alpha", Build: semver.Commit()}
	buildDate = ""
)

// global flags
var (
	configFile string
	dataDir    string
	logLevel   string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "apam",
		Short:        "Local persistent store manager and admin CLI",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "directory holding the store files (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides config)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the application version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version.String())
			return err
		},
	}

	rootCmd.AddCommand(versionCmd, newServeCmd(), newDBCmd())
	return rootCmd
}

// loadConfig reads the config file and applies the global flag overrides.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return cfg, err
	}
	if f := cmd.Flags().Lookup("data-dir"); f != nil && f.Changed {
		cfg.DataDir = dataDir
	}
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		cfg.LogLevel = logLevel
	}
	return cfg, cfg.Validate()
}

func newLogger(cmd *cobra.Command, cfg config.Config) (*logger.StdLogger, error) {
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return logger.New(cmd.ErrOrStderr(), level), nil
}

// openRegistry loads the configuration and opens the registry over its
// data directory. The caller closes the registry.
func openRegistry(cmd *cobra.Command) (*sqlite.Registry, config.Config, *logger.StdLogger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, cfg, nil, err
	}
	log, err := newLogger(cmd, cfg)
	if err != nil {
		return nil, cfg, nil, err
	}
	reg, err := sqlite.NewRegistry(cfg.DataDir, log)
	if err != nil {
		return nil, cfg, nil, err
	}
	return reg, cfg, log, nil
}
