package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pario-ai/keypool/pkg/config"
	"github.com/pario-ai/keypool/pkg/logger"
)

var version = "dev"

var (
	configPath string
	envFile    string
)

func main() {
	root := &cobra.Command{
		Use:           "keypool",
		Short:         "keypool: health-aware provider API key pool and proxy",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to keypool config file")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")

	root.AddCommand(
		newServeCmd(),
		newStatsCmd(),
		newMetricsCmd(),
		newCredentialCmd(),
		newBackupCmd(),
		newBindingCmd(),
		newQuotaCmd(),
		newSeedCmd(),
		newEventsCmd(),
		newMCPCmd(),
		newKeygenCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and environment and configures logging.
func loadConfig() (*config.Config, error) {
	config.LoadDotEnv(envFile)
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := logger.Setup(os.Stderr, cfg.LogFormat, cfg.LogLevel); err != nil {
		return nil, err
	}
	return cfg, nil
}
