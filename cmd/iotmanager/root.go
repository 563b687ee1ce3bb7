package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/nerrad567/iotmanager/internal/buildinfo"
	"github.com/nerrad567/iotmanager/internal/infrastructure/config"
	"github.com/nerrad567/iotmanager/internal/infrastructure/logging"
)

const (
	// defaultConfigPath is used when neither --config nor IOTMANAGER_CONFIG is set.
	defaultConfigPath = "configs/config.yaml"

	// envFile is loaded before configuration so it can supply IOTMANAGER_* values.
	envFile = ".env"
)

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "iotmanager",
		Short:         "IoT device registry and MQTT command dispatcher",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"config file (default $IOTMANAGER_CONFIG or "+defaultConfigPath+")")

	cmd.AddCommand(
		newServeCmd(&configPath),
		newMigrateCmd(&configPath),
		newVersionCmd(),
	)
	return cmd
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and command dispatcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), *configPath)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), buildinfo.String())
		},
	}
}

// resolveConfigPath returns the config file to load and whether it was
// chosen explicitly. The flag wins over IOTMANAGER_CONFIG.
func resolveConfigPath(flag string) (path string, explicit bool) {
	if flag != "" {
		return flag, true
	}
	if env := os.Getenv("IOTMANAGER_CONFIG"); env != "" {
		return env, true
	}
	return defaultConfigPath, false
}

// loadConfig loads the .env file and the configuration. A missing default
// config file falls back to built-in defaults; an explicitly named file
// must exist.
func loadConfig(flag string, log *logging.Logger) (*config.Config, error) {
	if err := config.LoadEnvFile(envFile); err != nil {
		return nil, err
	}

	path, explicit := resolveConfigPath(flag)
	cfg, err := config.Load(path)
	if err == nil {
		log.Info("configuration loaded", "path", path)
		return cfg, nil
	}
	if explicit || !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	log.Warn("config file not found, using defaults", "path", path)
	cfg = config.Default()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating default config: %w", err)
	}
	return cfg, nil
}
