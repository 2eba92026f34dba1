package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/gattmgr/pkg/config"
)

// loadSettings builds the configuration from --config and the logger from
// --log-level. Without --log-level the CLI stays silent below warnings,
// whatever the config file says.
func loadSettings(cmd *cobra.Command) (config.Config, *logrus.Logger, error) {
	cfg := config.Default()

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, nil, err
		}
		cfg = loaded
	} else {
		cfg.LogLevel = logrus.WarnLevel.String()
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		if _, err := logrus.ParseLevel(level); err != nil {
			return config.Config{}, nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", level)
		}
		cfg.LogLevel = level
		cfg.Debug = false
	}

	logger := cfg.NewLogger()
	logger.SetOutput(cmd.ErrOrStderr())
	return cfg, logger, nil
}
