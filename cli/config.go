package cli

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/petal-labs/eventq/config"
)

func addConfigFlag(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "Path to eventq.yaml (default: ./eventq.yaml, then ~/.eventq/config.yaml)")
}

// loadConfig discovers, parses, and validates the configuration named by the
// --config flag. The returned path is empty when defaults are used.
func loadConfig(cmd *cobra.Command) (config.Config, string, error) {
	explicit, _ := cmd.Flags().GetString("config")
	path, found, err := config.Discover(explicit)
	if err != nil {
		if explicit != "" {
			if _, statErr := os.Stat(explicit); errors.Is(statErr, os.ErrNotExist) {
				return config.Config{}, "", exitError(exitFileNotFound, "config file not found: %s", explicit)
			}
		}
		return config.Config{}, "", err
	}
	if !found {
		path = ""
	}

	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, path, exitError(exitValidation, "%w", err)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, path, exitError(exitValidation, "invalid config %s: %w", displayPath(path), err)
	}
	return cfg, path, nil
}

func displayPath(path string) string {
	if path == "" {
		return "(defaults)"
	}
	return path
}
