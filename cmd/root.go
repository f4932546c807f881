// Package cmd holds the renderhub command line.
package cmd

import (
	"fmt"
	"os"

	"renderhub/config"
	"renderhub/logging"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "renderhub",
	Short: "Render queue and video provider gateway",
	Long: `renderhub composes rendered videos with ffmpeg, dispatches clip generation
to external video providers, and notifies the parent application through
signed webhooks.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the configuration and builds the logger.
func setup() (*config.Config, logr.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, logr.Discard(), fmt.Errorf("failed to load configuration: %w", err)
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogDevelop)
	if err != nil {
		return nil, logr.Discard(), err
	}
	return cfg, log, nil
}
