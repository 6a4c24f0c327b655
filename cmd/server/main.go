package main

import (
	"fmt"
	"os"

	"github.com/Brownie44l1/cxr-api/internal/config"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "cxr-api",
	Short:         "Chest X-ray classification API with Grad-CAM explanations",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the config file")
	rootCmd.AddCommand(serveCmd, layersCmd)
}

// loadConfig falls back to the built-in defaults when the config file is
// absent so the binary runs with environment overrides alone.
func loadConfig() (*config.Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
