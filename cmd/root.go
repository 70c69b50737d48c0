package cmd

import (
	"os"
	"strings"

	"tgbridge/pkg/config"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "tgbridge",
	Short: "Relay a Telegram channel to WhatsApp",
	Long:  "tgbridge watches one Telegram channel and forwards every post to a WhatsApp recipient through the WhatsApp Cloud API.",
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: $TGBRIDGE_CONFIG, ./config.json, ./config/config.json)")
}

func loadConfig() (*config.Config, error) {
	if path := strings.TrimSpace(configPath); path != "" {
		return config.LoadFile(path)
	}

	return config.LoadConfig()
}
