package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"tgbridge/pkg/bus"
	"tgbridge/pkg/logger"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the Telegram to WhatsApp relay",
	Long:  "Runs the relay with health, readiness, status and metrics endpoints until interrupted.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := loadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			fmt.Printf("failed to initialize logger: %v\n", err)
			return
		}
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.run")

		messageBus := bus.NewMessageBus()
		defer messageBus.Close()

		svc, err := newBridge(cfg, messageBus, slog.Default())
		if err != nil {
			log.Error("Relay configuration invalid", "error", err)
			return
		}

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Info("Relay started", "channel_id", cfg.Telegram.ChannelID, "recipient", cfg.WhatsApp.Recipient, "config", cfg.Path)
		if err := svc.Run(runCtx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error("Relay runtime failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
