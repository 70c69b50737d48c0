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
	"tgbridge/pkg/ui/monitor"

	"github.com/spf13/cobra"
)

const monitorEventBuffer = 256

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run the relay with a live terminal monitor",
	Long:  "Runs the relay like `run` and shows relay events in a terminal UI. Logs go to logging.file only.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := loadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		appLogger, err := logger.NewFileOnly(cfg.Logging)
		if err != nil {
			fmt.Printf("failed to initialize logger: %v\n", err)
			return
		}
		slog.SetDefault(appLogger)

		messageBus := bus.NewMessageBus()
		defer messageBus.Close()

		svc, err := newBridge(cfg, messageBus, slog.Default())
		if err != nil {
			fmt.Printf("relay configuration invalid: %v\n", err)
			return
		}

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		events, unsubscribe := messageBus.SubscribeEvents(runCtx, monitorEventBuffer)
		defer unsubscribe()

		svcCtx, cancel := context.WithCancel(runCtx)
		defer cancel()

		errCh := make(chan error, 1)
		go func() {
			errCh <- svc.Run(svcCtx)
		}()

		info := monitor.Info{
			Channel:   cfg.Telegram.ChannelID,
			Recipient: cfg.WhatsApp.Recipient,
			Address:   cfg.Gateway.Address(),
		}
		uiErr := monitor.Run(svcCtx, events, info)

		cancel()
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
			fmt.Printf("relay runtime failed: %v\n", err)
		}
		if uiErr != nil {
			fmt.Printf("monitor failed: %v\n", uiErr)
		}
	},
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}
