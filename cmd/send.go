package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"tgbridge/pkg/config"
	"tgbridge/pkg/logger"
	"tgbridge/pkg/relay"
	"tgbridge/pkg/whatsapp"

	"github.com/spf13/cobra"
)

var sendText string

var sendCmd = &cobra.Command{
	Use:   "send [text]",
	Short: "Send one text message to the WhatsApp recipient",
	Long:  "Sends a single text through the WhatsApp sink with the relay retry policy and prints the provider message id.",
	Run: func(cmd *cobra.Command, args []string) {
		text := resolveText(args)
		if text == "" {
			fmt.Println("nothing to send: pass text as an argument or with --text")
			return
		}

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

		if err := sendOnce(cmd.Context(), os.Stdout, cfg, text, appLogger); err != nil {
			fmt.Printf("send failed: %v\n", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVarP(&sendText, "text", "t", "", "text to send")
}

func resolveText(args []string) string {
	if value := strings.TrimSpace(sendText); value != "" {
		return value
	}

	return strings.TrimSpace(strings.Join(args, " "))
}

func sendOnce(ctx context.Context, out io.Writer, cfg *config.Config, text string, log *slog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := cfg.ValidateWhatsApp(); err != nil {
		return err
	}

	client, err := whatsapp.NewClient(cfg.WhatsApp, log)
	if err != nil {
		return err
	}

	dispatcher, err := relay.NewDispatcher(client, nil, relay.DispatcherOptions{MaxRetries: cfg.Relay.MaxRetries}, log)
	if err != nil {
		return err
	}

	result := dispatcher.SendText(ctx, text)
	if !result.Success {
		return fmt.Errorf("after %d attempt(s): %w", result.Attempts, result.Err)
	}

	fmt.Fprintf(out, "sent %s (attempts: %d)\n", result.ProviderMessageID, result.Attempts)
	return nil
}
