package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"tgbridge/pkg/config"
	"tgbridge/pkg/relay"

	"github.com/spf13/cobra"
)

type checkOptions struct {
	kind     string
	text     string
	caption  string
	username string
	userID   string
}

var checkFlags checkOptions

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Dry-run the configured filters against a message",
	Long:  "Builds a synthetic message from flags, evaluates the configured filters, and prints the decision and the relay text without sending anything.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := loadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		if err := runCheck(os.Stdout, cfg.Filters, checkFlags); err != nil {
			fmt.Printf("check failed: %v\n", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().StringVar(&checkFlags.kind, "kind", string(relay.KindText), "message kind: text, photo, video, audio, voice, document, sticker")
	checkCmd.Flags().StringVar(&checkFlags.text, "text", "", "message text")
	checkCmd.Flags().StringVar(&checkFlags.caption, "caption", "", "media caption")
	checkCmd.Flags().StringVar(&checkFlags.username, "username", "", "sender username")
	checkCmd.Flags().StringVar(&checkFlags.userID, "user-id", "", "sender user id")
}

func runCheck(out io.Writer, filters config.FiltersConfig, opts checkOptions) error {
	filter, err := relay.NewFilterConfig(filterOptions(filters))
	if err != nil {
		return fmt.Errorf("configure filters: %w", err)
	}

	kind, err := relay.ParseKind(opts.kind)
	if err != nil {
		return err
	}

	msg := relay.Message{
		ID:        "check:1",
		ChatID:    "check",
		UserID:    strings.TrimSpace(opts.userID),
		Username:  strings.TrimSpace(opts.username),
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		Text:      opts.text,
		Caption:   opts.caption,
	}
	if kind.IsMedia() {
		msg.Attachment = &relay.Attachment{ReferenceID: "check"}
	}

	decision := relay.Decide(msg, filter)
	if decision.Forward {
		fmt.Fprintln(out, "decision: forward")
	} else {
		fmt.Fprintf(out, "decision: skip (%s", decision.Reason)
		if decision.Match != "" {
			fmt.Fprintf(out, ": %s", decision.Match)
		}
		fmt.Fprintln(out, ")")
	}
	fmt.Fprintf(out, "text: %s\n", relay.Format(msg))

	return nil
}
