package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"

	"tgbridge/pkg/bus"
	"tgbridge/pkg/channel"
	"tgbridge/pkg/config"
	"tgbridge/pkg/relay"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

const channelName = "telegram"

var allowedUpdates = []string{"message", "channel_post"}

// replier sends control command replies. *telego.Bot implements it.
type replier interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
}

// Options wires optional collaborators into the adapter.
type Options struct {
	Events relay.EventPublisher
	// Status returns extra lines for the /status reply.
	Status func() string
}

// Adapter bridges posts of one Telegram channel into the relay.
type Adapter struct {
	cfg       config.TelegramConfig
	bot       *telego.Bot
	replies   replier
	allowFrom map[string]struct{}
	events    relay.EventPublisher
	status    func() string
	log       *slog.Logger

	paused atomic.Bool
}

var _ channel.Adapter = (*Adapter)(nil)
var _ channel.Pausable = (*Adapter)(nil)

// NewBot builds a telego client for cfg. The bot is shared by the adapter and the file
// resolver.
func NewBot(cfg config.TelegramConfig, log *slog.Logger) (*telego.Bot, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("telegram.token is required")
	}
	if log == nil {
		log = slog.Default()
	}

	options := []telego.BotOption{
		telego.WithLogger(botLogger{log: log.With("component", "channel.telegram.bot"), token: token}),
	}

	client, err := HTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	if client != http.DefaultClient {
		options = append(options, telego.WithHTTPClient(client))
	}

	bot, err := telego.NewBot(token, options...)
	if err != nil {
		return nil, fmt.Errorf("initialize telegram bot: %w", err)
	}

	return bot, nil
}

// HTTPClient returns the client used for Telegram traffic, honoring telegram.proxy.
func HTTPClient(cfg config.TelegramConfig) (*http.Client, error) {
	proxy := strings.TrimSpace(cfg.Proxy)
	if proxy == "" {
		return http.DefaultClient, nil
	}

	proxyURL, err := url.Parse(proxy)
	if err != nil {
		return nil, fmt.Errorf("parse telegram.proxy: %w", err)
	}

	return &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}, nil
}

// NewAdapter validates Telegram configuration and constructs an adapter instance.
func NewAdapter(cfg config.TelegramConfig, bot *telego.Bot, opts Options, log *slog.Logger) (*Adapter, error) {
	if bot == nil {
		return nil, errors.New("telegram bot is required")
	}
	if strings.TrimSpace(cfg.ChannelID) == "" {
		return nil, errors.New("telegram.channel_id is required")
	}

	if log == nil {
		log = slog.Default()
	}

	return &Adapter{
		cfg:       cfg,
		bot:       bot,
		replies:   bot,
		allowFrom: allowFromSet(cfg.AllowFrom),
		events:    opts.Events,
		status:    opts.Status,
		log:       log.With("component", "channel.telegram"),
	}, nil
}

// Name returns the channel identifier used in events and logs.
func (a *Adapter) Name() string {
	return channelName
}

// Paused reports whether an operator stopped relaying with /stop.
func (a *Adapter) Paused() bool {
	return a.paused.Load()
}

// Run verifies the bot token, starts long polling, and hands every post of the watched
// channel to handler. It returns nil when ctx ends.
func (a *Adapter) Run(ctx context.Context, handler channel.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	me, err := a.bot.GetMe(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("verify telegram bot: %w", err)
	}

	updates, err := a.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{AllowedUpdates: allowedUpdates})
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	a.log.Info("Telegram channel started", "bot", me.Username, "channel_id", a.cfg.ChannelID)

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil
				}
				return errors.New("telegram updates channel closed")
			}

			a.handleUpdate(ctx, update, handler)
		}
	}
}

func (a *Adapter) handleUpdate(ctx context.Context, update telego.Update, handler channel.Handler) {
	message := update.Message
	if message == nil {
		message = update.ChannelPost
	}
	if message == nil {
		return
	}

	if a.handleCommand(ctx, message) {
		return
	}

	if !a.watches(message.Chat) {
		a.log.Debug("Ignoring message from unwatched chat", "chat_id", message.Chat.ID)
		return
	}
	if a.paused.Load() {
		a.log.Debug("Relay paused, ignoring message", "chat_id", message.Chat.ID, "message_id", message.MessageID)
		return
	}

	msg, err := normalizeMessage(message)
	if err != nil {
		a.log.Warn("Skipping unsupported message", "chat_id", message.Chat.ID, "message_id", message.MessageID, "error", err)
		return
	}

	a.log.Debug("Received message", "message_id", msg.ID, "kind", string(msg.Kind), "update_id", update.UpdateID)
	outcome := handler(ctx, msg)
	a.log.Debug("Message handled", "message_id", msg.ID, "outcome", string(outcome))
}

// watches reports whether chat is the configured channel, by numeric id or @username.
func (a *Adapter) watches(chat telego.Chat) bool {
	want := strings.TrimSpace(a.cfg.ChannelID)
	if strconv.FormatInt(chat.ID, 10) == want {
		return true
	}

	name, ok := strings.CutPrefix(want, "@")
	return ok && chat.Username != "" && strings.EqualFold(name, chat.Username)
}

// handleCommand runs /start, /stop and /status sent in a private chat. It reports
// whether the message was consumed as a command.
func (a *Adapter) handleCommand(ctx context.Context, message *telego.Message) bool {
	if message.Chat.Type != telego.ChatTypePrivate || message.From == nil {
		return false
	}

	command, ok := parseCommand(message.Text)
	if !ok {
		return false
	}

	senderID := strconv.FormatInt(message.From.ID, 10)
	if !a.senderAllowed(senderID) {
		a.log.Debug("Ignoring command from unauthorized sender", "sender_id", senderID, "command", command)
		return true
	}

	var reply string
	switch command {
	case "start":
		a.setPaused(ctx, false, senderID)
		reply = "Relay running. Channel posts are forwarded to WhatsApp."
	case "stop":
		a.setPaused(ctx, true, senderID)
		reply = "Relay paused. Channel posts are not forwarded."
	case "status":
		reply = a.statusText()
	default:
		reply = "Unknown command. Use /start, /stop or /status."
	}

	a.log.Info("Handled control command", "command", command, "sender_id", senderID)
	if _, err := a.replies.SendMessage(ctx, tu.Message(tu.ID(message.Chat.ID), reply)); err != nil {
		a.log.Error("Failed to send telegram message", "error", err)
	}

	return true
}

func (a *Adapter) setPaused(ctx context.Context, paused bool, senderID string) {
	if !a.paused.CompareAndSwap(!paused, paused) {
		return
	}

	eventType := bus.EventRelayResumed
	if paused {
		eventType = bus.EventRelayPaused
	}
	a.log.Info("Relay state changed", "paused", paused, "sender_id", senderID)

	if a.events != nil {
		a.events.PublishEvent(ctx, bus.Event{
			Type:    eventType,
			Channel: channelName,
			Payload: map[string]string{"sender_id": senderID},
		})
	}
}

func (a *Adapter) statusText() string {
	state := "running"
	if a.paused.Load() {
		state = "paused"
	}

	text := fmt.Sprintf("Relay %s. Watching %s.", state, a.cfg.ChannelID)
	if a.status != nil {
		if extra := strings.TrimSpace(a.status()); extra != "" {
			text += "\n" + extra
		}
	}

	return text
}

// parseCommand extracts the lowercased command name from "/name@bot args".
func parseCommand(text string) (string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", false
	}

	name := strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	if name == "" {
		return "", false
	}

	return strings.ToLower(name), true
}

// senderAllowed checks whether a sender may run control commands.
//
// Without an allow list nobody can pause the relay.
func (a *Adapter) senderAllowed(senderID string) bool {
	if len(a.allowFrom) == 0 {
		return false
	}

	_, ok := a.allowFrom[strings.TrimSpace(senderID)]
	return ok
}

// allowFromSet normalizes allow_from values into a lookup set.
func allowFromSet(allowFrom []string) map[string]struct{} {
	if len(allowFrom) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	if len(allowed) == 0 {
		return nil
	}

	return allowed
}

// botLogger routes telego's internal logging into slog with the token masked.
type botLogger struct {
	log   *slog.Logger
	token string
}

func (l botLogger) Debugf(format string, args ...any) {
	l.log.Debug(l.redact(fmt.Sprintf(format, args...)))
}

func (l botLogger) Errorf(format string, args ...any) {
	l.log.Error(l.redact(fmt.Sprintf(format, args...)))
}

func (l botLogger) redact(text string) string {
	if l.token == "" {
		return text
	}

	return strings.ReplaceAll(text, l.token, "BOT_TOKEN")
}
