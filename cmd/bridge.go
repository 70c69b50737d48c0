package cmd

import (
	"fmt"
	"log/slog"

	"tgbridge/pkg/bus"
	"tgbridge/pkg/channel"
	"tgbridge/pkg/channel/telegram"
	"tgbridge/pkg/config"
	"tgbridge/pkg/gateway"
	"tgbridge/pkg/media"
	"tgbridge/pkg/relay"
	"tgbridge/pkg/transcribe"
	"tgbridge/pkg/whatsapp"
)

const telegramChannelName = "telegram"

// newBridge wires the Telegram adapter, relay, WhatsApp sink, and optional media and
// transcription support into a gateway service.
func newBridge(cfg *config.Config, events *bus.MessageBus, log *slog.Logger) (*gateway.Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	client, err := whatsapp.NewClient(cfg.WhatsApp, log)
	if err != nil {
		return nil, fmt.Errorf("configure whatsapp: %w", err)
	}

	bot, err := telegram.NewBot(cfg.Telegram, log)
	if err != nil {
		return nil, fmt.Errorf("configure %s: %w", telegramChannelName, err)
	}

	httpClient, err := telegram.HTTPClient(cfg.Telegram)
	if err != nil {
		return nil, err
	}

	var (
		store     *media.Store
		publisher telegram.Publisher
	)
	if cfg.Media.Enabled() {
		store, err = media.NewStore(cfg.Media.Dir, cfg.Media.PublicBaseURL, log)
		if err != nil {
			return nil, fmt.Errorf("configure media store: %w", err)
		}
		publisher = store
	} else {
		log.Warn("media.public_base_url is not set; attachment links sent to WhatsApp will embed the bot token")
	}

	resolver, err := telegram.NewFileResolver(bot, publisher, httpClient, log)
	if err != nil {
		return nil, err
	}

	dispatcher, err := relay.NewDispatcher(client, resolver, relay.DispatcherOptions{
		MaxRetries:   cfg.Relay.MaxRetries,
		PrefixSender: cfg.Relay.PrefixSender,
	}, log)
	if err != nil {
		return nil, err
	}

	filter, err := relay.NewFilterConfig(filterOptions(cfg.Filters))
	if err != nil {
		return nil, fmt.Errorf("configure filters: %w", err)
	}

	var enricher relay.Enricher
	if cfg.Transcription.Enabled {
		transcriber, err := transcribe.New(cfg.Transcription, resolver, log)
		if err != nil {
			return nil, fmt.Errorf("configure transcription: %w", err)
		}
		enricher = transcriber
	}

	r, err := relay.New(relay.Options{
		Channel:       telegramChannelName,
		Filter:        filter,
		DedupCapacity: cfg.Relay.DedupCapacity,
		Dispatcher:    dispatcher,
		Enricher:      enricher,
		Events:        events,
		Logger:        log,
	})
	if err != nil {
		return nil, err
	}

	var svc *gateway.Service
	adapter, err := telegram.NewAdapter(cfg.Telegram, bot, telegram.Options{
		Events: events,
		Status: func() string {
			if svc == nil {
				return ""
			}
			return svc.StatusText()
		},
	}, log)
	if err != nil {
		return nil, fmt.Errorf("configure %s channel: %w", telegramChannelName, err)
	}

	opts := gateway.Options{
		Relay:    r,
		Adapters: []channel.Adapter{adapter},
		Sink:     client,
		Events:   events,
	}
	if store != nil {
		opts.Media = store
	}
	svc, err = gateway.NewService(cfg, opts, log)
	if err != nil {
		return nil, err
	}

	return svc, nil
}

// filterOptions maps the config file rules onto relay filter options.
func filterOptions(cfg config.FiltersConfig) relay.FilterOptions {
	return relay.FilterOptions{
		AllowedKinds:     cfg.OnlyForwardMediaTypes,
		IgnoredUsers:     cfg.IgnoreUsers,
		IgnoredKeywords:  cfg.IgnoreKeywords,
		RequiredKeywords: cfg.OnlyIncludeKeywords,
	}
}
