package cmd

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"tgbridge/pkg/bus"
	"tgbridge/pkg/config"
	"tgbridge/pkg/relay"

	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func whatsAppConfig(baseURL string) *config.Config {
	return &config.Config{
		WhatsApp: config.WhatsAppConfig{
			APIKey:        "test-key",
			PhoneNumberID: "1055",
			Recipient:     "34600000000",
			BaseURL:       baseURL,
		},
	}
}

func TestResolveText(t *testing.T) {
	tests := []struct {
		name string
		flag string
		args []string
		want string
	}{
		{name: "flag wins", flag: " from flag ", args: []string{"ignored"}, want: "from flag"},
		{name: "args joined", args: []string{"hello", "world"}, want: "hello world"},
		{name: "empty", args: []string{"  "}, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sendText = tt.flag
			defer func() { sendText = "" }()

			if got := resolveText(tt.args); got != tt.want {
				t.Fatalf("resolveText(%q) = %q, want %q", tt.args, got, tt.want)
			}
		})
	}
}

func TestSendOncePrintsProviderMessageID(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.Equal(t, "/1055/messages", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messaging_product":"whatsapp","messages":[{"id":"wamid.SENT"}]}`))
	}))
	defer server.Close()

	var out bytes.Buffer
	err := sendOnce(context.Background(), &out, whatsAppConfig(server.URL), "hello", quietLogger())
	require.NoError(t, err)
	require.Equal(t, "sent wamid.SENT (attempts: 1)\n", out.String())
	require.Equal(t, int32(1), calls.Load())
}

func TestSendOnceReportsRejectedRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid OAuth access token","code":190}}`))
	}))
	defer server.Close()

	var out bytes.Buffer
	err := sendOnce(context.Background(), &out, whatsAppConfig(server.URL), "hello", quietLogger())
	require.Error(t, err)
	require.ErrorIs(t, err, relay.ErrDeliveryFailed)
	require.Contains(t, err.Error(), "after 1 attempt(s)")
	require.Empty(t, out.String())
}

func TestSendOnceRequiresWhatsAppSettings(t *testing.T) {
	err := sendOnce(context.Background(), io.Discard, &config.Config{}, "hello", quietLogger())
	require.ErrorContains(t, err, "whatsapp.api_key is required")
}

func TestRunCheck(t *testing.T) {
	filters := config.FiltersConfig{
		OnlyForwardMediaTypes: []string{"text", "photo"},
		IgnoreUsers:           []string{"spammer"},
		IgnoreKeywords:        []string{"casino"},
	}

	tests := []struct {
		name string
		opts checkOptions
		want string
	}{
		{
			name: "forwarded text",
			opts: checkOptions{kind: "text", text: "hello", username: "alice"},
			want: "decision: forward\ntext: *alice*: hello\n",
		},
		{
			name: "ignored keyword",
			opts: checkOptions{kind: "text", text: "Best CASINO deals"},
			want: "decision: skip (ignored_keyword: casino)\ntext: Best CASINO deals\n",
		},
		{
			name: "kind not allowed",
			opts: checkOptions{kind: "sticker"},
			want: "decision: skip (kind_not_allowed: sticker)\ntext: [sticker]\n",
		},
		{
			name: "photo caption",
			opts: checkOptions{kind: "photo", caption: "sunset"},
			want: "decision: forward\ntext: sunset\n",
		},
		{
			name: "ignored user",
			opts: checkOptions{kind: "text", text: "hi", username: "spammer"},
			want: "decision: skip (ignored_username: spammer)\ntext: *spammer*: hi\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			require.NoError(t, runCheck(&out, filters, tt.opts))
			require.Equal(t, tt.want, out.String())
		})
	}
}

func TestRunCheckRejectsUnknownKind(t *testing.T) {
	err := runCheck(io.Discard, config.FiltersConfig{}, checkOptions{kind: "gif"})
	require.Error(t, err)

	err = runCheck(io.Discard, config.FiltersConfig{OnlyForwardMediaTypes: []string{"gif"}}, checkOptions{kind: "text"})
	require.ErrorContains(t, err, "configure filters")
}

func TestFilterOptionsMapsConfigRules(t *testing.T) {
	opts := filterOptions(config.FiltersConfig{
		OnlyForwardMediaTypes: []string{"photo"},
		IgnoreUsers:           []string{"bob"},
		IgnoreKeywords:        []string{"ad"},
		OnlyIncludeKeywords:   []string{"news"},
	})

	require.Equal(t, relay.FilterOptions{
		AllowedKinds:     []string{"photo"},
		IgnoredUsers:     []string{"bob"},
		IgnoredKeywords:  []string{"ad"},
		RequiredKeywords: []string{"news"},
	}, opts)
}

func TestNewBridgeRejectsIncompleteConfig(t *testing.T) {
	messageBus := bus.NewMessageBus()
	defer messageBus.Close()

	_, err := newBridge(&config.Config{Relay: config.RelayConfig{QueueSize: 1}}, messageBus, quietLogger())
	require.ErrorContains(t, err, "invalid configuration")
	require.ErrorContains(t, err, "telegram.token is required")
}

func TestLoadConfigHonorsConfigFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"telegram":{"channel_id":"@newsroom"},"relay":{"max_retries":1}}`), 0o600))

	configPath = path
	defer func() { configPath = "" }()

	cfg, err := loadConfig()
	require.NoError(t, err)
	require.Equal(t, path, cfg.Path)
	require.Equal(t, 1, cfg.Relay.MaxRetries)
	require.Equal(t, 100, cfg.Relay.QueueSize)
	if cfg.Telegram.ChannelID != "@newsroom" && os.Getenv("TELEGRAM_CHANNEL_ID") == "" {
		t.Fatalf("channel_id = %q, want @newsroom", cfg.Telegram.ChannelID)
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	}()

	require.NoError(t, rootCmd.Execute())
	require.True(t, strings.HasPrefix(out.String(), "tgbridge "))
}
