package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	envConfigPath            = "TGBRIDGE_CONFIG"
	envTelegramBotToken      = "TELEGRAM_BOT_TOKEN"
	envTelegramChannelID     = "TELEGRAM_CHANNEL_ID"
	envTelegramAllowFrom     = "TELEGRAM_ALLOW_FROM"
	envWhatsAppAPIKey        = "WHATSAPP_API_KEY"
	envWhatsAppPhoneNumberID = "WHATSAPP_PHONE_NUMBER_ID"
	envWhatsAppRecipient     = "WHATSAPP_RECIPIENT"
	defaultOpenAIKeyEnv      = "OPENAI_API_KEY"
)

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	Telegram      TelegramConfig      `json:"telegram"`
	WhatsApp      WhatsAppConfig      `json:"whatsapp"`
	Filters       FiltersConfig       `json:"filters"`
	Relay         RelayConfig         `json:"relay"`
	Media         MediaConfig         `json:"media"`
	Transcription TranscriptionConfig `json:"transcription"`
	Gateway       GatewayConfig       `json:"gateway"`
	Logging       LoggingConfig       `json:"logging"`

	// Path is the file the config was read from, empty when running on defaults and env.
	Path string `json:"-"`
}

// TelegramConfig configures the inbound Telegram channel.
type TelegramConfig struct {
	Token     string   `json:"token"`
	ChannelID string   `json:"channel_id"`
	AllowFrom []string `json:"allow_from"`
	Proxy     string   `json:"proxy"`
}

// WhatsAppConfig configures the WhatsApp Cloud API sink.
type WhatsAppConfig struct {
	APIKey                string  `json:"api_key"`
	PhoneNumberID         string  `json:"phone_number_id"`
	Recipient             string  `json:"recipient"`
	BaseURL               string  `json:"base_url"`
	RequestTimeoutSeconds int     `json:"request_timeout_seconds"`
	RateLimitPerSecond    float64 `json:"rate_limit_per_second"`
	RateLimitBurst        int     `json:"rate_limit_burst"`
}

// FiltersConfig holds the forwarding rules. Empty lists disable the rule.
type FiltersConfig struct {
	OnlyForwardMediaTypes []string `json:"only_forward_media_types"`
	IgnoreUsers           []string `json:"ignore_users"`
	IgnoreKeywords        []string `json:"ignore_keywords"`
	OnlyIncludeKeywords   []string `json:"only_include_keywords"`
}

// RelayConfig tunes dedup and delivery.
type RelayConfig struct {
	DedupCapacity int  `json:"dedup_capacity"`
	MaxRetries    int  `json:"max_retries"`
	QueueSize     int  `json:"queue_size"`
	PrefixSender  bool `json:"prefix_sender"`
}

// MediaConfig enables republishing Telegram attachments from the gateway.
type MediaConfig struct {
	Dir              string `json:"dir"`
	PublicBaseURL    string `json:"public_base_url"`
	RetentionMinutes int    `json:"retention_minutes"`
}

// Enabled reports whether attachments should be served by the gateway.
func (m MediaConfig) Enabled() bool {
	return strings.TrimSpace(m.PublicBaseURL) != ""
}

// TranscriptionConfig configures optional voice transcription.
type TranscriptionConfig struct {
	Enabled   bool   `json:"enabled"`
	Model     string `json:"model"`
	BaseURL   string `json:"base_url"`
	APIKeyEnv string `json:"api_key_env"`

	// APIKey is resolved from APIKeyEnv at load time.
	APIKey string `json:"-"`
}

// GatewayConfig configures the status server bind settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Address returns host:port for the status server.
func (g GatewayConfig) Address() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// LoggingConfig controls structured log output format, verbosity and rotation.
type LoggingConfig struct {
	Format      string `json:"format"`
	Level       string `json:"level"`
	AddSource   bool   `json:"add_source"`
	File        string `json:"file"`
	MaxSizeMB   int    `json:"max_size_mb"`
	BackupCount int    `json:"backup_count"`
}

// LoadConfig resolves config.json, decodes it on top of defaults, and applies
// environment overrides. Without a config file the defaults and env are used.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	return LoadFile(configPath)
}

// LoadFile reads the config at path. An empty path loads defaults and env only.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "json"
	}); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.Path = path

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("whatsapp.base_url", "https://graph.facebook.com/v17.0")
	v.SetDefault("whatsapp.request_timeout_seconds", 30)
	v.SetDefault("whatsapp.rate_limit_per_second", 5)
	v.SetDefault("whatsapp.rate_limit_burst", 5)

	v.SetDefault("relay.dedup_capacity", 1000)
	v.SetDefault("relay.max_retries", 3)
	v.SetDefault("relay.queue_size", 100)
	v.SetDefault("relay.prefix_sender", false)

	v.SetDefault("media.dir", filepath.Join(os.TempDir(), "tgbridge-media"))
	v.SetDefault("media.retention_minutes", 60)

	v.SetDefault("transcription.model", "whisper-1")
	v.SetDefault("transcription.api_key_env", defaultOpenAIKeyEnv)

	v.SetDefault("gateway.host", "127.0.0.1")
	v.SetDefault("gateway.port", 18791)

	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.backup_count", 5)
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	overrideString(&cfg.Telegram.Token, envTelegramBotToken)
	overrideString(&cfg.Telegram.ChannelID, envTelegramChannelID)
	overrideString(&cfg.WhatsApp.APIKey, envWhatsAppAPIKey)
	overrideString(&cfg.WhatsApp.PhoneNumberID, envWhatsAppPhoneNumberID)
	overrideString(&cfg.WhatsApp.Recipient, envWhatsAppRecipient)

	if rawAllowFrom := strings.TrimSpace(os.Getenv(envTelegramAllowFrom)); rawAllowFrom != "" {
		cfg.Telegram.AllowFrom = parseCSV(rawAllowFrom)
	}

	keyEnv := strings.TrimSpace(cfg.Transcription.APIKeyEnv)
	if keyEnv == "" {
		keyEnv = defaultOpenAIKeyEnv
	}
	cfg.Transcription.APIKey = strings.TrimSpace(os.Getenv(keyEnv))
}

func overrideString(target *string, env string) {
	if value := strings.TrimSpace(os.Getenv(env)); value != "" {
		*target = value
	}
}

// Validate reports every missing or out-of-range setting the relay needs to run.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required (or set "+envTelegramBotToken+")"))
	}
	if strings.TrimSpace(c.Telegram.ChannelID) == "" {
		errs = append(errs, errors.New("telegram.channel_id is required (or set "+envTelegramChannelID+")"))
	}
	if err := c.ValidateWhatsApp(); err != nil {
		errs = append(errs, err)
	}
	if c.Relay.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("relay.max_retries must be >= 0, got %d", c.Relay.MaxRetries))
	}
	if c.Relay.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("relay.queue_size must be > 0, got %d", c.Relay.QueueSize))
	}
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port out of range: %d", c.Gateway.Port))
	}
	if c.Transcription.Enabled && c.Transcription.APIKey == "" {
		errs = append(errs, fmt.Errorf("transcription is enabled but %s is empty", c.Transcription.APIKeyEnv))
	}

	return errors.Join(errs...)
}

// ValidateWhatsApp checks only the outbound sink settings.
func (c *Config) ValidateWhatsApp() error {
	var errs []error

	if strings.TrimSpace(c.WhatsApp.APIKey) == "" {
		errs = append(errs, errors.New("whatsapp.api_key is required (or set "+envWhatsAppAPIKey+")"))
	}
	if strings.TrimSpace(c.WhatsApp.PhoneNumberID) == "" {
		errs = append(errs, errors.New("whatsapp.phone_number_id is required (or set "+envWhatsAppPhoneNumberID+")"))
	}
	if strings.TrimSpace(c.WhatsApp.Recipient) == "" {
		errs = append(errs, errors.New("whatsapp.recipient is required (or set "+envWhatsAppRecipient+")"))
	}

	return errors.Join(errs...)
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// Precedence is TGBRIDGE_CONFIG first, then cwd-local fallback paths. An empty path
// with a nil error means no file was found.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", nil
}
