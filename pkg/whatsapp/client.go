package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tgbridge/pkg/config"
	"tgbridge/pkg/relay"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL        = "https://graph.facebook.com/v17.0"
	defaultRequestTimeout = 30 * time.Second
	maxResponseBytes      = 1 << 20
	userAgent             = "tgbridge/1"
)

// Client sends messages to one recipient through the WhatsApp Cloud API. Every call is
// a single attempt; retries belong to the relay dispatcher.
type Client struct {
	httpClient    *http.Client
	limiter       *rate.Limiter
	baseURL       string
	apiKey        string
	phoneNumberID string
	recipient     string
	log           *slog.Logger
}

var _ relay.Sink = (*Client)(nil)

type textBody struct {
	Body string `json:"body"`
}

type mediaBody struct {
	Link    string `json:"link"`
	Caption string `json:"caption,omitempty"`
}

// messageRequest is the Cloud API send payload. The media object is keyed by type, so
// only one of the typed fields is set.
type messageRequest struct {
	MessagingProduct string     `json:"messaging_product"`
	RecipientType    string     `json:"recipient_type"`
	To               string     `json:"to"`
	Type             string     `json:"type"`
	Text             *textBody  `json:"text,omitempty"`
	Image            *mediaBody `json:"image,omitempty"`
	Video            *mediaBody `json:"video,omitempty"`
	Audio            *mediaBody `json:"audio,omitempty"`
	Document         *mediaBody `json:"document,omitempty"`
}

// NewClient validates cfg and builds a client.
func NewClient(cfg config.WhatsAppConfig, log *slog.Logger) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("whatsapp.api_key is required")
	}
	phoneNumberID := strings.TrimSpace(cfg.PhoneNumberID)
	if phoneNumberID == "" {
		return nil, errors.New("whatsapp.phone_number_id is required")
	}
	recipient := strings.TrimSpace(cfg.Recipient)
	if recipient == "" {
		return nil, errors.New("whatsapp.recipient is required")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid whatsapp.base_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("whatsapp.base_url must use http or https scheme, got %q", u.Scheme)
	}

	timeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	limit := rate.Inf
	if cfg.RateLimitPerSecond > 0 {
		limit = rate.Limit(cfg.RateLimitPerSecond)
	}

	if log == nil {
		log = slog.Default()
	}

	return &Client{
		httpClient:    &http.Client{Timeout: timeout},
		limiter:       rate.NewLimiter(limit, max(1, cfg.RateLimitBurst)),
		baseURL:       baseURL,
		apiKey:        apiKey,
		phoneNumberID: phoneNumberID,
		recipient:     recipient,
		log:           log.With("component", "whatsapp.client"),
	}, nil
}

// SendText sends a text message.
func (c *Client) SendText(ctx context.Context, text string) (relay.ProviderResponse, error) {
	request := c.newRequest("text")
	request.Text = &textBody{Body: text}

	return c.send(ctx, request)
}

// SendMedia sends a media message by link. The caption is dropped for categories
// that do not support one.
func (c *Client) SendMedia(ctx context.Context, category relay.MediaCategory, link string, caption string) (relay.ProviderResponse, error) {
	if !category.SupportsCaption() {
		caption = ""
	}

	media := &mediaBody{Link: link, Caption: caption}
	request := c.newRequest(string(category))
	switch category {
	case relay.MediaImage:
		request.Image = media
	case relay.MediaVideo:
		request.Video = media
	case relay.MediaAudio:
		request.Audio = media
	case relay.MediaDocument:
		request.Document = media
	default:
		return relay.ProviderResponse{}, relay.NewError(relay.ErrorUnsupportedKind, fmt.Sprintf("media category %q", category))
	}

	return c.send(ctx, request)
}

// Health checks that the credentials can read the sending phone number.
func (c *Client) Health(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/%s?fields=id", c.baseURL, url.PathEscape(c.phoneNumberID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp health check: %s", c.redact(err.Error()))
	}
	defer drain(resp.Body)

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		return fmt.Errorf("whatsapp health check: %s", c.describeFailure(resp.StatusCode, body))
	}

	return nil
}

func (c *Client) newRequest(messageType string) messageRequest {
	return messageRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               c.recipient,
		Type:             messageType,
	}
}

// send executes a single POST and classifies failures: network errors, 429 and 5xx are
// retryable, any other non-2xx status is not.
func (c *Client) send(ctx context.Context, request messageRequest) (relay.ProviderResponse, error) {
	payload, err := json.Marshal(request)
	if err != nil {
		return relay.ProviderResponse{}, fmt.Errorf("marshal whatsapp payload: %w", err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return relay.ProviderResponse{}, relay.NewTransportError(fmt.Errorf("rate limit wait: %w", err), true)
	}

	endpoint := fmt.Sprintf("%s/%s/messages", c.baseURL, url.PathEscape(c.phoneNumberID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return relay.ProviderResponse{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start).Seconds()
	if err != nil {
		requestsTotal.WithLabelValues(request.Type, "network_error").Inc()
		requestDuration.WithLabelValues(request.Type).Observe(duration)
		return relay.ProviderResponse{}, relay.NewTransportError(errors.New(c.redact(err.Error())), true)
	}
	defer drain(resp.Body)

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	requestDuration.WithLabelValues(request.Type).Observe(duration)
	requestsTotal.WithLabelValues(request.Type, statusClass(resp.StatusCode)).Inc()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if readErr != nil {
			return relay.ProviderResponse{}, relay.NewTransportError(fmt.Errorf("read whatsapp response: %w", readErr), true)
		}

		c.log.Debug("WhatsApp message accepted", "type", request.Type, "status", resp.StatusCode)
		return relay.ProviderResponse{StatusCode: resp.StatusCode, Body: body}, nil
	}

	retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
	return relay.ProviderResponse{}, relay.NewTransportError(errors.New(c.describeFailure(resp.StatusCode, body)), retryable)
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("User-Agent", userAgent)
}

// describeFailure renders the Graph API error object when present.
func (c *Client) describeFailure(status int, body []byte) string {
	message := gjson.GetBytes(body, "error.message").String()
	if message == "" {
		return fmt.Sprintf("whatsapp returned HTTP %d", status)
	}

	code := gjson.GetBytes(body, "error.code")
	if code.Exists() {
		return c.redact(fmt.Sprintf("whatsapp returned HTTP %d: %s (code %d)", status, message, code.Int()))
	}

	return c.redact(fmt.Sprintf("whatsapp returned HTTP %d: %s", status, message))
}

func (c *Client) redact(text string) string {
	if c.apiKey == "" {
		return text
	}

	return strings.ReplaceAll(text, c.apiKey, "[redacted]")
}

func statusClass(status int) string {
	return fmt.Sprintf("%dxx", status/100)
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	body.Close()
}
