package whatsapp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"tgbridge/pkg/config"
	"tgbridge/pkg/relay"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAPIKey = "EAAG-secret-token"

type capturedRequest struct {
	method string
	path   string
	query  string
	auth   string
	body   map[string]any
}

type graphServer struct {
	mu       sync.Mutex
	requests []capturedRequest
	status   int
	response string
}

func newGraphServer(t *testing.T, status int, response string) (*graphServer, *httptest.Server) {
	t.Helper()

	gs := &graphServer{status: status, response: response}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		captured := capturedRequest{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			auth:   r.Header.Get("Authorization"),
		}
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &captured.body)
		}

		gs.mu.Lock()
		gs.requests = append(gs.requests, captured)
		status, response := gs.status, gs.response
		gs.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(server.Close)

	return gs, server
}

func (gs *graphServer) last() capturedRequest {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.requests[len(gs.requests)-1]
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()

	client, err := NewClient(config.WhatsAppConfig{
		APIKey:        testAPIKey,
		PhoneNumberID: "1055",
		Recipient:     "34600000000",
		BaseURL:       baseURL,
	}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	return client
}

const acceptedBody = `{"messaging_product":"whatsapp","contacts":[{"input":"34600000000","wa_id":"34600000000"}],"messages":[{"id":"wamid.HBgL"}]}`

func TestSendTextPayload(t *testing.T) {
	t.Parallel()

	gs, server := newGraphServer(t, http.StatusOK, acceptedBody)
	client := newTestClient(t, server.URL)

	response, err := client.SendText(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, response.StatusCode)
	require.JSONEq(t, acceptedBody, string(response.Body))

	req := gs.last()
	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, "/1055/messages", req.path)
	assert.Equal(t, "Bearer "+testAPIKey, req.auth)
	assert.Equal(t, map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                "34600000000",
		"type":              "text",
		"text":              map[string]any{"body": "hello"},
	}, req.body)
}

func TestSendMediaPayload(t *testing.T) {
	t.Parallel()

	tests := []struct {
		category relay.MediaCategory
		caption  string
		want     map[string]any
	}{
		{category: relay.MediaImage, caption: "nice", want: map[string]any{"link": "https://m.example/p.jpg", "caption": "nice"}},
		{category: relay.MediaVideo, caption: "clip", want: map[string]any{"link": "https://m.example/p.jpg", "caption": "clip"}},
		{category: relay.MediaDocument, caption: "", want: map[string]any{"link": "https://m.example/p.jpg"}},
		{category: relay.MediaAudio, caption: "dropped", want: map[string]any{"link": "https://m.example/p.jpg"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.category), func(t *testing.T) {
			t.Parallel()

			gs, server := newGraphServer(t, http.StatusOK, acceptedBody)
			client := newTestClient(t, server.URL)

			_, err := client.SendMedia(context.Background(), tt.category, "https://m.example/p.jpg", tt.caption)
			require.NoError(t, err)

			body := gs.last().body
			assert.Equal(t, string(tt.category), body["type"])
			assert.Equal(t, tt.want, body[string(tt.category)])
			for _, other := range []string{"text", "image", "video", "audio", "document"} {
				if other != string(tt.category) {
					assert.NotContains(t, body, other)
				}
			}
		})
	}
}

func TestSendClassifiesFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		response  string
		retryable bool
		contains  string
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, response: `{}`, retryable: true, contains: "HTTP 429"},
		{name: "server error", status: http.StatusBadGateway, response: `oops`, retryable: true, contains: "HTTP 502"},
		{
			name:      "bad token",
			status:    http.StatusUnauthorized,
			response:  `{"error":{"message":"Invalid OAuth access token - ` + testAPIKey + `","type":"OAuthException","code":190}}`,
			retryable: false,
			contains:  "(code 190)",
		},
		{name: "bad request", status: http.StatusBadRequest, response: `{}`, retryable: false, contains: "HTTP 400"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, server := newGraphServer(t, tt.status, tt.response)
			client := newTestClient(t, server.URL)

			_, err := client.SendText(context.Background(), "hi")
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.contains)
			require.NotContains(t, err.Error(), testAPIKey)

			var relayErr *relay.Error
			require.ErrorAs(t, err, &relayErr)
			require.Equal(t, relay.ErrorTransport, relayErr.Category)
			require.Equal(t, tt.retryable, relayErr.Retryable)
		})
	}
}

func TestSendNetworkErrorIsRetryable(t *testing.T) {
	t.Parallel()

	_, server := newGraphServer(t, http.StatusOK, acceptedBody)
	client := newTestClient(t, server.URL)
	server.Close()

	_, err := client.SendText(context.Background(), "hi")
	var relayErr *relay.Error
	require.ErrorAs(t, err, &relayErr)
	require.True(t, relayErr.Retryable)
}

func TestDispatcherRetriesThroughClient(t *testing.T) {
	t.Parallel()

	gs, server := newGraphServer(t, http.StatusServiceUnavailable, `{}`)
	client := newTestClient(t, server.URL)

	dispatcher, err := relay.NewDispatcher(client, nil, relay.DispatcherOptions{MaxRetries: 0}, nil)
	require.NoError(t, err)

	result := dispatcher.SendText(context.Background(), "hi")
	require.False(t, result.Success)
	require.ErrorIs(t, result.Err, relay.ErrDeliveryFailed)

	gs.mu.Lock()
	gs.status, gs.response = http.StatusOK, acceptedBody
	gs.mu.Unlock()

	result = dispatcher.SendText(context.Background(), "hi")
	require.True(t, result.Success)
	require.Equal(t, "wamid.HBgL", result.ProviderMessageID)
}

func TestSendCountsRequests(t *testing.T) {
	_, server := newGraphServer(t, http.StatusOK, acceptedBody)
	client := newTestClient(t, server.URL)

	counter := requestsTotal.WithLabelValues("text", "2xx")
	before := testutil.ToFloat64(counter)

	_, err := client.SendText(context.Background(), "hi")
	require.NoError(t, err)
	require.InDelta(t, before+1, testutil.ToFloat64(counter), 0.001)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	gs, server := newGraphServer(t, http.StatusOK, `{"id":"1055"}`)
	client := newTestClient(t, server.URL)

	require.NoError(t, client.Health(context.Background()))
	req := gs.last()
	require.Equal(t, http.MethodGet, req.method)
	require.Equal(t, "/1055", req.path)
	require.Equal(t, "fields=id", req.query)

	_, failing := newGraphServer(t, http.StatusUnauthorized, `{"error":{"message":"expired","code":190}}`)
	err := newTestClient(t, failing.URL).Health(context.Background())
	require.ErrorContains(t, err, "expired")
}

func TestNewClientValidation(t *testing.T) {
	t.Parallel()

	valid := config.WhatsAppConfig{APIKey: "k", PhoneNumberID: "1", Recipient: "2"}

	_, err := NewClient(valid, nil)
	require.NoError(t, err)

	for name, mutate := range map[string]func(*config.WhatsAppConfig){
		"missing key":       func(c *config.WhatsAppConfig) { c.APIKey = " " },
		"missing phone id":  func(c *config.WhatsAppConfig) { c.PhoneNumberID = "" },
		"missing recipient": func(c *config.WhatsAppConfig) { c.Recipient = "" },
		"bad scheme":        func(c *config.WhatsAppConfig) { c.BaseURL = "ftp://graph" },
	} {
		cfg := valid
		mutate(&cfg)
		_, err := NewClient(cfg, nil)
		require.Error(t, err, name)
	}
}
