package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"tgbridge/pkg/bus"
	"tgbridge/pkg/channel"
	"tgbridge/pkg/config"
	"tgbridge/pkg/relay"

	"github.com/stretchr/testify/require"
)

type recordingDeliverer struct {
	mu   sync.Mutex
	sent []relay.Message
	fail map[string]bool
}

func (d *recordingDeliverer) Dispatch(_ context.Context, msg relay.Message) relay.DispatchResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.sent = append(d.sent, msg)
	if d.fail[msg.ID] {
		return relay.DispatchResult{Attempts: 1, Err: relay.NewError(relay.ErrorDeliveryFailed, "boom")}
	}
	return relay.DispatchResult{Success: true, ProviderMessageID: "wamid." + msg.ID, Attempts: 1}
}

func (d *recordingDeliverer) messages() []relay.Message {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]relay.Message(nil), d.sent...)
}

type namedAdapter struct {
	name   string
	paused bool
}

func (a *namedAdapter) Name() string { return a.name }

func (a *namedAdapter) Run(ctx context.Context, _ channel.Handler) error {
	<-ctx.Done()
	return nil
}

func (a *namedAdapter) Paused() bool { return a.paused }

type suffixEnricher struct {
	mu    sync.Mutex
	calls int
}

func (e *suffixEnricher) Enrich(_ context.Context, msg relay.Message) relay.Message {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()

	msg.Text += " (enriched)"
	return msg
}

func (e *suffixEnricher) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.calls
}

type eventLog struct {
	mu     sync.Mutex
	events []bus.Event
}

func (l *eventLog) PublishEvent(_ context.Context, event bus.Event) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, event)
	return true
}

func (l *eventLog) types() []bus.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]bus.EventType, 0, len(l.events))
	for _, event := range l.events {
		out = append(out, event.Type)
	}
	return out
}

func newTestRelay(t *testing.T, deliverer relay.Deliverer, filter relay.FilterConfig) *relay.Relay {
	t.Helper()

	r, err := relay.New(relay.Options{Channel: "telegram", Filter: filter, DedupCapacity: 64, Dispatcher: deliverer})
	require.NoError(t, err)
	return r
}

func newTestService(t *testing.T, opts Options) *Service {
	t.Helper()

	if opts.Relay == nil {
		opts.Relay = newTestRelay(t, &recordingDeliverer{}, relay.FilterConfig{})
	}
	if len(opts.Adapters) == 0 {
		opts.Adapters = []channel.Adapter{&namedAdapter{name: "telegram"}}
	}

	cfg := &config.Config{
		Gateway: config.GatewayConfig{Host: "127.0.0.1", Port: freeTCPPort(t)},
		Relay:   config.RelayConfig{QueueSize: 8},
	}

	svc, err := NewService(cfg, opts, nil)
	require.NoError(t, err)
	return svc
}

func inboundText(id string, chatID string, text string) relay.Message {
	return relay.Message{
		ID:        chatID + ":" + id,
		ChatID:    chatID,
		Kind:      relay.KindText,
		Text:      text,
		Timestamp: time.Unix(1700000000, 0).UTC(),
	}
}

func TestNewServiceValidatesCollaborators(t *testing.T) {
	t.Parallel()

	r := newTestRelay(t, &recordingDeliverer{}, relay.FilterConfig{})
	adapters := []channel.Adapter{&namedAdapter{name: "telegram"}}

	_, err := NewService(nil, Options{Relay: r, Adapters: adapters}, nil)
	require.ErrorContains(t, err, "config is required")

	_, err = NewService(&config.Config{}, Options{Adapters: adapters}, nil)
	require.ErrorContains(t, err, "relay is required")

	_, err = NewService(&config.Config{}, Options{Relay: r}, nil)
	require.ErrorContains(t, err, "adapter")

	svc, err := NewService(&config.Config{Media: config.MediaConfig{RetentionMinutes: 5}}, Options{Relay: r, Adapters: adapters}, nil)
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, svc.mediaMaxAge)
	require.Equal(t, "127.0.0.1:18791", svc.address())
}

func TestIsReady(t *testing.T) {
	t.Parallel()

	svc := &Service{channelStates: map[string]channelState{"telegram": {Running: true}}, sink: healthFunc(nil)}
	if svc.isReady() {
		t.Fatal("expected not ready without a successful sink check")
	}

	svc.sinkLastOKAt = time.Now().UTC()
	if !svc.isReady() {
		t.Fatal("expected ready with running channel and healthy sink")
	}

	svc.sinkLastErr = "boom"
	if svc.isReady() {
		t.Fatal("expected not ready when the sink has an error")
	}

	svc.sink = nil
	if !svc.isReady() {
		t.Fatal("expected ready without a sink health checker")
	}

	svc.channelStates["telegram"] = channelState{}
	if svc.isReady() {
		t.Fatal("expected not ready without a running channel")
	}
}

type healthFunc func(context.Context) error

func (f healthFunc) Health(ctx context.Context) error {
	if f == nil {
		return nil
	}
	return f(ctx)
}

func TestCheckSinkHealthRecordsState(t *testing.T) {
	t.Parallel()

	var failing bool
	svc := newTestService(t, Options{Sink: healthFunc(func(context.Context) error {
		if failing {
			return errors.New("graph api down")
		}
		return nil
	})})

	require.NoError(t, svc.checkSinkHealth(context.Background()))
	require.False(t, svc.sinkLastOKAt.IsZero())
	require.Empty(t, svc.sinkLastErr)

	failing = true
	err := svc.checkSinkHealth(context.Background())
	require.ErrorContains(t, err, "graph api down")
	require.Equal(t, "graph api down", svc.sinkLastErr)
}

func TestHandleInboundWithoutLanesDeliversDirectly(t *testing.T) {
	t.Parallel()

	deliverer := &recordingDeliverer{}
	enricher := &suffixEnricher{}
	r, err := relay.New(relay.Options{Channel: "telegram", DedupCapacity: 64, Dispatcher: deliverer, Enricher: enricher})
	require.NoError(t, err)
	svc := newTestService(t, Options{Relay: r})

	outcome := svc.handleInbound(context.Background(), inboundText("1", "-100", "hello"))
	require.Equal(t, relay.OutcomeForwarded, outcome)

	sent := deliverer.messages()
	require.Len(t, sent, 1)
	require.Equal(t, "hello (enriched)", sent[0].Text)

	require.Equal(t, relay.OutcomeDuplicate, svc.handleInbound(context.Background(), inboundText("1", "-100", "hello")))
	require.Equal(t, 1, enricher.count())
}

func TestHandleInboundRedeliveryIsNotEnriched(t *testing.T) {
	t.Parallel()

	deliverer := &recordingDeliverer{}
	enricher := &suffixEnricher{}
	r, err := relay.New(relay.Options{Channel: "telegram", DedupCapacity: 64, Dispatcher: deliverer, Enricher: enricher})
	require.NoError(t, err)
	svc := newTestService(t, Options{Relay: r})
	svc.lanes = newLaneManager(context.Background(), 4, svc.deliver, nil)
	defer svc.lanes.Close()

	msg := inboundText("7", "-100", "voice note")
	require.Equal(t, relay.OutcomeAccepted, svc.handleInbound(context.Background(), msg))
	for range 3 {
		require.Equal(t, relay.OutcomeDuplicate, svc.handleInbound(context.Background(), msg))
	}

	require.Eventually(t, func() bool { return len(deliverer.messages()) == 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, 1, enricher.count())
}

func TestHandleInboundFilteredNeverQueues(t *testing.T) {
	t.Parallel()

	filter, err := relay.NewFilterConfig(relay.FilterOptions{IgnoredKeywords: []string{"spam"}})
	require.NoError(t, err)

	deliverer := &recordingDeliverer{}
	events := &eventLog{}
	svc := newTestService(t, Options{Relay: newTestRelay(t, deliverer, filter), Events: events})
	svc.lanes = newLaneManager(context.Background(), 4, svc.deliver, nil)
	defer svc.lanes.Close()

	require.Equal(t, relay.OutcomeFiltered, svc.handleInbound(context.Background(), inboundText("1", "-100", "buy spam")))
	require.Equal(t, 0, svc.lanes.Queued())
	require.Empty(t, deliverer.messages())
	require.Empty(t, events.types())
}

func TestHandleInboundAfterShutdownPublishesDrop(t *testing.T) {
	t.Parallel()

	events := &eventLog{}
	deliverer := &recordingDeliverer{}
	svc := newTestService(t, Options{Relay: newTestRelay(t, deliverer, relay.FilterConfig{}), Events: events})

	lanes := newLaneManager(context.Background(), 4, svc.deliver, nil)
	lanes.Close()
	svc.lanes = lanes

	outcome := svc.handleInbound(context.Background(), inboundText("1", "-100", "late"))
	require.Equal(t, relay.OutcomeDropped, outcome)
	require.Empty(t, deliverer.messages())

	require.Equal(t, []bus.EventType{bus.EventMessageDropped}, events.types())
	require.Equal(t, "shutdown", events.events[0].Reason)
	require.Equal(t, "telegram", events.events[0].Channel)
	require.Equal(t, "-100:1", events.events[0].MessageID)
}

func TestHandlerServesStatusAndMetrics(t *testing.T) {
	t.Parallel()

	adapter := &namedAdapter{name: "telegram", paused: true}
	svc := newTestService(t, Options{Adapters: []channel.Adapter{adapter}})
	svc.setChannelState("telegram", channelState{Running: true})
	svc.startedAt = time.Now().UTC()
	svc.handleInbound(context.Background(), inboundText("1", "-100", "hello"))

	handler := svc.Handler()

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Equal(t, "application/json", recorder.Header().Get("Content-Type"))

	var status statusResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &status))
	require.Equal(t, "ready", status.Status)
	require.True(t, status.Channels["telegram"].Running)
	require.True(t, status.Channels["telegram"].Paused)
	require.Equal(t, uint64(1), status.Outcomes["forwarded"])

	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, recorder.Code)

	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Contains(t, recorder.Body.String(), "tgbridge_gateway_queued_messages")

	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/media/x.jpg", nil))
	require.Equal(t, http.StatusNotFound, recorder.Code)
}

type fakeMedia struct {
	mu     sync.Mutex
	sweeps []time.Duration
}

func (m *fakeMedia) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("media:" + strings.TrimPrefix(r.URL.Path, "/media/")))
	})
}

func (m *fakeMedia) Sweep(maxAge time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweeps = append(m.sweeps, maxAge)
	return 1, nil
}

func (m *fakeMedia) sweepCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.sweeps)
}

func TestHandlerMountsMediaStore(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, Options{Media: &fakeMedia{}})

	recorder := httptest.NewRecorder()
	svc.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/media/abc.jpg", nil))
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Equal(t, "media:abc.jpg", recorder.Body.String())
}

func TestStatusTextSummarizesOutcomes(t *testing.T) {
	t.Parallel()

	deliverer := &recordingDeliverer{fail: map[string]bool{"-100:2": true}}
	svc := newTestService(t, Options{Relay: newTestRelay(t, deliverer, relay.FilterConfig{})})

	svc.handleInbound(context.Background(), inboundText("1", "-100", "ok"))
	svc.handleInbound(context.Background(), inboundText("2", "-100", "fails"))
	svc.handleInbound(context.Background(), inboundText("1", "-100", "ok"))
	svc.sinkLastErr = "token expired"

	text := svc.StatusText()
	require.Contains(t, text, "forwarded: 1")
	require.Contains(t, text, "forward-error: 1")
	require.Contains(t, text, "duplicate: 1")
	require.Contains(t, text, "queued: 0")
	require.Contains(t, text, "WhatsApp: token expired")
}
