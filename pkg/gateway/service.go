package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"tgbridge/pkg/bus"
	"tgbridge/pkg/channel"
	"tgbridge/pkg/config"
	"tgbridge/pkg/media"
	"tgbridge/pkg/relay"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const (
	defaultHealthHost     = "127.0.0.1"
	defaultHealthPort     = 18791
	defaultHealthInterval = 30 * time.Second
	defaultSweepInterval  = 10 * time.Minute
)

// HealthChecker probes the outbound sink. *whatsapp.Client implements it.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// MediaStore serves and expires republished attachments. *media.Store implements it.
type MediaStore interface {
	Handler() http.Handler
	Sweep(maxAge time.Duration) (int, error)
}

// Options carries the collaborators of a Service. Relay and Adapters are required.
type Options struct {
	Relay       *relay.Relay
	Adapters    []channel.Adapter
	Sink        HealthChecker
	Media       MediaStore
	Events      relay.EventPublisher
	MediaMaxAge time.Duration
}

// Service runs the channel adapters, the delivery lanes, and the status server.
type Service struct {
	cfg      *config.Config
	log      *slog.Logger
	relay    *relay.Relay
	channels []channel.Adapter
	sink     HealthChecker
	media    MediaStore
	events   relay.EventPublisher

	healthInterval time.Duration
	sweepInterval  time.Duration
	mediaMaxAge    time.Duration

	lanesMu sync.RWMutex
	lanes   *laneManager

	mu            sync.RWMutex
	startedAt     time.Time
	sinkLastOKAt  time.Time
	sinkLastErr   string
	channelStates map[string]channelState
}

type channelState struct {
	Running bool   `json:"running"`
	Paused  bool   `json:"paused"`
	Error   string `json:"error,omitempty"`
}

type statusResponse struct {
	Status        string                  `json:"status"`
	UptimeSeconds int64                   `json:"uptime_seconds"`
	SinkLastOKAt  string                  `json:"sink_last_ok_at,omitempty"`
	SinkLastErr   string                  `json:"sink_last_error,omitempty"`
	Channels      map[string]channelState `json:"channels"`
	Queued        int                     `json:"queued"`
	Outcomes      map[string]uint64       `json:"outcomes"`
}

// NewService validates collaborators and builds a service.
func NewService(cfg *config.Config, opts Options, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if opts.Relay == nil {
		return nil, errors.New("relay is required")
	}
	if len(opts.Adapters) == 0 {
		return nil, errors.New("at least one channel adapter is required")
	}
	if log == nil {
		log = slog.Default()
	}

	channelStates := make(map[string]channelState, len(opts.Adapters))
	for _, adapter := range opts.Adapters {
		channelStates[adapter.Name()] = channelState{}
	}

	maxAge := opts.MediaMaxAge
	if maxAge <= 0 {
		maxAge = time.Duration(max(cfg.Media.RetentionMinutes, 1)) * time.Minute
	}

	return &Service{
		cfg:            cfg,
		log:            log.With("component", "gateway.service"),
		relay:          opts.Relay,
		channels:       opts.Adapters,
		sink:           opts.Sink,
		media:          opts.Media,
		events:         opts.Events,
		healthInterval: defaultHealthInterval,
		sweepInterval:  defaultSweepInterval,
		mediaMaxAge:    maxAge,
		channelStates:  channelStates,
	}, nil
}

// Run blocks until ctx ends or a collaborator fails. Adapter start failures and status
// server bind errors are returned; per-message failures never are.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	if err := s.checkSinkHealth(ctx); err != nil {
		s.log.Warn("Outbound sink is not healthy yet", "error", err)
	}

	listener, err := s.listen()
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)

	lanes := newLaneManager(groupCtx, s.cfg.Relay.QueueSize, s.deliver, s.log)
	s.lanesMu.Lock()
	s.lanes = lanes
	s.lanesMu.Unlock()

	group.Go(func() error {
		return s.serveStatus(groupCtx, listener)
	})

	group.Go(func() error {
		s.every(groupCtx, s.healthInterval, func() {
			_ = s.checkSinkHealth(groupCtx)
		})
		return nil
	})

	if s.media != nil {
		group.Go(func() error {
			s.every(groupCtx, s.sweepInterval, s.sweepMedia)
			return nil
		})
	}

	for _, adapter := range s.channels {
		group.Go(func() error {
			s.setChannelState(adapter.Name(), channelState{Running: true})

			err := adapter.Run(groupCtx, s.handleInbound)
			s.setChannelState(adapter.Name(), channelState{Running: false, Error: errorString(err)})
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("run %s channel: %w", adapter.Name(), err)
			}
			return nil
		})
	}

	err = group.Wait()
	lanes.Close()
	s.log.Info("Gateway stopped", "error", errorString(err))

	return err
}

// handleInbound is the channel handler: admit, then queue for delivery.
func (s *Service) handleInbound(ctx context.Context, msg relay.Message) relay.Outcome {
	msg, outcome, ok := s.relay.Admit(ctx, msg)
	if !ok {
		return outcome
	}

	s.lanesMu.RLock()
	lanes := s.lanes
	s.lanesMu.RUnlock()

	if lanes == nil {
		return s.relay.Deliver(ctx, msg)
	}

	if err := lanes.Enqueue(ctx, msg); err != nil {
		s.log.Warn("Dropping admitted message", "message_id", msg.ID, "chat_id", msg.ChatID, "error", err)
		s.publish(ctx, msg, bus.Event{Type: bus.EventMessageDropped, Reason: "shutdown", Error: err.Error()})
		return relay.OutcomeDropped
	}

	s.publish(ctx, msg, bus.Event{Type: bus.EventMessageQueued})
	return relay.OutcomeAccepted
}

func (s *Service) deliver(ctx context.Context, msg relay.Message) {
	s.relay.Deliver(ctx, msg)
}

func (s *Service) publish(ctx context.Context, msg relay.Message, event bus.Event) {
	if s.events == nil {
		return
	}

	if len(s.channels) == 1 {
		event.Channel = s.channels[0].Name()
	}
	event.ChatID = msg.ChatID
	event.MessageID = msg.ID
	event.Kind = string(msg.Kind)
	s.events.PublishEvent(ctx, event)
}

// Handler returns the status server routes.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())
	if s.media != nil {
		mux.Handle(media.RoutePrefix, s.media.Handler())
	}

	return mux
}

func (s *Service) address() string {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultHealthHost
	}

	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = defaultHealthPort
	}

	return net.JoinHostPort(host, strconv.Itoa(port))
}

func (s *Service) listen() (net.Listener, error) {
	listener, err := net.Listen("tcp", s.address())
	if err != nil {
		return nil, fmt.Errorf("start status server: %w", err)
	}

	return listener, nil
}

func (s *Service) serveStatus(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway status server started", "address", listener.Addr().String())
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve status server: %w", err)
	}

	return nil
}

func (s *Service) every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func (s *Service) sweepMedia() {
	removed, err := s.media.Sweep(s.mediaMaxAge)
	if err != nil {
		s.log.Warn("Media sweep failed", "error", err)
		return
	}
	if removed > 0 {
		s.log.Info("Expired republished media", "removed", removed)
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := "ready"
	if !s.isReady() {
		status = "not_ready"
	}

	s.respondStatus(w, http.StatusOK, status)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	payload := s.currentStatus(status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	outcomes := make(map[string]uint64)
	for outcome, count := range s.relay.Stats() {
		outcomes[string(outcome)] = count
	}

	queued := 0
	s.lanesMu.RLock()
	if s.lanes != nil {
		queued = s.lanes.Queued()
	}
	s.lanesMu.RUnlock()

	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	channels := make(map[string]channelState, len(s.channelStates))
	for name, state := range s.channelStates {
		state.Paused = s.channelPaused(name)
		channels[name] = state
	}

	sinkLastOK := ""
	if !s.sinkLastOKAt.IsZero() {
		sinkLastOK = s.sinkLastOKAt.Format(time.RFC3339)
	}

	return statusResponse{
		Status:        status,
		UptimeSeconds: uptime,
		SinkLastOKAt:  sinkLastOK,
		SinkLastErr:   s.sinkLastErr,
		Channels:      channels,
		Queued:        queued,
		Outcomes:      outcomes,
	}
}

// StatusText renders a short status summary for chat replies.
func (s *Service) StatusText() string {
	status := s.currentStatus("")

	var b strings.Builder
	fmt.Fprintf(&b, "Uptime: %s", time.Duration(status.UptimeSeconds)*time.Second)
	for _, outcome := range []relay.Outcome{relay.OutcomeForwarded, relay.OutcomeForwardError, relay.OutcomeFiltered, relay.OutcomeDuplicate, relay.OutcomeDropped} {
		fmt.Fprintf(&b, "\n%s: %d", outcome, status.Outcomes[string(outcome)])
	}
	fmt.Fprintf(&b, "\nqueued: %d", status.Queued)
	if status.SinkLastErr != "" {
		fmt.Fprintf(&b, "\nWhatsApp: %s", status.SinkLastErr)
	}

	return b.String()
}

func (s *Service) channelPaused(name string) bool {
	for _, adapter := range s.channels {
		if adapter.Name() != name {
			continue
		}
		if pausable, ok := adapter.(channel.Pausable); ok {
			return pausable.Paused()
		}
	}

	return false
}

func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.channelStates) == 0 {
		return false
	}

	anyRunning := false
	for _, state := range s.channelStates {
		if state.Running {
			anyRunning = true
			break
		}
	}

	if !anyRunning {
		return false
	}

	if s.sink == nil {
		return true
	}

	return !s.sinkLastOKAt.IsZero() && s.sinkLastErr == ""
}

func (s *Service) checkSinkHealth(ctx context.Context) error {
	if s.sink == nil {
		return nil
	}

	if err := s.sink.Health(ctx); err != nil {
		s.mu.Lock()
		s.sinkLastErr = err.Error()
		s.mu.Unlock()
		sinkHealthy.Set(0)
		return fmt.Errorf("sink health check failed: %w", err)
	}

	s.mu.Lock()
	s.sinkLastErr = ""
	s.sinkLastOKAt = time.Now().UTC()
	s.mu.Unlock()
	sinkHealthy.Set(1)

	return nil
}

func (s *Service) setChannelState(name string, state channelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelStates[name] = state
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
