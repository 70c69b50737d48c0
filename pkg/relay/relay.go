package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"tgbridge/pkg/bus"

	"github.com/google/uuid"
)

const previewLimit = 240

// Outcome is the terminal state of one inbound event.
type Outcome string

const (
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeFiltered     Outcome = "filtered"
	OutcomeForwarded    Outcome = "forwarded"
	OutcomeForwardError Outcome = "forward-error"
	OutcomeDropped      Outcome = "dropped"
	// OutcomeAccepted marks a message that passed dedup and filtering and awaits Deliver.
	OutcomeAccepted Outcome = "accepted"
)

// Deliverer sends one admitted message.
type Deliverer interface {
	Dispatch(ctx context.Context, msg Message) DispatchResult
}

// Enricher rewrites an admitted message before filtering, for example to fill in a
// voice transcript. *transcribe.Transcriber implements it.
type Enricher interface {
	Enrich(ctx context.Context, msg Message) Message
}

// EventPublisher receives relay lifecycle events. *bus.MessageBus implements it.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event bus.Event) bool
}

// Options configures a Relay.
type Options struct {
	Channel       string
	Filter        FilterConfig
	DedupCapacity int
	Dispatcher    Deliverer
	Enricher      Enricher
	Events        EventPublisher
	Logger        *slog.Logger
}

// Relay decides, per inbound event, whether to forward it and delivers it.
//
// The dedup window is the only state carried between events.
type Relay struct {
	channel    string
	filter     FilterConfig
	dispatcher Deliverer
	enricher   Enricher
	events     EventPublisher
	log        *slog.Logger

	mu    sync.Mutex
	dedup *DedupCache

	statsMu sync.Mutex
	stats   map[Outcome]uint64
}

// New builds a relay with an empty dedup window.
func New(opts Options) (*Relay, error) {
	if opts.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Relay{
		channel:    strings.TrimSpace(opts.Channel),
		filter:     opts.Filter,
		dispatcher: opts.Dispatcher,
		enricher:   opts.Enricher,
		events:     opts.Events,
		log:        log.With("component", "relay.orchestrator"),
		dedup:      NewDedupCache(opts.DedupCapacity),
		stats:      make(map[Outcome]uint64),
	}, nil
}

// Process runs the full pipeline for one event: dedup, filter, then dispatch.
func (r *Relay) Process(ctx context.Context, msg Message) Outcome {
	msg, outcome, ok := r.Admit(ctx, msg)
	if !ok {
		return outcome
	}

	return r.Deliver(ctx, msg)
}

// Admit performs the dedup, enrich and filter steps. It returns the enriched message,
// OutcomeAccepted and true when the message should be passed to Deliver. A message is
// recorded as seen before enrichment and filtering, so a duplicate causes no enrichment
// work and a filtered or failed message is never reconsidered.
func (r *Relay) Admit(ctx context.Context, msg Message) (Message, Outcome, bool) {
	log := r.log.With("message_id", msg.ID, "chat_id", msg.ChatID, "kind", string(msg.Kind))
	r.publish(ctx, msg, bus.Event{Type: bus.EventMessageReceived})

	if err := msg.Validate(); err != nil {
		log.Warn("Dropping malformed message", "error", err)
		r.finish(ctx, msg, OutcomeDropped, bus.Event{
			Type:   bus.EventMessageDropped,
			Reason: CategoryFromError(err),
			Error:  err.Error(),
		})
		return msg, OutcomeDropped, false
	}

	if !r.markSeen(msg.ID) {
		log.Debug("Message already processed, ignoring")
		r.finish(ctx, msg, OutcomeDuplicate, bus.Event{Type: bus.EventMessageDuplicate})
		return msg, OutcomeDuplicate, false
	}

	if r.enricher != nil {
		msg = r.enricher.Enrich(ctx, msg)
	}

	decision := Decide(msg, r.filter)
	if !decision.Forward {
		log.Info("Message filtered, not forwarding", "reason", decision.Reason, "match", decision.Match)
		r.finish(ctx, msg, OutcomeFiltered, bus.Event{
			Type:    bus.EventMessageFiltered,
			Reason:  decision.Reason,
			Payload: map[string]string{"match": decision.Match},
		})
		return msg, OutcomeFiltered, false
	}

	r.count(OutcomeAccepted)
	return msg, OutcomeAccepted, true
}

// Deliver dispatches an admitted message. Failures, including panics raised by the
// sink, are reported as OutcomeForwardError and never escape.
func (r *Relay) Deliver(ctx context.Context, msg Message) (outcome Outcome) {
	requestID := uuid.NewString()
	log := r.log.With("message_id", msg.ID, "chat_id", msg.ChatID, "kind", string(msg.Kind), "request_id", requestID)

	defer func() {
		if recovered := recover(); recovered != nil {
			err := fmt.Errorf("dispatch panicked: %v", recovered)
			log.Error("Failed to forward message", "error", err)
			r.finish(ctx, msg, OutcomeForwardError, bus.Event{
				Type:      bus.EventMessageForwardFailed,
				RequestID: requestID,
				Reason:    ErrorDeliveryFailed,
				Error:     err.Error(),
			})
			outcome = OutcomeForwardError
		}
	}()

	log.Info("Forwarding message", "preview", Preview(Format(msg)))
	result := r.dispatcher.Dispatch(ctx, msg)
	if !result.Success {
		log.Error("Failed to forward message", "attempts", result.Attempts, "error", result.Err)
		r.finish(ctx, msg, OutcomeForwardError, bus.Event{
			Type:      bus.EventMessageForwardFailed,
			RequestID: requestID,
			Attempts:  result.Attempts,
			Reason:    CategoryFromError(result.Err),
			Error:     errorString(result.Err),
		})
		return OutcomeForwardError
	}

	log.Info("Message forwarded", "provider_message_id", result.ProviderMessageID, "attempts", result.Attempts, "degraded", result.Degraded)
	r.finish(ctx, msg, OutcomeForwarded, bus.Event{
		Type:      bus.EventMessageForwarded,
		RequestID: requestID,
		Attempts:  result.Attempts,
		Payload: map[string]string{
			"provider_message_id": result.ProviderMessageID,
			"degraded":            strconv.FormatBool(result.Degraded),
		},
	})
	return OutcomeForwarded
}

// Stats returns a snapshot of outcome counters.
func (r *Relay) Stats() map[Outcome]uint64 {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()

	out := make(map[Outcome]uint64, len(r.stats))
	for outcome, count := range r.stats {
		out[outcome] = count
	}
	return out
}

// markSeen atomically checks and records id. It returns false for duplicates.
func (r *Relay) markSeen(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dedup.Seen(id) {
		return false
	}
	r.dedup.Record(id)
	return true
}

func (r *Relay) finish(ctx context.Context, msg Message, outcome Outcome, event bus.Event) {
	r.count(outcome)
	messagesTotal.WithLabelValues(string(outcome)).Inc()
	r.publish(ctx, msg, event)
}

func (r *Relay) count(outcome Outcome) {
	r.statsMu.Lock()
	r.stats[outcome]++
	r.statsMu.Unlock()
}

func (r *Relay) publish(ctx context.Context, msg Message, event bus.Event) {
	if r.events == nil {
		return
	}

	event.Channel = r.channel
	event.ChatID = msg.ChatID
	event.MessageID = msg.ID
	event.Kind = string(msg.Kind)
	if event.Preview == "" {
		event.Preview = Preview(Format(msg))
	}
	r.events.PublishEvent(ctx, event)
}

// Preview returns a bounded log-safe preview of message text.
func Preview(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= previewLimit {
		return trimmed
	}

	cut := previewLimit
	for cut > 0 && !utf8.RuneStart(trimmed[cut]) {
		cut--
	}

	return trimmed[:cut] + "..."
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
