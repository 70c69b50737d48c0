package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	DefaultMaxRetries = 3
	// DefaultIDPath locates the message id in a WhatsApp Cloud API send response.
	DefaultIDPath = "messages.0.id"

	maxBackoffShift = 30
)

// MediaCategory is the outbound media type understood by the sink.
type MediaCategory string

const (
	MediaImage    MediaCategory = "image"
	MediaVideo    MediaCategory = "video"
	MediaAudio    MediaCategory = "audio"
	MediaDocument MediaCategory = "document"
)

var mediaCategories = map[Kind]MediaCategory{
	KindPhoto:    MediaImage,
	KindVideo:    MediaVideo,
	KindAudio:    MediaAudio,
	KindDocument: MediaDocument,
	KindVoice:    MediaAudio,
	KindSticker:  MediaImage,
}

// CategoryFor maps an inbound kind onto the outbound media category. Kinds without a
// mapping are sent as documents.
func CategoryFor(kind Kind) MediaCategory {
	if category, ok := mediaCategories[kind]; ok {
		return category
	}

	return MediaDocument
}

// SupportsCaption reports whether the category accepts a caption next to the media.
func (c MediaCategory) SupportsCaption() bool {
	switch c {
	case MediaImage, MediaVideo, MediaDocument:
		return true
	default:
		return false
	}
}

// ProviderResponse is the raw result of one successful outbound call.
type ProviderResponse struct {
	StatusCode int
	Body       []byte
}

// Sink is the outbound channel. One call is one delivery attempt; retries belong to the
// Dispatcher.
type Sink interface {
	SendText(ctx context.Context, text string) (ProviderResponse, error)
	SendMedia(ctx context.Context, category MediaCategory, url string, caption string) (ProviderResponse, error)
}

// AttachmentResolver turns an inbound attachment reference into a URL the sink can fetch.
type AttachmentResolver interface {
	ResolveURL(ctx context.Context, attachment Attachment) (string, error)
}

// DispatchResult is the outcome of one Dispatch call.
type DispatchResult struct {
	Success           bool
	ProviderMessageID string
	Attempts          int
	Degraded          bool
	Err               error
}

// DispatcherOptions configures delivery behavior.
type DispatcherOptions struct {
	MaxRetries   int
	IDPath       string
	PrefixSender bool
}

// DefaultDispatcherOptions returns the standard retry policy.
func DefaultDispatcherOptions() DispatcherOptions {
	return DispatcherOptions{
		MaxRetries: DefaultMaxRetries,
		IDPath:     DefaultIDPath,
	}
}

type sendFunc func(ctx context.Context) (ProviderResponse, error)

// Dispatcher delivers messages through a Sink with exponential backoff.
type Dispatcher struct {
	sink     Sink
	resolver AttachmentResolver
	opts     DispatcherOptions
	log      *slog.Logger
	wait     func(ctx context.Context, delay time.Duration) error
}

// NewDispatcher builds a dispatcher. A nil resolver sends every media message as text.
func NewDispatcher(sink Sink, resolver AttachmentResolver, opts DispatcherOptions, log *slog.Logger) (*Dispatcher, error) {
	if sink == nil {
		return nil, errors.New("sink is required")
	}
	if log == nil {
		log = slog.Default()
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if strings.TrimSpace(opts.IDPath) == "" {
		opts.IDPath = DefaultIDPath
	}

	return &Dispatcher{
		sink:     sink,
		resolver: resolver,
		opts:     opts,
		log:      log.With("component", "relay.dispatcher"),
		wait:     sleepContext,
	}, nil
}

// Dispatch sends msg through the sink, retrying transport failures.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) DispatchResult {
	log := d.log.With("message_id", msg.ID, "kind", string(msg.Kind))

	if !msg.Kind.IsMedia() {
		body := d.textBody(msg)
		return d.deliver(ctx, log, func(ctx context.Context) (ProviderResponse, error) {
			return d.sink.SendText(ctx, body)
		})
	}

	url, err := d.resolveAttachment(ctx, msg)
	if err != nil {
		log.Warn("Sending media message as text", "reason", CategoryFromError(err), "error", err)
		body := d.textBody(msg)
		if body == "" {
			body = placeholder(msg.Kind)
		}
		result := d.deliver(ctx, log, func(ctx context.Context) (ProviderResponse, error) {
			return d.sink.SendText(ctx, body)
		})
		result.Degraded = true
		return result
	}

	category := CategoryFor(msg.Kind)
	caption := ""
	if category.SupportsCaption() {
		caption = CombinedText(msg)
	}

	return d.deliver(ctx, log, func(ctx context.Context) (ProviderResponse, error) {
		return d.sink.SendMedia(ctx, category, url, caption)
	})
}

// SendText delivers a bare text body with the same retry policy as Dispatch.
func (d *Dispatcher) SendText(ctx context.Context, text string) DispatchResult {
	return d.deliver(ctx, d.log, func(ctx context.Context) (ProviderResponse, error) {
		return d.sink.SendText(ctx, text)
	})
}

func (d *Dispatcher) textBody(msg Message) string {
	if d.opts.PrefixSender {
		return Format(msg)
	}

	return CombinedText(msg)
}

func (d *Dispatcher) resolveAttachment(ctx context.Context, msg Message) (string, error) {
	if !msg.HasAttachment() {
		return "", NewError(ErrorMissingAttachment, "message has no attachment reference")
	}
	if d.resolver == nil {
		return "", NewError(ErrorMissingAttachment, "no attachment resolver configured")
	}

	url, err := d.resolver.ResolveURL(ctx, *msg.Attachment)
	if err != nil {
		return "", &Error{Category: ErrorMissingAttachment, Detail: "resolve attachment", Err: err}
	}
	if strings.TrimSpace(url) == "" {
		return "", NewError(ErrorMissingAttachment, "resolver returned an empty url")
	}

	return url, nil
}

// deliver runs send with up to MaxRetries retries. Each call runs on a context that
// ignores cancellation so an in-flight request is never cut off mid-send; cancellation of
// ctx only prevents further retries.
func (d *Dispatcher) deliver(ctx context.Context, log *slog.Logger, send sendFunc) DispatchResult {
	if ctx == nil {
		ctx = context.Background()
	}

	var lastErr error
	for attempt := 0; attempt <= d.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return failedResult(attempt, deliveryFailed("retry aborted", err))
			}

			delay := backoffDelay(attempt)
			log.Info("Waiting before retrying outbound call", "attempt", attempt, "max_retries", d.opts.MaxRetries, "delay", delay)
			if err := d.wait(ctx, delay); err != nil {
				return failedResult(attempt, deliveryFailed("retry aborted", err))
			}
			dispatchRetriesTotal.Inc()
		}

		startedAt := time.Now()
		response, err := send(context.WithoutCancel(ctx))
		duration := time.Since(startedAt).Seconds()
		if err == nil {
			dispatchAttemptsTotal.WithLabelValues("success").Inc()
			dispatchDuration.WithLabelValues("success").Observe(duration)

			id, parseErr := extractMessageID(response, d.opts.IDPath)
			if parseErr != nil {
				return failedResult(attempt+1, deliveryFailed("unexpected provider response", parseErr))
			}

			log.Debug("Outbound call completed", "attempt", attempt+1, "provider_message_id", id)
			return DispatchResult{Success: true, ProviderMessageID: id, Attempts: attempt + 1}
		}

		dispatchAttemptsTotal.WithLabelValues("error").Inc()
		dispatchDuration.WithLabelValues("error").Observe(duration)
		lastErr = err

		if !isRetryable(err) {
			return failedResult(attempt+1, deliveryFailed("outbound call rejected", err))
		}

		log.Warn("Outbound call failed", "attempt", attempt+1, "max_attempts", d.opts.MaxRetries+1, "error", err)
	}

	attempts := d.opts.MaxRetries + 1
	return failedResult(attempts, deliveryFailed(fmt.Sprintf("retries exhausted after %d attempts", attempts), lastErr))
}

func failedResult(attempts int, err error) DispatchResult {
	return DispatchResult{Attempts: attempts, Err: err}
}

// backoffDelay returns 2^attempt seconds for retry number attempt (1-based).
func backoffDelay(attempt int) time.Duration {
	shift := min(max(attempt, 0), maxBackoffShift)
	return time.Duration(1<<shift) * time.Second
}

func extractMessageID(response ProviderResponse, path string) (string, error) {
	if !gjson.ValidBytes(response.Body) {
		return "", NewError(ErrorUnexpectedResponse, fmt.Sprintf("status %d: body is not valid JSON", response.StatusCode))
	}

	id := gjson.GetBytes(response.Body, path)
	if !id.Exists() || strings.TrimSpace(id.String()) == "" {
		return "", NewError(ErrorUnexpectedResponse, fmt.Sprintf("status %d: no message id at %q", response.StatusCode, path))
	}

	return id.String(), nil
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
