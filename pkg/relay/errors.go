package relay

import (
	"errors"
	"fmt"
)

const (
	ErrorTransport          = "transport_error"
	ErrorDeliveryFailed     = "delivery_failed"
	ErrorUnsupportedKind    = "unsupported_kind"
	ErrorMissingAttachment  = "missing_attachment"
	ErrorMalformedEvent     = "malformed_event"
	ErrorUnexpectedResponse = "unexpected_response"
)

// ErrDeliveryFailed matches every error returned for a message that could not be delivered.
var ErrDeliveryFailed = errors.New("delivery failed")

// Error represents a stable, categorized relay failure.
type Error struct {
	Category  string
	Detail    string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	message := e.Category
	if e.Detail != "" {
		message = fmt.Sprintf("%s: %s", e.Category, e.Detail)
	}
	if e.Err != nil {
		message = fmt.Sprintf("%s: %v", message, e.Err)
	}

	return message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}

// Is lets errors.Is(err, ErrDeliveryFailed) match delivery failures regardless of cause.
func (e *Error) Is(target error) bool {
	return target == ErrDeliveryFailed && e != nil && e.Category == ErrorDeliveryFailed
}

// NewError creates a categorized relay error.
func NewError(category string, detail string) error {
	return &Error{Category: category, Detail: detail}
}

// NewTransportError marks one failed outbound attempt. Only retryable transport errors
// are retried by the dispatcher.
func NewTransportError(err error, retryable bool) error {
	return &Error{Category: ErrorTransport, Retryable: retryable, Err: err}
}

func deliveryFailed(detail string, cause error) error {
	return &Error{Category: ErrorDeliveryFailed, Detail: detail, Err: cause}
}

// CategoryFromError returns the stable category for an error when available.
func CategoryFromError(err error) string {
	if err == nil {
		return ""
	}

	var categorized *Error
	if errors.As(err, &categorized) {
		return categorized.Category
	}

	// Sinks that return plain errors are treated as network failures.
	return ErrorTransport
}

// isRetryable reports whether one failed attempt is worth another try.
func isRetryable(err error) bool {
	var categorized *Error
	if errors.As(err, &categorized) {
		return categorized.Category == ErrorTransport && categorized.Retryable
	}

	return true
}
