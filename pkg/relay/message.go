package relay

import (
	"fmt"
	"strings"
	"time"
)

// Kind is the inbound content type of one message.
type Kind string

const (
	KindText     Kind = "text"
	KindPhoto    Kind = "photo"
	KindVideo    Kind = "video"
	KindDocument Kind = "document"
	KindAudio    Kind = "audio"
	KindVoice    Kind = "voice"
	KindSticker  Kind = "sticker"
)

// Kinds lists every supported kind in detection order.
var Kinds = []Kind{KindText, KindPhoto, KindVideo, KindDocument, KindAudio, KindVoice, KindSticker}

// ParseKind maps a config or CLI value onto a Kind.
func ParseKind(value string) (Kind, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(value)))
	for _, known := range Kinds {
		if kind == known {
			return kind, nil
		}
	}

	return "", NewError(ErrorUnsupportedKind, fmt.Sprintf("%q", value))
}

// IsMedia reports whether the kind carries an attachment.
func (k Kind) IsMedia() bool {
	return k != KindText && k != ""
}

// Attachment references a file held by the inbound platform.
type Attachment struct {
	ReferenceID string `json:"reference_id"`
	MimeType    string `json:"mime_type,omitempty"`
	FileName    string `json:"file_name,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
}

// Message is the platform-independent record of one inbound event.
//
// Two messages with the same ID are the same logical message.
type Message struct {
	ID         string      `json:"id"`
	ChatID     string      `json:"chat_id"`
	UserID     string      `json:"user_id,omitempty"`
	Username   string      `json:"username,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	Kind       Kind        `json:"kind"`
	Text       string      `json:"text,omitempty"`
	Caption    string      `json:"caption,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// Validate rejects records that are missing required fields.
func (m Message) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return NewError(ErrorMalformedEvent, "message id is required")
	}
	if strings.TrimSpace(m.ChatID) == "" {
		return NewError(ErrorMalformedEvent, "chat id is required")
	}
	if _, err := ParseKind(string(m.Kind)); err != nil {
		return NewError(ErrorMalformedEvent, fmt.Sprintf("unknown kind %q", m.Kind))
	}

	return nil
}

// HasAttachment reports whether the message carries a resolvable reference.
func (m Message) HasAttachment() bool {
	return m.Attachment != nil && strings.TrimSpace(m.Attachment.ReferenceID) != ""
}
