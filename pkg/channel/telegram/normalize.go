package telegram

import (
	"strconv"
	"strings"
	"time"

	"tgbridge/pkg/relay"

	"github.com/mymmrac/telego"
)

const (
	mimePhoto    = "image/jpeg"
	mimeVideo    = "video/mp4"
	mimeAudio    = "audio/mpeg"
	mimeVoice    = "audio/ogg"
	mimeSticker  = "image/webp"
	mimeDocument = "application/octet-stream"
)

// messageID builds the relay identity of a Telegram message. Telegram message ids are
// only unique within one chat.
func messageID(chatID int64, id int) string {
	return strconv.FormatInt(chatID, 10) + ":" + strconv.Itoa(id)
}

// normalizeMessage converts a Telegram message or channel post into a relay message.
func normalizeMessage(message *telego.Message) (relay.Message, error) {
	if message == nil {
		return relay.Message{}, relay.NewError(relay.ErrorMalformedEvent, "update carries no message")
	}

	msg := relay.Message{
		ID:        messageID(message.Chat.ID, message.MessageID),
		ChatID:    strconv.FormatInt(message.Chat.ID, 10),
		Timestamp: time.Unix(message.Date, 0).UTC(),
		Kind:      relay.KindText,
		Text:      message.Text,
		Caption:   message.Caption,
	}
	if message.From != nil {
		msg.UserID = strconv.FormatInt(message.From.ID, 10)
		msg.Username = message.From.Username
	}

	if kind, attachment := detectMedia(message); kind != "" {
		msg.Kind = kind
		msg.Attachment = attachment
	}

	if msg.Kind == relay.KindText && strings.TrimSpace(msg.Text) == "" {
		return relay.Message{}, relay.NewError(relay.ErrorUnsupportedKind, "message has no text and no supported media")
	}

	return msg, nil
}

// detectMedia picks the first supported media field in photo, video, document, audio,
// voice, sticker order.
func detectMedia(message *telego.Message) (relay.Kind, *relay.Attachment) {
	switch {
	case len(message.Photo) > 0:
		photo := largestPhoto(message.Photo)
		return relay.KindPhoto, &relay.Attachment{
			ReferenceID: photo.FileID,
			MimeType:    mimePhoto,
			SizeBytes:   int64(photo.FileSize),
		}
	case message.Video != nil:
		return relay.KindVideo, &relay.Attachment{
			ReferenceID: message.Video.FileID,
			MimeType:    withDefault(message.Video.MimeType, mimeVideo),
			FileName:    message.Video.FileName,
			SizeBytes:   int64(message.Video.FileSize),
		}
	case message.Document != nil:
		return relay.KindDocument, &relay.Attachment{
			ReferenceID: message.Document.FileID,
			MimeType:    withDefault(message.Document.MimeType, mimeDocument),
			FileName:    message.Document.FileName,
			SizeBytes:   int64(message.Document.FileSize),
		}
	case message.Audio != nil:
		return relay.KindAudio, &relay.Attachment{
			ReferenceID: message.Audio.FileID,
			MimeType:    withDefault(message.Audio.MimeType, mimeAudio),
			FileName:    message.Audio.FileName,
			SizeBytes:   int64(message.Audio.FileSize),
		}
	case message.Voice != nil:
		return relay.KindVoice, &relay.Attachment{
			ReferenceID: message.Voice.FileID,
			MimeType:    withDefault(message.Voice.MimeType, mimeVoice),
			SizeBytes:   int64(message.Voice.FileSize),
		}
	case message.Sticker != nil:
		return relay.KindSticker, &relay.Attachment{
			ReferenceID: message.Sticker.FileID,
			MimeType:    mimeSticker,
			SizeBytes:   int64(message.Sticker.FileSize),
		}
	default:
		return "", nil
	}
}

// largestPhoto returns the size with the most pixels. Telegram lists sizes ascending,
// so ties go to the later entry.
func largestPhoto(sizes []telego.PhotoSize) telego.PhotoSize {
	best := sizes[0]
	for _, size := range sizes[1:] {
		if size.Width*size.Height >= best.Width*best.Height {
			best = size
		}
	}

	return best
}

func withDefault(value string, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}

	return fallback
}
