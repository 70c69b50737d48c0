package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"tgbridge/pkg/config"
	"tgbridge/pkg/relay"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const defaultModel = "whisper-1"

// Opener downloads an inbound attachment. *telegram.FileResolver implements it.
type Opener interface {
	Open(ctx context.Context, attachment relay.Attachment) (io.ReadCloser, string, error)
}

// Transcriber fills in the text of voice messages using the OpenAI transcription API.
type Transcriber struct {
	client openai.Client
	model  openai.AudioModel
	opener Opener
	log    *slog.Logger
}

// New builds a transcriber from cfg. cfg.APIKey must already be resolved.
func New(cfg config.TranscriptionConfig, opener Opener, log *slog.Logger) (*Transcriber, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("transcription api key is required")
	}
	if opener == nil {
		return nil, errors.New("attachment opener is required")
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	if log == nil {
		log = slog.Default()
	}

	options := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(1),
	}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	return &Transcriber{
		client: openai.NewClient(options...),
		model:  openai.AudioModel(model),
		opener: opener,
		log:    log.With("component", "transcribe.openai"),
	}, nil
}

// Applies reports whether msg is a voice note without text of its own.
func Applies(msg relay.Message) bool {
	return msg.Kind == relay.KindVoice && msg.HasAttachment() && strings.TrimSpace(msg.Text) == ""
}

// Enrich returns msg with the transcript as its text. On failure the message is
// returned unchanged.
func (t *Transcriber) Enrich(ctx context.Context, msg relay.Message) relay.Message {
	if !Applies(msg) {
		return msg
	}

	body, name, err := t.opener.Open(ctx, *msg.Attachment)
	if err != nil {
		t.log.Warn("Failed to download voice note", "message_id", msg.ID, "error", err)
		return msg
	}
	defer body.Close()

	text, err := t.Transcribe(ctx, name, body)
	if err != nil {
		t.log.Warn("Failed to transcribe voice note", "message_id", msg.ID, "error", err)
		return msg
	}

	t.log.Info("Transcribed voice note", "message_id", msg.ID, "chars", len(text))
	msg.Text = text
	return msg
}

// Transcribe sends audio to the transcription endpoint and returns the trimmed text.
func (t *Transcriber) Transcribe(ctx context.Context, name string, audio io.Reader) (string, error) {
	transcription, err := t.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		Model: t.model,
		File:  openai.File(audio, uploadName(name), "audio/ogg"),
	})
	if err != nil {
		return "", fmt.Errorf("transcribing %s: %w", name, err)
	}

	return strings.TrimSpace(transcription.Text), nil
}

// uploadName maps Telegram's .oga and .opus voice extensions to .ogg, which the API
// accepts for the same OGG/Opus container.
func uploadName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "voice.ogg"
	}

	switch strings.ToLower(filepath.Ext(name)) {
	case ".oga", ".opus", "":
		return strings.TrimSuffix(name, filepath.Ext(name)) + ".ogg"
	default:
		return name
	}
}
