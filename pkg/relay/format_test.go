package relay

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{name: "text with username", msg: Message{Kind: KindText, Username: "alice", Text: "hello"}, want: "*alice*: hello"},
		{name: "text without username", msg: Message{Kind: KindText, Text: "hello"}, want: "hello"},
		{name: "media text and caption", msg: Message{Kind: KindPhoto, Text: "t", Caption: "c"}, want: "t\n\nc"},
		{name: "media caption only", msg: Message{Kind: KindVideo, Caption: "nice"}, want: "nice"},
		{name: "media placeholder", msg: Message{Kind: KindSticker}, want: "[sticker]"},
		{name: "media placeholder with username", msg: Message{Kind: KindVoice, Username: "bob"}, want: "*bob*: [voice]"},
		{name: "media caption with username", msg: Message{Kind: KindDocument, Username: "bob", Caption: "report"}, want: "*bob*: report"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Format(tt.msg); got != tt.want {
				t.Fatalf("Format = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCombinedTextHasNoPrefixOrPlaceholder(t *testing.T) {
	t.Parallel()

	if got := CombinedText(Message{Kind: KindPhoto, Username: "alice"}); got != "" {
		t.Fatalf("CombinedText = %q, want empty", got)
	}
	if got := CombinedText(Message{Kind: KindText, Username: "alice", Text: "hello"}); got != "hello" {
		t.Fatalf("CombinedText = %q, want %q", got, "hello")
	}
}

func TestPreview(t *testing.T) {
	t.Parallel()

	if got := Preview("  short  "); got != "short" {
		t.Fatalf("Preview = %q, want %q", got, "short")
	}

	long := make([]byte, previewLimit+10)
	for i := range long {
		long[i] = 'x'
	}
	if got := Preview(string(long)); len(got) != previewLimit+3 {
		t.Fatalf("Preview len = %d, want %d", len(got), previewLimit+3)
	}
}

func TestPreviewKeepsRunesWhole(t *testing.T) {
	t.Parallel()

	// Two-byte runes after a one-byte prefix put a continuation byte at the limit.
	text := "a" + strings.Repeat("é", previewLimit)
	got := Preview(text)

	if !utf8.ValidString(got) {
		t.Fatalf("Preview produced invalid UTF-8: %q", got)
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("Preview = %q, want trailing ellipsis", got)
	}
	if body := strings.TrimSuffix(got, "..."); len(body) != previewLimit-1 {
		t.Fatalf("Preview body len = %d, want %d", len(body), previewLimit-1)
	}
}
