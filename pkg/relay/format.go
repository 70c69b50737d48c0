package relay

import "fmt"

// Format renders msg as the human-readable relay text.
func Format(msg Message) string {
	content := msg.Text
	if msg.Kind.IsMedia() {
		content = CombinedText(msg)
		if content == "" {
			content = placeholder(msg.Kind)
		}
	}

	if msg.Username != "" {
		return fmt.Sprintf("*%s*: %s", msg.Username, content)
	}

	return content
}

// CombinedText merges text and caption without any sender prefix.
func CombinedText(msg Message) string {
	switch {
	case msg.Text != "" && msg.Caption != "":
		return msg.Text + "\n\n" + msg.Caption
	case msg.Text != "":
		return msg.Text
	default:
		return msg.Caption
	}
}

func placeholder(kind Kind) string {
	return fmt.Sprintf("[%s]", kind)
}
