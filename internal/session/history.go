package session

import (
	"strings"

	"github.com/baptistecolle/cmdclaw-sub005/internal/domain"
)

// ReplayWindow returns the messages that a fresh execution session must see:
// everything after the latest session-reset marker, starting no earlier than
// the latest compaction summary. Reset markers are never included.
func ReplayWindow(messages []domain.Message) []domain.Message {
	start := 0
	for i, msg := range messages {
		switch msg.Kind {
		case domain.MessageKindCompaction:
			start = i
		case domain.MessageKindSessionReset:
			start = i + 1
		}
	}

	out := make([]domain.Message, 0, len(messages)-start)
	for _, msg := range messages[start:] {
		if msg.Kind == domain.MessageKindSessionReset {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// BuildHistory serializes messages into a single synthetic history turn.
// It returns "" when there is nothing to replay.
func BuildHistory(messages []domain.Message) string {
	window := ReplayWindow(messages)
	if len(window) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("The following is the prior conversation. Use it as context; do not reply to it.\n")
	b.WriteString("<conversation_history>\n")
	for _, msg := range window {
		label := string(msg.Role)
		if msg.Kind == domain.MessageKindCompaction {
			label = "summary"
		}
		b.WriteString("[")
		b.WriteString(label)
		b.WriteString("]: ")
		b.WriteString(strings.TrimSpace(msg.Content))
		b.WriteString("\n")
	}
	b.WriteString("</conversation_history>")
	return b.String()
}
