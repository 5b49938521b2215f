package assistant

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/roomclaw/internal/providers"
	"github.com/nextlevelbuilder/roomclaw/internal/store"
)

func defaultSystemPrompt(name string) string {
	return fmt.Sprintf("You are %s, an AI assistant taking part in a team chat. "+
		"Answer the message addressed to you helpfully and concisely, in the language it was written in. "+
		"Use the conversation for context. When web search results are available, rely on them for current facts.", name)
}

// BuildPrompt renders the conversation as a chronological transcript with one
// "author: text" line per message, followed by the message to answer.
// history must be ascending by creation time.
func BuildPrompt(cfg Config, history []store.Message, trigger store.Message) []providers.Message {
	system := cfg.SystemPrompt
	if system == "" {
		system = defaultSystemPrompt(cfg.Name)
	}

	var b strings.Builder
	b.WriteString("Conversation so far:\n")
	for _, m := range history {
		b.WriteString(authorLabel(cfg.Name, m))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "\nReply to this message from %s:\n%s", authorLabel(cfg.Name, trigger), trigger.Content)

	return []providers.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: b.String()},
	}
}

func authorLabel(assistantName string, m store.Message) string {
	if m.IsAIResponse {
		return assistantName + " (AI)"
	}
	if m.AuthorName != "" {
		return m.AuthorName
	}
	if m.AuthorID != "" {
		return m.AuthorID
	}
	return "unknown"
}
