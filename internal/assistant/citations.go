package assistant

import (
	"strconv"
	"strings"

	"github.com/nextlevelbuilder/roomclaw/internal/providers"
)

// SourcesDelimiter separates the answer from its trailing sources list.
const SourcesDelimiter = "\n\n---\n**Sources:**\n"

// FormatCitations appends a numbered sources section to text. Citations are
// deduplicated by their rendered form and keep first-seen order. Without
// citations text is returned unchanged.
func FormatCitations(text string, citations []providers.Citation) string {
	seen := make(map[string]bool, len(citations))
	var lines []string
	for _, c := range citations {
		if strings.TrimSpace(c.URL) == "" {
			continue
		}
		rendered := c.String()
		if seen[rendered] {
			continue
		}
		seen[rendered] = true
		lines = append(lines, strconv.Itoa(len(lines)+1)+". "+rendered)
	}
	if len(lines) == 0 {
		return text
	}
	return text + SourcesDelimiter + strings.Join(lines, "\n")
}
